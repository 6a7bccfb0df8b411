package httpapi

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jkaninda/turnstile/internal/runner"
)

// errNotFound covers every path that must not be served: missing files,
// directories without an index, hidden entries and anything outside the root.
var errNotFound = errors.New("document not found")

// kindStatic marks files served as-is.
const kindStatic runner.Kind = "static"

// document is a resolved request target.
type document struct {
	file string
	kind runner.Kind
	info fs.FileInfo
}

// documents maps URL paths onto files below a root directory.
type documents struct {
	root      string
	indexes   []string
	scripts   []string
	templates []string
}

func newDocuments(root string, indexes, scripts, templates []string) (*documents, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	// Compare against the resolved root so symlinked roots work.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &documents{root: abs, indexes: indexes, scripts: scripts, templates: templates}, nil
}

// resolve finds the file for urlPath, following directory index files.
func (d *documents) resolve(urlPath string) (*document, error) {
	clean := path.Clean("/" + urlPath)
	for _, seg := range strings.Split(clean, "/") {
		if strings.HasPrefix(seg, ".") {
			return nil, errNotFound
		}
	}

	file, err := d.contain(filepath.Join(d.root, filepath.FromSlash(clean)))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, errNotFound
	}

	if info.IsDir() {
		file, info, err = d.index(file)
		if err != nil {
			return nil, err
		}
	}

	return &document{file: file, kind: d.kindOf(file), info: info}, nil
}

func (d *documents) index(dir string) (string, fs.FileInfo, error) {
	for _, name := range d.indexes {
		candidate, err := d.contain(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, info, nil
		}
	}
	return "", nil, errNotFound
}

// contain resolves symlinks in file and rejects results outside the root.
func (d *documents) contain(file string) (string, error) {
	resolved, err := filepath.EvalSymlinks(file)
	if err != nil {
		return "", errNotFound
	}
	rel, err := filepath.Rel(d.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errNotFound
	}
	return resolved, nil
}

func (d *documents) kindOf(file string) runner.Kind {
	ext := strings.ToLower(filepath.Ext(file))
	switch {
	case slices.Contains(d.scripts, ext):
		return runner.KindScript
	case slices.Contains(d.templates, ext):
		return runner.KindTemplate
	default:
		return kindStatic
	}
}
