// Package jhtml compiles ERB-style templates into script source.
//
// Template syntax:
//
//	text          written verbatim
//	<%= expr %>   writes String(expr)
//	<% code %>    runs code
//	<%# note %>   comment, produces nothing
//	<%%           a literal "<%"
//	-%>           closes a tag and swallows the newline that follows
//
// The generated script appends everything to request.out. Every newline of
// the template yields exactly one newline in the script, so stack frames
// point at template lines.
package jhtml

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	openTag      = "<%"
	closeTag     = "%>"
	trimCloseTag = "-%>"
)

// SyntaxError reports a malformed template.
type SyntaxError struct {
	Path string
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// Category names the failure in diagnostics.
func (e *SyntaxError) Category() string { return "TemplateError" }

// StackFrames returns the template position as the only frame.
func (e *SyntaxError) StackFrames() []string {
	return []string{e.Path + ":" + strconv.Itoa(e.Line)}
}

// Compiler turns template files into script source.
type Compiler struct{}

// NewCompiler creates a template compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile reads the template at path and compiles it.
func (c *Compiler) Compile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading template %s: %w", path, err)
	}
	return CompileString(path, string(data))
}

// CompileString compiles template text. name is used in error reports.
func CompileString(name, text string) (string, error) {
	var out emitter
	line := 1
	rest := text

	for rest != "" {
		i := strings.Index(rest, openTag)
		if i < 0 {
			out.text(rest)
			break
		}
		out.text(rest[:i])
		line += strings.Count(rest[:i], "\n")
		rest = rest[i+len(openTag):]

		// <%% is an escaped opening tag.
		if strings.HasPrefix(rest, "%") {
			out.text(openTag)
			rest = rest[1:]
			continue
		}

		end := strings.Index(rest, closeTag)
		if end < 0 {
			return "", &SyntaxError{Path: name, Line: line, Msg: "unterminated tag, missing " + closeTag}
		}
		body := rest[:end]
		trim := strings.HasSuffix(body, "-")
		if trim {
			body = body[:len(body)-1]
		}
		rest = rest[end+len(closeTag):]

		switch {
		case strings.HasPrefix(body, "#"):
			for range strings.Count(body, "\n") {
				out.newline()
			}
		case strings.HasPrefix(body, "="):
			expr := strings.TrimSpace(body[1:])
			if expr == "" {
				return "", &SyntaxError{Path: name, Line: line, Msg: "empty expression"}
			}
			out.WriteString("request.out.write(String(")
			out.WriteString(body[1:])
			if hasLineComment(body) {
				out.extraNewline()
			}
			out.WriteString("));")
		default:
			out.WriteString(body)
			code := body
			if hasLineComment(body) {
				out.extraNewline()
				code = body[:strings.LastIndex(body, "//")]
			}
			out.WriteString(statementEnd(code))
		}
		line += strings.Count(body, "\n")

		if trim {
			if after, ok := cutNewline(rest); ok {
				out.newline()
				line++
				rest = after
			}
		}
	}
	return out.String(), nil
}

// emitter builds the generated script. A tag ending in a // comment must be
// followed by a newline the template does not have; owed counts those, and
// the next template newlines are dropped from the script to pay them back.
type emitter struct {
	strings.Builder
	owed int
}

func (e *emitter) newline() {
	if e.owed > 0 {
		e.owed--
		return
	}
	e.WriteByte('\n')
}

func (e *emitter) extraNewline() {
	e.WriteByte('\n')
	e.owed++
}

// text emits template text one line at a time so the newline count of the
// generated source matches the template.
func (e *emitter) text(text string) {
	for text != "" {
		chunk, after, found := strings.Cut(text, "\n")
		if found {
			chunk += "\n"
		}
		quoted, _ := json.Marshal(chunk)
		e.WriteString("request.out.write(")
		e.Write(quoted)
		e.WriteString(");")
		if found {
			e.newline()
		}
		text = after
	}
}

// hasLineComment reports whether the last line of a tag body may end in a
// // comment. A "//" inside a string literal also matches; the extra newline
// is harmless there.
func hasLineComment(body string) bool {
	last := body[strings.LastIndex(body, "\n")+1:]
	return strings.Contains(last, "//")
}

// statementEnd returns the separator placed after a code tag. A tag that
// opens a block is left open so "<% if (x) { %>" wraps the text after it.
func statementEnd(code string) string {
	trimmed := strings.TrimRight(code, " \t\r\n")
	if trimmed == "" || strings.HasSuffix(trimmed, "{") {
		return " "
	}
	return ";"
}

func cutNewline(s string) (string, bool) {
	if after, ok := strings.CutPrefix(s, "\r\n"); ok {
		return after, true
	}
	return strings.CutPrefix(s, "\n")
}
