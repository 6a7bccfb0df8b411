package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/turnstile/internal/sandbox"
	"github.com/jkaninda/turnstile/internal/stdio"
)

type testRequest struct {
	path   string
	output io.Writer
	body   strings.Builder
}

func (r *testRequest) Path() string          { return r.path }
func (r *testRequest) Method() string        { return "GET" }
func (r *testRequest) Param(string) string   { return "" }
func (r *testRequest) Header(string) string  { return "" }
func (r *testRequest) Output() io.Writer     { return r.output }
func (r *testRequest) SetOutput(w io.Writer) { r.output = w }

func (r *testRequest) Write(text string) error {
	r.body.WriteString(text)
	return nil
}

type stubCompiler struct {
	source string
	err    error
}

func (c stubCompiler) Compile(string) (string, error) { return c.source, c.err }

type harness struct {
	runner  *Runner
	channel *stdio.Channel
	outside *bytes.Buffer
	dir     string
}

func newHarness(t *testing.T, compiler Compiler) *harness {
	t.Helper()
	t.Chdir(t.TempDir())

	outside := &bytes.Buffer{}
	ch := stdio.NewChannel(outside)
	ev := sandbox.NewEvaluator(sandbox.Config{}, ch, nil)
	return &harness{
		runner:  New(Config{}, ev, compiler, ch, nil),
		channel: ch,
		outside: outside,
		dir:     t.TempDir(),
	}
}

func (h *harness) script(t *testing.T, name, source string) *testRequest {
	t.Helper()
	path := filepath.Join(h.dir, name)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatal(err)
	}
	return &testRequest{path: path}
}

func TestRunScript_PrintHi(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "hello.js", `print("hi")`)

	outcome := h.runner.RunScript(context.Background(), req)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (err: %v)", outcome.Status, outcome.Err)
	}
	if got := req.body.String(); got != "hi" {
		t.Errorf("body = %q, want %q", got, "hi")
	}
	if h.outside.Len() != 0 {
		t.Errorf("output leaked outside the capture: %q", h.outside.String())
	}
}

func TestRunScript_InterleavesPrintAndDirectWrites(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "mix.js", `print("a"); request.out.write("b"); puts("c")`)

	h.runner.RunScript(context.Background(), req)
	if got, want := req.body.String(), "abc\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestRunScript_FailureRendersDiagnostic(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "boom.js", `print("partial"); function inner() { throw new Error("boom"); } inner();`)

	outcome := h.runner.RunScript(context.Background(), req)
	if !outcome.Failed() {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	body := req.body.String()
	if !strings.Contains(body, "\nError: boom\n") {
		t.Errorf("body missing category line:\n%s", body)
	}
	if strings.Contains(body, "partial") {
		t.Errorf("diagnostic must replace captured output:\n%s", body)
	}
	if got := countFrames(body, "boom.js"); got != 2 {
		t.Errorf("frames in boom.js = %d, want 2:\n%s", got, body)
	}
}

func TestRunScript_DiagnosticIsEscaped(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "xss.js", `throw new Error("<script>alert(\"&\")</script>")`)

	h.runner.RunScript(context.Background(), req)
	body := req.body.String()
	inner := strings.TrimSuffix(strings.TrimPrefix(body, "<pre>"), "</pre>\n")
	if strings.ContainsAny(inner, `<>"`) {
		t.Errorf("unescaped characters in diagnostic:\n%s", body)
	}
	if !strings.Contains(body, "&lt;script&gt;alert(&quot;&amp;&quot;)&lt;/script&gt;") {
		t.Errorf("escaped message not found:\n%s", body)
	}
}

func TestRunScript_RestoresChannel(t *testing.T) {
	h := newHarness(t, nil)
	sources := map[string]string{
		"ok.js":    `print("ok")`,
		"fail.js":  `throw new Error("x")`,
		"exit.js":  `print("a"); exit()`,
		"redir.js": `request.redirect("/x")`,
	}
	for name, src := range sources {
		before := h.channel.Current()
		h.runner.RunScript(context.Background(), h.script(t, name, src))
		if after := h.channel.Current(); after != before {
			t.Errorf("%s: channel writer changed across the invocation", name)
		}
	}
}

func TestRunScript_RestoresWorkingDirectory(t *testing.T) {
	h := newHarness(t, nil)
	before, _ := os.Getwd()

	req := h.script(t, "cwd.js", `throw new Error("x")`)
	h.runner.RunScript(context.Background(), req)

	after, _ := os.Getwd()
	if before != after {
		t.Errorf("cwd = %q, want %q", after, before)
	}
}

func TestRunScript_ScopesWorkingDirectory(t *testing.T) {
	h := newHarness(t, nil)
	if err := os.WriteFile(filepath.Join(h.dir, "data.txt"), []byte("sibling"), 0o644); err != nil {
		t.Fatal(err)
	}
	req := h.script(t, "read.js", `print(readFile("data.txt"))`)

	outcome := h.runner.RunScript(context.Background(), req)
	if outcome.Status != StatusCompleted {
		t.Fatalf("status = %s (err: %v)", outcome.Status, outcome.Err)
	}
	if got := req.body.String(); got != "sibling" {
		t.Errorf("body = %q, want %q", got, "sibling")
	}
}

func TestRunScript_TerminationFlushesOutput(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "exit.js", `print("kept"); exit(); print("dropped")`)

	outcome := h.runner.RunScript(context.Background(), req)
	if outcome.Status != StatusTerminated {
		t.Fatalf("status = %s, want terminated", outcome.Status)
	}
	if got := req.body.String(); got != "kept" {
		t.Errorf("body = %q, want %q", got, "kept")
	}
}

func TestRunScript_RedirectWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "login.js", `print("x"); request.redirect("/login")`)

	outcome := h.runner.RunScript(context.Background(), req)
	if outcome.Status != StatusRedirected || outcome.RedirectURL != "/login" {
		t.Fatalf("outcome = %+v, want redirect to /login", outcome)
	}
	if req.body.Len() != 0 {
		t.Errorf("body = %q, want empty", req.body.String())
	}
}

func TestRunScript_ContextsAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	first := h.script(t, "first.js", `function helper() { return "first" } print(helper())`)
	second := h.script(t, "second.js", `print(typeof helper)`)

	h.runner.RunScript(context.Background(), first)
	h.runner.RunScript(context.Background(), second)
	if got := second.body.String(); got != "undefined" {
		t.Errorf("second body = %q, want %q", got, "undefined")
	}
}

func TestRunScript_MissingFile(t *testing.T) {
	h := newHarness(t, nil)
	req := &testRequest{path: filepath.Join(h.dir, "missing.js")}

	outcome := h.runner.RunScript(context.Background(), req)
	if !outcome.Failed() {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if !strings.Contains(req.body.String(), "PathError") {
		t.Errorf("body missing PathError category:\n%s", req.body.String())
	}
}

func TestRunTemplate_EvaluatesCompiledSource(t *testing.T) {
	h := newHarness(t, stubCompiler{source: `print(1+1)`})
	req := h.script(t, "page.jhtml", "ignored")

	outcome := h.runner.RunTemplate(context.Background(), req)
	if outcome.Kind != KindTemplate || outcome.Status != StatusCompleted {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got := req.body.String(); got != "2" {
		t.Errorf("body = %q, want %q", got, "2")
	}
}

type templateError struct{}

func (templateError) Error() string    { return "unterminated tag" }
func (templateError) Category() string { return "TemplateError" }

func TestRunTemplate_CompileErrorIsDiagnosed(t *testing.T) {
	h := newHarness(t, stubCompiler{err: templateError{}})
	req := h.script(t, "bad.jhtml", "ignored")

	before := h.channel.Current()
	outcome := h.runner.RunTemplate(context.Background(), req)
	if !outcome.Failed() {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if !strings.Contains(req.body.String(), "TemplateError: unterminated tag") {
		t.Errorf("body:\n%s", req.body.String())
	}
	if h.channel.Current() != before {
		t.Error("channel not restored after compile error")
	}
}

func TestRunTemplate_WithoutCompiler(t *testing.T) {
	h := newHarness(t, nil)
	req := h.script(t, "page.jhtml", "ignored")

	if outcome := h.runner.RunTemplate(context.Background(), req); !outcome.Failed() {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
}

type panickingSandbox struct{}

func (panickingSandbox) Evaluate(context.Context, sandbox.Request, string, string) error {
	panic("kaboom")
}

func TestRunScript_PanicIsDiagnosed(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.sandbox = panickingSandbox{}
	req := h.script(t, "p.js", "")
	before := h.channel.Current()
	cwd, _ := os.Getwd()

	outcome := h.runner.RunScript(context.Background(), req)
	var panicErr *PanicError
	if !errors.As(outcome.Err, &panicErr) {
		t.Fatalf("err = %v, want *PanicError", outcome.Err)
	}
	if !strings.Contains(req.body.String(), "Panic: panic: kaboom") {
		t.Errorf("body:\n%s", req.body.String())
	}
	if h.channel.Current() != before {
		t.Error("channel not restored after panic")
	}
	if now, _ := os.Getwd(); now != cwd {
		t.Errorf("cwd = %q, want %q", now, cwd)
	}
}

func TestRunScript_OutputLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.maxOutput = 4
	req := h.script(t, "big.js", `print("abcdefgh")`)

	h.runner.RunScript(context.Background(), req)
	if got := req.body.String(); got != "abcd" {
		t.Errorf("body = %q, want %q", got, "abcd")
	}
}

func countFrames(body, needle string) int {
	n := 0
	inStack := false
	for _, line := range strings.Split(body, "\n") {
		if line == "Stack:" {
			inStack = true
			continue
		}
		if inStack && strings.Contains(line, needle) {
			n++
		}
	}
	return n
}
