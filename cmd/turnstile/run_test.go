package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/turnstile/internal/jhtml"
	"github.com/jkaninda/turnstile/internal/runner"
	"github.com/jkaninda/turnstile/internal/sandbox"
	"github.com/jkaninda/turnstile/internal/stdio"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"name=bob", "empty=", "name=alice", "q=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"name": "alice", "empty": "", "q": "a=b"}
	for k, v := range want {
		if params[k] != v {
			t.Errorf("params[%q] = %q, want %q", k, params[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) succeeded", bad)
		}
	}
}

func TestCLIRequest_RunsThroughRunner(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "hello.js")
	if err := os.WriteFile(file, []byte(`print(request.method + " " + request.param("who"))`), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := stdio.NewChannel(io.Discard)
	exec := runner.New(runner.Config{}, sandbox.NewEvaluator(sandbox.Config{}, ch, logger), jhtml.NewCompiler(), ch, logger)

	var out bytes.Buffer
	req := &cliRequest{path: file, method: "POST", params: map[string]string{"who": "world"}, out: &out}
	outcome := exec.RunScript(context.Background(), req)

	if outcome.Status != runner.StatusCompleted {
		t.Fatalf("status = %s, err = %v", outcome.Status, outcome.Err)
	}
	if out.String() != "POST world" {
		t.Errorf("output = %q", out.String())
	}
}
