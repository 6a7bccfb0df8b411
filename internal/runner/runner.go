// Package runner owns the per-request execution lifecycle of scripts and
// templates.
//
// For every request the runner:
//   - scopes the working directory to the script's directory
//   - diverts the output channel into a fresh buffer and attaches the
//     buffer to the request's output slot
//   - evaluates the script (or the compiled template) in the sandbox
//   - restores the output channel and the working directory exactly once,
//     on every exit path
//   - writes the captured output, or a diagnostic report on failure
//
// The working directory and the output channel are process-wide. The runner
// does not lock them: callers must not run two executions concurrently in
// one process. The HTTP gateway serializes requests for that reason.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/turnstile/internal/sandbox"
	"github.com/jkaninda/turnstile/internal/stdio"
)

// DefaultHandledBy labels diagnostics produced by the runner.
const DefaultHandledBy = "Turnstile"

// Request is what the runner needs from the transport layer.
type Request interface {
	sandbox.Request

	// SetOutput attaches the captured-output buffer to the request.
	SetOutput(w io.Writer)

	// Write sends text to the response.
	Write(text string) error
}

// Compiler translates a template file into script source.
type Compiler interface {
	Compile(path string) (string, error)
}

// Executor runs scripts and templates on behalf of a request.
type Executor interface {
	RunScript(ctx context.Context, req Request) Outcome
	RunTemplate(ctx context.Context, req Request) Outcome
}

// Kind distinguishes raw scripts from templates.
type Kind string

const (
	KindScript   Kind = "script"
	KindTemplate Kind = "template"
)

// Status is the terminal state of one execution.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusRedirected Status = "redirected"
	StatusFailed     Status = "failed"
)

// Outcome describes how an execution ended.
type Outcome struct {
	Kind        Kind
	Status      Status
	RedirectURL string // Set when Status == StatusRedirected.
	Err         error  // Set when Status == StatusFailed.
	Duration    time.Duration
}

// Failed reports whether the execution produced a diagnostic.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }

// Config configures the runner.
type Config struct {
	HandledBy      string // Label printed in diagnostics. Default: "Turnstile".
	MaxOutputBytes int    // Captured output cap. 0 = unlimited.
}

// Runner is the default Executor.
type Runner struct {
	sandbox   sandbox.Sandbox
	compiler  Compiler
	stdout    *stdio.Channel
	handledBy string
	maxOutput int
	logger    *slog.Logger
}

// New creates a runner. stdout must be the channel the sandbox prints to;
// nil selects stdio.Stdout. compiler may be nil when templates are not served.
func New(cfg Config, sbx sandbox.Sandbox, compiler Compiler, stdout *stdio.Channel, logger *slog.Logger) *Runner {
	handledBy := cfg.HandledBy
	if handledBy == "" {
		handledBy = DefaultHandledBy
	}
	if stdout == nil {
		stdout = stdio.Stdout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		sandbox:   sbx,
		compiler:  compiler,
		stdout:    stdout,
		handledBy: handledBy,
		maxOutput: cfg.MaxOutputBytes,
		logger:    logger,
	}
}

// RunScript evaluates the file at req.Path() as raw script source.
func (r *Runner) RunScript(ctx context.Context, req Request) Outcome {
	return r.setup(ctx, req, KindScript, func(path string) error {
		src, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading script %s: %w", path, err)
		}
		return r.sandbox.Evaluate(ctx, req, string(src), path)
	})
}

// RunTemplate compiles the template at req.Path() and evaluates the result.
// Compiler errors are handled exactly like script errors.
func (r *Runner) RunTemplate(ctx context.Context, req Request) Outcome {
	return r.setup(ctx, req, KindTemplate, func(path string) error {
		if r.compiler == nil {
			return fmt.Errorf("no template compiler configured for %s", path)
		}
		src, err := r.compiler.Compile(path)
		if err != nil {
			return err
		}
		return r.sandbox.Evaluate(ctx, req, src, path)
	})
}

// setup runs body inside the capture scope and delivers the result.
func (r *Runner) setup(ctx context.Context, req Request, kind Kind, body func(path string) error) Outcome {
	start := time.Now()
	outcome := Outcome{Kind: kind, Status: StatusCompleted}

	var buf bytes.Buffer
	err := r.capture(req, &buf, body)

	if err != nil {
		if redirect, ok := sandbox.AsRedirect(err); ok {
			outcome.Status = StatusRedirected
			outcome.RedirectURL = redirect.URL
		} else if sandbox.IsTermination(err) {
			outcome.Status = StatusTerminated
		} else {
			outcome.Status = StatusFailed
			outcome.Err = err
		}
	}

	// The channel is already restored here, so nothing below can leak into
	// the diverted buffer.
	var writeErr error
	switch outcome.Status {
	case StatusCompleted, StatusTerminated:
		writeErr = req.Write(buf.String())
	case StatusFailed:
		writeErr = req.Write(Backtrace(err, r.handledBy))
	}
	if writeErr != nil {
		r.logger.WarnContext(ctx, "writing response failed",
			slog.String("path", req.Path()),
			slog.String("error", writeErr.Error()),
		)
	}

	outcome.Duration = time.Since(start)

	attrs := []any{
		slog.String("path", req.Path()),
		slog.String("kind", string(kind)),
		slog.String("status", string(outcome.Status)),
		slog.Duration("duration", outcome.Duration),
	}
	if outcome.Failed() {
		r.logger.WarnContext(ctx, "script failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		r.logger.DebugContext(ctx, "script finished", attrs...)
	}
	return outcome
}

// capture scopes the working directory to the script's directory, diverts
// the output channel into buf and runs body. Both resources are restored
// before capture returns, whether body returns normally, fails or panics.
func (r *Runner) capture(req Request, buf *bytes.Buffer, body func(path string) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p}
		}
	}()

	path, err := filepath.Abs(req.Path())
	if err != nil {
		return fmt.Errorf("resolving script path %s: %w", req.Path(), err)
	}

	leave, err := enterDir(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer func() {
		if leaveErr := leave(); leaveErr != nil && err == nil {
			err = leaveErr
		}
	}()

	sink := stdio.LimitWriter(buf, r.maxOutput)
	restore := r.stdout.Divert(sink)
	defer restore()
	req.SetOutput(sink)

	return body(path)
}

// PanicError wraps a panic recovered while evaluating a request.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Category names the failure in diagnostics.
func (e *PanicError) Category() string { return "Panic" }
