package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Evaluator runs scripts in a fresh goja runtime per call.
//
// Guarantees:
//   - One runtime per evaluation, discarded afterwards (never pooled)
//   - Globals outside the allow-list are deleted before the script runs
//   - exit(), request.terminate() and request.redirect() cannot be caught
//     by script-level try/catch
//   - Evaluation is interrupted on timeout or context cancellation
type Evaluator struct {
	timeout      time.Duration
	maxCallStack int
	allowed      map[string]bool
	stdout       io.Writer
	logger       *slog.Logger
}

// NewEvaluator creates an evaluator whose print() writes to stdout.
// stdout is normally the process-wide output channel.
func NewEvaluator(cfg Config, stdout io.Writer, logger *slog.Logger) *Evaluator {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxCallStack := cfg.MaxCallStackSize
	if maxCallStack == 0 {
		maxCallStack = defaultMaxCallStackSize
	}

	allowed := make(map[string]bool, len(DefaultAllowedGlobals)+len(cfg.AllowedGlobals))
	for _, name := range DefaultAllowedGlobals {
		allowed[name] = true
	}
	for _, name := range cfg.AllowedGlobals {
		allowed[name] = true
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Evaluator{
		timeout:      timeout,
		maxCallStack: maxCallStack,
		allowed:      allowed,
		stdout:       stdout,
		logger:       logger,
	}
}

// Evaluate runs source as the top-level program named label.
// It never recovers script errors: they are returned exactly as goja reports them.
func (e *Evaluator) Evaluate(ctx context.Context, req Request, source, label string) error {
	// 1. Apply timeout.
	ctx, cancel := context.WithTimeoutCause(ctx, e.timeout, &TimeoutError{After: e.timeout})
	defer cancel()
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	// 2. Build a fresh execution context.
	vm, err := e.newContext(req)
	if err != nil {
		return fmt.Errorf("building execution context: %w", err)
	}

	// 3. Interrupt the runtime when the context ends.
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(context.Cause(ctx))
	})
	defer stop()

	e.logger.DebugContext(ctx, "sandbox evaluating",
		slog.String("label", label),
		slog.Int("source_bytes", len(source)),
		slog.Duration("timeout", e.timeout),
	)

	// 4. Run.
	_, err = vm.RunScript(label, source)
	return err
}

// newContext creates a runtime stripped down to the allow-list with the
// request and primitives bound in.
func (e *Evaluator) newContext(req Request) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxCallStack)

	global := vm.GlobalObject()
	for _, name := range global.GetOwnPropertyNames() {
		if e.allowed[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			return nil, fmt.Errorf("removing global %q: %w", name, err)
		}
	}

	b := &bindings{vm: vm, req: req, stdout: e.stdout}
	primitives := map[string]func(goja.FunctionCall) goja.Value{
		"print":    b.print,
		"puts":     b.puts,
		"h":        b.escape,
		"readFile": b.readFile,
		"exit":     b.exit,
	}
	for name, fn := range primitives {
		if err := vm.Set(name, fn); err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
	}

	reqObj, err := b.requestObject()
	if err != nil {
		return nil, err
	}
	if err := vm.Set("request", reqObj); err != nil {
		return nil, fmt.Errorf("binding request: %w", err)
	}
	return vm, nil
}

// bindings holds the per-evaluation state behind the script primitives.
type bindings struct {
	vm     *goja.Runtime
	req    Request
	stdout io.Writer
}

func (b *bindings) print(call goja.FunctionCall) goja.Value {
	b.write(b.stdout, joinArgs(call.Arguments))
	return goja.Undefined()
}

func (b *bindings) puts(call goja.FunctionCall) goja.Value {
	b.write(b.stdout, joinArgs(call.Arguments)+"\n")
	return goja.Undefined()
}

func (b *bindings) escape(call goja.FunctionCall) goja.Value {
	return b.vm.ToValue(EscapeHTML(call.Argument(0).String()))
}

func (b *bindings) readFile(call goja.FunctionCall) goja.Value {
	path := call.Argument(0).String()
	data, err := os.ReadFile(path)
	if err != nil {
		panic(b.vm.NewGoError(fmt.Errorf("readFile %s: %w", path, err)))
	}
	return b.vm.ToValue(string(data))
}

func (b *bindings) exit(goja.FunctionCall) goja.Value {
	b.vm.Interrupt(ErrRequestTerminated)
	return goja.Undefined()
}

func (b *bindings) redirect(call goja.FunctionCall) goja.Value {
	target := call.Argument(0)
	if goja.IsUndefined(target) || goja.IsNull(target) || target.String() == "" {
		panic(b.vm.NewTypeError("request.redirect requires a URL"))
	}
	b.vm.Interrupt(&RedirectError{URL: target.String()})
	return goja.Undefined()
}

func (b *bindings) write(w io.Writer, s string) {
	if _, err := io.WriteString(w, s); err != nil {
		panic(b.vm.NewGoError(err))
	}
}

func (b *bindings) requestObject() (*goja.Object, error) {
	out := b.vm.NewObject()
	if err := out.Set("write", func(call goja.FunctionCall) goja.Value {
		b.write(b.req.Output(), joinArgs(call.Arguments))
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("binding request.out: %w", err)
	}

	obj := b.vm.NewObject()
	fields := map[string]any{
		"path":   b.req.Path(),
		"method": b.req.Method(),
		"out":    out,
		"param": func(call goja.FunctionCall) goja.Value {
			return b.vm.ToValue(b.req.Param(call.Argument(0).String()))
		},
		"header": func(call goja.FunctionCall) goja.Value {
			return b.vm.ToValue(b.req.Header(call.Argument(0).String()))
		},
		"redirect":  b.redirect,
		"terminate": b.exit,
	}
	for name, v := range fields {
		if err := obj.Set(name, v); err != nil {
			return nil, fmt.Errorf("binding request.%s: %w", name, err)
		}
	}
	return obj, nil
}

func joinArgs(args []goja.Value) string {
	switch len(args) {
	case 0:
		return ""
	case 1:
		return args[0].String()
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
