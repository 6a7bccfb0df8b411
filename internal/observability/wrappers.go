package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/turnstile/internal/runner"
	"github.com/jkaninda/turnstile/internal/sandbox"
)

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a runner.Executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   runner.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps an executor with observability.
func NewInstrumentedExecutor(inner runner.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *InstrumentedExecutor) RunScript(ctx context.Context, req runner.Request) runner.Outcome {
	return e.observe(ctx, "runner.run_script", req, e.inner.RunScript)
}

func (e *InstrumentedExecutor) RunTemplate(ctx context.Context, req runner.Request) runner.Outcome {
	return e.observe(ctx, "runner.run_template", req, e.inner.RunTemplate)
}

func (e *InstrumentedExecutor) observe(ctx context.Context, name string, req runner.Request, run func(context.Context, runner.Request) runner.Outcome) runner.Outcome {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, name,
			trace.WithAttributes(
				attribute.String("runner.path", req.Path()),
			))
		defer span.End()
	}

	out := run(ctx, req)

	var category string
	if out.Failed() {
		category = runner.Category(out.Err)
	}

	if e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("runner.kind", string(out.Kind)),
			attribute.String("runner.status", string(out.Status)),
		)
		if out.Status == runner.StatusRedirected {
			span.SetAttributes(attribute.String("runner.redirect_url", out.RedirectURL))
		}
		if out.Failed() {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, category)
		}
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(out.Kind), string(out.Status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(string(out.Kind)).Observe(out.Duration.Seconds())
		if out.Failed() {
			e.metrics.DiagnosticsTotal.WithLabelValues(category).Inc()
		}
	}

	return out
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with a tracing span per evaluation.
type InstrumentedSandbox struct {
	inner  sandbox.Sandbox
	tracer trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox with observability.
// Returns inner unchanged when tracing is disabled.
func NewInstrumentedSandbox(inner sandbox.Sandbox, ts *TracerSetup) sandbox.Sandbox {
	if ts == nil {
		return inner
	}
	return &InstrumentedSandbox{inner: inner, tracer: ts.Tracer()}
}

func (s *InstrumentedSandbox) Evaluate(ctx context.Context, req sandbox.Request, source, label string) error {
	ctx, span := s.tracer.Start(ctx, "sandbox.evaluate",
		trace.WithAttributes(
			attribute.String("sandbox.label", label),
			attribute.Int("sandbox.source_bytes", len(source)),
		))
	defer span.End()

	start := time.Now()
	err := s.inner.Evaluate(ctx, req, source, label)
	span.SetAttributes(attribute.Int64("sandbox.duration_ms", time.Since(start).Milliseconds()))

	// Termination and redirects are control flow, not failures.
	if err != nil && !sandbox.IsTermination(err) {
		if _, ok := sandbox.AsRedirect(err); !ok {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

// Compile-time interface checks.
var (
	_ runner.Executor = (*InstrumentedExecutor)(nil)
	_ sandbox.Sandbox = (*InstrumentedSandbox)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
