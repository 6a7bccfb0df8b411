package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/turnstile/internal/config"
	"github.com/jkaninda/turnstile/internal/runner"
	"github.com/jkaninda/turnstile/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.HealthOrNil() != nil {
		t.Error("nil Observability should expose nil components")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Fatal("expected metrics collector")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerOrNil_Nil(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Fatal("expected a no-op tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (CounterVec only appears after first use).
	m.ExecutionsTotal.WithLabelValues("script", "completed").Inc()
	m.DiagnosticsTotal.WithLabelValues("TypeError").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"turnstile_runner_executions_total",
		"turnstile_runner_diagnostics_total",
		"turnstile_template_cache_hits_total",
		"turnstile_template_cache_misses_total",
		"turnstile_http_requests_total",
		"turnstile_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_TemplateCache(t *testing.T) {
	m := NewMetricsCollector()
	m.TemplateCacheHit()
	m.TemplateCacheHit()
	m.TemplateCacheMiss()
	m.RateLimited()

	if got := counterValue(t, m.Registry, "turnstile_template_cache_hits_total", nil); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "turnstile_template_cache_misses_total", nil); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "turnstile_http_rate_limited_total", nil); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}

	// Nil collector is safe.
	var nilMetrics *MetricsCollector
	nilMetrics.TemplateCacheHit()
	nilMetrics.TemplateCacheMiss()
	nilMetrics.RateLimited()
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("journal", func(ctx context.Context) error { return nil })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["journal"].Status != "ok" {
		t.Errorf("journal check = %q, want ok", status.Checks["journal"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("journal", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sandbox", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["journal"].Status != "fail" {
		t.Errorf("journal check = %q, want fail", status.Checks["journal"].Status)
	}
	if status.Checks["journal"].Message != "connection refused" {
		t.Errorf("journal message = %q", status.Checks["journal"].Message)
	}
	if status.Checks["sandbox"].Status != "ok" {
		t.Errorf("sandbox check = %q, want ok", status.Checks["sandbox"].Status)
	}
}

func TestHealthChecker_SharedDeadline(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status := h.CheckReady(ctx)
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Error("check returned before the deadline")
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness = %q, want ok", status.Status)
	}
}

// --- Tracing ---

func TestSampleRate(t *testing.T) {
	tests := map[float64]float64{
		0:    1,
		-1:   1,
		0.25: 0.25,
		1:    1,
		3:    1,
	}
	for in, want := range tests {
		if got := sampleRate(in); got != want {
			t.Errorf("sampleRate(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestTracerSetup_NilTracerDoesNotRecord(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "noop")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("nil setup produced a recording span")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}
}

// --- InstrumentedExecutor ---

type stubExecutor struct {
	outcome runner.Outcome
	ctx     context.Context
}

func (s *stubExecutor) RunScript(ctx context.Context, _ runner.Request) runner.Outcome {
	s.ctx = ctx
	out := s.outcome
	out.Kind = runner.KindScript
	return out
}

func (s *stubExecutor) RunTemplate(ctx context.Context, _ runner.Request) runner.Outcome {
	s.ctx = ctx
	out := s.outcome
	out.Kind = runner.KindTemplate
	return out
}

type stubRequest struct{}

func (stubRequest) Path() string         { return "/srv/index.js" }
func (stubRequest) Method() string       { return "GET" }
func (stubRequest) Param(string) string  { return "" }
func (stubRequest) Header(string) string { return "" }
func (stubRequest) Output() io.Writer    { return io.Discard }
func (stubRequest) SetOutput(io.Writer)  {}
func (stubRequest) Write(string) error   { return nil }

func newRecordingTracer() (*TracerSetup, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &TracerSetup{provider: tp, tracer: tp.Tracer("test")}, rec
}

func TestInstrumentedExecutor_Completed(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubExecutor{outcome: runner.Outcome{Status: runner.StatusCompleted, Duration: 10 * time.Millisecond}}

	e := NewInstrumentedExecutor(inner, metrics, nil)
	out := e.RunScript(context.Background(), stubRequest{})

	if out.Status != runner.StatusCompleted {
		t.Fatalf("status = %s", out.Status)
	}
	val := counterValue(t, metrics.Registry, "turnstile_runner_executions_total", prometheus.Labels{"kind": "script", "status": "completed"})
	if val != 1 {
		t.Errorf("executions = %v, want 1", val)
	}
}

func TestInstrumentedExecutor_FailureCountsCategory(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &stubExecutor{outcome: runner.Outcome{
		Status: runner.StatusFailed,
		Err:    &sandbox.TimeoutError{After: time.Second},
	}}

	e := NewInstrumentedExecutor(inner, metrics, nil)
	e.RunTemplate(context.Background(), stubRequest{})

	if val := counterValue(t, metrics.Registry, "turnstile_runner_executions_total", prometheus.Labels{"kind": "template", "status": "failed"}); val != 1 {
		t.Errorf("failed executions = %v, want 1", val)
	}
	if val := counterValue(t, metrics.Registry, "turnstile_runner_diagnostics_total", prometheus.Labels{"category": "Timeout"}); val != 1 {
		t.Errorf("timeout diagnostics = %v, want 1", val)
	}
}

func TestInstrumentedExecutor_Span(t *testing.T) {
	ts, rec := newRecordingTracer()
	inner := &stubExecutor{outcome: runner.Outcome{Status: runner.StatusRedirected, RedirectURL: "/login"}}

	e := NewInstrumentedExecutor(inner, nil, ts)
	e.RunScript(context.Background(), stubRequest{})

	if !trace.SpanFromContext(inner.ctx).SpanContext().IsValid() {
		t.Error("inner executor did not receive the span context")
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "runner.run_script" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}

// --- InstrumentedSandbox ---

type stubSandbox struct{ err error }

func (s stubSandbox) Evaluate(context.Context, sandbox.Request, string, string) error { return s.err }

func TestInstrumentedSandbox_DisabledReturnsInner(t *testing.T) {
	inner := stubSandbox{}
	if got := NewInstrumentedSandbox(inner, nil); got != sandbox.Sandbox(inner) {
		t.Error("expected inner sandbox when tracing is disabled")
	}
}

func TestInstrumentedSandbox_ControlFlowIsNotAnError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantError bool
	}{
		{"ok", nil, false},
		{"terminated", sandbox.ErrRequestTerminated, false},
		{"redirect", &sandbox.RedirectError{URL: "/x"}, false},
		{"failure", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, rec := newRecordingTracer()
			s := NewInstrumentedSandbox(stubSandbox{err: tt.err}, ts)
			if err := s.Evaluate(context.Background(), stubRequest{}, "1", "a.js"); !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("spans = %d, want 1", len(spans))
			}
			gotError := len(spans[0].Events()) > 0
			if gotError != tt.wantError {
				t.Errorf("recorded error = %v, want %v", gotError, tt.wantError)
			}
		})
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/missing.js", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "turnstile_http_requests_total", prometheus.Labels{"method": "GET", "path": "/missing.js", "status_code": "404"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	val := counterValue(t, metrics.Registry, "turnstile_http_requests_total", prometheus.Labels{"status_code": "200"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_PropagatesSpan(t *testing.T) {
	ts, rec := newRecordingTracer()
	var valid bool

	handler := HTTPMetricsMiddleware(nil, ts.Tracer(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		valid = trace.SpanFromContext(r.Context()).SpanContext().IsValid()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if !valid {
		t.Error("handler did not receive the request span")
	}
	if len(rec.Ended()) != 1 {
		t.Errorf("spans = %d, want 1", len(rec.Ended()))
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
