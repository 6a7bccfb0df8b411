// Package httpapi serves a document root over HTTP, executing scripts and
// templates through the runner.
//
// Behaviour:
//   - Script and template requests are serialized: the runner changes the
//     process working directory and output channel, so at most one execution
//     runs at a time (waiters give up with 503 when their request is canceled)
//   - Static files bypass the runner and are served concurrently
//   - Per-client rate limiting via token bucket
//   - Path traversal, hidden entries and symlinks leaving the root answer 404
//   - Admin endpoints require a bearer API key (constant-time comparison)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/turnstile/internal/observability"
	"github.com/jkaninda/turnstile/internal/ratelimit"
	"github.com/jkaninda/turnstile/internal/runner"
	"github.com/jkaninda/turnstile/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// adminPrefix is reserved for gateway endpoints; documents below it are never served.
const adminPrefix = "/_turnstile"

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr         string // e.g., ":8080"
	DocumentRoot       string
	IndexFiles         []string
	ScriptExtensions   []string
	TemplateExtensions []string
	MaxRequestSize     int64         // Maximum request body in bytes. 0 = 1 MB default.
	WriteTimeout       time.Duration // 0 = 60s.
	AdminAPIKey        string        // Empty = admin endpoints disabled.
	EnableDocs         bool          // Serve OpenAPI docs at /openapi.json and /docs.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config   Config
	executor runner.Executor
	docs     *documents
	journal  storage.Store // nil = executions are not recorded.
	limiter  *ratelimit.Limiter
	sem      *semaphore.Weighted
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
}

// NewGateway creates an HTTP gateway serving cfg.DocumentRoot.
func NewGateway(cfg Config, exec runner.Executor, rl *ratelimit.Limiter, logger *slog.Logger) (*Gateway, error) {
	docs, err := newDocuments(cfg.DocumentRoot, cfg.IndexFiles, cfg.ScriptExtensions, cfg.TemplateExtensions)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:   cfg,
		executor: exec,
		docs:     docs,
		limiter:  rl,
		sem:      semaphore.NewWeighted(1),
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}, nil
}

// WithJournal records every script and template execution in store.
func (g *Gateway) WithJournal(store storage.Store) *Gateway {
	g.journal = store
	return g
}

// WithOpenAPIDocs serves the OpenAPI document for the gateway's own routes.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Turnstile",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	writeTimeout := g.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 60 * time.Second
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.String("document_root", g.docs.root),
	)

	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// routes registers every handler on the okapi router.
func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness,
		okapi.DocSummary("Liveness check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)
	g.okapi.Get("/readyz", g.handleReadiness,
		okapi.DocSummary("Readiness check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(observability.HealthStatus{}),
		okapi.DocResponse(http.StatusServiceUnavailable, observability.HealthStatus{}),
	)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	// Authenticated admin group.
	if g.config.AdminAPIKey != "" && g.journal != nil {
		admin := g.okapi.Group(adminPrefix, g.authenticate)
		admin.Get("/executions", g.handleExecutions,
			okapi.DocSummary("List recorded executions, newest first"),
			okapi.DocTags("Admin"),
			okapi.DocBearerAuth(),
			okapi.DocQueryParam("limit", "integer", "Maximum number of entries", false),
			okapi.DocResponse([]storage.Entry{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
			okapi.DocResponse(http.StatusInternalServerError, ErrorBody{}),
		)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// Everything else is a document. Registered last so it never shadows the routes above.
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodHead} {
		g.okapi.HandleStd(method, "/{path:.*}", g.ServeDocument, okapi.DocHide())
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Documents ---

// ServeDocument resolves the request path inside the document root and
// executes, renders or serves the file it names.
func (g *Gateway) ServeDocument(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == adminPrefix || strings.HasPrefix(r.URL.Path, adminPrefix+"/") {
		http.NotFound(w, r)
		return
	}

	if g.limiter.Enabled() {
		if err := g.limiter.Allow(clientIP(r)); err != nil {
			g.config.Metrics.RateLimited()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	doc, err := g.docs.resolve(r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if doc.kind == kindStatic {
		g.serveStatic(w, r, doc)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	out, err := g.execute(w, r, doc)
	if err != nil {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	if out.Status == runner.StatusRedirected {
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
	}

	g.record(r, requestID, out)
}

// execute runs the document while holding the execution slot. It fails only
// when the request is canceled before the slot frees up.
func (g *Gateway) execute(w http.ResponseWriter, r *http.Request, doc *document) (runner.Outcome, error) {
	if err := g.sem.Acquire(r.Context(), 1); err != nil {
		return runner.Outcome{}, err
	}
	defer g.sem.Release(1)

	req := newRequest(w, r, doc.file)
	if doc.kind == runner.KindTemplate {
		return g.executor.RunTemplate(r.Context(), req), nil
	}
	return g.executor.RunScript(r.Context(), req), nil
}

func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request, doc *document) {
	f, err := os.Open(doc.file)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, doc.info.Name(), doc.info.ModTime(), f)
}

// record logs the outcome and appends it to the journal.
func (g *Gateway) record(r *http.Request, requestID string, out runner.Outcome) {
	entry := &storage.Entry{
		RequestID:   requestID,
		Path:        r.URL.Path,
		Method:      r.Method,
		Kind:        string(out.Kind),
		Status:      string(out.Status),
		RedirectURL: out.RedirectURL,
		DurationMS:  out.Duration.Milliseconds(),
		RemoteAddr:  clientIP(r),
	}
	if out.Failed() {
		entry.Category = runner.Category(out.Err)
		entry.Error = out.Err.Error()
		g.logger.WarnContext(r.Context(), "execution failed",
			slog.String("request_id", requestID),
			slog.String("path", r.URL.Path),
			slog.String("category", entry.Category),
			slog.String("error", entry.Error),
		)
	}

	if g.journal == nil {
		return
	}
	// The client may be gone; the entry is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := g.journal.Record(ctx, entry); err != nil {
		g.logger.WarnContext(ctx, "journal record failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// --- Admin ---

// handleExecutions lists journal entries, newest first.
func (g *Gateway) handleExecutions(c *okapi.Context) error {
	limit := storage.DefaultListLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = n
	}

	entries, err := g.journal.List(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}
	return c.OK(entries)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate requires the admin API key as a bearer token.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !g.authorized(c.Header("Authorization")) {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		return next(c)
	}
}

func (g *Gateway) authorized(header string) bool {
	apiKey, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || g.config.AdminAPIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.config.AdminAPIKey)) == 1
}

// --- Helpers ---

// clientIP is the rate limiting key: the remote host without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
