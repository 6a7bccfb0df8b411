package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/turnstile/internal/gateway"
	"github.com/jkaninda/turnstile/internal/gateway/httpapi"
	"github.com/jkaninda/turnstile/internal/ratelimit"
	"github.com/jkaninda/turnstile/internal/sandbox"
	"github.com/jkaninda/turnstile/internal/scheduler"
	"github.com/jkaninda/turnstile/internal/watcher"
)

var (
	serveConfigPath string
	servePort       int
	serveRoot       string
)

// limiterIdle is how long a client bucket may sit unused before it is dropped.
const limiterIdle = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the document root over HTTP",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to configuration file (default turnstile.yaml)")
		cmd.Flags().IntVar(&servePort, "port", 0, "Override the listen port")
		cmd.Flags().StringVar(&serveRoot, "root", "", "Override the document root")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	if serveRoot != "" {
		if err := os.Setenv("TURNSTILE_DOCUMENT_ROOT", serveRoot); err != nil {
			return err
		}
	}
	if servePort > 0 {
		if err := os.Setenv("TURNSTILE_LISTEN_ADDR", fmt.Sprintf(":%d", servePort)); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gwCfg := httpapi.Config{
		ListenAddr:         cfg.Server.Addr(),
		DocumentRoot:       cfg.Server.DocumentRoot,
		IndexFiles:         cfg.Server.Indexes(),
		ScriptExtensions:   cfg.Server.ScriptExts(),
		TemplateExtensions: cfg.Server.TemplateExts(),
		MaxRequestSize:     cfg.Server.MaxBodyBytes(),
		WriteTimeout:       cfg.Server.RequestTimeout(),
		AdminAPIKey:        cfg.Server.AdminAPIKey,
		EnableDocs:         cfg.Server.EnableDocs,
	}

	var registry *prometheus.Registry
	if m := sc.Obs.MetricsOrNil(); m != nil {
		registry = m.Registry
		gwCfg.MetricsRegistry = registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		gwCfg.Metrics = m
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if h := cfg.Observability.Health; h != nil && h.IncludeSandbox {
			sc.Obs.Health.AddCheck("sandbox", sandboxCheck(sc.Sandbox))
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	gw, err := httpapi.NewGateway(gwCfg, sc.Executor, limiter, logger)
	if err != nil {
		return fmt.Errorf("creating http gateway: %w", err)
	}

	// Execution journal and its pruner.
	if cfg.JournalEnabled() {
		store, err := initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing journal: %w", err)
		}
		defer func() { _ = store.Close() }()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating journal: %w", err)
		}
		gw.WithJournal(store)

		if sc.Obs != nil {
			if h := cfg.Observability.Health; h != nil && h.IncludeDB {
				sc.Obs.Health.AddCheck("journal", store.Ping)
			}
		}

		pruner, err := scheduler.New(store, scheduler.Config{
			Schedule:  cfg.Journal.Schedule(),
			Retention: cfg.Journal.Retention(),
		}, scheduler.NewMetrics(registry), logger)
		if err != nil {
			return fmt.Errorf("creating journal pruner: %w", err)
		}
		stopPruner := pruner.Start(ctx)
		defer stopPruner()

		logger.Info("execution journal enabled",
			slog.String("driver", store.Driver()),
			slog.String("prune_schedule", cfg.Journal.Schedule()),
			slog.Duration("retention", cfg.Journal.Retention()),
		)
	}

	// Template cache invalidation.
	if sc.Cache != nil && cfg.Templates.Watch {
		w, err := watcher.New(sc.Cache, logger)
		if err != nil {
			return fmt.Errorf("creating template watcher: %w", err)
		}
		defer func() { _ = w.Close() }()
		if err := w.Start(ctx, cfg.Server.DocumentRoot); err != nil {
			return fmt.Errorf("watching document root: %w", err)
		}
	}

	if limiter.Enabled() {
		go forgetIdleClients(ctx, limiter, logger)
	}

	gateways := []gateway.Gateway{gw}
	errs := make(chan error, len(gateways))
	for _, g := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(g)
	}

	logger.Info("turnstile started",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Addr()),
		slog.String("document_root", cfg.Server.DocumentRoot),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway failed", slog.String("error", err.Error()))
			runErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, g := range gateways {
		if err := g.Stop(stopCtx); err != nil {
			logger.Error("gateway stop failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("turnstile stopped")
	return runErr
}

// forgetIdleClients drops rate limiter buckets nobody has used recently.
func forgetIdleClients(ctx context.Context, limiter *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Forget(limiterIdle); n > 0 {
				logger.Debug("rate limiter buckets dropped", slog.Int("count", n))
			}
		}
	}
}

// sandboxCheck evaluates a trivial script to prove the engine is usable.
func sandboxCheck(sbx sandbox.Sandbox) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return sbx.Evaluate(ctx, readinessRequest{}, "1 + 1;", "(readiness)")
	}
}

// readinessRequest is the request the readiness check evaluates against.
type readinessRequest struct{}

func (readinessRequest) Path() string         { return "(readiness)" }
func (readinessRequest) Method() string       { return "GET" }
func (readinessRequest) Param(string) string  { return "" }
func (readinessRequest) Header(string) string { return "" }
func (readinessRequest) Output() io.Writer    { return io.Discard }
