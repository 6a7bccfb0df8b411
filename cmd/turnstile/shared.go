package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/turnstile/internal/config"
	"github.com/jkaninda/turnstile/internal/jhtml"
	"github.com/jkaninda/turnstile/internal/observability"
	"github.com/jkaninda/turnstile/internal/runner"
	"github.com/jkaninda/turnstile/internal/sandbox"
	"github.com/jkaninda/turnstile/internal/stdio"
	"github.com/jkaninda/turnstile/internal/storage"
	"github.com/jkaninda/turnstile/internal/storage/memory"
	pgstore "github.com/jkaninda/turnstile/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/turnstile/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Sandbox  sandbox.Sandbox
	Cache    *jhtml.Cache // nil when templates.disable_cache is set.
	Executor runner.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initShared builds observability, the sandbox, the template compiler and the
// runner. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Sandbox. print() writes to the process-wide channel the runner diverts.
	evaluator := sandbox.NewEvaluator(sandbox.Config{
		Timeout:          cfg.Sandbox.Timeout(),
		MaxCallStackSize: cfg.Sandbox.MaxCallStackSize,
		AllowedGlobals:   cfg.Sandbox.AllowedGlobals,
	}, stdio.Stdout, logger)
	sc.Sandbox = observability.NewInstrumentedSandbox(evaluator, obs.TracerOrNil())
	logger.Debug("sandbox initialized",
		slog.Duration("timeout", cfg.Sandbox.Timeout()),
		slog.Int("extra_globals", len(cfg.Sandbox.AllowedGlobals)),
	)

	// Template compiler.
	var compiler runner.Compiler = jhtml.NewCompiler()
	if !cfg.Templates.DisableCache {
		sc.Cache = jhtml.NewCache(jhtml.NewCompiler(), obs.MetricsOrNil(), logger)
		compiler = sc.Cache
	}

	// Runner.
	var exec runner.Executor = runner.New(runner.Config{
		HandledBy:      cfg.Sandbox.HandledBy,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, sc.Sandbox, compiler, stdio.Stdout, logger)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		exec = observability.NewInstrumentedExecutor(exec, obs.Metrics, obs.TracerOrNil())
	}
	sc.Executor = exec

	return sc, nil
}

// initStore opens the journal backend selected by storage.driver.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverMemory:
		capacity := 0
		if cfg.Storage != nil {
			capacity = cfg.Storage.Memory.Capacity
		}
		return memory.New(capacity), nil
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or TURNSTILE_DB_DSN)")
	}

	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// loadConfig loads configuration from TURNSTILE_CONFIG or the --config flag.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("TURNSTILE_CONFIG", path))
}
