// Package config handles loading and validating Turnstile configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/turnstile/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultConfigPath is used when no config path is given. A missing file at
// this path is not an error: defaults apply.
const DefaultConfigPath = "turnstile.yaml"

// Config is the root configuration for Turnstile.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ./data. Override: TURNSTILE_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Templates     TemplatesConfig      `json:"templates" yaml:"templates"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	Journal       *JournalConfig       `json:"journal,omitempty" yaml:"journal,omitempty"`             // nil = execution journal disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr            string          `json:"listen_addr" yaml:"listen_addr"`     // Default: ":8080". Override: TURNSTILE_LISTEN_ADDR env var.
	DocumentRoot          string          `json:"document_root" yaml:"document_root"` // Default: ".". Override: TURNSTILE_DOCUMENT_ROOT env var.
	IndexFiles            []string        `json:"index_files" yaml:"index_files"`
	ScriptExtensions      []string        `json:"script_extensions" yaml:"script_extensions"`
	TemplateExtensions    []string        `json:"template_extensions" yaml:"template_extensions"`
	MaxRequestSizeBytes   int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RequestTimeoutSeconds int             `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	AdminAPIKey           string          `json:"admin_api_key,omitempty" yaml:"admin_api_key,omitempty"` // Override: TURNSTILE_ADMIN_API_KEY env var. Empty = admin API disabled.
	EnableDocs            bool            `json:"enable_docs" yaml:"enable_docs"` // Serve OpenAPI docs at /openapi.json and /docs.
	RateLimit             RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address. Defaults to ":8080".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// Indexes returns the file names tried when a directory is requested.
func (s *ServerConfig) Indexes() []string {
	if len(s.IndexFiles) > 0 {
		return s.IndexFiles
	}
	return []string{"index.js", "index.jhtml", "index.html"}
}

// ScriptExts returns the extensions executed as scripts. Defaults to ".js".
func (s *ServerConfig) ScriptExts() []string {
	if len(s.ScriptExtensions) > 0 {
		return s.ScriptExtensions
	}
	return []string{".js"}
}

// TemplateExts returns the extensions rendered as templates. Defaults to ".jhtml".
func (s *ServerConfig) TemplateExts() []string {
	if len(s.TemplateExtensions) > 0 {
		return s.TemplateExtensions
	}
	return []string{".jhtml"}
}

// MaxBodyBytes returns the request body limit. Defaults to 1 MiB.
func (s *ServerConfig) MaxBodyBytes() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RequestTimeout returns the HTTP write timeout. Defaults to 60s.
func (s *ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutSeconds > 0 {
		return time.Duration(s.RequestTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// RateLimitConfig configures per-client rate limiting.
// A zero RequestsPerMinute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SandboxConfig configures the script evaluator.
type SandboxConfig struct {
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"`         // Default: 30
	MaxCallStackSize int      `json:"max_call_stack_size" yaml:"max_call_stack_size"` // Default: 1024
	AllowedGlobals   []string `json:"allowed_globals" yaml:"allowed_globals"`         // Extra builtins kept in each context.
	MaxOutputBytes   int      `json:"max_output_bytes" yaml:"max_output_bytes"`       // 0 = unlimited
	HandledBy        string   `json:"handled_by" yaml:"handled_by"`                   // Diagnostic label. Default: "Turnstile"
}

// Timeout returns the per-evaluation timeout. Defaults to 30s.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// TemplatesConfig configures template compilation.
type TemplatesConfig struct {
	DisableCache bool `json:"disable_cache" yaml:"disable_cache"`
	Watch        bool `json:"watch" yaml:"watch"` // Invalidate cached templates on file changes.
}

// JournalConfig configures the execution journal and its pruner.
type JournalConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	PruneSchedule  string `json:"prune_schedule" yaml:"prune_schedule"`   // 5-field cron. Default: "0 * * * *"
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"` // Default: 168 (7 days)
}

// Schedule returns the prune schedule, defaulting to hourly.
func (j *JournalConfig) Schedule() string {
	if j != nil && j.PruneSchedule != "" {
		return j.PruneSchedule
	}
	return "0 * * * *"
}

// Retention returns how long entries are kept.
func (j *JournalConfig) Retention() time.Duration {
	if j != nil && j.RetentionHours > 0 {
		return time.Duration(j.RetentionHours) * time.Hour
	}
	return 7 * 24 * time.Hour
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "turnstile"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error
	Format string `json:"format" yaml:"format"` // text (default) or json
}

// SlogLevel maps Level to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path means DefaultConfigPath, which may be absent.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		path = DefaultConfigPath
	}

	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	var cfg Config
	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if err := decode(resolved, data, &cfg); err != nil {
			return nil, err
		}
	case optional && errors.Is(err, fs.ErrNotExist):
		// No config file: run on defaults.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg.applyEnv()

	if cfg.Server.DocumentRoot == "" {
		cfg.Server.DocumentRoot = "."
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	// Scripts change the working directory while they run, so every path
	// kept for later use is made absolute here.
	if cfg.Server.DocumentRoot, err = resolvePath(cfg.Server.DocumentRoot); err != nil {
		return nil, fmt.Errorf("resolving document root: %w", err)
	}
	if cfg.DataDir, err = resolvePath(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("TURNSTILE_DOCUMENT_ROOT"); v != "" {
		c.Server.DocumentRoot = v
	}
	if v := os.Getenv("TURNSTILE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TURNSTILE_ADMIN_API_KEY"); v != "" {
		c.Server.AdminAPIKey = v
	}
	if v := os.Getenv("TURNSTILE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	// A DSN in the environment selects PostgreSQL unless a driver is configured.
	if v := os.Getenv("TURNSTILE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{Driver: storage.DriverPostgres}
		}
		c.Storage.Postgres.DSN = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// JournalEnabled reports whether executions are recorded.
func (c *Config) JournalEnabled() bool {
	return c.Journal != nil && c.Journal.Enabled
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return storage.DefaultDriver
}

// DatabasePath returns the SQLite database path, defaulting to data_dir/turnstile.db.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "turnstile.db")
}

func (c *Config) validate() error {
	info, err := os.Stat(c.Server.DocumentRoot)
	if err != nil {
		return fmt.Errorf("server.document_root %s: %w", c.Server.DocumentRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("server.document_root %s is not a directory", c.Server.DocumentRoot)
	}
	if c.Server.MaxRequestSizeBytes < 0 {
		return fmt.Errorf("server.max_request_size_bytes must not be negative")
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 || c.Server.RateLimit.BurstSize < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	for _, exts := range [][]string{c.Server.ScriptExts(), c.Server.TemplateExts()} {
		for _, ext := range exts {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("extension %q must start with a dot", ext)
			}
		}
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxCallStackSize < 0 {
		return fmt.Errorf("sandbox.max_call_stack_size must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	// Storage driver validation.
	switch c.StorageDriverName() {
	case storage.DriverMemory, storage.DriverSQLite:
	case storage.DriverPostgres:
		if c.JournalEnabled() && c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (or set TURNSTILE_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use memory, sqlite or postgres)", c.Storage.Driver)
	}
	if c.Journal != nil && c.Journal.RetentionHours < 0 {
		return fmt.Errorf("journal.retention_hours must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}
