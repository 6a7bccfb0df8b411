// Package storage defines the execution journal: one entry per script or
// template request served. Three backends are provided: in-memory (bounded,
// zero-config), SQLite (default) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists journal entries.
type Store interface {
	// Record appends an entry. A zero ID or CreatedAt is filled in.
	Record(ctx context.Context, e *Entry) error

	// List returns the newest entries first. limit <= 0 means DefaultListLimit.
	List(ctx context.Context, limit int) ([]Entry, error)

	// Prune deletes entries created before the cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// Entry records how one execution ended.
type Entry struct {
	ID          uuid.UUID `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	Path        string    `json:"path"`
	Method      string    `json:"method"`
	Kind        string    `json:"kind"`   // "script" or "template"
	Status      string    `json:"status"` // "completed", "terminated", "redirected", "failed"
	RedirectURL string    `json:"redirect_url,omitempty"`
	Category    string    `json:"category,omitempty"` // Diagnostic category of a failure.
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Prepare fills in the generated fields of e and normalizes CreatedAt to UTC.
func (e *Entry) Prepare(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "memory", "sqlite" (default) or "postgres"
	Memory   MemoryConfig   `json:"memory" yaml:"memory"`
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// MemoryConfig holds in-memory journal settings.
type MemoryConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"` // Default: 1000.
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: turnstile.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultListLimit is used when List is called without a limit.
const DefaultListLimit = 100

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverMemory is the in-memory driver name.
const DriverMemory = "memory"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
