// Package sqlite implements the execution journal using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Differences from the PostgreSQL backend:
//   - WAL journal mode by default, so readers of the admin endpoint never
//     block the request path
//   - UUID columns are stored as TEXT
//   - A single open connection: writes are already serialized by the runner
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/turnstile/internal/storage"
	pgstore "github.com/jkaninda/turnstile/internal/storage/postgres"
)

const defaultJournalMode = "wal"

// busyTimeout bounds how long a write waits on a locked database file.
const busyTimeout = 5 * time.Second

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // SQLite journal_mode pragma. Default: wal.
}

// Store implements storage.Store backed by a SQLite file.
type Store struct {
	*pgstore.JournalRepository
	db *gorm.DB
}

// Open opens (creating if needed) the database file at cfg.Path.
// Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := strings.ToLower(cfg.JournalMode)
	if journalMode == "" {
		journalMode = defaultJournalMode
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path, journalMode)), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if slogger != nil {
		slogger.Info("SQLite journal opened",
			slog.String("path", cfg.Path),
			slog.String("journal_mode", journalMode),
		)
	}
	return &Store{
		JournalRepository: pgstore.NewJournalRepository(db),
		db:                db,
	}, nil
}

func dsn(path, journalMode string) string {
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)",
		path, journalMode, busyTimeout.Milliseconds())
}

// Migrate creates or updates the journal table using the shared GORM models.
func (s *Store) Migrate(context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database file.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

var _ storage.Store = (*Store)(nil)
