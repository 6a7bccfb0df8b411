// Package postgres implements the PostgreSQL-backed execution journal using
// GORM. The models and repository in this package are shared with the SQLite
// backend, so storage.Entry stays ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const connectTimeout = 10 * time.Second

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 10
	MaxIdleConns    int           // Default: 2
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 5m
}

// withDefaults fills zero pool settings. The journal writes one row per
// request through a serialized runner, so the pool stays small.
func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	return c
}

// DB wraps a GORM connection to the journal database.
type DB struct {
	gormDB *gorm.DB
}

// Open connects to PostgreSQL, sizes the pool, verifies the server answers
// and migrates the journal table.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	cfg = cfg.withDefaults()

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pgDB := &DB{gormDB: db}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := pgDB.Ping(ctx); err != nil {
		_ = pgDB.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		_ = pgDB.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	if slogger != nil {
		slogger.Info("Postgres journal connected",
			slog.Int("max_open_conns", cfg.MaxOpenConns),
			slog.Int("max_idle_conns", cfg.MaxIdleConns),
		)
	}
	return pgDB, nil
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the database connection for readiness checks.
func (d *DB) Ping(ctx context.Context) error {
	return ping(ctx, d.gormDB)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return closeDB(d.gormDB)
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
