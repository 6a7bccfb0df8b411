package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/turnstile/internal/storage"
)

// JournalRepository reads and writes execution entries.
// It only depends on *gorm.DB, so the SQLite backend reuses it as is.
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a JournalRepository.
func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Record inserts a single entry.
func (r *JournalRepository) Record(ctx context.Context, e *storage.Entry) error {
	e.Prepare(time.Now())
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// List returns entries newest first. Limit defaults to storage.DefaultListLimit.
func (r *JournalRepository) List(ctx context.Context, limit int) ([]storage.Entry, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	var models []ExecutionModel
	if err := r.db.WithContext(ctx).Scopes(Newest(limit)).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	entries := make([]storage.Entry, len(models))
	for i := range models {
		entries[i] = toEntry(&models[i])
	}
	return entries, nil
}

// Prune deletes entries created before cutoff.
func (r *JournalRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Scopes(CreatedBefore(before)).Delete(&ExecutionModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ExecutionModel{})
}
