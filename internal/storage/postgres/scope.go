package postgres

import (
	"time"

	"gorm.io/gorm"
)

// CreatedBefore returns a GORM scope that filters rows older than cutoff.
func CreatedBefore(cutoff time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at < ?", cutoff.UTC())
	}
}

// Newest returns a GORM scope that orders rows newest first and caps them.
func Newest(limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at DESC").Limit(limit)
	}
}
