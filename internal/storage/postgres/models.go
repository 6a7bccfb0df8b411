package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/turnstile/internal/storage"
)

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID   string    `gorm:"size:64;index"`
	Path        string    `gorm:"not null;index"`
	Method      string    `gorm:"size:16"`
	Kind        string    `gorm:"size:16;not null"`
	Status      string    `gorm:"size:16;not null;index"`
	RedirectURL string
	Category    string    `gorm:"size:64"`
	Error       string    `gorm:"type:text"`
	DurationMS  int64
	RemoteAddr  string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (ExecutionModel) TableName() string { return "executions" }

func toExecutionModel(e *storage.Entry) ExecutionModel {
	return ExecutionModel{
		ID:          e.ID,
		RequestID:   e.RequestID,
		Path:        e.Path,
		Method:      e.Method,
		Kind:        e.Kind,
		Status:      e.Status,
		RedirectURL: e.RedirectURL,
		Category:    e.Category,
		Error:       e.Error,
		DurationMS:  e.DurationMS,
		RemoteAddr:  e.RemoteAddr,
		CreatedAt:   e.CreatedAt,
	}
}

func toEntry(m *ExecutionModel) storage.Entry {
	return storage.Entry{
		ID:          m.ID,
		RequestID:   m.RequestID,
		Path:        m.Path,
		Method:      m.Method,
		Kind:        m.Kind,
		Status:      m.Status,
		RedirectURL: m.RedirectURL,
		Category:    m.Category,
		Error:       m.Error,
		DurationMS:  m.DurationMS,
		RemoteAddr:  m.RemoteAddr,
		CreatedAt:   m.CreatedAt,
	}
}
