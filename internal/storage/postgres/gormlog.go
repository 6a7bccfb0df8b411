package postgres

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"
)

// NewGormLogger routes GORM warnings and slow queries to slogger.
// A nil slogger discards them.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
