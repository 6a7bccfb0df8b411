// Package scheduler prunes the execution journal on a cron schedule.
//
// The pruner sleeps until the next activation of its schedule, deletes every
// journal entry older than the retention window and goes back to sleep. It
// runs as a background goroutine in serve mode.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule prunes at the top of every hour.
const DefaultSchedule = "0 * * * *"

// DefaultRetention keeps one week of journal entries.
const DefaultRetention = 7 * 24 * time.Hour

// JournalPruner is the slice of the journal store the pruner needs.
type JournalPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Config configures the pruner.
type Config struct {
	Schedule  string        // 5-field cron expression. Default: DefaultSchedule.
	Retention time.Duration // Entries older than this are deleted. Default: DefaultRetention.
}

// Pruner deletes stale journal entries on a schedule.
type Pruner struct {
	store     JournalPruner
	schedule  cron.Schedule
	expr      string
	retention time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Pruner. metrics may be nil.
func New(store JournalPruner, cfg Config, metrics *Metrics, logger *slog.Logger) (*Pruner, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:     store,
		schedule:  sched,
		expr:      expr,
		retention: retention,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start begins the pruning loop. Returns a cancel function.
func (p *Pruner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		p.logger.InfoContext(ctx, "journal pruner started",
			slog.String("schedule", p.expr),
			slog.Duration("retention", p.retention),
		)

		for {
			next := p.NextRun()
			if next.IsZero() {
				p.logger.ErrorContext(ctx, "journal pruner schedule never fires, stopping",
					slog.String("schedule", p.expr),
				)
				return
			}
			timer := time.NewTimer(next.Sub(p.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info("journal pruner stopped")
				return
			case <-timer.C:
				if _, err := p.RunOnce(ctx); err != nil {
					p.logger.ErrorContext(ctx, "journal prune failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	return cancel
}

// RunOnce deletes every entry older than the retention window.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	start := p.now()
	cutoff := start.Add(-p.retention).UTC()

	removed, err := p.store.Prune(ctx, cutoff)
	if p.metrics != nil {
		p.metrics.Runs.Inc()
		p.metrics.RunDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.Failures.Inc()
		} else {
			p.metrics.EntriesPruned.Add(float64(removed))
		}
	}
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		p.logger.InfoContext(ctx, "journal pruned",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}

// NextRun returns the next activation time after now.
func (p *Pruner) NextRun() time.Time {
	return p.schedule.Next(p.now())
}

// ParseSchedule parses a standard 5-field cron expression. Expressions that
// are well formed but never match a date, such as "0 0 30 2 *", are rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if sched.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("cron expression %q never fires", expr)
	}
	return sched, nil
}
