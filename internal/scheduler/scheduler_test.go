package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeJournal struct {
	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakeJournal) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.removed, f.err
}

func (f *fakeJournal) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

// neverSchedule has no next activation, like "0 0 30 2 *".
type neverSchedule struct{}

func (neverSchedule) Next(time.Time) time.Time { return time.Time{} }

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(&fakeJournal{}, Config{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.expr != DefaultSchedule {
		t.Errorf("schedule = %q, want %q", p.expr, DefaultSchedule)
	}
	if p.retention != DefaultRetention {
		t.Errorf("retention = %s, want %s", p.retention, DefaultRetention)
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(&fakeJournal{}, Config{Schedule: "every hour"}, nil, nil); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestNew_ScheduleThatNeverFires(t *testing.T) {
	_, err := New(&fakeJournal{}, Config{Schedule: "0 0 30 2 *"}, nil, nil)
	if err == nil {
		t.Fatal("expected error for a schedule with no matching date")
	}
	if !strings.Contains(err.Error(), "never fires") {
		t.Errorf("err = %v, want it to mention that the schedule never fires", err)
	}
}

func TestPruner_StartStopsWhenScheduleHasNoNextRun(t *testing.T) {
	journal := &fakeJournal{}
	var logs lockedBuffer
	p, err := New(journal, Config{}, nil, slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatal(err)
	}
	p.schedule = neverSchedule{}

	cancel := p.Start(context.Background())
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "never fires") {
		if time.Now().After(deadline) {
			t.Fatalf("pruner loop did not stop; logs:\n%s", logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := journal.calls(); n != 0 {
		t.Errorf("Prune called %d times, want 0", n)
	}
}

func TestPruner_NextRun(t *testing.T) {
	p, err := New(&fakeJournal{}, Config{Schedule: "30 * * * *"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return time.Date(2026, 1, 2, 10, 15, 0, 0, time.UTC) }

	want := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC)
	if got := p.NextRun(); !got.Equal(want) {
		t.Errorf("NextRun() = %s, want %s", got, want)
	}
}

func TestPruner_RunOnce(t *testing.T) {
	journal := &fakeJournal{removed: 3}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	p, err := New(journal, Config{Retention: 2 * time.Hour}, metrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	removed, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if len(journal.cutoffs) != 1 || !journal.cutoffs[0].Equal(now.Add(-2*time.Hour)) {
		t.Errorf("cutoffs = %v", journal.cutoffs)
	}
	if v := counterValue(t, metrics.EntriesPruned); v != 3 {
		t.Errorf("entries_pruned_total = %v, want 3", v)
	}
	if v := counterValue(t, metrics.Runs); v != 1 {
		t.Errorf("prune_runs_total = %v, want 1", v)
	}
}

func TestPruner_RunOnceFailure(t *testing.T) {
	boom := errors.New("db down")
	metrics := NewMetrics(prometheus.NewRegistry())
	p, _ := New(&fakeJournal{err: boom}, Config{}, metrics, nil)

	if _, err := p.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if v := counterValue(t, metrics.Failures); v != 1 {
		t.Errorf("prune_failures_total = %v, want 1", v)
	}
}

func TestPruner_StartStops(t *testing.T) {
	p, _ := New(&fakeJournal{}, Config{}, nil, nil)
	cancel := p.Start(context.Background())
	cancel()
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}
