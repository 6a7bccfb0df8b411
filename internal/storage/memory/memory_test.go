package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/turnstile/internal/storage"
)

func TestStore_RecordFillsGeneratedFields(t *testing.T) {
	s := New(10)
	e := &storage.Entry{Path: "/index.js", Kind: "script", Status: "completed"}
	if err := s.Record(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.ID == uuid.Nil {
		t.Error("ID not assigned")
	}
	if e.CreatedAt.IsZero() {
		t.Error("CreatedAt not assigned")
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	for _, p := range []string{"/a.js", "/b.js", "/c.js"} {
		if err := s.Record(ctx, &storage.Entry{Path: p}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Path != "/c.js" || got[1].Path != "/b.js" {
		t.Errorf("List(2) = %+v", got)
	}
}

func TestStore_DropsOldestAtCapacity(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	for _, p := range []string{"/a.js", "/b.js", "/c.js"} {
		_ = s.Record(ctx, &storage.Entry{Path: p})
	}

	got, _ := s.List(ctx, 0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].Path != "/b.js" {
		t.Errorf("oldest kept = %s, want /b.js", got[1].Path)
	}
}

func TestStore_Prune(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	now := time.Now()
	_ = s.Record(ctx, &storage.Entry{Path: "/old.js", CreatedAt: now.Add(-2 * time.Hour)})
	_ = s.Record(ctx, &storage.Entry{Path: "/new.js", CreatedAt: now})

	removed, err := s.Prune(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	got, _ := s.List(ctx, 0)
	if len(got) != 1 || got[0].Path != "/new.js" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	if s.Driver() != storage.DriverMemory {
		t.Errorf("driver = %s", s.Driver())
	}
	if err := s.Migrate(ctx); err != nil {
		t.Error(err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Error(err)
	}
	if err := s.Close(); err != nil {
		t.Error(err)
	}
}
