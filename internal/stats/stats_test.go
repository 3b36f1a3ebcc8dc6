package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/verdantlabs/trellis/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, store.Store) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return NewTracker(s), s
}

func TestTrackerCounters(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordEnqueued()
	tr.RecordEnqueued()
	tr.RecordSuccess()
	tr.RecordFailure()
	tr.RecordPermanentFailure()

	s := tr.Snapshot()
	if s.TotalOperations != 2 {
		t.Errorf("TotalOperations = %d, want 2", s.TotalOperations)
	}
	if s.SuccessfulOps != 1 {
		t.Errorf("SuccessfulOps = %d, want 1", s.SuccessfulOps)
	}
	if s.FailedOps != 1 {
		t.Errorf("FailedOps = %d, want 1", s.FailedOps)
	}
	if s.PermanentFailures != 1 {
		t.Errorf("PermanentFailures = %d, want 1", s.PermanentFailures)
	}
	if s.LastSuccessfulSync == nil {
		t.Error("LastSuccessfulSync not set after RecordSuccess")
	}
}

func TestTrackerFlushRunningAverage(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.RecordFlush(100 * time.Millisecond)
	tr.RecordFlush(300 * time.Millisecond)

	s := tr.Snapshot()
	if s.FlushCount != 2 {
		t.Errorf("FlushCount = %d, want 2", s.FlushCount)
	}
	if s.LastFlushDuration != 300 {
		t.Errorf("LastFlushDuration = %d, want 300", s.LastFlushDuration)
	}
	if s.AvgFlushDuration != 200 {
		t.Errorf("AvgFlushDuration = %v, want 200", s.AvgFlushDuration)
	}
	if s.LastFlushAt == nil {
		t.Error("LastFlushAt not set")
	}
}

func TestTrackerPersistAndLoad(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	tr.RecordEnqueued()
	tr.RecordSuccess()
	tr.RecordFlush(50 * time.Millisecond)
	tr.Persist(ctx)

	restored := NewTracker(s)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := restored.Snapshot()
	if got.TotalOperations != 1 || got.SuccessfulOps != 1 || got.FlushCount != 1 {
		t.Errorf("restored stats = %+v", got)
	}
}

func TestTrackerLoadVersionMismatchStartsFresh(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	// Blob written under a different schema version reads as absent.
	if err := s.PutBlob(ctx, Namespace, Key, SchemaVersion+1, []byte(`{"total_operations":99}`)); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	if err := tr.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := tr.Snapshot().TotalOperations; got != 0 {
		t.Errorf("TotalOperations = %d, want 0 after version mismatch", got)
	}
}

func TestTrackerLoadMissingIsNotError(t *testing.T) {
	tr, _ := newTestTracker(t)
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load with empty store: %v", err)
	}
}
