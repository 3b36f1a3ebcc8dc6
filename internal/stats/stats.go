// Package stats aggregates operation queue counters for observability.
// Counters live in memory and are persisted to the KV store after each
// flush; persistence failures are logged, never surfaced to callers.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantlabs/trellis/internal/store"
	"github.com/verdantlabs/trellis/internal/types"
)

const (
	// Namespace and Key locate the persisted stats blob.
	Namespace = "sync"
	Key       = "stats"

	// SchemaVersion tags the blob; a mismatch on load starts fresh.
	SchemaVersion = 1
)

// Tracker maintains sync statistics. Safe for concurrent use.
type Tracker struct {
	store store.Store
	now   func() time.Time

	mu    sync.Mutex
	stats types.SyncStats
}

// NewTracker creates a Tracker over the given store.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{
		store: s,
		now:   time.Now,
	}
}

// Load restores persisted statistics. An absent or version-mismatched blob
// starts fresh; only unexpected store errors are returned.
func (t *Tracker) Load(ctx context.Context) error {
	blob, err := t.store.GetBlob(ctx, Namespace, Key, SchemaVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionMismatch) {
			return nil
		}
		return err
	}

	var loaded types.SyncStats
	if err := json.Unmarshal(blob, &loaded); err != nil {
		slog.Warn("discarding corrupt stats blob", "error", err)
		return nil
	}

	t.mu.Lock()
	t.stats = loaded
	t.mu.Unlock()
	return nil
}

// Persist writes the current counters to the store. Failures are logged;
// the in-memory counters keep serving the session either way.
func (t *Tracker) Persist(ctx context.Context) {
	t.mu.Lock()
	snapshot := t.stats
	t.mu.Unlock()

	blob, err := json.Marshal(snapshot)
	if err != nil {
		slog.Error("marshal stats failed", "error", err)
		return
	}
	if err := t.store.PutBlob(ctx, Namespace, Key, SchemaVersion, blob); err != nil {
		slog.Warn("persist stats failed", "error", err)
	}
}

// RecordEnqueued counts a newly enqueued operation.
func (t *Tracker) RecordEnqueued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.TotalOperations++
}

// RecordSuccess counts a successfully delivered operation.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.SuccessfulOps++
	now := t.now().UTC()
	t.stats.LastSuccessfulSync = &now
}

// RecordFailure counts a failed delivery attempt.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.FailedOps++
}

// RecordPermanentFailure counts an operation dropped after exhausting its
// retry budget.
func (t *Tracker) RecordPermanentFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.PermanentFailures++
}

// RecordFlush records one completed flush pass and folds its duration into
// the running average.
func (t *Tracker) RecordFlush(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.FlushCount++
	ms := duration.Milliseconds()
	t.stats.LastFlushDuration = ms

	// Incremental running average: avg += (x - avg) / n.
	n := float64(t.stats.FlushCount)
	t.stats.AvgFlushDuration += (float64(ms) - t.stats.AvgFlushDuration) / n

	now := t.now().UTC()
	t.stats.LastFlushAt = &now
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() types.SyncStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
