// Package cache stores previously fetched marketplace data for offline
// viewing. Entries carry their own expiry and schema version; an expired or
// version-mismatched entry reads as absent and is lazily evicted.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verdantlabs/trellis/internal/store"
)

// Namespace is the KV namespace holding cache entries.
const Namespace = "cache"

// SchemaVersion tags the KV blobs. Bump when the entry format changes;
// mismatched blobs read as absent.
const SchemaVersion = 1

// EntryVersion tags the payload format inside the entry envelope.
const EntryVersion = 1

// entry is the stored envelope around cached data.
type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	MaxAgeMs  int64           `json:"max_age_ms"`
	Version   int             `json:"version"`
}

// Cache is a KV-backed read-through cache with per-entry expiry.
type Cache struct {
	store store.Store
	now   func() time.Time // injectable clock for expiry tests
}

// New creates a Cache over the given store.
func New(s store.Store) *Cache {
	return &Cache{
		store: s,
		now:   time.Now,
	}
}

// Set stores v under key with the given maximum age.
func (c *Cache) Set(ctx context.Context, key string, v any, maxAge time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	e := entry{
		Data:      data,
		Timestamp: c.now().UTC(),
		MaxAgeMs:  maxAge.Milliseconds(),
		Version:   EntryVersion,
	}

	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := c.store.PutBlob(ctx, Namespace, key, SchemaVersion, blob); err != nil {
		return fmt.Errorf("persist cache entry: %w", err)
	}
	return nil
}

// Get reads the entry for key into dest. Returns (false, nil) when the entry
// is absent, expired, or from a different version; expired and mismatched
// entries are evicted on the way out.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	blob, err := c.store.GetBlob(ctx, Namespace, key, SchemaVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionMismatch) {
			return false, nil
		}
		return false, fmt.Errorf("read cache entry: %w", err)
	}

	var e entry
	if err := json.Unmarshal(blob, &e); err != nil {
		// Corrupt entry: treat as absent and drop it.
		c.evict(ctx, key)
		return false, nil
	}

	if e.Version != EntryVersion || c.expired(e) {
		c.evict(ctx, key)
		return false, nil
	}

	if err := json.Unmarshal(e.Data, dest); err != nil {
		return false, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return true, nil
}

// Remove deletes the entry for key. Removing an absent entry is not an error.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.store.DeleteBlob(ctx, Namespace, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Sweep removes all expired entries. The read path already evicts lazily;
// this keeps the store from accumulating entries nobody reads again.
// Returns the number of entries removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	keys, err := c.store.ListKeys(ctx, Namespace)
	if err != nil {
		return 0, fmt.Errorf("list cache keys: %w", err)
	}

	var removed int
	for _, key := range keys {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		blob, err := c.store.GetBlob(ctx, Namespace, key, SchemaVersion)
		if err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				c.evict(ctx, key)
				removed++
			}
			continue
		}

		var e entry
		if err := json.Unmarshal(blob, &e); err != nil {
			c.evict(ctx, key)
			removed++
			continue
		}

		if e.Version != EntryVersion || c.expired(e) {
			c.evict(ctx, key)
			removed++
		}
	}

	return removed, nil
}

// expired reports whether the entry's age has reached its max age.
func (c *Cache) expired(e entry) bool {
	if e.MaxAgeMs <= 0 {
		return false // no expiry configured
	}
	age := c.now().Sub(e.Timestamp)
	return age >= time.Duration(e.MaxAgeMs)*time.Millisecond
}

// evict drops an entry on a best-effort basis.
func (c *Cache) evict(ctx context.Context, key string) {
	if err := c.store.DeleteBlob(ctx, Namespace, key); err != nil {
		slog.Warn("cache eviction failed", "key", key, "error", err)
	}
}
