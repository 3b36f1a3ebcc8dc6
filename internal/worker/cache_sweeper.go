package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper defines the cache operation the sweep loop drives. Implemented by
// cache.Cache.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CacheSweeper periodically removes expired cache entries. The read path
// already evicts lazily; this loop keeps the store from accumulating
// entries nobody reads again.
type CacheSweeper struct {
	cache    Sweeper
	interval time.Duration
}

// NewCacheSweeper creates a sweeper running at the given interval.
func NewCacheSweeper(cache Sweeper, interval time.Duration) *CacheSweeper {
	return &CacheSweeper{cache: cache, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
//
// Unlike FlushCoordinator which passes immediately on start, this loop
// waits for the first tick: sweeping scans every cache row and there is no
// urgency to do that during startup.
func (s *CacheSweeper) Run(ctx context.Context) {
	slog.Info("cache sweeper started",
		"component", "worker",
		"worker", "cache-sweeper",
		"interval", s.interval.String(),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cache sweeper stopped",
				"component", "worker",
				"worker", "cache-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one sweep pass, continuing on failure.
func (s *CacheSweeper) sweep(ctx context.Context) {
	start := time.Now()
	removed, err := s.cache.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("cache sweep failed",
			"component", "worker",
			"worker", "cache-sweeper",
			"error", err,
		)
		return
	}

	if removed > 0 {
		slog.Info("cache sweep completed",
			"component", "worker",
			"worker", "cache-sweeper",
			"entries_removed", removed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
