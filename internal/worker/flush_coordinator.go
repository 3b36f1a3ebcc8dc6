// Package worker contains the daemon's background loops: periodic queue
// flushing and cache sweeping. Each coordinator exposes a blocking Run(ctx)
// and stops when the context is cancelled.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/verdantlabs/trellis/internal/types"
)

// Flusher defines the queue operations the flush coordinator drives.
// Implemented by queue.Manager.
type Flusher interface {
	Flush(ctx context.Context)
	Status() types.QueueStatus
}

// FlushCoordinator periodically triggers a queue flush pass. The queue
// already flushes on enqueue and on connectivity recovery; this loop exists
// for operations whose retry time elapsed with no other trigger in between.
type FlushCoordinator struct {
	queue    Flusher
	interval time.Duration
}

// NewFlushCoordinator creates a coordinator flushing at the given interval.
func NewFlushCoordinator(queue Flusher, interval time.Duration) *FlushCoordinator {
	return &FlushCoordinator{queue: queue, interval: interval}
}

// Run starts the flush loop. It blocks until ctx is cancelled.
//
// Unlike CacheSweeper which waits for the first tick, this coordinator
// passes immediately on start so operations persisted by a previous run are
// retried promptly rather than waiting a full interval.
func (c *FlushCoordinator) Run(ctx context.Context) {
	slog.Info("flush coordinator started",
		"component", "worker",
		"worker", "flush-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("flush coordinator stopped",
				"component", "worker",
				"worker", "flush-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.pass(ctx)
		}
	}
}

// pass triggers one flush when there is pending work. Flush itself is
// single-flight and a no-op while offline, so triggering is cheap.
func (c *FlushCoordinator) pass(ctx context.Context) {
	status := c.queue.Status()
	if status.QueueLength == 0 {
		return
	}

	slog.Debug("periodic flush pass",
		"component", "worker",
		"worker", "flush-coordinator",
		"pending", status.QueueLength,
	)
	c.queue.Flush(ctx)
}
