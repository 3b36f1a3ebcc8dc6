package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockSweeper struct {
	mu     sync.Mutex
	sweeps int
	err    error
}

func (m *mockSweeper) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	if m.err != nil {
		return 0, m.err
	}
	return 1, nil
}

func (m *mockSweeper) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

func TestCacheSweeperWaitsForFirstTick(t *testing.T) {
	cache := &mockSweeper{}
	sweeper := NewCacheSweeper(cache, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	// No sweep before the first interval elapses.
	time.Sleep(5 * time.Millisecond)
	if got := cache.sweepCount(); got != 0 {
		t.Fatalf("sweeps before first tick = %d, want 0", got)
	}

	waitForCond(t, "first sweep", func() bool { return cache.sweepCount() >= 1 })

	cancel()
	<-done
}

func TestCacheSweeperContinuesAfterFailure(t *testing.T) {
	cache := &mockSweeper{err: errors.New("database is locked")}
	sweeper := NewCacheSweeper(cache, 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	waitForCond(t, "repeated sweeps despite errors", func() bool { return cache.sweepCount() >= 3 })

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
