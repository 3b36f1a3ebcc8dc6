// Package netmon observes connectivity to the marketplace backend and
// notifies subscribers on online/offline transitions.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor reports current connectivity and notifies on transitions.
type Monitor interface {
	IsOnline() bool
	Subscribe(id string, fn func(online bool))
	Unsubscribe(id string)
}

// ProbeMonitor determines connectivity by probing an HTTP endpoint on a
// fixed interval. It starts offline until the first probe succeeds.
type ProbeMonitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu     sync.Mutex
	online bool
	subs   map[string]func(online bool)
}

// NewProbeMonitor creates a monitor probing probeURL. The timeout bounds
// each probe so a hung request cannot stall the loop.
func NewProbeMonitor(probeURL string, interval, timeout time.Duration) *ProbeMonitor {
	return &ProbeMonitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		subs:     make(map[string]func(online bool)),
	}
}

// IsOnline returns the last observed connectivity state.
func (m *ProbeMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for connectivity transitions. Re-subscribing with
// the same id replaces the previous registration.
func (m *ProbeMonitor) Subscribe(id string, fn func(online bool)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subs[id] = fn
	m.mu.Unlock()
}

// Unsubscribe removes the registration for id.
func (m *ProbeMonitor) Unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// SetOnline overrides the observed state and notifies on transition.
// Used by tests and manual tooling; the next probe re-evaluates.
func (m *ProbeMonitor) SetOnline(online bool) {
	m.transition(online)
}

// Run starts the probe loop: an immediate probe, then one per interval.
// Blocks until ctx is cancelled.
func (m *ProbeMonitor) Run(ctx context.Context) {
	slog.Info("network monitor started",
		"component", "worker",
		"worker", "netmon",
		"probe_url", m.probeURL,
		"interval", m.interval.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Probe immediately so the first connectivity decision does not wait a
	// full interval.
	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("network monitor stopped",
				"component", "worker",
				"worker", "netmon",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe performs one connectivity check and records the result.
func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.transition(false)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return // shutdown, keep last state
		}
		m.transition(false)
		return
	}
	resp.Body.Close()

	m.transition(resp.StatusCode < 500)
}

// transition updates the state and, on change, notifies subscribers outside
// the lock.
func (m *ProbeMonitor) transition(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	slog.Info("connectivity changed", "online", online)
	for _, fn := range fns {
		fn(online)
	}
}

// StaticMonitor is a fixed or manually driven monitor for tests and tools.
type StaticMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[string]func(online bool)
}

// NewStaticMonitor creates a StaticMonitor with the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{
		online: online,
		subs:   make(map[string]func(online bool)),
	}
}

// IsOnline returns the current state.
func (m *StaticMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions.
func (m *StaticMonitor) Subscribe(id string, fn func(online bool)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subs[id] = fn
	m.mu.Unlock()
}

// Unsubscribe removes the registration for id.
func (m *StaticMonitor) Unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// SetOnline changes the state and notifies subscribers on transition.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
