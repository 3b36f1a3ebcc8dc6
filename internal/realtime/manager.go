// Package realtime maintains the live bidirectional channel for chat
// traffic: connect/reconnect with capped backoff, a heartbeat, an outbound
// queue for offline sends, and fan-out of inbound events to subscribers.
// Send calls never fail hard on a down connection; they queue and return.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/verdantlabs/trellis/internal/backoff"
	"github.com/verdantlabs/trellis/internal/config"
	"github.com/verdantlabs/trellis/internal/types"
)

// ErrQueued is returned by SendMessage when the connection is down and the
// message was captured in the outbound queue instead. Callers that need
// durable delivery enqueue a SendMessage operation on the sync queue as
// well.
var ErrQueued = errors.New("realtime: connection down, message queued")

// reconnectJitterFraction spreads reconnect storms across clients.
const reconnectJitterFraction = 0.25

// Subscriber is one consumer's set of event callbacks; nil fields are
// skipped. OnConnectionState is invoked immediately on registration with
// the current snapshot, then on every transition.
type Subscriber struct {
	OnMessage         func(types.ChatMessage)
	OnTyping          func(types.TypingIndicator)
	OnReadReceipt     func(types.ReadReceipt)
	OnConnectionState func(types.ConnectionSnapshot)
	OnError           func(error)
}

// Manager owns the live connection and its state machine. Safe for
// concurrent use.
type Manager struct {
	transport Transport
	userEmail string

	heartbeatInterval time.Duration
	baseDelay         time.Duration
	maxDelay          time.Duration
	maxAttempts       int

	connectGroup singleflight.Group

	mu            sync.Mutex
	conn          Conn
	state         types.ConnectionSnapshot
	connectedAt   time.Time
	outbound      []types.OutboundMessage
	subs          map[string]Subscriber
	heartbeatStop chan struct{}
	reconnect     *time.Timer
	closed        bool
	exhausted     bool
}

// NewManager creates a Manager over the given transport. The connection is
// not established until Initialize is called (directly or by a send).
func NewManager(transport Transport, userEmail string, cfg config.RealtimeConfig) *Manager {
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Manager{
		transport:         transport,
		userEmail:         userEmail,
		heartbeatInterval: time.Duration(cfg.HeartbeatInterval),
		baseDelay:         time.Duration(cfg.ReconnectBaseDelay),
		maxDelay:          time.Duration(cfg.ReconnectMaxDelay),
		maxAttempts:       maxAttempts,
		subs:              make(map[string]Subscriber),
		state:             types.ConnectionSnapshot{MaxReconnectAttempts: maxAttempts},
	}
}

// Initialize establishes the connection. Concurrent callers share one
// in-flight attempt; the transport is never asked to connect twice at
// once. Errors propagate to direct callers; automatic reconnection is
// scheduled independently while attempts remain.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, _ := m.connectGroup.Do("connect", func() (any, error) {
		return nil, m.connect(ctx)
	})
	return err
}

// connect performs one connection attempt.
func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("realtime: manager shut down")
	}
	if m.state.IsConnected {
		m.mu.Unlock()
		return nil
	}
	m.state.IsConnecting = true
	m.publishStateLocked()
	m.mu.Unlock()

	conn, err := m.transport.Connect(ctx)
	if err != nil {
		m.mu.Lock()
		m.state.IsConnecting = false
		m.state.LastError = err.Error()
		m.scheduleReconnectLocked()
		m.publishStateLocked()
		m.mu.Unlock()

		slog.Warn("realtime connect failed", "error", err)
		return fmt.Errorf("connect realtime channel: %w", err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return errors.New("realtime: manager shut down")
	}
	m.conn = conn
	m.connectedAt = now
	m.state.IsConnected = true
	m.state.IsConnecting = false
	m.state.LastError = ""
	m.state.ConnectionID = conn.ID()
	m.state.ReconnectAttempts = 0
	m.state.LastConnectedAt = &now
	m.exhausted = false
	m.startHeartbeatLocked()
	queued := m.outbound
	m.outbound = nil
	m.publishStateLocked()
	m.mu.Unlock()

	slog.Info("realtime connected", "connection_id", conn.ID())

	go m.readPump(conn)

	// Join the user's routing group before anything else flows.
	if env, err := newEnvelope(EnvJoinGroup, joinGroupData{Group: m.userEmail}); err == nil {
		if err := conn.WriteEnvelope(env); err != nil {
			slog.Warn("join group failed", "error", err)
		}
	}

	m.replayOutbound(conn, queued)
	return nil
}

// replayOutbound sends queued messages in their original order. Messages
// that fail to write go back to the front of the queue for the next
// connect.
func (m *Manager) replayOutbound(conn Conn, queued []types.OutboundMessage) {
	for i, msg := range queued {
		env := Envelope{Type: msg.Method, Data: msg.Args, Timestamp: msg.Timestamp}
		if err := conn.WriteEnvelope(env); err != nil {
			slog.Warn("outbound replay interrupted", "sent", i, "remaining", len(queued)-i, "error", err)
			m.mu.Lock()
			rest := make([]types.OutboundMessage, 0, len(queued)-i+len(m.outbound))
			for _, r := range queued[i:] {
				r.RetryCount++
				rest = append(rest, r)
			}
			m.outbound = append(rest, m.outbound...)
			m.mu.Unlock()
			return
		}
	}
	if len(queued) > 0 {
		slog.Info("outbound queue replayed", "messages", len(queued))
	}
}

// readPump consumes inbound frames until the connection drops.
func (m *Manager) readPump(conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			m.handleDrop(conn, err)
			return
		}
		m.dispatch(env)
	}
}

// dispatch routes one inbound frame to the matching subscriber callbacks.
func (m *Manager) dispatch(env Envelope) {
	m.mu.Lock()
	subs := make([]Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	switch env.Type {
	case EnvMessage:
		var msg types.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			slog.Warn("malformed message frame", "error", err)
			return
		}
		for _, s := range subs {
			if s.OnMessage != nil {
				s.OnMessage(msg)
			}
		}
	case EnvTyping:
		var ind types.TypingIndicator
		if err := json.Unmarshal(env.Data, &ind); err != nil {
			slog.Warn("malformed typing frame", "error", err)
			return
		}
		for _, s := range subs {
			if s.OnTyping != nil {
				s.OnTyping(ind)
			}
		}
	case EnvReadReceipt:
		var rr types.ReadReceipt
		if err := json.Unmarshal(env.Data, &rr); err != nil {
			slog.Warn("malformed read receipt frame", "error", err)
			return
		}
		for _, s := range subs {
			if s.OnReadReceipt != nil {
				s.OnReadReceipt(rr)
			}
		}
	case EnvPong:
		// heartbeat response, nothing to route
	default:
		slog.Debug("unhandled frame type", "type", env.Type)
	}
}

// handleDrop reacts to a transport-reported drop: the close event is
// authoritative, unlike heartbeat failures.
func (m *Manager) handleDrop(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// already superseded by a newer connection
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.stopHeartbeatLocked()
	m.state.IsConnected = false
	m.state.ConnectionID = ""
	if !m.closed {
		m.state.LastError = cause.Error()
		m.scheduleReconnectLocked()
	}
	m.publishStateLocked()
	closed := m.closed
	m.mu.Unlock()

	conn.Close()
	if !closed {
		slog.Warn("realtime connection dropped", "error", cause)
	}
}

// scheduleReconnectLocked books the next automatic attempt, or goes
// terminal once the budget is spent. Callers hold m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.exhausted {
		return
	}
	if m.state.ReconnectAttempts >= m.maxAttempts {
		m.exhausted = true
		err := fmt.Errorf("realtime: gave up after %d reconnect attempts", m.state.ReconnectAttempts)
		slog.Error("realtime reconnection exhausted", "attempts", m.state.ReconnectAttempts)

		subs := make([]Subscriber, 0, len(m.subs))
		for _, s := range m.subs {
			subs = append(subs, s)
		}
		// Error callbacks fire exactly once per exhaustion, off the lock's
		// critical path.
		go func() {
			for _, s := range subs {
				if s.OnError != nil {
					s.OnError(err)
				}
			}
		}()
		return
	}

	delay := backoff.Jitter(backoff.Delay(m.state.ReconnectAttempts, m.baseDelay, m.maxDelay), reconnectJitterFraction)
	m.state.ReconnectAttempts++

	slog.Info("realtime reconnect scheduled",
		"attempt", m.state.ReconnectAttempts,
		"max_attempts", m.maxAttempts,
		"delay", delay.String(),
	)

	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = time.AfterFunc(delay, func() {
		if err := m.Initialize(context.Background()); err != nil {
			slog.Debug("scheduled reconnect failed", "error", err)
		}
	})
}

// startHeartbeatLocked launches the periodic ping. Callers hold m.mu.
func (m *Manager) startHeartbeatLocked() {
	if m.heartbeatInterval <= 0 {
		return
	}
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	conn := m.conn

	go func() {
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				env, err := newEnvelope(EnvPing, nil)
				if err != nil {
					continue
				}
				if err := conn.WriteEnvelope(env); err != nil {
					// Recorded only; the transport's close event decides
					// whether the connection is actually gone.
					m.mu.Lock()
					m.state.LastError = "heartbeat: " + err.Error()
					m.mu.Unlock()
					slog.Warn("heartbeat send failed", "error", err)
				}
			}
		}
	}()
}

// stopHeartbeatLocked halts the ping loop. Callers hold m.mu.
func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// SendMessage delivers a chat message over the live channel. When the
// connection is down the message is queued, a connect is kicked off, and
// ErrQueued is returned so the caller can fall back to the durable queue.
func (m *Manager) SendMessage(ctx context.Context, msg types.ChatMessage) error {
	return m.send(ctx, EnvMessage, msg, true)
}

// SendTypingIndicator signals typing state. Non-critical: queued silently
// when the connection is down.
func (m *Manager) SendTypingIndicator(ctx context.Context, ind types.TypingIndicator) error {
	return m.send(ctx, EnvTyping, ind, false)
}

// SendReadReceipt reports read progress. Non-critical: queued silently
// when the connection is down.
func (m *Manager) SendReadReceipt(ctx context.Context, rr types.ReadReceipt) error {
	return m.send(ctx, EnvReadReceipt, rr, false)
}

// send writes one frame, or queues it and kicks a connect when down.
func (m *Manager) send(ctx context.Context, method string, data any, critical bool) error {
	env, err := newEnvelope(method, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state.IsConnected
	if !connected {
		m.outbound = append(m.outbound, types.OutboundMessage{
			Method:    method,
			Args:      env.Data,
			Timestamp: env.Timestamp,
		})
	}
	m.mu.Unlock()

	if connected {
		if err := conn.WriteEnvelope(env); err != nil {
			return fmt.Errorf("send %s: %w", method, err)
		}
		return nil
	}

	go func() {
		if err := m.Initialize(context.Background()); err != nil {
			slog.Debug("send-triggered connect failed", "method", method, "error", err)
		}
	}()

	if critical {
		return ErrQueued
	}
	return nil
}

// Subscribe registers callbacks under id; re-subscribing replaces the
// previous registration. A connection-state callback fires immediately
// with the current snapshot so late subscribers are not stale.
func (m *Manager) Subscribe(id string, sub Subscriber) {
	m.mu.Lock()
	m.subs[id] = sub
	snapshot := m.state
	m.mu.Unlock()

	if sub.OnConnectionState != nil {
		sub.OnConnectionState(snapshot)
	}
}

// Unsubscribe removes the registration for id.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Snapshot returns the current connection state. Read-only; the state is
// owned exclusively by the manager.
func (m *Manager) Snapshot() types.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueuedMessages reports the outbound queue length.
func (m *Manager) QueuedMessages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbound)
}

// HealthCheck probes the live connection with a ping and reports
// observability detail. It never feeds the state machine.
func (m *Manager) HealthCheck(ctx context.Context) types.ConnectionHealth {
	m.mu.Lock()
	conn := m.conn
	health := types.ConnectionHealth{
		State:          m.stateNameLocked(),
		ConnectionID:   m.state.ConnectionID,
		QueuedMessages: len(m.outbound),
	}
	if m.state.IsConnected {
		health.UptimeSeconds = int64(time.Since(m.connectedAt).Seconds())
	}
	m.mu.Unlock()

	if conn == nil {
		health.Detail = "no live connection"
		return health
	}

	env, err := newEnvelope(EnvPing, nil)
	if err == nil {
		err = conn.WriteEnvelope(env)
	}
	if err != nil {
		health.Detail = "ping failed: " + err.Error()
		return health
	}

	health.Healthy = true
	return health
}

// ForceReconnect resets the attempt budget and establishes a fresh
// connection. This is the only way out of the exhausted terminal state.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("realtime: manager shut down")
	}
	m.exhausted = false
	m.state.ReconnectAttempts = 0
	m.state.LastError = ""
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	m.state.IsConnected = false
	m.state.ConnectionID = ""
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return m.Initialize(ctx)
}

// Shutdown stops reconnection, the heartbeat, and the connection. The
// manager does not reconnect afterwards.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.state.IsConnected = false
	m.state.IsConnecting = false
	m.state.ConnectionID = ""
	m.publishStateLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	slog.Info("realtime manager shut down")
}

// publishStateLocked notifies connection-state subscribers. Callers hold
// m.mu; callbacks run on a fresh goroutine to stay off the lock.
func (m *Manager) publishStateLocked() {
	snapshot := m.state
	subs := make([]func(types.ConnectionSnapshot), 0, len(m.subs))
	for _, s := range m.subs {
		if s.OnConnectionState != nil {
			subs = append(subs, s.OnConnectionState)
		}
	}
	if len(subs) == 0 {
		return
	}
	go func() {
		for _, fn := range subs {
			fn(snapshot)
		}
	}()
}

// stateNameLocked names the current state-machine position.
func (m *Manager) stateNameLocked() string {
	switch {
	case m.state.IsConnected:
		return "connected"
	case m.state.IsConnecting:
		return "connecting"
	case m.state.ReconnectAttempts > 0 && !m.exhausted:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
