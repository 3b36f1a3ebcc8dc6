// Package bus is the in-process update broadcast bus: components publish
// completed mutations, independent UI surfaces subscribe instead of polling.
// A pluggable Mirror relays publishes to other open surfaces.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/verdantlabs/trellis/internal/types"
)

// Mirror relays events to UI surfaces outside this process. Implementations
// must not block; delivery is best-effort.
type Mirror interface {
	Mirror(event types.UpdateEvent)
}

// NoopMirror is the single-surface default.
type NoopMirror struct{}

// Mirror discards the event.
func (NoopMirror) Mirror(types.UpdateEvent) {}

type subscriber struct {
	types map[types.UpdateType]struct{} // nil means all types
	fn    func(types.UpdateEvent)
}

// Broadcaster fans out update events to registered subscribers.
// Safe for concurrent use.
type Broadcaster struct {
	mirror Mirror
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string]subscriber
}

// New creates a Broadcaster. A nil mirror defaults to NoopMirror.
func New(mirror Mirror) *Broadcaster {
	if mirror == nil {
		mirror = NoopMirror{}
	}
	return &Broadcaster{
		mirror: mirror,
		now:    time.Now,
		subs:   make(map[string]subscriber),
	}
}

// Subscribe registers fn for the given update types; a nil or empty list
// subscribes to everything. Re-subscribing with the same id replaces the
// previous registration.
func (b *Broadcaster) Subscribe(id string, updateTypes []types.UpdateType, fn func(types.UpdateEvent)) {
	if fn == nil {
		return
	}

	var filter map[types.UpdateType]struct{}
	if len(updateTypes) > 0 {
		filter = make(map[types.UpdateType]struct{}, len(updateTypes))
		for _, t := range updateTypes {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[id] = subscriber{types: filter, fn: fn}
	b.mu.Unlock()
}

// Unsubscribe removes the registration for id. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber, then to the
// mirror. Callbacks run on the publisher's goroutine, outside the registry
// lock; a panicking subscriber is logged and does not affect the others.
func (b *Broadcaster) Publish(updateType types.UpdateType, data any) {
	event := types.UpdateEvent{
		Type:        updateType,
		Data:        data,
		PublishedAt: b.now().UTC(),
	}

	b.mu.RLock()
	matched := make([]func(types.UpdateEvent), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[updateType]; !ok {
				continue
			}
		}
		matched = append(matched, sub.fn)
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		deliver(fn, event)
	}

	b.mirror.Mirror(event)
}

// deliver invokes one subscriber callback, containing panics.
func deliver(fn func(types.UpdateEvent), event types.UpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus subscriber panicked", "update_type", string(event.Type), "panic", r)
		}
	}()
	fn(event)
}
