// Package queue owns the durable operation queue: every mutating user
// action is captured as an Operation, persisted, and replayed against the
// marketplace API with per-operation retry and backoff. Operations leave
// the queue only on delivery or after exhausting their retry budget, so
// restarts and outages lose nothing.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/verdantlabs/trellis/internal/backoff"
	"github.com/verdantlabs/trellis/internal/bus"
	"github.com/verdantlabs/trellis/internal/config"
	"github.com/verdantlabs/trellis/internal/marketplace"
	"github.com/verdantlabs/trellis/internal/netmon"
	"github.com/verdantlabs/trellis/internal/stats"
	"github.com/verdantlabs/trellis/internal/store"
	"github.com/verdantlabs/trellis/internal/types"
	"github.com/verdantlabs/trellis/internal/upload"
	"github.com/verdantlabs/trellis/internal/validation"
)

const (
	// Namespace and Key locate the persisted queue blob.
	Namespace = "sync"
	Key       = "queue"

	// SchemaVersion tags the blob; a mismatch on load starts empty.
	SchemaVersion = 1

	subscriberID = "queue-manager"
)

// ErrInvalidOperation is returned by Enqueue for operations that fail shape
// validation; the field details are attached via %w-wrapped text.
var ErrInvalidOperation = errors.New("invalid operation")

// Manager owns the operation queue. Safe for concurrent use; the flush loop
// is single-flight and never holds the queue lock across a network call.
type Manager struct {
	store    store.Store
	client   marketplace.Client
	uploader upload.Uploader
	monitor  netmon.Monitor
	stats    *stats.Tracker
	bus      *bus.Broadcaster

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	now      func() time.Time
	loadFile func(uri string) ([]byte, string, error) // local image resolver

	mu         sync.Mutex
	ops        []types.Operation
	isFlushing bool
	deadCount  int
}

// NewManager creates a Manager and restores the persisted queue. An absent
// or version-mismatched blob starts empty. The manager subscribes to the
// network monitor so an offline→online transition with pending work
// triggers a flush automatically.
func NewManager(
	ctx context.Context,
	s store.Store,
	client marketplace.Client,
	up upload.Uploader,
	mon netmon.Monitor,
	tracker *stats.Tracker,
	broadcaster *bus.Broadcaster,
	cfg config.QueueConfig,
) (*Manager, error) {
	m := &Manager{
		store:      s,
		client:     client,
		uploader:   up,
		monitor:    mon,
		stats:      tracker,
		bus:        broadcaster,
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Duration(cfg.RetryBaseDelay),
		maxDelay:   time.Duration(cfg.RetryMaxDelay),
		now:        time.Now,
		loadFile:   readLocalImage,
	}
	if m.maxRetries < 1 {
		m.maxRetries = 5
	}

	if err := m.load(ctx); err != nil {
		return nil, err
	}

	if count, err := s.CountDeadLetters(ctx); err == nil {
		m.deadCount = count
	}

	mon.Subscribe(subscriberID, func(online bool) {
		if !online {
			return
		}
		m.mu.Lock()
		pending := len(m.ops) > 0
		m.mu.Unlock()
		if pending {
			go m.Flush(context.Background())
		}
	})

	return m, nil
}

// Close detaches the manager from the network monitor.
func (m *Manager) Close() {
	m.monitor.Unsubscribe(subscriberID)
}

// Enqueue validates op, assigns its identity, appends it to the queue,
// persists, and — when online — kicks off a flush without blocking the
// caller. The only error conditions are a malformed operation and a
// persistence failure; on the latter the in-memory queue still carries the
// operation for the rest of the session.
func (m *Manager) Enqueue(ctx context.Context, op types.Operation) (types.Operation, error) {
	if op.MaxRetries == 0 {
		op.MaxRetries = m.maxRetries
	}
	op.ID = operationID(op.Type)
	op.Timestamp = m.now().UTC()
	op.RetryCount = 0
	op.NextRetryTime = nil
	op.LastError = ""
	op.LastAttempt = nil

	if errs := validation.ValidateOperation(op); len(errs) > 0 {
		return types.Operation{}, fmt.Errorf("%w: %s", ErrInvalidOperation, joinFieldErrors(errs))
	}

	m.mu.Lock()
	m.ops = append(m.ops, op)
	persistErr := m.persistLocked(ctx)
	length := len(m.ops)
	m.mu.Unlock()

	m.stats.RecordEnqueued()
	m.bus.Publish(types.UpdateQueueChanged, types.QueueStatus{QueueLength: length, IsOnline: m.monitor.IsOnline()})

	slog.Info("operation enqueued",
		"operation_id", op.ID,
		"operation_type", string(op.Type),
		"queue_length", length,
	)

	if m.monitor.IsOnline() {
		go m.Flush(context.Background())
	}

	if persistErr != nil {
		// Best-effort durability: the session keeps the operation in memory
		// but it will not survive a restart.
		slog.Warn("queue persistence failed on enqueue", "operation_id", op.ID, "error", persistErr)
		return op, fmt.Errorf("persist queue: %w", persistErr)
	}
	return op, nil
}

// Flush attempts to drain the queue against the marketplace API. It is a
// no-op when a flush is already running, the device is offline, or the
// queue is empty. A head operation whose retry time has not arrived ends
// the pass; connectivity is re-checked before every operation.
func (m *Manager) Flush(ctx context.Context) {
	m.mu.Lock()
	if m.isFlushing || len(m.ops) == 0 {
		m.mu.Unlock()
		return
	}
	if !m.monitor.IsOnline() {
		m.mu.Unlock()
		return
	}
	m.isFlushing = true
	m.mu.Unlock()

	start := m.now()
	var succeeded, failed int

	defer func() {
		m.mu.Lock()
		m.isFlushing = false
		if err := m.persistLocked(ctx); err != nil {
			slog.Warn("queue persistence failed after flush", "error", err)
		}
		m.mu.Unlock()

		elapsed := m.now().Sub(start)
		m.stats.RecordFlush(elapsed)
		m.stats.Persist(ctx)

		slog.Info("flush completed",
			"succeeded", succeeded,
			"failed", failed,
			"duration_ms", elapsed.Milliseconds(),
		)
	}()

	for {
		if ctx.Err() != nil || !m.monitor.IsOnline() {
			return
		}

		m.mu.Lock()
		if len(m.ops) == 0 {
			m.mu.Unlock()
			return
		}
		head := m.ops[0]
		m.mu.Unlock()

		if head.NextRetryTime != nil && head.NextRetryTime.After(m.now()) {
			// Backoff not elapsed; a later trigger retries this pass.
			return
		}

		result, err := m.dispatch(ctx, &head)
		if err != nil {
			failed++
			m.recordFailure(ctx, head, err)
			continue
		}

		succeeded++
		m.recordSuccess(ctx, head, result)
	}
}

// dispatchResult carries per-type outcomes of a successful dispatch.
type dispatchResult struct {
	realID      string // server-assigned id for creates
	tempID      string // optimistic id the create was queued under
	refreshData any    // payload for the auto-refresh broadcast
}

// dispatch sends one operation to the marketplace API. Image-bearing
// payloads upload their local images first; an upload failure fails the
// attempt. The operation's payload may be rewritten in place (local URIs
// replaced with server URLs) so a retry does not re-upload.
func (m *Manager) dispatch(ctx context.Context, op *types.Operation) (dispatchResult, error) {
	switch op.Type {
	case types.OpCreateListing:
		var p types.CreateListingPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		images, err := m.resolveImages(ctx, p.Listing.Images)
		if err != nil {
			return dispatchResult{}, err
		}
		p.Listing.Images = images
		if raw, err := json.Marshal(p); err == nil {
			op.Payload = raw
		}
		realID, err := m.client.CreateListing(ctx, p.Listing)
		if err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{
			realID:      realID,
			tempID:      p.TempID,
			refreshData: map[string]string{"tempId": p.TempID, "productId": realID},
		}, nil

	case types.OpUpdateListing:
		var p types.UpdateListingPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		if err := m.resolveFieldImages(ctx, p.Fields); err != nil {
			return dispatchResult{}, err
		}
		if raw, err := json.Marshal(p); err == nil {
			op.Payload = raw
		}
		if err := m.client.UpdateListing(ctx, p.ListingID, p.Fields); err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: map[string]any{"listingId": p.ListingID}}, nil

	case types.OpDeleteListing:
		var p types.DeleteListingPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		if err := m.client.DeleteListing(ctx, p.ListingID); err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: map[string]string{"listingId": p.ListingID}}, nil

	case types.OpToggleWishlist:
		var p types.ToggleWishlistPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		inWishlist, err := m.client.ToggleWishlist(ctx, p.PlantID)
		if err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: map[string]any{"plantId": p.PlantID, "inWishlist": inWishlist}}, nil

	case types.OpUpdateProfile:
		var p types.UpdateProfilePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		if err := m.client.UpdateProfile(ctx, p.Fields); err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: p.Fields}, nil

	case types.OpSendMessage:
		var p types.SendMessagePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		var messageID string
		var err error
		if p.ConversationID == "" {
			messageID, err = m.client.StartConversation(ctx, p.Recipient, p.PlantID, p.Text)
		} else {
			messageID, err = m.client.SendMessage(ctx, p.ConversationID, p.Text)
		}
		if err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: map[string]string{"messageId": messageID, "conversationId": p.ConversationID}}, nil

	case types.OpSubmitReview:
		var p types.SubmitReviewPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		if err := m.client.SubmitReview(ctx, p); err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: map[string]string{"targetId": p.TargetID}}, nil

	case types.OpUploadImage:
		var p types.UploadImagePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return dispatchResult{}, fmt.Errorf("decode payload: %w", err)
		}
		url, err := m.uploadLocal(ctx, p.LocalURI, p.ContentType)
		if err != nil {
			return dispatchResult{}, err
		}
		return dispatchResult{refreshData: map[string]string{"url": url}}, nil

	default:
		return dispatchResult{}, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// recordSuccess removes the delivered operation from the queue, rewrites
// temporary ids in still-queued operations, and broadcasts updates.
func (m *Manager) recordSuccess(ctx context.Context, op types.Operation, result dispatchResult) {
	m.mu.Lock()
	m.removeLocked(op.ID)
	if result.tempID != "" && result.realID != "" {
		m.remapLocked(result.tempID, result.realID)
	}
	if err := m.persistLocked(ctx); err != nil {
		slog.Warn("queue persistence failed after success", "operation_id", op.ID, "error", err)
	}
	length := len(m.ops)
	m.mu.Unlock()

	m.stats.RecordSuccess()

	slog.Info("operation delivered",
		"operation_id", op.ID,
		"operation_type", string(op.Type),
		"attempts", op.RetryCount+1,
	)

	if op.AutoRefresh {
		m.bus.Publish(types.UpdateTypeFor(op.Type), result.refreshData)
	}
	m.bus.Publish(types.UpdateQueueChanged, types.QueueStatus{QueueLength: length, IsOnline: m.monitor.IsOnline()})
}

// recordFailure moves the failed operation to the tail with backoff, or —
// once its retry budget is spent — drops it into the dead letter archive
// and publishes the terminal-failure event.
func (m *Manager) recordFailure(ctx context.Context, op types.Operation, cause error) {
	m.stats.RecordFailure()

	now := m.now().UTC()
	op.RetryCount++
	op.LastError = cause.Error()
	op.LastAttempt = &now

	if op.RetryCount < op.MaxRetries {
		delay := backoff.Delay(op.RetryCount, m.baseDelay, m.maxDelay)
		next := now.Add(delay)
		op.NextRetryTime = &next

		m.mu.Lock()
		m.removeLocked(op.ID)
		m.ops = append(m.ops, op) // tail, so it cannot starve later operations
		if err := m.persistLocked(ctx); err != nil {
			slog.Warn("queue persistence failed after retry scheduling", "operation_id", op.ID, "error", err)
		}
		m.mu.Unlock()

		slog.Warn("operation failed, retry scheduled",
			"operation_id", op.ID,
			"operation_type", string(op.Type),
			"retry_count", op.RetryCount,
			"next_retry_in", delay.String(),
			"error", cause,
		)
		return
	}

	// Retry budget exhausted: terminal for this operation only.
	m.mu.Lock()
	m.removeLocked(op.ID)
	if err := m.persistLocked(ctx); err != nil {
		slog.Warn("queue persistence failed after permanent failure", "operation_id", op.ID, "error", err)
	}
	m.deadCount++
	m.mu.Unlock()

	m.stats.RecordPermanentFailure()

	letter := types.DeadLetter{
		OperationID:   op.ID,
		OperationType: op.Type,
		Payload:       op.Payload,
		Attempts:      op.RetryCount,
		Reason:        cause.Error(),
		FailedAt:      now,
	}
	if err := m.store.InsertDeadLetter(ctx, letter); err != nil {
		slog.Error("dead letter insert failed", "operation_id", op.ID, "error", err)
	}

	slog.Error("operation permanently failed",
		"operation_id", op.ID,
		"operation_type", string(op.Type),
		"attempts", op.RetryCount,
		"error", cause,
	)

	m.bus.Publish(types.UpdateOperationFailed, types.OperationFailure{
		OperationID:   op.ID,
		OperationType: op.Type,
		Attempts:      op.RetryCount,
		Reason:        cause.Error(),
	})
}

// Status returns a snapshot of the queue. Pure read, no side effects.
func (m *Manager) Status() types.QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var retryPending int
	for _, op := range m.ops {
		if op.RetryCount > 0 {
			retryPending++
		}
	}

	return types.QueueStatus{
		QueueLength:            len(m.ops),
		IsOnline:               m.monitor.IsOnline(),
		IsFlushing:             m.isFlushing,
		RetryPendingCount:      retryPending,
		PermanentlyFailedCount: m.deadCount,
	}
}

// Pending returns a read-only view of the queued operations in order.
func (m *Manager) Pending() []types.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]types.QueueEntry, len(m.ops))
	for i, op := range m.ops {
		entries[i] = types.QueueEntry{
			ID:            op.ID,
			Type:          op.Type,
			Timestamp:     op.Timestamp,
			RetryCount:    op.RetryCount,
			MaxRetries:    op.MaxRetries,
			NextRetryTime: op.NextRetryTime,
			LastError:     op.LastError,
		}
	}
	return entries
}

// load restores the persisted queue; absence and version mismatch start
// empty.
func (m *Manager) load(ctx context.Context) error {
	blob, err := m.store.GetBlob(ctx, Namespace, Key, SchemaVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionMismatch) {
			return nil
		}
		return fmt.Errorf("load queue: %w", err)
	}

	var ops []types.Operation
	if err := json.Unmarshal(blob, &ops); err != nil {
		slog.Warn("discarding corrupt queue blob", "error", err)
		return nil
	}

	m.ops = ops
	if len(ops) > 0 {
		slog.Info("queue restored", "pending_operations", len(ops))
	}
	return nil
}

// persistLocked re-persists the whole queue. Callers hold m.mu, which also
// serializes writers to the queue key.
func (m *Manager) persistLocked(ctx context.Context) error {
	blob, err := json.Marshal(m.ops)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return m.store.PutBlob(ctx, Namespace, Key, SchemaVersion, blob)
}

// removeLocked drops the operation with the given id, if still queued.
func (m *Manager) removeLocked(id string) {
	for i, op := range m.ops {
		if op.ID == id {
			m.ops = append(m.ops[:i], m.ops[i+1:]...)
			return
		}
	}
}

// remapLocked rewrites every still-queued operation referencing tempID so
// it targets realID. Dependent operations queued before the create synced
// (an update right after an optimistic create, say) then hit the correct
// record.
func (m *Manager) remapLocked(tempID, realID string) {
	for i := range m.ops {
		rewritten, changed := remapPayload(m.ops[i].Type, m.ops[i].Payload, tempID, realID)
		if changed {
			m.ops[i].Payload = rewritten
			slog.Info("operation remapped to server id",
				"operation_id", m.ops[i].ID,
				"temp_id", tempID,
				"real_id", realID,
			)
		}
	}
}

// remapPayload rewrites tempID references in a single payload. Returns the
// (possibly unchanged) payload and whether a rewrite happened.
func remapPayload(opType types.OperationType, payload json.RawMessage, tempID, realID string) (json.RawMessage, bool) {
	switch opType {
	case types.OpUpdateListing:
		var p types.UpdateListingPayload
		if json.Unmarshal(payload, &p) == nil && p.ListingID == tempID {
			p.ListingID = realID
			if raw, err := json.Marshal(p); err == nil {
				return raw, true
			}
		}
	case types.OpDeleteListing:
		var p types.DeleteListingPayload
		if json.Unmarshal(payload, &p) == nil && p.ListingID == tempID {
			p.ListingID = realID
			if raw, err := json.Marshal(p); err == nil {
				return raw, true
			}
		}
	case types.OpToggleWishlist:
		var p types.ToggleWishlistPayload
		if json.Unmarshal(payload, &p) == nil && p.PlantID == tempID {
			p.PlantID = realID
			if raw, err := json.Marshal(p); err == nil {
				return raw, true
			}
		}
	case types.OpSendMessage:
		var p types.SendMessagePayload
		if json.Unmarshal(payload, &p) == nil && p.PlantID == tempID {
			p.PlantID = realID
			if raw, err := json.Marshal(p); err == nil {
				return raw, true
			}
		}
	case types.OpSubmitReview:
		var p types.SubmitReviewPayload
		if json.Unmarshal(payload, &p) == nil && p.TargetID == tempID {
			p.TargetID = realID
			if raw, err := json.Marshal(p); err == nil {
				return raw, true
			}
		}
	}
	return payload, false
}

// resolveImages replaces local image URIs with server URLs, uploading each
// local image. Already-uploaded URLs pass through untouched.
func (m *Manager) resolveImages(ctx context.Context, images []string) ([]string, error) {
	if len(images) == 0 {
		return images, nil
	}

	resolved := make([]string, len(images))
	for i, uri := range images {
		if !upload.IsLocalURI(uri) {
			resolved[i] = uri
			continue
		}
		url, err := m.uploadLocal(ctx, uri, "")
		if err != nil {
			return nil, fmt.Errorf("upload image %d: %w", i, err)
		}
		resolved[i] = url
	}
	return resolved, nil
}

// resolveFieldImages rewrites an "images" entry inside an update field map.
func (m *Manager) resolveFieldImages(ctx context.Context, fields map[string]any) error {
	raw, ok := fields["images"]
	if !ok {
		return nil
	}

	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	images := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil // unexpected shape, send as-is
		}
		images = append(images, s)
	}

	resolved, err := m.resolveImages(ctx, images)
	if err != nil {
		return err
	}
	fields["images"] = resolved
	return nil
}

// uploadLocal loads a device-local image and uploads it, returning the
// server URL.
func (m *Manager) uploadLocal(ctx context.Context, uri, contentType string) (string, error) {
	data, detected, err := m.loadFile(uri)
	if err != nil {
		return "", fmt.Errorf("read local image: %w", err)
	}
	if contentType == "" {
		contentType = detected
	}
	return m.uploader.Upload(ctx, data, contentType)
}

// operationID builds the queue identifier: lowercased type plus a ULID,
// which carries the timestamp and random suffix.
func operationID(t types.OperationType) string {
	return strings.ToLower(string(t)) + "_" + ulid.Make().String()
}

// joinFieldErrors flattens validation errors for the wrapped error message.
func joinFieldErrors(errs []validation.ValidationError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Field + " " + e.Message
	}
	return strings.Join(parts, "; ")
}
