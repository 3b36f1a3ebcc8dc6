package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verdantlabs/trellis/internal/bus"
	"github.com/verdantlabs/trellis/internal/config"
	"github.com/verdantlabs/trellis/internal/netmon"
	"github.com/verdantlabs/trellis/internal/stats"
	"github.com/verdantlabs/trellis/internal/store"
	"github.com/verdantlabs/trellis/internal/types"
)

// fakeClient is a scripted marketplace client: it records calls in order
// and fails a method a configured number of times before succeeding.
type fakeClient struct {
	mu        sync.Mutex
	calls     []string
	failures  map[string]int // method -> remaining failures
	createID  string
	slowness  time.Duration
	inFlight  int
	maxInFlgt int
}

func newFakeClient() *fakeClient {
	return &fakeClient{failures: make(map[string]int), createID: "real-42"}
}

func (f *fakeClient) record(call string) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlgt {
		f.maxInFlgt = f.inFlight
	}
	f.calls = append(f.calls, call)
	method := strings.SplitN(call, ":", 2)[0]
	fail := f.failures[method] > 0
	if fail {
		f.failures[method]--
	}
	slow := f.slowness
	f.mu.Unlock()

	if slow > 0 {
		time.Sleep(slow)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if fail {
		return errors.New("simulated remote failure")
	}
	return nil
}

func (f *fakeClient) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeClient) countCalls(prefix string) int {
	var n int
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeClient) CreateListing(ctx context.Context, listing types.Listing) (string, error) {
	if err := f.record("create:" + listing.Title); err != nil {
		return "", err
	}
	return f.createID, nil
}

func (f *fakeClient) UpdateListing(ctx context.Context, listingID string, fields map[string]any) error {
	return f.record("update:" + listingID)
}

func (f *fakeClient) DeleteListing(ctx context.Context, listingID string) error {
	return f.record("delete:" + listingID)
}

func (f *fakeClient) ToggleWishlist(ctx context.Context, plantID string) (bool, error) {
	return true, f.record("wishlist:" + plantID)
}

func (f *fakeClient) UpdateProfile(ctx context.Context, fields map[string]any) error {
	return f.record("profile")
}

func (f *fakeClient) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	if err := f.record("message:" + conversationID); err != nil {
		return "", err
	}
	return "m-1", nil
}

func (f *fakeClient) StartConversation(ctx context.Context, recipient, plantID, text string) (string, error) {
	if err := f.record("chat:" + recipient); err != nil {
		return "", err
	}
	return "conv-1", nil
}

func (f *fakeClient) SubmitReview(ctx context.Context, review types.SubmitReviewPayload) error {
	return f.record("review:" + review.TargetID)
}

func (f *fakeClient) UploadImage(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := f.record("image"); err != nil {
		return "", err
	}
	return "https://cdn.example.com/api.jpg", nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

// fakeUploader returns a fixed URL without touching the network.
type fakeUploader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.example.com/uploaded.jpg", nil
}

type testEnv struct {
	manager *Manager
	client  *fakeClient
	monitor *netmon.StaticMonitor
	store   store.Store
	bus     *bus.Broadcaster
	tracker *stats.Tracker
}

func newTestEnv(t *testing.T, online bool, cfg config.QueueConfig) *testEnv {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	client := newFakeClient()
	mon := netmon.NewStaticMonitor(online)
	tracker := stats.NewTracker(s)
	broadcaster := bus.New(nil)

	m, err := NewManager(context.Background(), s, client, &fakeUploader{}, mon, tracker, broadcaster, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)

	// Tests never touch the real filesystem for images.
	m.loadFile = func(uri string) ([]byte, string, error) {
		return []byte("fake-image"), "image/jpeg", nil
	}

	return &testEnv{manager: m, client: client, monitor: mon, store: s, bus: broadcaster, tracker: tracker}
}

// fastRetries lets failing operations retry immediately within one pass.
func fastRetries() config.QueueConfig {
	return config.QueueConfig{MaxRetries: 5}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func createOp(t *testing.T, tempID, title string) types.Operation {
	return types.Operation{
		Type: types.OpCreateListing,
		Payload: mustPayload(t, types.CreateListingPayload{
			TempID:  tempID,
			Listing: types.Listing{Title: title, Price: 10, Category: "houseplants"},
		}),
		AutoRefresh: true,
	}
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())

	op, err := env.manager.Enqueue(context.Background(), createOp(t, "tmp-1", "Pothos"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if !strings.HasPrefix(op.ID, "create_listing_") {
		t.Errorf("ID = %q, want create_listing_ prefix", op.ID)
	}
	if op.Timestamp.IsZero() {
		t.Error("Timestamp not assigned")
	}
	if op.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", op.RetryCount)
	}
	if op.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5", op.MaxRetries)
	}
	if got := env.manager.Status().QueueLength; got != 1 {
		t.Errorf("QueueLength = %d, want 1", got)
	}
}

func TestEnqueueRejectsInvalidOperation(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())

	_, err := env.manager.Enqueue(context.Background(), types.Operation{
		Type:    types.OpSubmitReview,
		Payload: mustPayload(t, types.SubmitReviewPayload{TargetType: "planet", Rating: 9}),
	})
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
	if got := env.manager.Status().QueueLength; got != 0 {
		t.Errorf("QueueLength = %d, want 0 after rejected enqueue", got)
	}
}

func TestOfflineCreateThenReconnectDrains(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())

	if _, err := env.manager.Enqueue(context.Background(), createOp(t, "tmp-1", "Monstera")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := env.manager.Status().QueueLength; got != 1 {
		t.Fatalf("QueueLength = %d, want 1 while offline", got)
	}
	if env.client.countCalls("create:") != 0 {
		t.Fatal("client called while offline")
	}

	// Offline→online transition with pending work flushes automatically.
	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	if got := env.client.countCalls("create:Monstera"); got != 1 {
		t.Errorf("create calls = %d, want 1", got)
	}
}

func TestAtLeastOnceDeliveryThroughTransientFailures(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	env.client.failures["create"] = 2 // fails twice, then succeeds

	ops := []types.Operation{
		createOp(t, "tmp-1", "Fern"),
		{Type: types.OpDeleteListing, Payload: mustPayload(t, types.DeleteListingPayload{ListingID: "p-2"})},
		{Type: types.OpToggleWishlist, Payload: mustPayload(t, types.ToggleWishlistPayload{PlantID: "p-3"})},
	}
	for _, op := range ops {
		if _, err := env.manager.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	if got := env.client.countCalls("create:Fern"); got < 1 {
		t.Errorf("create delivered %d times, want >= 1", got)
	}
	if got := env.client.countCalls("delete:p-2"); got != 1 {
		t.Errorf("delete delivered %d times, want 1", got)
	}
	if got := env.client.countCalls("wishlist:p-3"); got != 1 {
		t.Errorf("wishlist delivered %d times, want 1", got)
	}
}

func TestFailingHeadDoesNotBlockLaterOperations(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	env.client.failures["create"] = 1 // A fails once

	if _, err := env.manager.Enqueue(ctx, createOp(t, "tmp-a", "A")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.Enqueue(ctx, types.Operation{Type: types.OpDeleteListing, Payload: mustPayload(t, types.DeleteListingPayload{ListingID: "b"})}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.Enqueue(ctx, types.Operation{Type: types.OpDeleteListing, Payload: mustPayload(t, types.DeleteListingPayload{ListingID: "c"})}); err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	log := env.client.callLog()
	indexOf := func(call string) int {
		for i, c := range log {
			if c == call {
				return i
			}
		}
		return -1
	}

	// B and C were delivered before A's retried success.
	lastCreate := -1
	for i, c := range log {
		if c == "create:A" {
			lastCreate = i
		}
	}
	if b := indexOf("delete:b"); b > lastCreate {
		t.Errorf("delete:b at %d after A's success at %d; log = %v", b, lastCreate, log)
	}
	if c := indexOf("delete:c"); c > lastCreate {
		t.Errorf("delete:c at %d after A's success at %d; log = %v", c, lastCreate, log)
	}
	if got := env.client.countCalls("create:A"); got != 2 {
		t.Errorf("create attempts = %d, want 2 (one failure, one success)", got)
	}
}

func TestPermanentFailureAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	env.client.failures["delete"] = 1000 // never succeeds

	var failures []types.OperationFailure
	var failuresMu sync.Mutex
	env.bus.Subscribe("test", []types.UpdateType{types.UpdateOperationFailed}, func(e types.UpdateEvent) {
		failuresMu.Lock()
		defer failuresMu.Unlock()
		if f, ok := e.Data.(types.OperationFailure); ok {
			failures = append(failures, f)
		}
	})

	op, err := env.manager.Enqueue(ctx, types.Operation{
		Type:    types.OpDeleteListing,
		Payload: mustPayload(t, types.DeleteListingPayload{ListingID: "doomed"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	if got := env.client.countCalls("delete:doomed"); got != 5 {
		t.Errorf("attempts = %d, want exactly 5", got)
	}

	status := env.manager.Status()
	if status.PermanentlyFailedCount != 1 {
		t.Errorf("PermanentlyFailedCount = %d, want 1", status.PermanentlyFailedCount)
	}

	// Dead letter recorded durably.
	letters, err := env.store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].OperationID != op.ID || letters[0].Attempts != 5 {
		t.Errorf("dead letter = %+v", letters[0])
	}

	// Terminal-failure event fired exactly once.
	waitFor(t, "failure event", func() bool {
		failuresMu.Lock()
		defer failuresMu.Unlock()
		return len(failures) == 1
	})

	// The persisted queue no longer contains the operation.
	restored, err := NewManager(ctx, env.store, env.client, &fakeUploader{}, netmon.NewStaticMonitor(false), env.tracker, env.bus, fastRetries())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer restored.Close()
	if got := restored.Status().QueueLength; got != 0 {
		t.Errorf("persisted QueueLength = %d, want 0", got)
	}
}

func TestSingleFlightFlush(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	env.client.slowness = 20 * time.Millisecond

	for i := 0; i < 4; i++ {
		if _, err := env.manager.Enqueue(ctx, types.Operation{
			Type:    types.OpDeleteListing,
			Payload: mustPayload(t, types.DeleteListingPayload{ListingID: fmt.Sprintf("p-%d", i)}),
		}); err != nil {
			t.Fatal(err)
		}
	}

	env.monitor.SetOnline(true)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.manager.Flush(ctx)
		}()
	}
	wg.Wait()
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	for i := 0; i < 4; i++ {
		call := fmt.Sprintf("delete:p-%d", i)
		if got := env.client.countCalls(call); got != 1 {
			t.Errorf("%s delivered %d times, want 1", call, got)
		}
	}

	env.client.mu.Lock()
	maxConcurrent := env.client.maxInFlgt
	env.client.mu.Unlock()
	if maxConcurrent > 1 {
		t.Errorf("max concurrent dispatches = %d, want 1", maxConcurrent)
	}
}

func TestIdentifierRemapping(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	if _, err := env.manager.Enqueue(ctx, createOp(t, "tmp-1", "Calathea")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.Enqueue(ctx, types.Operation{
		Type:    types.OpUpdateListing,
		Payload: mustPayload(t, types.UpdateListingPayload{ListingID: "tmp-1", Fields: map[string]any{"price": 15}}),
	}); err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	// The update hit the server-assigned id, not the temporary one.
	if got := env.client.countCalls("update:real-42"); got != 1 {
		t.Errorf("update:real-42 calls = %d, want 1; log = %v", got, env.client.callLog())
	}
	if got := env.client.countCalls("update:tmp-1"); got != 0 {
		t.Errorf("update still targeted tmp-1; log = %v", env.client.callLog())
	}
}

func TestRetryBackoffSchedulesFutureAttempt(t *testing.T) {
	env := newTestEnv(t, false, config.QueueConfig{
		MaxRetries:     5,
		RetryBaseDelay: config.Duration(time.Second),
		RetryMaxDelay:  config.Duration(30 * time.Second),
	})
	ctx := context.Background()

	env.client.failures["delete"] = 1000

	if _, err := env.manager.Enqueue(ctx, types.Operation{
		Type:    types.OpDeleteListing,
		Payload: mustPayload(t, types.DeleteListingPayload{ListingID: "slow"}),
	}); err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	// One failed attempt, then the pass stops on the future retry time.
	waitFor(t, "retry scheduled", func() bool {
		return env.manager.Status().RetryPendingCount == 1 && !env.manager.Status().IsFlushing
	})

	pending := env.manager.Pending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	entry := pending[0]
	if entry.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", entry.RetryCount)
	}
	if entry.NextRetryTime == nil {
		t.Fatal("NextRetryTime not set")
	}
	// delay(1) = 2s with a 1s base.
	delay := time.Until(*entry.NextRetryTime)
	if delay <= 0 || delay > 2*time.Second {
		t.Errorf("retry delay = %v, want in (0, 2s]", delay)
	}
	if entry.LastError == "" {
		t.Error("LastError not recorded")
	}
	if got := env.client.countCalls("delete:slow"); got != 1 {
		t.Errorf("attempts = %d, want 1 before backoff elapses", got)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	if _, err := env.manager.Enqueue(ctx, createOp(t, "tmp-1", "Hoya")); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.Enqueue(ctx, types.Operation{
		Type:    types.OpToggleWishlist,
		Payload: mustPayload(t, types.ToggleWishlistPayload{PlantID: "p-1"}),
	}); err != nil {
		t.Fatal(err)
	}
	env.manager.Close()

	restored, err := NewManager(ctx, env.store, env.client, &fakeUploader{}, netmon.NewStaticMonitor(false), env.tracker, env.bus, fastRetries())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer restored.Close()

	if got := restored.Status().QueueLength; got != 2 {
		t.Errorf("restored QueueLength = %d, want 2", got)
	}
	pending := restored.Pending()
	if pending[0].Type != types.OpCreateListing || pending[1].Type != types.OpToggleWishlist {
		t.Errorf("restored order = %v, %v", pending[0].Type, pending[1].Type)
	}
}

func TestLocalImagesUploadedBeforeCreate(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	uploader := &fakeUploader{}
	env.manager.uploader = uploader

	op := types.Operation{
		Type: types.OpCreateListing,
		Payload: mustPayload(t, types.CreateListingPayload{
			TempID: "tmp-1",
			Listing: types.Listing{
				Title:    "Cactus",
				Category: "succulents",
				Images:   []string{"file:///tmp/a.jpg", "https://cdn.example.com/keep.jpg"},
			},
		}),
	}
	if _, err := env.manager.Enqueue(ctx, op); err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	uploader.mu.Lock()
	calls := uploader.calls
	uploader.mu.Unlock()
	if calls != 1 {
		t.Errorf("uploads = %d, want 1 (server URL untouched)", calls)
	}
}

func TestFailedImageUploadFailsOnlyThatOperation(t *testing.T) {
	env := newTestEnv(t, false, config.QueueConfig{MaxRetries: 1})
	ctx := context.Background()

	env.manager.uploader = &fakeUploader{err: errors.New("bucket unreachable")}

	if _, err := env.manager.Enqueue(ctx, types.Operation{
		Type: types.OpUploadImage,
		Payload: mustPayload(t, types.UploadImagePayload{
			LocalURI: "file:///tmp/broken.jpg",
		}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.Enqueue(ctx, types.Operation{
		Type:    types.OpDeleteListing,
		Payload: mustPayload(t, types.DeleteListingPayload{ListingID: "ok"}),
	}); err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	// The image operation dead-lettered; the delete still went through.
	if got := env.client.countCalls("delete:ok"); got != 1 {
		t.Errorf("delete delivered %d times, want 1", got)
	}
	count, err := env.store.CountDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("dead letters = %d, want 1", count)
	}
}

func TestStartConversationWhenNoConversationID(t *testing.T) {
	env := newTestEnv(t, false, fastRetries())
	ctx := context.Background()

	if _, err := env.manager.Enqueue(ctx, types.Operation{
		Type: types.OpSendMessage,
		Payload: mustPayload(t, types.SendMessagePayload{
			Recipient: "seller@example.com",
			Text:      "is the fern still available?",
		}),
	}); err != nil {
		t.Fatal(err)
	}

	env.monitor.SetOnline(true)
	waitFor(t, "queue drain", func() bool { return env.manager.Status().QueueLength == 0 })

	if got := env.client.countCalls("chat:seller@example.com"); got != 1 {
		t.Errorf("start-conversation calls = %d, want 1; log = %v", got, env.client.callLog())
	}
}

func TestStatusReflectsOnlineAndFlushing(t *testing.T) {
	env := newTestEnv(t, true, fastRetries())

	status := env.manager.Status()
	if !status.IsOnline {
		t.Error("IsOnline = false, want true")
	}
	if status.IsFlushing {
		t.Error("IsFlushing = true with no flush running")
	}
	if status.QueueLength != 0 || status.RetryPendingCount != 0 {
		t.Errorf("status = %+v, want empty", status)
	}
}
