package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/verdantlabs/trellis/internal/queue"
	"github.com/verdantlabs/trellis/internal/store"
	"github.com/verdantlabs/trellis/internal/types"
)

// executeCmd executes a trellis subcommand with captured output.
// Package-level flag variables are reset first; cobra parses into them, so
// stale values from previous tests would leak otherwise.
func executeCmd(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	remoteAddr = "http://127.0.0.1:8686"
	remoteAPIKey = ""
	jsonOutput = false
	queueDBOverride = ""
	queueJSONOutput = false
	deadletterDBOverride = ""
	deadletterJSON = false
	deadletterLimit = 50
	purgeYes = false

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)
	if stdin != "" {
		rootCmd.SetIn(strings.NewReader(stdin))
	}

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	rootCmd.SetIn(nil)

	return outBuf.String(), errBuf.String(), err
}

// newSeededStore creates a database with queued operations and dead letters.
func newSeededStore(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "trellis.db")
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	ops := []types.Operation{
		{
			ID:         "create_listing_01",
			Type:       types.OpCreateListing,
			Payload:    json.RawMessage(`{"tempId":"tmp-1","listing":{"title":"Monstera"}}`),
			Timestamp:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			RetryCount: 1,
			MaxRetries: 5,
			LastError:  "status 503",
		},
		{
			ID:         "send_message_02",
			Type:       types.OpSendMessage,
			Payload:    json.RawMessage(`{"conversationId":"chat-1","text":"hi"}`),
			Timestamp:  time.Date(2025, 6, 1, 10, 1, 0, 0, time.UTC),
			MaxRetries: 5,
		},
	}
	blob, err := json.Marshal(ops)
	if err != nil {
		t.Fatalf("marshal queue: %v", err)
	}
	if err := db.PutBlob(ctx, queue.Namespace, queue.Key, queue.SchemaVersion, blob); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	letter := types.DeadLetter{
		ID:            "dl-1",
		OperationID:   "submit_review_03",
		OperationType: types.OpSubmitReview,
		Attempts:      5,
		Reason:        "status 500",
		FailedAt:      time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := db.InsertDeadLetter(ctx, letter); err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	return dbPath
}

func TestQueueListTable(t *testing.T) {
	dbPath := newSeededStore(t)

	stdout, _, err := executeCmd(t, "", "queue", "list", "--db", dbPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}

	if !strings.Contains(stdout, "create_listing_01") {
		t.Errorf("output missing first operation:\n%s", stdout)
	}
	if !strings.Contains(stdout, "send_message_02") {
		t.Errorf("output missing second operation:\n%s", stdout)
	}
	if !strings.Contains(stdout, "status 503") {
		t.Errorf("output missing last error:\n%s", stdout)
	}
}

func TestQueueListJSON(t *testing.T) {
	dbPath := newSeededStore(t)

	stdout, _, err := executeCmd(t, "", "queue", "list", "--db", dbPath, "--json")
	if err != nil {
		t.Fatalf("queue list --json: %v", err)
	}

	var decoded struct {
		Operations []map[string]any `json:"operations"`
		Total      int              `json:"total"`
	}
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	if decoded.Total != 2 {
		t.Fatalf("total = %d, want 2", decoded.Total)
	}
	if decoded.Operations[0]["id"] != "create_listing_01" {
		t.Errorf("first operation id = %v", decoded.Operations[0]["id"])
	}
}

func TestQueueListEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	stdout, _, err := executeCmd(t, "", "queue", "list", "--db", dbPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestDeadletterList(t *testing.T) {
	dbPath := newSeededStore(t)

	stdout, _, err := executeCmd(t, "", "deadletter", "list", "--db", dbPath)
	if err != nil {
		t.Fatalf("deadletter list: %v", err)
	}
	if !strings.Contains(stdout, "submit_review_03") || !strings.Contains(stdout, "status 500") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestDeadletterPurgeWithYes(t *testing.T) {
	dbPath := newSeededStore(t)

	stdout, _, err := executeCmd(t, "", "deadletter", "purge", "--db", dbPath, "--yes")
	if err != nil {
		t.Fatalf("deadletter purge: %v", err)
	}
	if !strings.Contains(stdout, "Purged 1") {
		t.Errorf("unexpected output:\n%s", stdout)
	}

	// Archive is empty afterwards.
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer db.Close()
	count, err := db.CountDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("dead letters after purge = %d, want 0", count)
	}
}

func TestDeadletterPurgeAbortsOnMismatch(t *testing.T) {
	dbPath := newSeededStore(t)

	_, stderr, err := executeCmd(t, "no\n", "deadletter", "purge", "--db", dbPath)
	if err != nil {
		t.Fatalf("deadletter purge: %v", err)
	}
	if !strings.Contains(stderr, "Aborted.") {
		t.Errorf("expected abort notice, got:\n%s", stderr)
	}

	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer db.Close()
	count, _ := db.CountDeadLetters(context.Background())
	if count != 1 {
		t.Fatalf("dead letters = %d, want 1 (purge must not run)", count)
	}
}

func TestFlushCommand(t *testing.T) {
	var flushed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/queue/flush" {
			flushed = true
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "flush scheduled"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	stdout, _, err := executeCmd(t, "", "flush", "--addr", srv.URL, "--api-key", "k")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !flushed {
		t.Fatal("daemon flush endpoint was not called")
	}
	if !strings.Contains(stdout, "Flush scheduled.") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestStatusCommandJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/health":
			json.NewEncoder(w).Encode(types.HealthResponse{Status: "healthy", Version: "1.0.0", Connection: "connected"})
		case "/api/v1/queue/status":
			json.NewEncoder(w).Encode(types.QueueStatus{QueueLength: 1, IsOnline: true})
		case "/api/v1/connection":
			json.NewEncoder(w).Encode(types.ConnectionSnapshot{IsConnected: true, ConnectionID: "conn-1"})
		case "/api/v1/stats":
			json.NewEncoder(w).Encode(types.SyncStats{TotalOperations: 9})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	stdout, _, err := executeCmd(t, "", "status", "--addr", srv.URL, "--api-key", "k", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout)
	}
	for _, key := range []string{"health", "queue", "connection", "stats"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("output missing %q section", key)
		}
	}
}
