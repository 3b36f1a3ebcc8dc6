package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/verdantlabs/trellis/internal/types"
)

func newTestServer(t *testing.T, wantPath, wantMethod string, status int, body any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", r.URL.Path, wantPath)
		}
		if r.Method != wantMethod {
			t.Errorf("method = %q, want %q", r.Method, wantMethod)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
}

func TestQueueStatus(t *testing.T) {
	srv := newTestServer(t, "/api/v1/queue/status", http.MethodGet, http.StatusOK,
		types.QueueStatus{QueueLength: 4, IsOnline: true})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	status, err := c.QueueStatus(context.Background())
	if err != nil {
		t.Fatalf("QueueStatus: %v", err)
	}
	if status.QueueLength != 4 || !status.IsOnline {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestPendingOperations(t *testing.T) {
	srv := newTestServer(t, "/api/v1/queue", http.MethodGet, http.StatusOK,
		types.QueueListResponse{
			Operations: []types.QueueEntry{{ID: "create_listing_01", Type: types.OpCreateListing}},
			Total:      1,
		})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	list, err := c.PendingOperations(context.Background())
	if err != nil {
		t.Fatalf("PendingOperations: %v", err)
	}
	if list.Total != 1 || list.Operations[0].ID != "create_listing_01" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestTriggerFlush(t *testing.T) {
	srv := newTestServer(t, "/api/v1/queue/flush", http.MethodPost, http.StatusAccepted,
		map[string]string{"status": "flush scheduled"})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	if err := c.TriggerFlush(context.Background()); err != nil {
		t.Fatalf("TriggerFlush: %v", err)
	}
}

func TestDeadLettersLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q, want 10", got)
		}
		json.NewEncoder(w).Encode(types.DeadLetterListResponse{})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	if _, err := c.DeadLetters(context.Background(), 10); err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
}

func TestPurgeDeadLetters(t *testing.T) {
	srv := newTestServer(t, "/api/v1/deadletters", http.MethodDelete, http.StatusOK,
		map[string]int64{"purged": 7})
	defer srv.Close()

	c := New(srv.URL, "test-key")
	purged, err := c.PurgeDeadLetters(context.Background())
	if err != nil {
		t.Fatalf("PurgeDeadLetters: %v", err)
	}
	if purged != 7 {
		t.Fatalf("purged = %d, want 7", purged)
	}
}

func TestProblemDecodedAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"type":   "https://trellis.dev/errors/unauthorized",
			"title":  "Unauthorized",
			"status": 401,
			"detail": "Missing or invalid API key",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "wrong-key")
	_, err := c.Stats(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", apiErr.Status)
	}
	if apiErr.Detail != "Missing or invalid API key" {
		t.Errorf("detail = %q", apiErr.Detail)
	}
}

func TestNonProblemErrorBodyFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key")
	_, err := c.Health(context.Background())

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Title != "Bad Gateway" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
