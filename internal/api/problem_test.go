package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/verdantlabs/trellis/internal/store"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) Problem {
	t.Helper()
	var p Problem
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return p
}

func TestWriteProblemKnownStatus(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %q", ct)
	}

	p := decodeProblem(t, w)
	if p.Type != "https://trellis.dev/errors/unauthorized" {
		t.Errorf("type = %q", p.Type)
	}
	if p.Title != "Unauthorized" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Instance != "/api/v1/queue" {
		t.Errorf("instance = %q", p.Instance)
	}
}

func TestWriteProblemUnknownStatusFallsBack(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, r, http.StatusTeapot, "short and stout")

	p := decodeProblem(t, w)
	if p.Type != "https://trellis.dev/errors/unknown" {
		t.Errorf("type = %q", p.Type)
	}
	if p.Status != http.StatusTeapot {
		t.Errorf("status = %d", p.Status)
	}
}

func TestMapStoreError(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	w := httptest.NewRecorder()
	MapStoreError(w, r, store.ErrNotFound)
	if w.Code != http.StatusNotFound {
		t.Fatalf("not found: status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	MapStoreError(w, r, errors.New("disk I/O error"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unknown: status = %d, want 500", w.Code)
	}
	p := decodeProblem(t, w)
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %q; internals must not leak", p.Detail)
	}
}
