package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/verdantlabs/trellis/internal/types"
)

// defaultDeadLetterLimit bounds an unqualified dead-letter listing.
const defaultDeadLetterLimit = 50

// QueueController is the slice of the queue manager the API drives.
type QueueController interface {
	Status() types.QueueStatus
	Pending() []types.QueueEntry
	Flush(ctx context.Context)
}

// ConnectionController is the slice of the realtime manager the API drives.
type ConnectionController interface {
	Snapshot() types.ConnectionSnapshot
	HealthCheck(ctx context.Context) types.ConnectionHealth
	ForceReconnect(ctx context.Context) error
}

// StatsSource yields the current sync statistics.
type StatsSource interface {
	Snapshot() types.SyncStats
}

// DeadLetterStore is the slice of the store backing the dead-letter routes.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]types.DeadLetter, error)
	PurgeDeadLetters(ctx context.Context) (int64, error)
}

// Handler implements the local status/control API.
type Handler struct {
	queue   QueueController
	conn    ConnectionController
	stats   StatsSource
	letters DeadLetterStore

	apiKey    string
	version   string
	startedAt time.Time
}

// NewHandler wires the API over the daemon's components.
func NewHandler(queue QueueController, conn ConnectionController, stats StatsSource, letters DeadLetterStore, apiKey, version string) *Handler {
	return &Handler{
		queue:     queue,
		conn:      conn,
		stats:     stats,
		letters:   letters,
		apiKey:    apiKey,
		version:   version,
		startedAt: time.Now(),
	}
}

// Health returns the daemon health summary. Public; no auth.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.queue.Status()
	resp := types.HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		QueueLength:   status.QueueLength,
		Connection:    connectionStateName(h.conn.Snapshot()),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueueStatus handles GET /api/v1/queue/status.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Status())
}

// QueueList handles GET /api/v1/queue.
func (h *Handler) QueueList(w http.ResponseWriter, r *http.Request) {
	entries := h.queue.Pending()
	writeJSON(w, http.StatusOK, types.QueueListResponse{
		Operations: entries,
		Total:      len(entries),
	})
}

// QueueFlush handles POST /api/v1/queue/flush. The flush runs in the
// background; the request only schedules it.
func (h *Handler) QueueFlush(w http.ResponseWriter, r *http.Request) {
	go h.queue.Flush(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "flush scheduled"})
}

// Connection handles GET /api/v1/connection.
func (h *Handler) Connection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conn.Snapshot())
}

// ConnectionReconnect handles POST /api/v1/connection/reconnect. The
// reconnect runs in the background; failures land in the connection state.
func (h *Handler) ConnectionReconnect(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := h.conn.ForceReconnect(context.Background()); err != nil {
			slog.Warn("forced reconnect failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnect scheduled"})
}

// ConnectionHealth handles GET /api/v1/connection/health.
func (h *Handler) ConnectionHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conn.HealthCheck(r.Context()))
}

// DeadLetters handles GET /api/v1/deadletters.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	letters, err := h.letters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		slog.Error("dead letter listing failed", "error", err)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.DeadLetterListResponse{
		DeadLetters: letters,
		Total:       len(letters),
	})
}

// PurgeDeadLetters handles DELETE /api/v1/deadletters.
func (h *Handler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	purged, err := h.letters.PurgeDeadLetters(r.Context())
	if err != nil {
		slog.Error("dead letter purge failed", "error", err)
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": purged})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

// connectionStateName names the state-machine position for display.
func connectionStateName(snap types.ConnectionSnapshot) string {
	switch {
	case snap.IsConnected:
		return "connected"
	case snap.IsConnecting:
		return "connecting"
	case snap.ReconnectAttempts > 0:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
