// Package httpapi exposes the analysis service over HTTP: a small
// JSON REST surface for session lifecycle plus SSE and WebSocket
// streams for live events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/db"
	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/health"
	"github.com/finsight-lab/finsight/internal/orchestrator"
	"github.com/finsight-lab/finsight/internal/store"
)

// HistoryLister serves the archived-session list; implemented by the
// Postgres archive client.
type HistoryLister interface {
	RecentSessions(ctx context.Context, ticker string, limit int) ([]db.ArchivedSession, error)
}

// Handler serves the session REST endpoints.
type Handler struct {
	orch    *orchestrator.Orchestrator
	store   *store.Store
	events  *events.Broadcaster
	health  *health.Registry
	history HistoryLister
	logger  *zap.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHealthRegistry wires component checks into /health.
func WithHealthRegistry(reg *health.Registry) HandlerOption {
	return func(h *Handler) { h.health = reg }
}

// WithHistory enables the archived-session listing endpoint.
func WithHistory(hl HistoryLister) HandlerOption {
	return func(h *Handler) { h.history = hl }
}

// NewHandler constructs the REST handler.
func NewHandler(orch *orchestrator.Orchestrator, st *store.Store, bc *events.Broadcaster, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{orch: orch, store: st, events: bc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the REST endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.handleCreate)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.handleStatus)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tasks/{taskID}", h.handleTask)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", h.handleCancel)
	if h.history != nil {
		mux.HandleFunc("GET /api/v1/history", h.handleHistory)
	}
	mux.HandleFunc("GET /health", h.handleHealth)
}

type createSessionRequest struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Ticker = strings.TrimSpace(req.Ticker)
	if req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker required")
		return
	}

	id, err := h.orch.Run(r.Context(), store.Subject{Ticker: req.Ticker, Name: strings.TrimSpace(req.Name)})
	if err != nil {
		if errors.Is(err, store.ErrTooManySessions) {
			writeError(w, http.StatusTooManyRequests, "too many active sessions")
			return
		}
		h.logger.Error("Failed to start session",
			zap.String("ticker", req.Ticker),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}
	writeJSON(w, http.StatusAccepted, createSessionResponse{SessionID: id})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetTask(r.PathValue("id"), r.PathValue("taskID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.orch.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	snap, err := h.store.GetStatus(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := h.history.RecentSessions(r.Context(), strings.TrimSpace(r.URL.Query().Get("ticker")), limit)
	if err != nil {
		h.logger.Error("Failed to list archived sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if sessions == nil {
		sessions = []db.ArchivedSession{}
	}
	writeJSON(w, http.StatusOK, map[string][]db.ArchivedSession{"sessions": sessions})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	report := h.health.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, store.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
