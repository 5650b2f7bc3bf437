package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/events"
)

// StreamingHandler serves SSE and WebSocket endpoints for session
// events.
type StreamingHandler struct {
	events *events.Broadcaster
	logger *zap.Logger
}

func NewStreamingHandler(bc *events.Broadcaster, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{events: bc, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// parseTypeFilter parses the optional comma-separated types parameter.
func parseTypeFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

func passesFilter(filter map[string]struct{}, ev events.Event) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[string(ev.Type)]
	return ok
}

// handleSSE streams events for a session via Server-Sent Events.
// GET /stream/sse?session_id=<id>[&types=...][&last_event_id=N]
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypeFilter(r)

	// Last-Event-ID header wins over the query param.
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.events.Subscribe(sessionID, 256)
	defer h.events.Unsubscribe(sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sessionID)
	flusher.Flush()

	// Replay backlog since lastID (best-effort)
	if lastID > 0 {
		for _, ev := range h.events.ReplaySince(sessionID, lastID) {
			if passesFilter(typeFilter, ev) {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sessionID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if passesFilter(typeFilter, ev) {
				writeSSE(w, ev)
				flusher.Flush()
			}
		case <-hb.C:
			// Keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
