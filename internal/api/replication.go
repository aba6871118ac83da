package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// handleReplication streams run-change events as SSE. The cursor query
// parameter resumes from a previous position; changes buffered since then
// replay first. Delivery is at-least-once, so consumers dedupe by
// (run_id, updated_at).
func (s *Server) handleReplication(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	backlog, ch, unsub := s.engine.Feed().Subscribe(cursor)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)

	for _, ev := range backlog {
		if err := writeSSEJSON(w, ev); err != nil {
			return
		}
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev := <-ch:
			if err := writeSSEJSON(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEJSON writes one value as an SSE data event.
func writeSSEJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
