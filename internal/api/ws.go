package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP layer already allows all origins via CORS; the websocket
	// feed carries no credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS pushes run-change events over a websocket, the push-based
// alternative to SSE for dashboard consumers. The cursor query parameter
// behaves as on /v1/replication.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = parsed
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	backlog, ch, unsub := s.engine.Feed().Subscribe(cursor)
	defer unsub()

	// Drain client frames so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range backlog {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	for {
		select {
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return // Client closed the connection.
		case <-r.Context().Done():
			return
		}
	}
}
