package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"corkboard/api/internal/rbac"
)

const sseHeartbeat = 25 * time.Second

// handleEvents streams a board's realtime events over SSE. The opening
// hello frame carries the connection id; clients send it back on mutating
// requests as X-Connection-ID so their own changes are not echoed.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, session Session, boardID string) {
	if err := s.service.requireRole(r.Context(), session, boardID, rbac.ActionView); err != nil {
		s.writeMapped(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	conn := s.hub.Join(boardID)
	defer s.hub.Leave(conn)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: hello\ndata: {\"connectionId\":%q}\n\n", conn.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-conn.C:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.WithError(err).Error("marshal board event")
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
