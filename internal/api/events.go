package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents streams the caller's session snapshots as server-sent
// events. Delivery is best-effort; clients reconcile against the poll
// endpoint whenever the stream drops or stalls.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	events, cancel := s.broadcaster.Subscribe(userID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug().Str("user_id", userID).Msg("Event stream opened")

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug().Str("user_id", userID).Msg("Event stream closed")
			return

		case snap, open := <-events:
			if !open {
				return
			}

			data, err := json.Marshal(snap)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: session\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
