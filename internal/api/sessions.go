package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/consulta/meterd/internal/session"
	"github.com/gorilla/mux"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeMeterError maps metering errors onto HTTP statuses. Lock contention
// is 423 so clients retry; user-actionable rejections are 409.
func (s *Server) writeMeterError(w http.ResponseWriter, key session.Key, err error) {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusLocked, "Session is busy, retry shortly")
	case errors.Is(err, session.ErrFreeTrialUsed):
		writeError(w, http.StatusConflict, "Free trial already used")
	case errors.Is(err, session.ErrInsufficientCredits):
		writeError(w, http.StatusConflict, "Insufficient credits")
	case errors.Is(err, session.ErrAnotherSessionActive):
		writeError(w, http.StatusConflict, "Another session is active")
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, "No active session")
	default:
		s.logger.Error().Err(err).Str("key", key.String()).Msg("Session operation failed")
		writeError(w, http.StatusInternalServerError, "Session operation failed")
	}
}

// sessionKey builds the session key from the request identity and route.
func sessionKey(r *http.Request) session.Key {
	return session.Key{
		UserID:     UserID(r.Context()),
		ProviderID: mux.Vars(r)["provider"],
	}
}

// handleStartFree starts the one-shot free trial for a provider.
func (s *Server) handleStartFree(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	snap, err := s.meter.StartFree(r.Context(), key)
	if err != nil {
		s.writeMeterError(w, key, err)
		return
	}

	s.cache.Remove(key.String())
	writeJSON(w, http.StatusCreated, snap)
}

// startPaidRequest is the optional body of a paid start. The rate is in
// credits per minute; zero selects the configured default.
type startPaidRequest struct {
	RatePerMinute float64 `json:"ratePerMinute"`
}

// handleStartPaid starts a paid session for a provider.
func (s *Server) handleStartPaid(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var req startPaidRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.RatePerMinute < 0 {
		writeError(w, http.StatusBadRequest, "Rate must not be negative")
		return
	}

	snap, err := s.meter.StartPaid(r.Context(), key, session.MillisFromCredits(req.RatePerMinute))
	if err != nil {
		s.writeMeterError(w, key, err)
		return
	}

	s.cache.Remove(key.String())
	writeJSON(w, http.StatusCreated, snap)
}

// handleStop ends the running session for a provider.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	snap, err := s.meter.Stop(r.Context(), key)
	if err != nil {
		s.writeMeterError(w, key, err)
		return
	}

	s.cache.Remove(key.String())
	writeJSON(w, http.StatusOK, snap)
}

// handleActivePaid tells the caller which provider, if any, holds their
// single paid session.
func (s *Server) handleActivePaid(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	provider, err := s.meter.ActivePaidProvider(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to look up active paid session")
		writeError(w, http.StatusInternalServerError, "Failed to look up active paid session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activePaidProvider": provider,
	})
}

// handleStatus serves the poll endpoint. Snapshots come from a short-TTL
// cache so a polling client herd cannot load the store; the path never
// touches the session lock either way.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	if snap, ok := s.cache.Get(key.String()); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	snap, err := s.meter.Status(r.Context(), key)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to load session status")
		writeError(w, http.StatusInternalServerError, "Failed to load session status")
		return
	}

	s.cache.Add(key.String(), *snap)
	writeJSON(w, http.StatusOK, snap)
}
