package webserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/zsprackett/agent-mascot/internal/ingest"
	"github.com/zsprackett/agent-mascot/internal/mascot"
	"github.com/zsprackett/agent-mascot/internal/session"
)

const maxEventBody = 64 << 10

func (s *Server) handleHookEvent(w http.ResponseWriter, r *http.Request) {
	token := ingest.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Authorization token required")
		return
	}

	sess, topic, err := s.auth.Authenticate(token)
	if errors.Is(err, ingest.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "Invalid session token")
		return
	}
	if err != nil {
		s.logger.Error("hooks: authenticate", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var ev ingest.Event
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	state, err := s.ingestor.Handle(sess, topic, ev)
	if errors.Is(err, session.ErrNotFound) {
		// The token was rotated while this request was in flight.
		writeError(w, http.StatusUnauthorized, "Invalid session token")
		return
	}
	if err != nil {
		s.logger.Error("hooks: ingest event", "session_id", sess.ID, "event", ev.Event, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(state)})
}

type statusResponse struct {
	SessionActive bool         `json:"session_active"`
	State         mascot.State `json:"state"`
	LastSeenAt    *time.Time   `json:"last_seen_at"`
	Name          *string      `json:"name"`
}

// handleHookStatus never fails: a missing or unknown token reports a
// sleeping mascot.
func (s *Server) handleHookStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	resp := statusResponse{State: mascot.StateSleeping}

	sess, _, err := s.auth.Resolve(requestToken(r))
	if err == nil {
		if err := s.registry.Touch(sess.Token); err != nil {
			s.logger.Warn("hooks: touch session", "session_id", sess.ID, "err", err)
		}
		if fresh, err := s.registry.FindByToken(sess.Token); err == nil {
			sess = fresh
		}
		resp.SessionActive = sess.Active()
		resp.State = sess.State
		resp.LastSeenAt = optionalTime(sess.LastSeenAt)
		resp.Name = optionalString(sess.Name)
	} else if !errors.Is(err, ingest.ErrUnauthorized) {
		s.logger.Warn("hooks: status lookup", "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
