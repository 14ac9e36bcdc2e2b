package webserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/hooks"
	"github.com/zsprackett/agent-mascot/internal/mascot"
	"github.com/zsprackett/agent-mascot/internal/session"
)

const eventLogLimit = 50

type sessionResponse struct {
	Token      string       `json:"token"`
	Name       *string      `json:"name"`
	State      mascot.State `json:"state,omitempty"`
	CreatedAt  *time.Time   `json:"created_at,omitempty"`
	LastSeenAt *time.Time   `json:"last_seen_at,omitempty"`
	Message    string       `json:"message,omitempty"`
}

type nameRequest struct {
	Name string `json:"name"`
}

func decodeName(w http.ResponseWriter, r *http.Request) (string, error) {
	var body nameRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&body)
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	return body.Name, err
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	name, err := decodeName(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.registry.Create(name)
	if err != nil {
		s.logger.Error("sessions: create", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("sessions: created", "session_id", sess.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{
		Token:     sess.Token,
		Name:      optionalString(sess.Name),
		State:     sess.State,
		CreatedAt: optionalTime(sess.CreatedAt),
	})
}

// lookupSession resolves the {token} path value, writing a 404 or 500 when it
// cannot.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*db.Session, bool) {
	sess, err := s.registry.FindByToken(r.PathValue("token"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("sessions: lookup", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return sess, true
}

// touch marks the session seen and returns its refreshed row.
func (s *Server) touch(sess *db.Session) *db.Session {
	if err := s.registry.Touch(sess.Token); err != nil {
		s.logger.Warn("sessions: touch", "session_id", sess.ID, "err", err)
		return sess
	}
	if fresh, err := s.registry.FindByToken(sess.Token); err == nil {
		return fresh
	}
	return sess
}

func (s *Server) handleShowSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess = s.touch(sess)
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:      sess.Token,
		Name:       optionalString(sess.Name),
		State:      sess.State,
		LastSeenAt: optionalTime(sess.LastSeenAt),
	})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	name, err := decodeName(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.registry.Rename(r.PathValue("token"), name)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.logger.Error("sessions: rename", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token: sess.Token,
		Name:  optionalString(sess.Name),
		State: sess.State,
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.RotateToken(r.PathValue("token"))
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		s.logger.Error("sessions: regenerate", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("sessions: token regenerated", "session_id", sess.ID)
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:   sess.Token,
		Name:    optionalString(sess.Name),
		Message: "Token regenerated successfully",
	})
}

func (s *Server) handleHookBundle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	sess = s.touch(sess)

	var buf bytes.Buffer
	if err := hooks.WriteBundle(&buf, sess.Token, s.baseURL(r)); err != nil {
		s.logger.Warn("sessions: build hook bundle", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+hooks.BundleName+`"`)
	w.Write(buf.Bytes())
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.FindByToken(r.PathValue("token"))
	if err != nil {
		status := http.StatusNotFound
		if !errors.Is(err, session.ErrNotFound) {
			s.logger.Error("sessions: install lookup", "err", err)
			status = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		w.Write([]byte("echo 'Error: Invalid session token'; exit 1"))
		return
	}
	sess = s.touch(sess)

	script, err := hooks.Installer(sess.Token, s.baseURL(r))
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("echo 'Error: server base URL cannot be used in a script'; exit 1"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(script))
}

type eventResponse struct {
	Event     string       `json:"event"`
	Tool      string       `json:"tool,omitempty"`
	State     mascot.State `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	evts, err := s.registry.Events(sess.ID, eventLogLimit)
	if err != nil {
		s.logger.Error("sessions: events", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]eventResponse, 0, len(evts))
	for _, e := range evts {
		out = append(out, eventResponse{
			Event:     e.Event,
			Tool:      e.Tool,
			State:     e.State,
			Timestamp: e.Ts.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
