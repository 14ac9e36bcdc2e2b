package session

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/mascot"
)

// ErrNotFound is returned when no session matches a token.
var ErrNotFound = errors.New("session not found")

const maxTokenAttempts = 3

// Registry owns every read and write of session rows and their tracked
// processes. Other components go through it rather than the database.
type Registry struct {
	db       *db.DB
	now      func() time.Time
	newToken func() string

	legacyMu sync.Mutex
}

func NewRegistry(store *db.DB) *Registry {
	return &Registry{
		db:       store,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// SetClock replaces the time source. Used in tests only.
func (r *Registry) SetClock(fn func() time.Time) {
	r.now = fn
}

// SetTokenSource replaces the token generator. Used in tests only.
func (r *Registry) SetTokenSource(fn func() string) {
	r.newToken = fn
}

func (r *Registry) Create(name string) (*db.Session, error) {
	return r.create(name, false)
}

func (r *Registry) create(name string, legacy bool) (*db.Session, error) {
	now := r.now()
	var lastErr error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		s := &db.Session{
			Token:      r.newToken(),
			Name:       strings.TrimSpace(name),
			State:      mascot.StateSleeping,
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
			Legacy:     legacy,
		}
		err := r.db.CreateSession(s)
		if err == nil {
			return s, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("create session: %w", lastErr)
}

// FindByToken matches the token exactly.
func (r *Registry) FindByToken(token string) (*db.Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	s, err := r.db.GetSessionByToken(token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

func (r *Registry) Rename(token, name string) (*db.Session, error) {
	n, err := r.db.UpdateSessionName(token, strings.TrimSpace(name), r.now())
	if err != nil {
		return nil, fmt.Errorf("rename session: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return r.FindByToken(token)
}

// RotateToken replaces the session's token with a fresh one. The old token
// stops resolving in the same statement that makes the new one resolve.
func (r *Registry) RotateToken(token string) (*db.Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	var lastErr error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		next := r.newToken()
		n, err := r.db.ReplaceToken(token, next, r.now())
		if err != nil {
			if isUniqueViolation(err) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("rotate token: %w", err)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return r.FindByToken(next)
	}
	return nil, fmt.Errorf("rotate token: %w", lastErr)
}

// Touch records that the session was seen without changing its state.
func (r *Registry) Touch(token string) error {
	n, err := r.db.TouchSession(token, r.now())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyEvent writes the classified state of an inbound event and, in the
// same transaction, adds pid to the tracked set or clears the set for a
// terminal event. Writing the same state twice is allowed; the caller still
// publishes for every call. An unknown token changes nothing and returns
// ErrNotFound.
func (r *Registry) ApplyEvent(token string, c mascot.Classification, pid int) error {
	if !c.State.Valid() {
		return fmt.Errorf("apply event: invalid state %q", c.State)
	}
	if token == "" {
		return ErrNotFound
	}
	_, err := r.db.ApplyStateChange(token, db.StateChange{
		State:        c.State,
		PID:          pid,
		ClearTracked: c.Terminal,
	}, r.now())
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}
	return nil
}

func (r *Registry) TrackedProcesses(sessionID int64) ([]int, error) {
	pids, err := r.db.TrackedProcesses(sessionID)
	if err != nil {
		return nil, fmt.Errorf("tracked processes: %w", err)
	}
	return pids, nil
}

// MonitoredSessions returns the sessions the liveness monitor should check:
// every awake session and every session with tracked processes.
func (r *Registry) MonitoredSessions() ([]*db.Session, error) {
	sessions, err := r.db.MonitoredSessions()
	if err != nil {
		return nil, fmt.Errorf("monitored sessions: %w", err)
	}
	return sessions, nil
}

// RetireProcesses drops pids confirmed dead from the session's tracked set
// and puts the session to sleep if the set is now empty and it is awake. It
// reports whether that transition happened. On error nothing is retired.
func (r *Registry) RetireProcesses(sessionID int64, pids []int) (bool, error) {
	slept, err := r.db.RetireProcesses(sessionID, pids, r.now())
	if err != nil {
		return false, fmt.Errorf("retire processes: %w", err)
	}
	return slept, nil
}

func (r *Registry) RecordEvent(sessionID int64, event, tool string, state mascot.State) error {
	err := r.db.InsertSessionEvent(db.SessionEvent{
		SessionID: sessionID,
		Ts:        r.now(),
		Event:     event,
		Tool:      tool,
		State:     state,
	})
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (r *Registry) Events(sessionID int64, limit int) ([]db.SessionEvent, error) {
	return r.db.GetSessionEvents(sessionID, limit)
}

// PruneEvents drops event log rows older than maxAge.
func (r *Registry) PruneEvents(maxAge time.Duration) (int64, error) {
	n, err := r.db.PruneSessionEvents(r.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

func (r *Registry) List() ([]*db.Session, error) {
	return r.db.LoadSessions()
}

// LegacySession returns the single-tenant session, creating it on first use.
func (r *Registry) LegacySession() (*db.Session, error) {
	r.legacyMu.Lock()
	defer r.legacyMu.Unlock()

	s, err := r.db.GetLegacySession()
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("legacy session: %w", err)
	}
	return r.create("", true)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
