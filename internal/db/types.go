package db

import (
	"time"

	"github.com/zsprackett/agent-mascot/internal/mascot"
)

type Session struct {
	ID         int64
	Token      string
	Name       string
	State      mascot.State
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	// Legacy marks the one row used by single-tenant shared-secret mode.
	Legacy bool
}

// Active reports whether the mascot is awake.
func (s *Session) Active() bool {
	return s.State != mascot.StateSleeping
}

type SessionEvent struct {
	ID        int64
	SessionID int64
	Ts        time.Time
	Event     string
	Tool      string
	State     mascot.State
}
