package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/events"
	"github.com/zsprackett/agent-mascot/internal/mascot"
	"github.com/zsprackett/agent-mascot/internal/notify"
	"github.com/zsprackett/agent-mascot/internal/session"
)

// Event is the body an agent hook posts to the webhook.
type Event struct {
	Event     string `json:"event"`
	Tool      string `json:"tool,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Ingestor applies webhook events to sessions and publishes the result.
type Ingestor struct {
	registry    *session.Registry
	broadcaster events.Broadcaster
	notifier    *notify.Notifier
	now         func() time.Time
	logger      *slog.Logger
}

func New(reg *session.Registry, broadcaster events.Broadcaster, notifier *notify.Notifier, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		registry:    reg,
		broadcaster: broadcaster,
		notifier:    notifier,
		now:         time.Now,
		logger:      logger,
	}
}

// Handle classifies ev, updates the session's tracked processes and state,
// and publishes the new state on topic. Every accepted event is published,
// including repeats of the current state.
//
// If the session's token was rotated after sess was looked up, nothing is
// written and session.ErrNotFound is returned.
func (in *Ingestor) Handle(sess *db.Session, topic string, ev Event) (mascot.State, error) {
	c := mascot.Classify(ev.Event)

	// Tracking and the state write commit together, so an event rejected
	// because of a concurrent rotation leaves the tracked set untouched.
	if err := in.registry.ApplyEvent(sess.Token, c, ev.PID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("ingest %s: %w", ev.Event, err)
	}

	if err := in.registry.RecordEvent(sess.ID, ev.Event, ev.Tool, c.State); err != nil {
		in.logger.Warn("ingest: record event", "session_id", sess.ID, "err", err)
	}

	if in.broadcaster != nil {
		in.broadcaster.Publish(topic, events.Event{
			State:     c.State,
			Event:     ev.Event,
			Tool:      events.ToolName(ev.Tool),
			Timestamp: in.now().UTC(),
		})
	}

	in.logger.Debug("ingest: event applied",
		"session_id", sess.ID,
		"event", ev.Event,
		"tool", ev.Tool,
		"pid", ev.PID,
		"state", string(c.State),
	)

	if c.State == mascot.StateError {
		updated := *sess
		updated.State = c.State
		in.notifier.Notify(updated, ev.Event)
	}
	return c.State, nil
}
