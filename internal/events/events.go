package events

import (
	"time"

	"github.com/zsprackett/agent-mascot/internal/mascot"
)

// GlobalTopic is shared by every viewer in legacy single-tenant mode.
const GlobalTopic = "mascot_state"

// Topic returns the per-session topic for token.
func Topic(token string) string {
	return GlobalTopic + "_" + token
}

// Event is a real-time mascot update pushed to viewers. Tool encodes as null
// when the event carries no tool.
type Event struct {
	State     mascot.State `json:"state"`
	Event     string       `json:"event"`
	Tool      *string      `json:"tool"`
	Timestamp time.Time    `json:"timestamp"`
}

// ToolName returns a Tool value for name, nil if name is empty.
func ToolName(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}

// Broadcaster publishes events on a topic.
// A nil Broadcaster is safe to use -- Publish becomes a no-op.
type Broadcaster interface {
	Publish(topic string, e Event)
}
