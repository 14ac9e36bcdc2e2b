package mascot

// State is the mascot animation state shown to viewers.
type State string

const (
	StateSleeping State = "sleeping"
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateWorking  State = "working"
	StateHappy    State = "happy"
	StateError    State = "error"
)

// Lifecycle event names sent by the agent CLI hooks.
const (
	EventSessionStart = "SessionStart"
	EventPreToolUse   = "PreToolUse"
	EventPostToolUse  = "PostToolUse"
	EventStop         = "Stop"
	EventError        = "Error"
	EventSessionEnd   = "SessionEnd"

	// EventProcessDeath tags forced transitions made by the liveness monitor.
	// Hooks never send it.
	EventProcessDeath = "ProcessDeath"
)

// HookEvents lists the events a hook bundle installs scripts for.
var HookEvents = []string{
	EventSessionStart,
	EventPreToolUse,
	EventPostToolUse,
	EventStop,
	EventSessionEnd,
}

var states = map[State]bool{
	StateSleeping: true,
	StateIdle:     true,
	StateThinking: true,
	StateWorking:  true,
	StateHappy:    true,
	StateError:    true,
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return states[s]
}

func (s State) String() string {
	return string(s)
}

// ParseState converts a stored state string, falling back to sleeping for
// anything unrecognised.
func ParseState(s string) State {
	st := State(s)
	if st.Valid() {
		return st
	}
	return StateSleeping
}

// Classification is the outcome of classifying one lifecycle event.
type Classification struct {
	State State
	// Active is true when the reporting process should be tracked for liveness.
	Active bool
	// Terminal is true when the session's tracked processes must be cleared.
	Terminal bool
}

// Classify maps a lifecycle event name to the resulting mascot state. It is
// total: unknown names classify as an active idle event.
func Classify(event string) Classification {
	switch event {
	case EventSessionStart:
		return Classification{State: StateIdle, Active: true}
	case EventPreToolUse:
		return Classification{State: StateThinking, Active: true}
	case EventPostToolUse:
		return Classification{State: StateWorking, Active: true}
	case EventStop:
		return Classification{State: StateIdle, Active: true}
	case EventError:
		return Classification{State: StateError, Active: true}
	case EventSessionEnd:
		return Classification{State: StateSleeping, Terminal: true}
	default:
		return Classification{State: StateIdle, Active: true}
	}
}

// IsToolEvent reports whether the event carries a tool name.
func IsToolEvent(event string) bool {
	return event == EventPreToolUse || event == EventPostToolUse
}
