package mascot_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/zsprackett/agent-mascot/internal/mascot"
)

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		event    string
		state    mascot.State
		active   bool
		terminal bool
	}{
		{"SessionStart", mascot.StateIdle, true, false},
		{"PreToolUse", mascot.StateThinking, true, false},
		{"PostToolUse", mascot.StateWorking, true, false},
		{"Stop", mascot.StateIdle, true, false},
		{"Error", mascot.StateError, true, false},
		{"SessionEnd", mascot.StateSleeping, false, true},
		{"", mascot.StateIdle, true, false},
		{"sessionend", mascot.StateIdle, true, false},
		{"Notification", mascot.StateIdle, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			got := mascot.Classify(tt.event)
			if got.State != tt.state {
				t.Errorf("state: got %q want %q", got.State, tt.state)
			}
			if got.Active != tt.active {
				t.Errorf("active: got %v want %v", got.Active, tt.active)
			}
			if got.Terminal != tt.terminal {
				t.Errorf("terminal: got %v want %v", got.Terminal, tt.terminal)
			}
		})
	}
}

func TestClassifyUnknownIsIdle(t *testing.T) {
	known := map[string]bool{
		"SessionStart": true, "PreToolUse": true, "PostToolUse": true,
		"Stop": true, "Error": true, "SessionEnd": true,
	}

	names := []string{"SessionStart", "PreToolUse", "PostToolUse", "Stop", "Error", "SessionEnd", "Other"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unknown events classify as active idle", prop.ForAll(
		func(event string) bool {
			if known[event] {
				return true
			}
			c := mascot.Classify(event)
			return c.State == mascot.StateIdle && c.Active && !c.Terminal
		},
		gen.AnyString(),
	))

	properties.Property("only SessionEnd is terminal", prop.ForAll(
		func(i int) bool {
			event := names[i]
			c := mascot.Classify(event)
			return c.Terminal == (event == "SessionEnd") && c.Active != c.Terminal
		},
		gen.IntRange(0, len(names)-1),
	))

	properties.TestingRun(t)
}

func TestParseState(t *testing.T) {
	if got := mascot.ParseState("working"); got != mascot.StateWorking {
		t.Errorf("got %q want working", got)
	}
	if got := mascot.ParseState("dancing"); got != mascot.StateSleeping {
		t.Errorf("unknown state should fall back to sleeping, got %q", got)
	}
	if mascot.State("dancing").Valid() {
		t.Error("dancing should not be valid")
	}
}

func TestIsToolEvent(t *testing.T) {
	if !mascot.IsToolEvent("PreToolUse") || !mascot.IsToolEvent("PostToolUse") {
		t.Error("tool-use events should carry a tool")
	}
	if mascot.IsToolEvent("Stop") {
		t.Error("Stop should not carry a tool")
	}
}
