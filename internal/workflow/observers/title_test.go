package observers

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

func TestTitleReporter_WritesEscapeSequenceOnStateStarted(t *testing.T) {
	var buf bytes.Buffer
	b := bus.New(nil)
	tr := NewTitleReporter(&buf)
	tr.Register(b)

	b.Emit(bus.Event{Type: bus.StateStarted, AgentID: "main", Payload: map[string]any{"state": "A.md"}})

	out := buf.String()
	assert.Contains(t, out, "\x1b]0;")
	assert.Contains(t, out, "main: A.md")
	assert.Contains(t, out, "\x07")
}

func TestTitleReporter_LastWriteWinsAcrossAgents(t *testing.T) {
	var buf bytes.Buffer
	b := bus.New(nil)
	tr := NewTitleReporter(&buf)
	tr.Register(b)

	b.Emit(bus.Event{Type: bus.StateStarted, AgentID: "a", Payload: map[string]any{"state": "A.md"}})
	b.Emit(bus.Event{Type: bus.StateStarted, AgentID: "b", Payload: map[string]any{"state": "B.md"}})

	out := buf.String()
	// Both sequences are written in registration/emission order; the
	// terminal itself applies last-write-wins, which is out of scope for
	// this writer — it only needs to emit each sequence faithfully.
	assert.Contains(t, out, "a: A.md")
	assert.Contains(t, out, "b: B.md")
}
