package observers

import (
	"fmt"
	"io"
	"sync"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

// ConsoleReporter translates bus events into human-readable progress
// output. It tracks each agent's last tool invocation so a subsequent
// tool-error event can be annotated with the offending tool's name (§4.11).
type ConsoleReporter struct {
	out   io.Writer
	quiet bool

	mu       sync.Mutex
	lastTool map[string]string
}

// NewConsoleReporter writes to out. quiet suppresses streamed progress
// text, retaining only state headers, transitions, errors, and final cost.
func NewConsoleReporter(out io.Writer, quiet bool) *ConsoleReporter {
	return &ConsoleReporter{out: out, quiet: quiet, lastTool: map[string]string{}}
}

// Register subscribes the reporter to every event type it renders.
func (c *ConsoleReporter) Register(b *bus.Bus) {
	b.Subscribe(bus.WorkflowStarted, c.onWorkflowStarted)
	b.Subscribe(bus.WorkflowCompleted, c.onWorkflowCompleted)
	b.Subscribe(bus.WorkflowPaused, c.onWorkflowPaused)
	b.Subscribe(bus.StateStarted, c.onStateStarted)
	b.Subscribe(bus.StateCompleted, c.onStateCompleted)
	b.Subscribe(bus.TransitionOccurred, c.onTransition)
	b.Subscribe(bus.ToolInvocation, c.onToolInvocation)
	b.Subscribe(bus.ToolError, c.onToolError)
	b.Subscribe(bus.ProgressMessage, c.onProgress)
	b.Subscribe(bus.ErrorOccurred, c.onError)
}

func (c *ConsoleReporter) onWorkflowStarted(e bus.Event) {
	fmt.Fprintf(c.out, "workflow %s started\n", e.WorkflowID)
}

func (c *ConsoleReporter) onWorkflowCompleted(e bus.Event) {
	cost, _ := e.Payload["totalCostUsd"].(float64)
	fmt.Fprintf(c.out, "workflow %s completed (total cost %.4f)\n", e.WorkflowID, cost)
}

func (c *ConsoleReporter) onWorkflowPaused(e bus.Event) {
	fmt.Fprintf(c.out, "workflow %s paused\n", e.WorkflowID)
}

func (c *ConsoleReporter) onStateStarted(e bus.Event) {
	state, _ := e.Payload["state"].(string)
	fmt.Fprintf(c.out, "[%s] → %s\n", e.AgentID, state)
}

func (c *ConsoleReporter) onStateCompleted(e bus.Event) {
	state, _ := e.Payload["state"].(string)
	cost, _ := e.Payload["costDelta"].(float64)
	fmt.Fprintf(c.out, "[%s] %s done (cost +%.4f)\n", e.AgentID, state, cost)
}

func (c *ConsoleReporter) onTransition(e bus.Event) {
	tag, _ := e.Payload["type"].(string)
	from, _ := e.Payload["from"].(string)
	to, _ := e.Payload["to"].(string)
	fmt.Fprintf(c.out, "[%s] %s: %s -> %s\n", e.AgentID, tag, from, to)
}

func (c *ConsoleReporter) onToolInvocation(e bus.Event) {
	tool, _ := e.Payload["tool"].(string)
	c.mu.Lock()
	c.lastTool[e.AgentID] = tool
	c.mu.Unlock()
	if c.quiet {
		return
	}
	fmt.Fprintf(c.out, "[%s] tool: %s\n", e.AgentID, tool)
}

func (c *ConsoleReporter) onToolError(e bus.Event) {
	c.mu.Lock()
	tool := c.lastTool[e.AgentID]
	c.mu.Unlock()
	fmt.Fprintf(c.out, "[%s] tool error in %q\n", e.AgentID, tool)
}

func (c *ConsoleReporter) onProgress(e bus.Event) {
	if c.quiet {
		return
	}
	text, _ := e.Payload["text"].(string)
	fmt.Fprintf(c.out, "%s", text)
}

func (c *ConsoleReporter) onError(e bus.Event) {
	msg, _ := e.Payload["error"].(string)
	fmt.Fprintf(c.out, "[%s] error: %s\n", e.AgentID, msg)
}
