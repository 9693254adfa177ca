package observers

import (
	"sync"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

// allEventTypes lists every event type the bus can emit (bus/bus.go). The
// ring buffer subscribes to each individually since Bus has no wildcard
// subscription.
var allEventTypes = []bus.EventType{
	bus.WorkflowStarted,
	bus.WorkflowCompleted,
	bus.WorkflowPaused,
	bus.StateStarted,
	bus.StateCompleted,
	bus.TransitionOccurred,
	bus.AgentSpawned,
	bus.AgentTerminated,
	bus.LLMStreamChunk,
	bus.LLMInvocationStarted,
	bus.ScriptOutput,
	bus.ToolInvocation,
	bus.ToolError,
	bus.ProgressMessage,
	bus.ErrorOccurred,
}

// RingBuffer retains the most recent N events per workflow in memory, for
// the control API's GET /workflows/{id}/events endpoint (SPEC_FULL §4.13).
// It is a pure observer: dropping the oldest event on overflow never blocks
// or affects the bus's other subscribers.
type RingBuffer struct {
	capacity int

	mu   sync.Mutex
	logs map[string][]bus.Event // workflowID -> ring, oldest first
}

// NewRingBuffer builds a RingBuffer retaining up to capacity events per
// workflow. capacity <= 0 is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{capacity: capacity, logs: map[string][]bus.Event{}}
}

// Register subscribes the ring buffer to every event type.
func (r *RingBuffer) Register(b *bus.Bus) {
	for _, t := range allEventTypes {
		b.Subscribe(t, r.onEvent)
	}
}

func (r *RingBuffer) onEvent(e bus.Event) {
	if e.WorkflowID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	log := append(r.logs[e.WorkflowID], e)
	if len(log) > r.capacity {
		log = log[len(log)-r.capacity:]
	}
	r.logs[e.WorkflowID] = log
}

// Tail returns up to n of the most recently retained events for workflowID,
// oldest first. n <= 0 returns everything retained.
func (r *RingBuffer) Tail(workflowID string, n int) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logs[workflowID]
	if n <= 0 || n >= len(log) {
		out := make([]bus.Event, len(log))
		copy(out, log)
		return out
	}
	out := make([]bus.Event, n)
	copy(out, log[len(log)-n:])
	return out
}
