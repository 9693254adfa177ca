// Package bus implements the event bus (C6): a typed, synchronous
// publish/subscribe structure with isolated handler-failure semantics.
//
// The interface shape (Publish/Subscribe/Close, per-handler isolation
// logging) is grounded on the teacher's internal/events/bus package, but
// the dispatch itself is rewritten: the teacher dispatches each handler
// asynchronously via `go func(...)`, while spec.md §4.6 requires emit to
// call every handler for an event's type, in registration order, on the
// publisher's own goroutine, recovering any panic/error so it never
// propagates.
package bus

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names one of the bus's event kinds.
type EventType string

const (
	WorkflowStarted    EventType = "WorkflowStarted"
	WorkflowCompleted  EventType = "WorkflowCompleted"
	WorkflowPaused     EventType = "WorkflowPaused"
	StateStarted       EventType = "StateStarted"
	StateCompleted     EventType = "StateCompleted"
	TransitionOccurred EventType = "TransitionOccurred"
	AgentSpawned       EventType = "AgentSpawned"
	AgentTerminated    EventType = "AgentTerminated"
	LLMStreamChunk     EventType = "LLMStreamChunk"
	LLMInvocationStarted EventType = "LLMInvocationStarted"
	ScriptOutput       EventType = "ScriptOutput"
	ToolInvocation     EventType = "ToolInvocation"
	ToolError          EventType = "ToolError"
	ProgressMessage    EventType = "ProgressMessage"
	ErrorOccurred      EventType = "ErrorOccurred"
)

// Event is one published occurrence. AgentID is empty for workflow-level
// events. Payload carries the event-specific fields as a map so observers
// need not import every concrete payload type.
type Event struct {
	Type      EventType
	WorkflowID string
	AgentID   string
	Timestamp int64 // Unix nanoseconds; Emit stamps the current time when left zero
	Payload   map[string]any
}

// Handler processes one event. It must not block indefinitely — it runs on
// the publisher's goroutine.
type Handler func(Event)

// Bus is a synchronous, typed publish/subscribe dispatcher.
type Bus struct {
	mu       sync.Mutex
	handlers map[EventType][]Handler
	log      *zap.Logger
}

// New creates a Bus. log may be nil, in which case a no-op logger is used.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{handlers: map[EventType][]Handler{}, log: log}
}

// Subscribe registers handler for events of the given type, appended after
// any existing subscribers (dispatch order is registration order).
func (b *Bus) Subscribe(t EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Unsubscribe removes the first handler registered for t whose underlying
// function pointer matches handler, per §4.6's "subscribe/unsubscribe allow
// observers to attach and detach". A handler not currently registered is a
// no-op.
func (b *Bus) Unsubscribe(t EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := reflect.ValueOf(handler).Pointer()
	handlers := b.handlers[t]
	for i, h := range handlers {
		if reflect.ValueOf(h).Pointer() == target {
			b.handlers[t] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every handler registered for event.Type, in registration
// order, on the calling goroutine. A handler that panics is recovered and
// logged; emit always returns (§8 property 6: observer isolation).
func (b *Bus) Emit(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("eventType", string(event.Type)),
				zap.Any("recover", r))
		}
	}()
	h(event)
}

// HandlerCount reports the number of subscribers for a type. Used by tests.
func (b *Bus) HandlerCount(t EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[t])
}
