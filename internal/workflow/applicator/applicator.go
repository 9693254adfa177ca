// Package applicator implements the transition applicator (C9): applying a
// validated, resolved transition to an agent, mutating its current state,
// session handle, return stack, and spawning new agents for fork.
//
// Grounded on the teacher's internal/workflow/engine package: small,
// single-purpose helper methods per transition kind, idempotent mutation
// producing a new value rather than editing shared state in place.
package applicator

import (
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/resolver"
	"github.com/raymondcli/raymond/internal/workflow/transition"
)

// Outcome is the result of applying a transition: the mutated agent, and,
// for fork, the newly spawned child.
type Outcome struct {
	Agent        *model.Agent
	SpawnedChild *model.Agent
	AgentRemoved bool
}

// Applicator applies transitions against a workflow document.
type Applicator struct {
	bus *bus.Bus
	log *zap.Logger
}

func New(b *bus.Bus, log *zap.Logger) *Applicator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Applicator{bus: b, log: log}
}

// Apply mutates a copy of agent according to t and, for fork, builds a new
// sibling agent returned as Outcome.SpawnedChild (on wf itself, fork only
// advances wf.ForkCounters). All mutations produce new values; the caller is
// expected to replace the agent in wf.Agents with Outcome.Agent (and append
// Outcome.SpawnedChild when non-nil).
func (a *Applicator) Apply(wf *model.Workflow, agent *model.Agent, t transition.Transition, goos string) (Outcome, error) {
	next := agent.Clone()

	switch t.Tag {
	case model.TagGoto:
		return a.applyGoto(wf, next, t)
	case model.TagReset:
		return a.applyReset(wf, next, t)
	case model.TagCall:
		return a.applyCall(wf, next, t, false)
	case model.TagFunction:
		return a.applyCall(wf, next, t, true)
	case model.TagFork:
		return a.applyFork(wf, next, t, goos)
	case model.TagResult:
		return a.applyResult(wf, next, t)
	default:
		return Outcome{}, model.NewTransitionParseError("unknown transition tag %q", t.Tag)
	}
}

func (a *Applicator) applyGoto(wf *model.Workflow, next *model.Agent, t transition.Transition) (Outcome, error) {
	from := next.CurrentState
	next.CurrentState = t.Target
	a.emitTransition(wf, next.ID, from, t.Target, t.Tag, "")
	return Outcome{Agent: next}, nil
}

func (a *Applicator) applyReset(wf *model.Workflow, next *model.Agent, t transition.Transition) (Outcome, error) {
	from := next.CurrentState
	if len(next.Stack) > 0 {
		// §9 open question: warn, do not error, matching the reference.
		a.log.Warn("reset clearing non-empty return stack",
			zap.String("agentId", next.ID), zap.Int("stackDepth", len(next.Stack)))
	}
	next.CurrentState = t.Target
	next.Stack = nil
	next.SessionID = nil
	if t.CD != "" {
		next.WorkingDir = t.CD
	}
	a.emitTransition(wf, next.ID, from, t.Target, t.Tag, "")
	return Outcome{Agent: next}, nil
}

func (a *Applicator) applyCall(wf *model.Workflow, next *model.Agent, t transition.Transition, isFunction bool) (Outcome, error) {
	from := next.CurrentState
	frame := model.ReturnFrame{
		Session:     next.SessionID,
		ReturnState: t.Return,
		WorkingDir:  next.WorkingDir,
	}
	next.Stack = append(next.Stack, frame)
	next.CurrentState = t.Target
	if isFunction {
		// function: child starts fresh, no inherited session.
		next.SessionID = nil
	}
	a.emitTransition(wf, next.ID, from, t.Target, t.Tag, "")
	return Outcome{Agent: next}, nil
}

func (a *Applicator) applyFork(wf *model.Workflow, next *model.Agent, t transition.Transition, goos string) (Outcome, error) {
	from := next.CurrentState
	childID := wf.NextForkName(next.ID, resolver.StripKnownExtension(t.Target))

	cwd := next.WorkingDir
	if t.CD != "" {
		cwd = t.CD
	}

	child := &model.Agent{
		ID:             childID,
		CurrentState:   t.Target,
		SessionID:      nil,
		WorkingDir:     cwd,
		Stack:          nil,
		ForkAttributes: transition.ForkAttributes(t),
	}

	next.CurrentState = t.Next
	a.emitTransition(wf, next.ID, from, t.Next, t.Tag, "")
	a.bus.Emit(bus.Event{
		Type:       bus.AgentSpawned,
		WorkflowID: wf.WorkflowID,
		AgentID:    next.ID,
		Payload: map[string]any{
			"parent":       next.ID,
			"child":        child.ID,
			"initialState": child.CurrentState,
		},
	})
	return Outcome{Agent: next, SpawnedChild: child}, nil
}

func (a *Applicator) applyResult(wf *model.Workflow, next *model.Agent, t transition.Transition) (Outcome, error) {
	if len(next.Stack) == 0 {
		a.emitTransition(wf, next.ID, next.CurrentState, "", t.Tag, t.Target)
		a.bus.Emit(bus.Event{
			Type:       bus.AgentTerminated,
			WorkflowID: wf.WorkflowID,
			AgentID:    next.ID,
			Payload:    map[string]any{"reason": model.TerminationResult},
		})
		return Outcome{Agent: next, AgentRemoved: true}, nil
	}

	frame := next.Stack[len(next.Stack)-1]
	next.Stack = next.Stack[:len(next.Stack)-1]
	from := next.CurrentState
	next.CurrentState = frame.ReturnState
	payload := t.Target
	next.PendingResult = &payload
	next.SessionID = frame.Session
	next.WorkingDir = frame.WorkingDir

	a.emitTransition(wf, next.ID, from, frame.ReturnState, t.Tag, payload)
	return Outcome{Agent: next}, nil
}

func (a *Applicator) emitTransition(wf *model.Workflow, agentID, from, to string, tag model.TransitionTag, payload string) {
	a.bus.Emit(bus.Event{
		Type:       bus.TransitionOccurred,
		WorkflowID: wf.WorkflowID,
		AgentID:    agentID,
		Payload: map[string]any{
			"type":    tag,
			"from":    from,
			"to":      to,
			"payload": payload,
		},
	})
}
