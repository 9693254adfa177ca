// Package scheduler implements the workflow loop (C10): the main per-workflow
// execution cycle that selects ready agents, runs their steps concurrently,
// applies transitions, enforces budget, classifies errors into
// retry/pause/fail decisions, and persists the document after every step.
//
// Grounded on the teacher's internal/orchestrator/scheduler package for its
// config-struct-with-defaults and retry-bookkeeping style, but the loop
// shape itself is not reused: the teacher polls a shared queue on a ticker;
// spec.md §4.10/§5 requires a per-workflow "wait for first completed task"
// primitive over the workflow's own live agent set, implemented here with
// goroutines and a result channel rather than a ticker.
package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/tracing"
	"github.com/raymondcli/raymond/internal/workflow/agentexec"
	"github.com/raymondcli/raymond/internal/workflow/applicator"
	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/resolver"
	"github.com/raymondcli/raymond/internal/workflow/store"
)

// MaxRetries bounds the Timeout / PolicyViolation / ResolutionError retry
// count before an agent is paused or failed (§4.10's error classification
// table).
const MaxRetries = 3

// Config carries the scheduler's tunable defaults.
type Config struct {
	GOOS string // defaults to runtime.GOOS via Scheduler.goos()
}

// Scheduler advances a single workflow document to completion or pause.
type Scheduler struct {
	Store      *store.Store
	Bus        *bus.Bus
	Applicator *applicator.Applicator
	LLM        *agentexec.LLMExecutor
	Script     *agentexec.ScriptExecutor
	Config     Config
	Log        *zap.Logger
}

// New constructs a Scheduler from its collaborators.
func New(st *store.Store, b *bus.Bus, app *applicator.Applicator, llm *agentexec.LLMExecutor, script *agentexec.ScriptExecutor, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{Store: st, Bus: b, Applicator: app, LLM: llm, Script: script, Config: cfg, Log: log}
}

// stepResult is what one agent's step task reports back to the loop.
type stepResult struct {
	agentID string
	outcome applicator.Outcome
	cost    float64
	err     error
}

// StartNew emits WorkflowStarted for a brand-new workflow document, then
// drives it via Run. Resumed workflows should call Run directly.
func (s *Scheduler) StartNew(ctx context.Context, wf *model.Workflow) (*model.Workflow, error) {
	s.Bus.Emit(bus.Event{
		Type: bus.WorkflowStarted, WorkflowID: wf.WorkflowID,
		Payload: map[string]any{"scopeDir": wf.ScopeDir, "agentCount": len(wf.Agents)},
	})
	return s.Run(ctx, wf)
}

// Run drives wf until its agent set is empty, every live agent is paused, or
// ctx is cancelled. It returns the final persisted document.
func (s *Scheduler) Run(ctx context.Context, wf *model.Workflow) (*model.Workflow, error) {
	inFlight := map[string]bool{}
	results := make(chan stepResult)

	// Every section below that reads or mutates wf is bracketed by
	// wf.Lock()/Unlock(): once registered as "live" with the control API
	// (§4.13), the same document may be inspected or paused by an HTTP
	// handler goroutine concurrently with this loop (§5 "Mutation
	// discipline"). The lock is released while waiting on <-results so a
	// pause/inspect request is never blocked behind a running step.
	for {
		wf.Lock()
		if !wf.Live() {
			s.Bus.Emit(bus.Event{
				Type: bus.WorkflowCompleted, WorkflowID: wf.WorkflowID,
				Payload: map[string]any{"totalCostUsd": wf.TotalCostUSD},
			})
			wf.Unlock()
			return wf, s.Store.Delete(wf.WorkflowID)
		}
		if wf.AllPaused() {
			s.Bus.Emit(bus.Event{
				Type: bus.WorkflowPaused, WorkflowID: wf.WorkflowID,
				Payload: map[string]any{"totalCostUsd": wf.TotalCostUSD},
			})
			err := s.Store.Write(wf)
			wf.Unlock()
			return wf, err
		}

		started := 0
		for _, agent := range wf.Agents {
			if agent.Paused || inFlight[agent.ID] {
				continue
			}
			inFlight[agent.ID] = true
			started++
			go s.runStep(ctx, wf, agent.Clone(), results)
		}
		wf.Unlock()

		select {
		case <-ctx.Done():
			// Cooperative cancellation: let in-flight steps finish naturally
			// by draining them, then persist and exit without a forced kill
			// (the executor's own timeout owns subprocess termination).
			var fatal error
			for started > 0 {
				res := <-results
				delete(inFlight, res.agentID)
				started--
				wf.Lock()
				if err := s.handleResult(wf, res); err != nil && fatal == nil {
					fatal = err
				}
				wf.Unlock()
			}
			wf.Lock()
			err := s.Store.Write(wf)
			wf.Unlock()
			if err != nil {
				return wf, err
			}
			return wf, fatal
		case res := <-results:
			delete(inFlight, res.agentID)
			wf.Lock()
			hErr := s.handleResult(wf, res)
			var wErr error
			if hErr == nil {
				wErr = s.Store.Write(wf)
			} else {
				_ = s.Store.Write(wf)
			}
			wf.Unlock()
			if hErr != nil {
				return wf, hErr
			}
			if wErr != nil {
				return wf, wErr
			}
			// Drain any other already-completed results without blocking,
			// so a burst of concurrent steps doesn't serialize one at a time.
			draining := true
			for draining {
				select {
				case res := <-results:
					delete(inFlight, res.agentID)
					wf.Lock()
					hErr := s.handleResult(wf, res)
					var wErr error
					if hErr == nil {
						wErr = s.Store.Write(wf)
					} else {
						_ = s.Store.Write(wf)
					}
					wf.Unlock()
					if hErr != nil {
						return wf, hErr
					}
					if wErr != nil {
						return wf, wErr
					}
				default:
					draining = false
				}
			}
		}
	}
}

// runStep executes one agent's step (executor selection + transition
// application) and reports the outcome on results. It never panics the
// caller: any classification error is carried in stepResult.err. Each call
// opens a span under the "raymond/scheduler" tracer (§4.14), carrying
// workflow/agent/state attributes and recording the step's error, if any.
func (s *Scheduler) runStep(ctx context.Context, wf *model.Workflow, agent *model.Agent, results chan<- stepResult) {
	ctx, span := tracing.Tracer("raymond/scheduler").Start(ctx, "scheduler.step",
		trace.WithAttributes(
			attribute.String("workflow_id", wf.WorkflowID),
			attribute.String("agent_id", agent.ID),
			attribute.String("state", agent.CurrentState),
		),
	)
	var stepErr error
	defer func() {
		if stepErr != nil {
			span.RecordError(stepErr)
			span.SetStatus(codes.Error, stepErr.Error())
		}
		span.End()
	}()

	resolved, err := resolver.Resolve(wf.ScopeDir, agent.CurrentState, s.goos())
	if err != nil {
		stepErr = err
		results <- stepResult{agentID: agent.ID, err: err}
		return
	}
	span.SetAttributes(attribute.String("kind", string(resolved.Kind)))

	switch resolved.Kind {
	case model.StateKindLLM:
		res, err := s.LLM.Step(ctx, wf, agent)
		if err != nil {
			stepErr = err
			results <- stepResult{agentID: agent.ID, err: err}
			return
		}
		agent.SessionID = res.SessionID
		// Apply mutates wf (fork's NextForkName bumps wf.ForkCounters), and
		// a sibling agent's runStep goroutine may be applying its own
		// transition against the same wf concurrently this tick — lock
		// around the call, not just the caller's merge of the outcome.
		wf.Lock()
		outcome, err := s.Applicator.Apply(wf, agent, res.Transition, s.goos())
		wf.Unlock()
		stepErr = err
		results <- stepResult{agentID: agent.ID, outcome: outcome, cost: res.CostDelta, err: err}
	case model.StateKindScript:
		res, err := s.Script.Step(ctx, wf, agent)
		if err != nil {
			stepErr = err
			results <- stepResult{agentID: agent.ID, err: err}
			return
		}
		wf.Lock()
		outcome, err := s.Applicator.Apply(wf, agent, res.Transition, s.goos())
		wf.Unlock()
		stepErr = err
		results <- stepResult{agentID: agent.ID, outcome: outcome, cost: 0, err: err}
	default:
		stepErr = model.NewResolutionError("state %q has unknown kind", agent.CurrentState)
		results <- stepResult{agentID: agent.ID, err: stepErr}
	}
}

// handleResult merges one completed step into wf: applying the budget
// check, classifying errors into retry/pause/fail decisions, and merging
// the applicator's outcome (new agent state, spawned children, removals).
// A non-nil return is fatal and must abort Run (see classifyError).
func (s *Scheduler) handleResult(wf *model.Workflow, res stepResult) error {
	agent := wf.AgentByID(res.agentID)
	if agent == nil {
		// Agent was removed by a concurrent step outcome (should not
		// happen under the one-in-flight-task-per-agent discipline, but
		// guards against a stale result).
		return nil
	}

	if res.err != nil {
		return s.classifyError(wf, agent, res.err)
	}

	agent.RetryCount = 0

	if res.cost > 0 {
		wf.TotalCostUSD += res.cost
		if wf.Budget > 0 && wf.TotalCostUSD > wf.Budget {
			s.Bus.Emit(bus.Event{
				Type: bus.ErrorOccurred, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
				Payload: map[string]any{"error": model.NewBudgetExceeded(wf.TotalCostUSD, wf.Budget).Error(), "kind": model.ErrBudgetExceeded},
			})
			wf.RemoveAgent(agent.ID)
			s.Bus.Emit(bus.Event{
				Type: bus.AgentTerminated, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
				Payload: map[string]any{"reason": model.TerminationBudget},
			})
			return nil
		}
	}

	s.mergeOutcome(wf, res.outcome)
	return nil
}

// mergeOutcome replaces the stepped agent with its mutated copy, appends any
// spawned fork child, and removes terminated agents.
func (s *Scheduler) mergeOutcome(wf *model.Workflow, outcome applicator.Outcome) {
	if outcome.Agent == nil {
		return
	}
	if outcome.AgentRemoved {
		wf.RemoveAgent(outcome.Agent.ID)
		return
	}
	for i, a := range wf.Agents {
		if a.ID == outcome.Agent.ID {
			wf.Agents[i] = outcome.Agent
			break
		}
	}
	if outcome.SpawnedChild != nil {
		wf.Agents = append(wf.Agents, outcome.SpawnedChild)
	}
}

// classifyError applies the §4.10 error classification table. A non-nil
// return is fatal to the whole workflow (`StateFileError` and the `Other`
// catch-all row: "log and re-raise") and must propagate out of Run rather
// than leave the agent live to be re-dispatched next iteration.
func (s *Scheduler) classifyError(wf *model.Workflow, agent *model.Agent, err error) error {
	kind := model.ErrorKind("")
	if asErr, ok := err.(*model.Error); ok {
		kind = asErr.Kind
	}

	s.Bus.Emit(bus.Event{
		Type: bus.ErrorOccurred, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{"error": err.Error(), "kind": kind},
	})

	switch kind {
	case model.ErrUsageLimit:
		agent.Paused = true
	case model.ErrTimeout:
		agent.RetryCount++
		if agent.RetryCount >= MaxRetries {
			agent.Paused = true
		}
	case model.ErrPolicyViolation, model.ErrResolutionError:
		agent.RetryCount++
		if agent.RetryCount >= MaxRetries {
			wf.RemoveAgent(agent.ID)
			s.Bus.Emit(bus.Event{
				Type: bus.AgentTerminated, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
				Payload: map[string]any{"reason": model.TerminationFailed},
			})
		}
	case model.ErrScriptFailed:
		wf.RemoveAgent(agent.ID)
		s.Bus.Emit(bus.Event{
			Type: bus.AgentTerminated, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
			Payload: map[string]any{"reason": model.TerminationFailed},
		})
	case model.ErrStateFileError:
		s.Log.Error("fatal store error, workflow will not progress further",
			zap.String("workflowId", wf.WorkflowID), zap.Error(err))
		return err
	default:
		s.Log.Error("unclassified step error, aborting workflow",
			zap.String("workflowId", wf.WorkflowID), zap.String("agentId", agent.ID), zap.Error(err))
		return err
	}
	return nil
}

// Resume clears every agent's paused flag so the next Run call restarts
// scheduling them (§4.10 "Pause/resume").
func Resume(wf *model.Workflow) {
	for _, a := range wf.Agents {
		a.Paused = false
		a.RetryCount = 0
	}
}

func (s *Scheduler) goos() string {
	if s.Config.GOOS != "" {
		return s.Config.GOOS
	}
	return defaultGOOS
}

var defaultGOOS = resolver.CurrentGOOS()
