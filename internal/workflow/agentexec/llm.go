// Package agentexec implements the two agent executors: the LLM state
// executor (C7) in this file, and the script state executor (C8) in
// script.go.
package agentexec

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/tracing"
	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/policy"
	"github.com/raymondcli/raymond/internal/workflow/resolver"
	"github.com/raymondcli/raymond/internal/workflow/template"
	"github.com/raymondcli/raymond/internal/workflow/transition"
)

// MaxReminderAttempts bounds the reminder-retry loop (§4.7 step 7).
const MaxReminderAttempts = 3

// LLMConfig carries the caller-supplied defaults and timeouts for C7.
type LLMConfig struct {
	DefaultModel  string
	DefaultEffort string
	WallClock     time.Duration
	IdleOutput    time.Duration
	Cleanup       time.Duration // default 30s, per §5
}

// LLMResult is what Step returns to the scheduler: the parsed transition
// to apply, the (possibly new) session id, and this invocation's cost.
type LLMResult struct {
	Transition transition.Transition
	SessionID  *string
	CostDelta  float64
}

// LLMExecutor drives an agent through one LLM-state step (C7).
type LLMExecutor struct {
	Launcher Launcher
	Bus      *bus.Bus
	Config   LLMConfig
	GOOS     string
	Log      *zap.Logger
}

// Step runs the full algorithm in spec §4.7.
func (e *LLMExecutor) Step(ctx context.Context, wf *model.Workflow, agent *model.Agent) (LLMResult, error) {
	resolved, err := resolver.Resolve(wf.ScopeDir, agent.CurrentState, e.GOOS)
	if err != nil {
		return LLMResult{}, err
	}

	raw, err := template.Load(wf.ScopeDir, resolved.Filename)
	if err != nil {
		return LLMResult{}, err
	}
	fm, body, err := policy.Split(raw)
	if err != nil {
		return LLMResult{}, model.NewPromptFileError(err, "invalid frontmatter in %q", resolved.Filename)
	}

	resultSeed := ""
	if agent.PendingResult != nil {
		resultSeed = *agent.PendingResult
	}
	vars := template.BuildVariables(resultSeed, agent.ForkAttributes)
	prompt := template.Render(body, vars)

	e.emitStateStarted(wf, agent, resolved.Filename)

	model_ := e.Config.DefaultModel
	effort := e.Config.DefaultEffort
	if fm != nil {
		if fm.Model != "" {
			model_ = fm.Model
		}
		if fm.Effort != "" {
			effort = fm.Effort
		}
	}

	session := agent.SessionID
	totalCost := 0.0
	attempt := 1
	currentPrompt := prompt

	for {
		outText, newSession, costDelta, runErr := e.invoke(ctx, agent, currentPrompt, session, model_, effort)
		totalCost += costDelta
		if newSession != nil {
			session = newSession
		}
		if runErr != nil {
			return LLMResult{}, runErr
		}

		transitions, parseErr := transition.Parse(outText)
		if parseErr != nil {
			return LLMResult{}, parseErr
		}

		var unsafe error
		for _, t := range transitions {
			if err := transition.ValidateSafety(t); err != nil {
				unsafe = err
				break
			}
		}
		if unsafe != nil {
			if !fm.HasPolicy() || attempt >= MaxReminderAttempts {
				return LLMResult{}, unsafe
			}
			attempt++
			e.emitError(wf, agent, unsafe, true, attempt)
			currentPrompt = policy.ReminderPrompt(fm)
			continue
		}

		decision, picked := policy.Evaluate(fm, transitions)
		if decision != policy.DecisionValid && decision != policy.DecisionImplicit {
			violation := model.NewPolicyViolation("state %q emitted an invalid or ambiguous transition set (decision=%d)", agent.CurrentState, decision)
			if !fm.HasPolicy() || attempt >= MaxReminderAttempts {
				return LLMResult{}, violation
			}
			attempt++
			e.emitError(wf, agent, violation, true, attempt)
			currentPrompt = policy.ReminderPrompt(fm)
			continue
		}

		if target := targetOf(*picked); target != "" {
			if _, resolveErr := resolver.Resolve(wf.ScopeDir, target, e.GOOS); resolveErr != nil {
				if fm.HasPolicy() && attempt < MaxReminderAttempts {
					attempt++
					e.emitError(wf, agent, resolveErr, true, attempt)
					currentPrompt = policy.ReminderPrompt(fm)
					continue
				}
				return LLMResult{}, resolveErr
			}
		}

		e.emitStateCompleted(wf, agent, resolved.Filename, totalCost, session)
		return LLMResult{Transition: *picked, SessionID: session, CostDelta: totalCost}, nil
	}
}

// targetOf returns the state-file target a transition resolves against,
// empty for result (which carries no file target).
func targetOf(t transition.Transition) string {
	if t.Tag == model.TagResult {
		return ""
	}
	if t.Tag == model.TagFork {
		return t.Next
	}
	return t.Target
}

// invoke spawns one subprocess turn and returns the concatenated assistant
// output text, the session id reported by the final result record, the
// cost delta for this single invocation, and any fatal error.
func (e *LLMExecutor) invoke(ctx context.Context, agent *model.Agent, prompt string, session *string, model_, effort string) (outText string, newSession *string, cost float64, err error) {
	ctx, span := tracing.Tracer("raymond/agentexec").Start(ctx, "agentexec.llm.invoke",
		trace.WithAttributes(
			attribute.String("agent_id", agent.ID),
			attribute.Bool("resumed", session != nil),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.Bus.Emit(bus.Event{
		Type:    bus.LLMInvocationStarted,
		AgentID: agent.ID,
		Payload: map[string]any{"resumed": session != nil},
	})

	stepCtx, cancel := context.WithTimeout(ctx, e.wallClock())
	defer cancel()

	proc, err := e.Launcher.Launch(stepCtx, LaunchRequest{
		Prompt:     prompt,
		SessionID:  session,
		Model:      model_,
		Effort:     effort,
		WorkingDir: agent.WorkingDir,
		Env:        forkAttrEnv(agent.ForkAttributes),
	})
	if err != nil {
		return "", nil, 0, model.NewSubprocessError(err, "failed to launch external agent")
	}

	idle := e.idleOutput()
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	msgs := proc.Messages()
	timedOut := false
	usageLimited := false
loop:
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				break loop
			}
			idleTimer.Reset(idle)
			e.Bus.Emit(bus.Event{Type: bus.LLMStreamChunk, AgentID: agent.ID, Payload: map[string]any{"message": msg}})
			if msg.Subtype == UsageLimitMarker {
				usageLimited = true
			}
			outText += e.classify(agent, msg)
			if msg.Type == "result" {
				cost = msg.TotalCostUSD
				if msg.SessionID != "" {
					s := msg.SessionID
					newSession = &s
				}
				if msg.Result != "" {
					// The final result record bundles the complete
					// assistant output text for this turn (§4.7 step 4).
					outText = msg.Result
				}
			}
			if usageLimited {
				break loop
			}
		case <-idleTimer.C:
			timedOut = true
			break loop
		case <-stepCtx.Done():
			timedOut = true
			break loop
		}
	}

	if usageLimited {
		StopGracefully(ctx, proc, e.cleanup())
		return "", newSession, cost, model.NewUsageLimit("external agent for agent %q hit its usage limit", agent.ID)
	}

	if timedOut {
		StopGracefully(ctx, proc, e.cleanup())
		return "", nil, cost, model.NewTimeout("external agent timed out for agent %q", agent.ID)
	}

	if err := proc.Wait(); err != nil {
		return "", nil, cost, model.NewSubprocessError(err, "external agent exited with error")
	}

	return outText, newSession, cost, nil
}

// classify extracts ProgressMessage/ToolInvocation/ToolError events from one
// stream message and returns the text contribution (if any) to the turn's
// assistant output (§4.7 step 4).
func (e *LLMExecutor) classify(agent *model.Agent, msg StreamMessage) string {
	// Usage-limit detection itself is handled in invoke, which raises a
	// UsageLimit error for the scheduler to classify; this only extracts
	// the turn's progress/tool events.
	if msg.Message == nil {
		return ""
	}
	var text string
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			e.Bus.Emit(bus.Event{Type: bus.ProgressMessage, AgentID: agent.ID, Payload: map[string]any{"text": block.Text}})
			text += block.Text
		case "tool_use":
			e.Bus.Emit(bus.Event{Type: bus.ToolInvocation, AgentID: agent.ID, Payload: map[string]any{"tool": block.ToolName, "input": block.ToolInput}})
		case "tool_result":
			if block.IsError {
				e.Bus.Emit(bus.Event{Type: bus.ToolError, AgentID: agent.ID, Payload: map[string]any{"content": block.Content}})
			}
		}
	}
	return text
}

func (e *LLMExecutor) emitStateStarted(wf *model.Workflow, agent *model.Agent, filename string) {
	e.Bus.Emit(bus.Event{
		Type: bus.StateStarted, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{"kind": model.StateKindLLM, "state": filename},
	})
}

func (e *LLMExecutor) emitStateCompleted(wf *model.Workflow, agent *model.Agent, filename string, cost float64, session *string) {
	e.Bus.Emit(bus.Event{
		Type: bus.StateCompleted, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{"kind": model.StateKindLLM, "state": filename, "costDelta": cost, "session": session},
	})
}

func (e *LLMExecutor) emitError(wf *model.Workflow, agent *model.Agent, err error, retryable bool, attempt int) {
	e.Bus.Emit(bus.Event{
		Type: bus.ErrorOccurred, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{"error": err.Error(), "retryable": retryable, "attempt": attempt},
	})
}

func (e *LLMExecutor) wallClock() time.Duration {
	if e.Config.WallClock > 0 {
		return e.Config.WallClock
	}
	return 10 * time.Minute
}

func (e *LLMExecutor) idleOutput() time.Duration {
	if e.Config.IdleOutput > 0 {
		return e.Config.IdleOutput
	}
	return 2 * time.Minute
}

func (e *LLMExecutor) cleanup() time.Duration {
	if e.Config.Cleanup > 0 {
		return e.Config.Cleanup
	}
	return 30 * time.Second
}

func forkAttrEnv(attrs map[string]string) []string {
	env := make([]string, 0, len(attrs))
	for k, v := range attrs {
		env = append(env, k+"="+v)
	}
	return env
}
