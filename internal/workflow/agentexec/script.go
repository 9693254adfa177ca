package agentexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/tracing"
	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/resolver"
	"github.com/raymondcli/raymond/internal/workflow/transition"
)

// ScriptConfig carries the wall-clock timeout for C8.
type ScriptConfig struct {
	WallClock time.Duration
}

// ScriptResult is what Step returns to the scheduler for a script state.
// It carries only the transition: a script step leaves the agent's session
// unchanged and the scheduler records a cost of zero for it (§4.8 step 8).
type ScriptResult struct {
	Transition transition.Transition
}

// ScriptExecutor drives an agent through one script-state step (C8).
type ScriptExecutor struct {
	Bus    *bus.Bus
	Config ScriptConfig
	GOOS   string
	Log    *zap.Logger
}

// Step resolves the file, runs it as a subprocess, and parses exactly one
// transition from stdout.
func (e *ScriptExecutor) Step(ctx context.Context, wf *model.Workflow, agent *model.Agent) (result ScriptResult, err error) {
	ctx, span := tracing.Tracer("raymond/agentexec").Start(ctx, "agentexec.script.invoke",
		trace.WithAttributes(
			attribute.String("agent_id", agent.ID),
			attribute.String("state", agent.CurrentState),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	resolved, err := resolver.Resolve(wf.ScopeDir, agent.CurrentState, e.GOOS)
	if err != nil {
		return ScriptResult{}, err
	}
	if resolved.Kind != model.StateKindScript {
		return ScriptResult{}, model.NewResolutionError("state %q is not a script on this platform", agent.CurrentState)
	}

	e.Bus.Emit(bus.Event{
		Type: bus.StateStarted, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{"kind": model.StateKindScript, "state": resolved.Filename},
	})

	scriptPath := wf.ScopeDir + string(os.PathSeparator) + resolved.Filename
	args := buildArgv(scriptPath, e.goos())

	env := buildScriptEnv(wf, agent)

	stepCtx, cancel := context.WithTimeout(ctx, e.wallClock())
	defer cancel()

	// Argument-vector spawn only, per §9: the script path is never
	// interpolated into a shell string.
	cmd := exec.CommandContext(stepCtx, args[0], args[1:]...)
	cmd.Dir = agent.WorkingDir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	e.Bus.Emit(bus.Event{
		Type: bus.ScriptOutput, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{
			"stdout": stdout.String(), "stderr": stderr.String(),
			"exitCode": exitCode, "durationMs": duration.Milliseconds(), "env": env,
		},
	})

	if stepCtx.Err() != nil {
		return ScriptResult{}, model.NewTimeout("script %q timed out", resolved.Filename)
	}
	if exitCode != 0 {
		return ScriptResult{}, model.NewScriptFailed("script %q exited with code %d", resolved.Filename, exitCode)
	}

	transitions, parseErr := transition.Parse(stdout.String())
	if parseErr != nil {
		return ScriptResult{}, model.NewScriptFailed("script %q: %v", resolved.Filename, parseErr)
	}
	if len(transitions) != 1 {
		return ScriptResult{}, model.NewScriptFailed("script %q emitted %d transitions, expected exactly 1", resolved.Filename, len(transitions))
	}
	t := transitions[0]
	if err := transition.ValidateSafety(t); err != nil {
		return ScriptResult{}, err
	}

	if target := targetOf(t); target != "" {
		if _, resolveErr := resolver.Resolve(wf.ScopeDir, target, e.GOOS); resolveErr != nil {
			return ScriptResult{}, resolveErr
		}
	}

	e.Bus.Emit(bus.Event{
		Type: bus.StateCompleted, WorkflowID: wf.WorkflowID, AgentID: agent.ID,
		Payload: map[string]any{"kind": model.StateKindScript, "state": resolved.Filename, "costDelta": 0.0, "durationMs": duration.Milliseconds()},
	})

	return ScriptResult{Transition: t}, nil
}

// buildArgv constructs the argument vector for running a script, per §4.8
// step 2: `bash <path>` on POSIX, `cmd.exe /c <path>` on Windows. Never a
// shell-interpreted string.
func buildArgv(scriptPath, goos string) []string {
	if goos == "windows" {
		return []string{"cmd.exe", "/c", scriptPath}
	}
	return []string{"bash", scriptPath}
}

// buildScriptEnv composes the process environment: parent ∪ reserved keys
// ∪ fork attributes (excluding "next"/"cd") — §4.8 step 3, §6.
func buildScriptEnv(wf *model.Workflow, agent *model.Agent) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "RAYMOND_WORKFLOW_ID="+wf.WorkflowID, "RAYMOND_AGENT_ID="+agent.ID)
	if agent.PendingResult != nil {
		env = append(env, "RAYMOND_RESULT="+*agent.PendingResult)
	}
	for k, v := range agent.ForkAttributes {
		if k == "next" || k == "cd" {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func (e *ScriptExecutor) goos() string {
	if e.GOOS != "" {
		return e.GOOS
	}
	return runtime.GOOS
}

func (e *ScriptExecutor) wallClock() time.Duration {
	if e.Config.WallClock > 0 {
		return e.Config.WallClock
	}
	return 5 * time.Minute
}
