package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondcli/raymond/internal/workflow/agentexec"
	"github.com/raymondcli/raymond/internal/workflow/applicator"
	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/store"
)

// scriptedLauncher returns one scripted process per call, keyed by the
// agent's current prompt content so tests can script multiple agents'
// distinct conversations without caring about call ordering.
type scriptedLauncher struct {
	byPrompt map[string][]agentexec.StreamMessage
}

func (l *scriptedLauncher) Launch(ctx context.Context, req agentexec.LaunchRequest) (agentexec.Process, error) {
	msgs := l.byPrompt[req.Prompt]
	ch := make(chan agentexec.StreamMessage, len(msgs)+1)
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &scriptedProcess{ch: ch}, nil
}

type scriptedProcess struct{ ch chan agentexec.StreamMessage }

func (p *scriptedProcess) Messages() <-chan agentexec.StreamMessage { return p.ch }
func (p *scriptedProcess) Wait() error                              { return nil }
func (p *scriptedProcess) Terminate() error                         { return nil }
func (p *scriptedProcess) Kill() error                              { return nil }

func newScheduler(t *testing.T, dir string, launcher agentexec.Launcher) *Scheduler {
	t.Helper()
	st, err := store.New(filepath.Join(dir, "_store"))
	require.NoError(t, err)
	b := bus.New(nil)
	app := applicator.New(b, nil)
	llm := &agentexec.LLMExecutor{Launcher: launcher, Bus: b, GOOS: "linux"}
	script := &agentexec.ScriptExecutor{Bus: b, GOOS: "linux"}
	return New(st, b, app, llm, script, Config{GOOS: "linux"}, nil)
}

func TestScheduler_RunsToCompletionOnResult(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("go; <result>done</result>"), 0o644))

	launcher := &scriptedLauncher{byPrompt: map[string][]agentexec.StreamMessage{
		"go; <result>done</result>": {{Type: "result", Result: "go; <result>done</result>", TotalCostUSD: 0.01}},
	}}
	s := newScheduler(t, dir, launcher)
	wf := &model.Workflow{WorkflowID: "wf1", ScopeDir: dir, ForkCounters: map[string]int{},
		Agents: []*model.Agent{{ID: "main", CurrentState: "A.md"}}}

	final, err := s.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Empty(t, final.Agents)
	assert.Equal(t, 0.01, final.TotalCostUSD)

	_, statErr := os.Stat(filepath.Join(dir, "_store", "wf1.json"))
	assert.True(t, os.IsNotExist(statErr), "completed workflow document should be deleted from the store")
}

func TestScheduler_BudgetExceededTerminatesAgent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("<goto>B.md</goto>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.md"), []byte("b"), 0o644))

	launcher := &scriptedLauncher{byPrompt: map[string][]agentexec.StreamMessage{
		"<goto>B.md</goto>": {{Type: "result", Result: "<goto>B.md</goto>", TotalCostUSD: 100}},
	}}
	s := newScheduler(t, dir, launcher)
	wf := &model.Workflow{WorkflowID: "wf1", ScopeDir: dir, Budget: 1, ForkCounters: map[string]int{},
		Agents: []*model.Agent{{ID: "main", CurrentState: "A.md"}}}

	final, err := s.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Empty(t, final.Agents)
	assert.Equal(t, 100.0, final.TotalCostUSD)
}

func TestScheduler_UsageLimitPausesAgent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("work"), 0o644))

	launcher := &scriptedLauncher{byPrompt: map[string][]agentexec.StreamMessage{
		"work": {{Type: "assistant", Subtype: agentexec.UsageLimitMarker}},
	}}
	s := newScheduler(t, dir, launcher)
	wf := &model.Workflow{WorkflowID: "wf1", ScopeDir: dir, ForkCounters: map[string]int{},
		Agents: []*model.Agent{{ID: "main", CurrentState: "A.md"}}}

	final, err := s.Run(context.Background(), wf)
	require.NoError(t, err)
	require.Len(t, final.Agents, 1)
	assert.True(t, final.Agents[0].Paused)
}

func TestScheduler_PolicyViolationRetriesThenFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("no frontmatter, no tag"), 0o644))

	launcher := &scriptedLauncher{byPrompt: map[string][]agentexec.StreamMessage{
		"no frontmatter, no tag": {{Type: "result", Result: "no frontmatter, no tag"}},
	}}
	s := newScheduler(t, dir, launcher)
	wf := &model.Workflow{WorkflowID: "wf1", ScopeDir: dir, ForkCounters: map[string]int{},
		Agents: []*model.Agent{{ID: "main", CurrentState: "A.md"}}}

	final, err := s.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Empty(t, final.Agents)
}

func TestResume_ClearsPausedAndRetryCount(t *testing.T) {
	wf := &model.Workflow{Agents: []*model.Agent{{ID: "a", Paused: true, RetryCount: 2}}}
	Resume(wf)
	assert.False(t, wf.Agents[0].Paused)
	assert.Equal(t, 0, wf.Agents[0].RetryCount)
}

// An unsafe transition target on a state with no retry policy is an
// unclassified ("Other") step error from the scheduler's perspective
// (§4.10's catch-all row: "log and re-raise"). The agent must not be left
// live and unpaused to be re-dispatched forever; Run aborts and propagates
// the error.
func TestScheduler_UnclassifiedErrorAbortsWorkflow(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.md"), []byte("<goto>../../etc/passwd</goto>"), 0o644))

	launcher := &scriptedLauncher{byPrompt: map[string][]agentexec.StreamMessage{
		"<goto>../../etc/passwd</goto>": {{Type: "result", Result: "<goto>../../etc/passwd</goto>"}},
	}}
	s := newScheduler(t, dir, launcher)
	wf := &model.Workflow{WorkflowID: "wf1", ScopeDir: dir, ForkCounters: map[string]int{},
		Agents: []*model.Agent{{ID: "main", CurrentState: "A.md"}}}

	final, err := s.Run(context.Background(), wf)
	require.Error(t, err)
	var perr *model.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrTransitionTargetUnsafe, perr.Kind)
	// The agent is neither removed nor paused: Run's error return is what
	// stops further dispatch, not a per-agent mutation.
	require.Len(t, final.Agents, 1)
	assert.False(t, final.Agents[0].Paused)
}
