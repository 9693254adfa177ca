package agentexec

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
)

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func newTestWorkflow(t *testing.T) (*model.Workflow, string) {
	dir := t.TempDir()
	return &model.Workflow{WorkflowID: "wf1", ScopeDir: dir}, dir
}

func TestScriptExecutor_ParsesSingleTransition(t *testing.T) {
	skipOnWindows(t)
	wf, dir := newTestWorkflow(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.sh"), []byte("#!/bin/bash\necho '<goto>B.md</goto>'\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.md"), []byte("body"), 0o644))

	e := &ScriptExecutor{Bus: bus.New(nil), GOOS: "linux"}
	agent := &model.Agent{ID: "main", CurrentState: "A.sh", WorkingDir: dir}

	res, err := e.Step(context.Background(), wf, agent)
	require.NoError(t, err)
	assert.Equal(t, "B.md", res.Transition.Target)
}

func TestScriptExecutor_NonZeroExitIsFatal(t *testing.T) {
	skipOnWindows(t)
	wf, dir := newTestWorkflow(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.sh"), []byte("#!/bin/bash\nexit 1\n"), 0o755))

	e := &ScriptExecutor{Bus: bus.New(nil), GOOS: "linux"}
	agent := &model.Agent{ID: "main", CurrentState: "A.sh", WorkingDir: dir}

	_, err := e.Step(context.Background(), wf, agent)
	require.Error(t, err)
	var perr *model.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, model.ErrScriptFailed, perr.Kind)
}

func TestScriptExecutor_NoTransitionIsFatal(t *testing.T) {
	skipOnWindows(t)
	wf, dir := newTestWorkflow(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.sh"), []byte("#!/bin/bash\necho 'nothing here'\n"), 0o755))

	e := &ScriptExecutor{Bus: bus.New(nil), GOOS: "linux"}
	agent := &model.Agent{ID: "main", CurrentState: "A.sh", WorkingDir: dir}

	_, err := e.Step(context.Background(), wf, agent)
	require.Error(t, err)
}

func TestScriptExecutor_MultipleTransitionsIsFatal(t *testing.T) {
	skipOnWindows(t)
	wf, dir := newTestWorkflow(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.sh"), []byte("#!/bin/bash\necho '<goto>B.md</goto><goto>C.md</goto>'\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "B.md"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "C.md"), []byte("c"), 0o644))

	e := &ScriptExecutor{Bus: bus.New(nil), GOOS: "linux"}
	agent := &model.Agent{ID: "main", CurrentState: "A.sh", WorkingDir: dir}

	_, err := e.Step(context.Background(), wf, agent)
	require.Error(t, err)
}

func TestScriptExecutor_EnvContainsReservedKeys(t *testing.T) {
	skipOnWindows(t)
	wf, dir := newTestWorkflow(t)
	script := "#!/bin/bash\necho \"<result>$RAYMOND_WORKFLOW_ID/$RAYMOND_AGENT_ID</result>\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "A.sh"), []byte(script), 0o755))

	e := &ScriptExecutor{Bus: bus.New(nil), GOOS: "linux"}
	agent := &model.Agent{ID: "agent1", CurrentState: "A.sh", WorkingDir: dir}

	res, err := e.Step(context.Background(), wf, agent)
	require.NoError(t, err)
	assert.Equal(t, "wf1/agent1", res.Transition.Target)
}

func TestBuildArgv(t *testing.T) {
	assert.Equal(t, []string{"bash", "/x/A.sh"}, buildArgv("/x/A.sh", "linux"))
	assert.Equal(t, []string{"cmd.exe", "/c", `C:\x\A.bat`}, buildArgv(`C:\x\A.bat`, "windows"))
}
