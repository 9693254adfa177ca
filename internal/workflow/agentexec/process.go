package agentexec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LaunchRequest parameterizes one invocation of the external coding agent.
type LaunchRequest struct {
	Prompt     string
	SessionID  *string // non-nil to pass --resume
	Model      string
	Effort     string
	WorkingDir string
	Env        []string
}

// Process is a running external coding agent subprocess, streaming decoded
// JSON messages until EOF.
type Process interface {
	// Messages yields decoded stream messages until the subprocess's
	// stdout reaches EOF, at which point the channel is closed.
	Messages() <-chan StreamMessage
	// Wait blocks until the subprocess exits and returns its error, if any.
	Wait() error
	// Terminate sends a graceful termination signal.
	Terminate() error
	// Kill forcibly terminates the subprocess.
	Kill() error
}

// Launcher spawns the external coding agent. The production implementation
// (CLILauncher) never constructs a shell string — the command is always an
// explicit argument vector (§9 "Subprocess construction").
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// CLILauncher spawns the real external coding-agent CLI. Grounded on the
// teacher's internal/agentctl/process.Manager (argv-vector exec.Command,
// explicit Dir/Env, stdin/stdout/stderr pipes, goroutine-driven wait) and
// pkg/claudecode/client.go (bufio.Scanner-based newline-delimited JSON read
// loop with a large buffer to tolerate big tool-output lines).
type CLILauncher struct {
	// Command is the base argument vector for the agent binary, e.g.
	// []string{"claude"}. Launch appends
	// --input-format/--output-format/--resume/model/effort flags and the
	// prompt itself.
	Command []string
	Log     *zap.Logger
}

const maxScanBufferBytes = 10 * 1024 * 1024

func (l *CLILauncher) Launch(ctx context.Context, req LaunchRequest) (Process, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}
	args := append([]string{}, l.Command[1:]...)
	args = append(args, "--input-format", "stream-json", "--output-format", "stream-json")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Effort != "" {
		args = append(args, "--effort", req.Effort)
	}
	if req.SessionID != nil {
		args = append(args, "--resume", *req.SessionID)
	}
	args = append(args, req.Prompt)

	// exec.Command takes the argument vector directly: never a shell
	// string. This is the security contract in spec §9.
	cmd := exec.Command(l.Command[0], args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = req.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	p := &cliProcess{
		cmd:      cmd,
		messages: make(chan StreamMessage, 64),
		doneCh:   make(chan struct{}),
		log:      l.Log,
	}
	p.wg.Add(1)
	go p.readLoop(stdout)
	go p.waitForExit()
	return p, nil
}

type cliProcess struct {
	cmd      *exec.Cmd
	messages chan StreamMessage
	wg       sync.WaitGroup
	doneCh   chan struct{}
	exitErr  error
	log      *zap.Logger
}

func (p *cliProcess) Messages() <-chan StreamMessage { return p.messages }

func (p *cliProcess) readLoop(stdout io.Reader) {
	defer p.wg.Done()
	defer close(p.messages)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanBufferBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg StreamMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if p.log != nil {
				p.log.Warn("failed to decode stream-json line", zap.Error(err))
			}
			continue
		}
		p.messages <- msg
	}
}

func (p *cliProcess) waitForExit() {
	defer close(p.doneCh)
	p.exitErr = p.cmd.Wait()
}

func (p *cliProcess) Wait() error {
	<-p.doneCh
	return p.exitErr
}

func (p *cliProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *cliProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// StopGracefully terminates a process, waiting up to cleanup for a graceful
// exit before killing it (§5 "Cancellation and timeouts": terminate, wait
// CLEANUP_SECONDS, then hard kill).
func StopGracefully(ctx context.Context, p Process, cleanup time.Duration) {
	_ = p.Terminate()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	timer := time.NewTimer(cleanup)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		_ = p.Kill()
	case <-ctx.Done():
		_ = p.Kill()
	}
}
