// Package observers implements the three core observers (C11): a debug
// observer that writes progressive per-step artifacts, a console reporter
// that renders human-readable progress, and a title reporter that writes
// the terminal title. All three are passive bus subscribers; none of them
// can affect scheduling (§4.11, §5 observer isolation).
package observers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

// DebugObserver maintains one append-only JSONL file per (agentId,
// stateName, stepNumber), sibling .stdout/.stderr/.meta files for script
// steps, and a workflow-level transitions.log (§4.11).
type DebugObserver struct {
	dir string
	log *zap.Logger

	mu       sync.Mutex
	steps    map[string]int    // agentId -> current step number
	handles  map[string]*os.File // "agentId/step" -> open JSONL file
}

// NewDebugObserver creates a DebugObserver writing under dir, creating it
// if necessary. Any failure to create the directory is logged, not
// returned: per §4.11 all debug-observer I/O is best-effort.
func NewDebugObserver(dir string, log *zap.Logger) *DebugObserver {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn("debug observer: failed to create directory", zap.String("dir", dir), zap.Error(err))
	}
	return &DebugObserver{dir: dir, log: log, steps: map[string]int{}, handles: map[string]*os.File{}}
}

// Register subscribes the observer to every event type it cares about.
func (d *DebugObserver) Register(b *bus.Bus) {
	b.Subscribe(bus.StateStarted, d.onStateStarted)
	b.Subscribe(bus.LLMStreamChunk, d.onStreamChunk)
	b.Subscribe(bus.StateCompleted, d.onStateCompleted)
	b.Subscribe(bus.ScriptOutput, d.onScriptOutput)
	b.Subscribe(bus.TransitionOccurred, d.onTransition)
}

func (d *DebugObserver) key(agentID string, step int) string {
	return fmt.Sprintf("%s/%d", agentID, step)
}

func (d *DebugObserver) onStateStarted(e bus.Event) {
	d.mu.Lock()
	d.steps[e.AgentID]++
	step := d.steps[e.AgentID]
	path := filepath.Join(d.dir, fmt.Sprintf("%s.step%d.jsonl", e.AgentID, step))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		d.mu.Unlock()
		d.log.Warn("debug observer: failed to open step file", zap.String("path", path), zap.Error(err))
		return
	}
	d.handles[d.key(e.AgentID, step)] = f
	d.mu.Unlock()

	d.writeLine(f, e)
}

func (d *DebugObserver) onStreamChunk(e bus.Event) {
	d.mu.Lock()
	step := d.steps[e.AgentID]
	f := d.handles[d.key(e.AgentID, step)]
	d.mu.Unlock()
	if f == nil {
		return
	}
	d.writeLine(f, e)
}

func (d *DebugObserver) onStateCompleted(e bus.Event) {
	d.mu.Lock()
	step := d.steps[e.AgentID]
	k := d.key(e.AgentID, step)
	f := d.handles[k]
	delete(d.handles, k)
	d.mu.Unlock()
	if f == nil {
		return
	}
	d.writeLine(f, e)
	if err := f.Close(); err != nil {
		d.log.Warn("debug observer: failed to close step file", zap.Error(err))
	}
}

// onScriptOutput writes sibling .stdout/.stderr/.meta files for a script
// step, alongside (not instead of) the JSONL step file.
func (d *DebugObserver) onScriptOutput(e bus.Event) {
	d.mu.Lock()
	step := d.steps[e.AgentID]
	d.mu.Unlock()
	base := filepath.Join(d.dir, fmt.Sprintf("%s.step%d", e.AgentID, step))

	stdout, _ := e.Payload["stdout"].(string)
	stderr, _ := e.Payload["stderr"].(string)
	meta := map[string]any{"exitCode": e.Payload["exitCode"], "durationMs": e.Payload["durationMs"]}
	metaBytes, _ := json.Marshal(meta)

	d.bestEffortWrite(base+".stdout", []byte(stdout))
	d.bestEffortWrite(base+".stderr", []byte(stderr))
	d.bestEffortWrite(base+".meta", metaBytes)
}

func (d *DebugObserver) onTransition(e bus.Event) {
	path := filepath.Join(d.dir, "transitions.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		d.log.Warn("debug observer: failed to open transitions.log", zap.Error(err))
		return
	}
	defer f.Close()
	d.writeLine(f, e)
}

func (d *DebugObserver) writeLine(f *os.File, e bus.Event) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(struct {
		Type       bus.EventType  `json:"type"`
		WorkflowID string         `json:"workflowId,omitempty"`
		AgentID    string         `json:"agentId,omitempty"`
		Timestamp  int64          `json:"timestamp"`
		Payload    map[string]any `json:"payload,omitempty"`
	}{e.Type, e.WorkflowID, e.AgentID, e.Timestamp, e.Payload}); err != nil {
		d.log.Warn("debug observer: failed to encode event", zap.Error(err))
		return
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		d.log.Warn("debug observer: failed to write event", zap.Error(err))
	}
}

func (d *DebugObserver) bestEffortWrite(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		d.log.Warn("debug observer: failed to write artifact", zap.String("path", path), zap.Error(err))
	}
}
