package observers

import (
	"fmt"
	"io"
	"sync"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

// TitleReporter writes an OS-specific terminal-title escape sequence on
// every StateStarted. Last-write-wins across concurrent agents (§4.11).
type TitleReporter struct {
	out io.Writer
	mu  sync.Mutex
}

// NewTitleReporter writes to out (normally os.Stdout).
func NewTitleReporter(out io.Writer) *TitleReporter {
	return &TitleReporter{out: out}
}

// Register subscribes the reporter to StateStarted.
func (t *TitleReporter) Register(b *bus.Bus) {
	b.Subscribe(bus.StateStarted, t.onStateStarted)
}

func (t *TitleReporter) onStateStarted(e bus.Event) {
	state, _ := e.Payload["state"].(string)
	title := fmt.Sprintf("%s: %s", e.AgentID, state)

	t.mu.Lock()
	defer t.mu.Unlock()
	// OSC 0 sets both icon name and window title; supported by xterm,
	// most terminal emulators, and Windows Terminal.
	fmt.Fprintf(t.out, "\x1b]0;%s\x07", title)
}
