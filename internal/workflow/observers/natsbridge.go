package observers

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

// NATSBridge republishes every bus event onto a NATS connection under
// "raymond.<workflowID>.<eventType>" (SPEC_FULL §4.15). It requires an
// already-connected *nats.Conn: when no NATS URL is configured, the caller
// simply never constructs or registers a bridge — there is no degraded
// in-memory fallback, since a bridge nobody consumes is not a feature.
//
// Grounded on the teacher's internal/events/bus.NATSEventBus.Publish for
// the subject-naming and JSON-marshal-then-publish shape, adapted from a
// dedicated event-bus implementation to a passive C6 bus subscriber.
type NATSBridge struct {
	conn   *nats.Conn
	prefix string
	log    *zap.Logger
}

// NewNATSBridge builds a bridge publishing onto conn. prefix defaults to
// "raymond" if empty.
func NewNATSBridge(conn *nats.Conn, prefix string, log *zap.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "raymond"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSBridge{conn: conn, prefix: prefix, log: log}
}

// Register subscribes the bridge to every event type.
func (n *NATSBridge) Register(b *bus.Bus) {
	for _, t := range allEventTypes {
		b.Subscribe(t, n.onEvent)
	}
}

func (n *NATSBridge) onEvent(e bus.Event) {
	if e.WorkflowID == "" {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		n.log.Warn("nats bridge: failed to marshal event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", n.prefix, e.WorkflowID, e.Type)
	if err := n.conn.Publish(subject, data); err != nil {
		n.log.Warn("nats bridge: failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
