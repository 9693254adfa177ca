package observers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1024 * 1024
)

// WSClient is one connected dashboard client, subscribed to zero or more
// workflow ids.
//
// Grounded on the teacher's internal/orchestrator/streaming.Client, with
// "task" renamed to "workflow" throughout.
type WSClient struct {
	ID          string
	conn        *websocket.Conn
	workflowIDs map[string]bool
	send        chan []byte
	hub         *WSHub
	mu          sync.RWMutex
	log         *zap.Logger
}

// NewWSClient wraps an already-upgraded websocket connection.
func NewWSClient(id string, conn *websocket.Conn, hub *WSHub, log *zap.Logger) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSClient{ID: id, conn: conn, workflowIDs: map[string]bool{}, send: make(chan []byte, 256), hub: hub, log: log}
}

// wsSubscription is sent by clients to subscribe/unsubscribe from workflows.
type wsSubscription struct {
	Action      string   `json:"action"` // subscribe, unsubscribe
	WorkflowIDs []string `json:"workflowIds"`
}

// ReadPump reads subscription requests until the connection closes.
func (c *WSClient) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var sub wsSubscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.log.Warn("invalid subscription message", zap.Error(err))
			continue
		}
		switch sub.Action {
		case "subscribe":
			for _, id := range sub.WorkflowIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range sub.WorkflowIDs {
				c.Unsubscribe(id)
			}
		default:
			c.log.Warn("unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// WritePump drains c.send to the connection, pinging on idle.
func (c *WSClient) WritePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe adds workflowID to this client's subscriptions.
func (c *WSClient) Subscribe(workflowID string) {
	c.mu.Lock()
	c.workflowIDs[workflowID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, workflowID)
}

// Unsubscribe removes workflowID from this client's subscriptions.
func (c *WSClient) Unsubscribe(workflowID string) {
	c.mu.Lock()
	delete(c.workflowIDs, workflowID)
	c.mu.Unlock()
	c.hub.unsubscribeClient(c, workflowID)
}

// wsBroadcast is one message destined for a workflow's subscribers.
type wsBroadcast struct {
	workflowID string
	payload    []byte
}

// WSHub fans out bus events to dashboard clients subscribed to a workflow.
// Broadcast is fire-and-forget: a slow or absent client never blocks the
// bus (§4.15, mirroring §4.10/§8 property 6 "observer isolation").
//
// Grounded on the teacher's internal/orchestrator/streaming.Hub.
type WSHub struct {
	clients         map[*WSClient]bool
	workflowClients map[string]map[*WSClient]bool

	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan wsBroadcast

	mu  sync.RWMutex
	log *zap.Logger
}

// NewWSHub builds an idle hub; call Run to start its processing loop.
func NewWSHub(log *zap.Logger) *WSHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHub{
		clients:         map[*WSClient]bool{},
		workflowClients: map[string]map[*WSClient]bool{},
		register:        make(chan *WSClient),
		unregister:      make(chan *WSClient),
		broadcast:       make(chan wsBroadcast, 256),
		log:             log,
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = map[*WSClient]bool{}
			h.workflowClients = map[string]map[*WSClient]bool{}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				for id := range c.workflowIDs {
					if subs, ok := h.workflowClients[id]; ok {
						delete(subs, c)
						if len(subs) == 0 {
							delete(h.workflowClients, id)
						}
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			subs := h.workflowClients[msg.workflowID]
			h.mu.RUnlock()
			for c := range subs {
				select {
				case c.send <- msg.payload:
				default:
					// Client's send buffer is full; drop the connection
					// rather than block the hub loop for other clients.
					h.mu.Lock()
					close(c.send)
					delete(h.clients, c)
					delete(subs, c)
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *WSHub) Register(c *WSClient) { h.register <- c }

// Unregister removes a client from the hub.
func (h *WSHub) Unregister(c *WSClient) { h.unregister <- c }

func (h *WSHub) subscribeClient(c *WSClient, workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.workflowClients[workflowID] == nil {
		h.workflowClients[workflowID] = map[*WSClient]bool{}
	}
	h.workflowClients[workflowID][c] = true
}

func (h *WSHub) unsubscribeClient(c *WSClient, workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.workflowClients[workflowID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.workflowClients, workflowID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastEvent is the WSHub's bus.Handler: it marshals e and enqueues it
// for e.WorkflowID's subscribers, dropping silently (logged) on a marshal
// failure or a full broadcast channel — this must never block Emit.
func (h *WSHub) broadcastEvent(e bus.Event) {
	if e.WorkflowID == "" {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("ws hub: failed to marshal event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- wsBroadcast{workflowID: e.WorkflowID, payload: data}:
	default:
		h.log.Warn("ws hub: broadcast channel full, dropping event", zap.String("workflowId", e.WorkflowID))
	}
}

// RegisterBus subscribes the hub's broadcast handler to every bus event
// type, the way the other C11/C15 observers attach through their Register
// methods.
func (h *WSHub) RegisterBus(b *bus.Bus) {
	for _, t := range allEventTypes {
		b.Subscribe(t, h.broadcastEvent)
	}
}
