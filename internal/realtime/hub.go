// Package realtime pushes risk activity to the host UI over WebSocket.
// A client that connects first receives the latest evaluation and lock
// state, then every event its subscription matches as it is published.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/risk"
)

// EventType names what an event carries.
type EventType string

const (
	EventEvaluation EventType = "evaluation"
	EventIncident   EventType = "incident"
	EventLock       EventType = "lock"
	EventAlert      EventType = "alert"
)

// Event is one message on the feed. Level is the risk level the event
// relates to, when there is one.
type Event struct {
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Level     risk.Level `json:"level,omitempty"`
	Data      any        `json:"data"`
}

// Subscription filters what a client receives. A client sends a new
// Subscription as a JSON text message to change it.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	// MinLevel drops leveled events below it; events without a level pass.
	MinLevel risk.Level `json:"minLevel"`
}

// Matches reports whether e passes the filter. The zero Subscription
// matches everything.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	return s.MinLevel == "" || e.Level == "" || e.Level.AtLeast(s.MinLevel)
}

// MaxClients caps concurrent connections; the feed only serves the local UI.
const MaxClients = 32

const queueSize = 256

// retained lists the event types whose latest payload is replayed to new
// clients, in replay order.
var retained = []EventType{EventEvaluation, EventLock}

var (
	errHubClosed  = errors.New("realtime: hub closed")
	errHubFull    = errors.New("realtime: too many clients")
	errNotRunning = errors.New("realtime: hub not running")
)

// Stats is a point-in-time view of the hub.
type Stats struct {
	Clients     int   `json:"clients"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Connections int64 `json:"connections"`
}

// Hub fans published events out to connected clients. Publishing never
// blocks; a client that cannot keep up is disconnected.
type Hub struct {
	logger     *slog.Logger
	events     chan *Event
	running    atomic.Bool
	maxClients int

	mu      sync.Mutex
	clients map[*Client]struct{}
	latest  map[EventType]*Event
	closed  bool

	published   atomic.Int64
	dropped     atomic.Int64
	connections atomic.Int64
}

// NewHub creates a hub. Nothing is delivered until Run is called.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logging.OrDiscard(logger),
		events:     make(chan *Event, queueSize),
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
		latest:     make(map[EventType]*Event),
	}
}

// Run delivers events until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// Running reports whether Run is active.
func (h *Hub) Running() bool {
	return h != nil && h.running.Load()
}

// Broadcast queues an event for every matching client. It is a no-op on a
// nil hub.
func (h *Hub) Broadcast(ev *Event) {
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", string(ev.Type))
	}
}

// Publish is Broadcast for a typed payload.
func (h *Hub) Publish(t EventType, level risk.Level, data any) {
	h.Broadcast(&Event{Type: t, Level: level, Data: data})
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	return Stats{
		Clients:     n,
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Connections: h.connections.Load(),
	}
}

func (h *Hub) deliver(ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "type", string(ev.Type), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if slices.Contains(retained, ev.Type) {
		h.latest[ev.Type] = ev
	}
	h.published.Add(1)
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		if !c.enqueue(payload) {
			h.dropped.Add(1)
			h.removeLocked(c)
			h.logger.Debug("dropped slow realtime client")
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

// attach adds c and queues the retained state it subscribes to.
func (h *Hub) attach(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	if len(h.clients) >= h.maxClients {
		return errHubFull
	}
	h.clients[c] = struct{}{}
	h.connections.Add(1)

	sub := c.subscription()
	for _, t := range retained {
		ev, ok := h.latest[t]
		if !ok || !sub.Matches(ev) {
			continue
		}
		if payload, err := json.Marshal(ev); err == nil {
			c.enqueue(payload)
		}
	}
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	h.logger.Debug("realtime client connected", "clients", len(h.clients))
	return nil
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// HandleWebSocket upgrades a request to a feed connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.Running() {
		http.Error(w, errNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	if h.Stats().Clients >= h.maxClients {
		http.Error(w, errHubFull.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	if err := h.attach(c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
