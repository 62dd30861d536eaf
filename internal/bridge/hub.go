// Package bridge connects the engine to browser tabs. Commands and UI
// events are queued per tab and delivered by websocket push or by polling.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cashback-engine/internal/engine"
	"cashback-engine/internal/observability"
)

// ControlTab is the queue for commands not tied to an existing tab, such as
// opening a new one.
const ControlTab = engine.NoTab

const (
	TypeNavigate = "navigate"
	TypeOpenTab  = "open_tab"
)

// Command is the wire form of a browser command. It shares the envelope
// shape of UI events so a tab reads a single stream.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload CommandPayload `json:"payload"`
}

type CommandPayload struct {
	URL string `json:"url"`
	// Tab is the provisional id of a tab to open; the extension reports
	// navigation for it under this id.
	Tab engine.TabID `json:"tab,omitempty"`
}

type tabQueue struct {
	msgs   [][]byte
	client *client
}

// Hub implements engine.Browser and engine.UISink.
type Hub struct {
	mu       sync.Mutex
	tabs     map[engine.TabID]*tabQueue
	closed   map[engine.TabID]struct{}
	nextTab  engine.TabID
	maxQueue int
}

var (
	_ engine.Browser = (*Hub)(nil)
	_ engine.UISink  = (*Hub)(nil)
)

// NewHub keeps at most maxQueue undelivered messages per tab; older ones
// are dropped first.
func NewHub(maxQueue int) *Hub {
	if maxQueue <= 0 {
		maxQueue = 64
	}
	return &Hub{
		tabs:     make(map[engine.TabID]*tabQueue),
		closed:   make(map[engine.TabID]struct{}),
		nextTab:  -1,
		maxQueue: maxQueue,
	}
}

func (h *Hub) Deliver(_ context.Context, tab engine.TabID, ev engine.UIEvent) error {
	b, err := engine.EncodeEvent(ev, time.Now())
	if err != nil {
		return err
	}
	if err := h.enqueue(tab, b); err != nil {
		return err
	}
	observability.TabMessages.WithLabelValues(string(ev.Kind())).Inc()
	return nil
}

func (h *Hub) Navigate(_ context.Context, tab engine.TabID, url string) error {
	b, err := encodeCommand(TypeNavigate, CommandPayload{URL: url})
	if err != nil {
		return err
	}
	if err := h.enqueue(tab, b); err != nil {
		return err
	}
	observability.TabMessages.WithLabelValues(TypeNavigate).Inc()
	return nil
}

// OpenTab queues an open request on the control queue and returns the
// provisional (negative) id the new tab will report under.
func (h *Hub) OpenTab(_ context.Context, url string) (engine.TabID, error) {
	h.mu.Lock()
	id := h.nextTab
	h.nextTab--
	h.mu.Unlock()

	b, err := encodeCommand(TypeOpenTab, CommandPayload{URL: url, Tab: id})
	if err != nil {
		return 0, err
	}
	if err := h.enqueue(ControlTab, b); err != nil {
		return 0, err
	}
	observability.TabMessages.WithLabelValues(TypeOpenTab).Inc()
	return id, nil
}

// Touch marks tab alive again, e.g. when it reports a navigation.
func (h *Hub) Touch(tab engine.TabID) {
	h.mu.Lock()
	delete(h.closed, tab)
	h.mu.Unlock()
}

// CloseTab drops the tab's queue and connection. Later commands for it fail
// with engine.ErrTabClosed until it reports again.
func (h *Hub) CloseTab(tab engine.TabID) {
	h.mu.Lock()
	q := h.tabs[tab]
	delete(h.tabs, tab)
	if tab != ControlTab {
		h.closed[tab] = struct{}{}
	}
	h.mu.Unlock()

	if q != nil && q.client != nil {
		q.client.close()
	}
}

// Drain returns and clears the tab's queued messages.
func (h *Hub) Drain(tab engine.TabID) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.tabs[tab]
	if q == nil || len(q.msgs) == 0 {
		return nil
	}
	out := q.msgs
	q.msgs = nil
	return out
}

// Shutdown closes every websocket connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var clients []*client
	for _, q := range h.tabs {
		if q.client != nil {
			clients = append(clients, q.client)
		}
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) enqueue(tab engine.TabID, msg []byte) error {
	h.mu.Lock()
	if _, gone := h.closed[tab]; gone {
		h.mu.Unlock()
		return fmt.Errorf("tab %d: %w", tab, engine.ErrTabClosed)
	}
	q := h.queue(tab)
	if len(q.msgs) >= h.maxQueue {
		q.msgs = q.msgs[1:]
		log.Debug().Int("tab", int(tab)).Msg("tab queue full; dropped oldest message")
	}
	q.msgs = append(q.msgs, msg)
	c := q.client
	h.mu.Unlock()

	if c != nil {
		c.wakeUp()
	}
	return nil
}

// queue must be called with h.mu held.
func (h *Hub) queue(tab engine.TabID) *tabQueue {
	q := h.tabs[tab]
	if q == nil {
		q = &tabQueue{}
		h.tabs[tab] = q
	}
	return q
}

func (h *Hub) attach(tab engine.TabID, c *client) {
	h.mu.Lock()
	delete(h.closed, tab)
	q := h.queue(tab)
	old := q.client
	q.client = c
	pending := len(q.msgs) > 0
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	if pending {
		c.wakeUp()
	}
}

func (h *Hub) detach(tab engine.TabID, c *client) {
	h.mu.Lock()
	if q := h.tabs[tab]; q != nil && q.client == c {
		q.client = nil
	}
	h.mu.Unlock()
}

func encodeCommand(typ string, p CommandPayload) ([]byte, error) {
	b, err := json.Marshal(Command{ID: uuid.NewString(), Type: typ, At: time.Now().UTC(), Payload: p})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return b, nil
}
