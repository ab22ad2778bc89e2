// Package eventstream is a best-effort diagnostic fan-out of dispatch
// and reconciliation decisions to websocket subscribers. It never
// influences a dispatch decision.
package eventstream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DecisionEvent is a single published dispatch/reconciliation decision.
type DecisionEvent struct {
	Component string            `json:"component"` // dispatcher, heartbeat_reconciler
	Decision  string            `json:"decision"`   // DISPATCHING, HANDED_OFF, PARKED, RECLAIMED, FAILED, EVICTED
	TaskID    string            `json:"task_id,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type subscriber struct {
	send chan DecisionEvent
}

// Hub fans DecisionEvents out to registered websocket connections. A
// subscriber whose buffer fills is disconnected rather than allowed to
// block publishers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]*websocket.Conn
	bufferSize  int
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		subscribers: make(map[*subscriber]*websocket.Conn),
		bufferSize:  bufferSize,
	}
}

// Publish is fire-and-forget: it never blocks the caller and its
// failure (or the hub's absence) must never affect task or node state.
func (h *Hub) Publish(evt DecisionEvent) {
	if h == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- evt:
		default:
			log.Printf("eventstream: dropping slow subscriber")
			h.removeLocked(sub)
		}
	}
}

// Register adds a websocket connection and starts its write pump. The
// write pump exits (and the connection is removed) when ctx is done or
// the connection errors.
func (h *Hub) Register(ctx context.Context, conn *websocket.Conn) {
	sub := &subscriber{send: make(chan DecisionEvent, h.bufferSize)}

	h.mu.Lock()
	h.subscribers[sub] = conn
	h.mu.Unlock()

	go h.writePump(ctx, sub, conn)
}

func (h *Hub) writePump(ctx context.Context, sub *subscriber, conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(sub)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.send:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(sub *subscriber) {
	if conn, ok := h.subscribers[sub]; ok {
		conn.Close()
		delete(h.subscribers, sub)
	}
}

// SubscriberCount reports the current number of connected diagnostics
// subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
