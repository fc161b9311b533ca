// Package http - events.go fans pipeline events out to SSE subscribers.
package http

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one pipeline notification as delivered to clients.
type Event struct {
	Event  string    `json:"event"`
	DocID  int64     `json:"doc_id"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// EventHub implements ports.EventSink and feeds connected SSE clients.
// A slow subscriber loses events instead of stalling the pipeline.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: map[string]chan Event{}}
}

// Publish delivers the event to every subscriber without blocking.
func (h *EventHub) Publish(event string, docID int64, detail string) {
	e := Event{Event: event, DocID: docID, Detail: detail, At: time.Now()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new client and returns its id, channel and a
// cancel function that must be called when the client disconnects.
func (h *EventHub) Subscribe() (string, <-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return id, ch, cancel
}

// SubscriberCount reports connected clients.
func (h *EventHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (e Event) sseData() []byte {
	b, _ := json.Marshal(e)
	return b
}
