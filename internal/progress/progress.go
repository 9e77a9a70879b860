// Package progress fans out per-request processing events to interested
// subscribers, typically the SSE handler streaming a turn's progress.
package progress

import (
	"log"
	"sync"
	"time"
)

// EventType enumerates the progress events a turn can emit.
type EventType string

const (
	EventToolStart          EventType = "tool_start"
	EventToolError          EventType = "tool_error"
	EventLLMStart           EventType = "llm_start"
	EventProcessingComplete EventType = "processing_complete"
	EventProcessingError    EventType = "processing_error"
)

// Terminal reports whether the event ends the stream for its request.
func (t EventType) Terminal() bool {
	return t == EventProcessingComplete || t == EventProcessingError
}

// Event is one progress notification for a request.
type Event struct {
	RequestID string    `json:"request_id"`
	Type      EventType `json:"type"`
	Tool      string    `json:"tool,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// Hub routes events to subscribers keyed by request id. Publishing to a
// request nobody listens on is a no-op. Slow subscribers drop events rather
// than block the pipeline.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		topics: map[string]*topic{},
		logger: log.New(log.Writer(), "[PROGRESS] ", log.LstdFlags),
	}
}

// Subscribe registers a listener for one request id. The returned cancel
// function is safe to call more than once and after the topic closed.
func (h *Hub) Subscribe(requestID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[requestID]
	if !ok || t.closed {
		t = &topic{subs: map[int]chan Event{}}
		h.topics[requestID] = t
	}
	id := t.nextID
	t.nextID++
	ch := make(chan Event, 16)
	t.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur, ok := h.topics[requestID]
		if !ok || cur != t {
			return
		}
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
		if len(t.subs) == 0 && t.closed {
			delete(h.topics, requestID)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every current subscriber of the request id.
// Each subscriber sees events in emission order. A terminal event closes the
// topic; later publishes on the same id are dropped.
func (h *Hub) Publish(requestID string, ev Event) {
	ev.RequestID = requestID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[requestID]
	if !ok || t.closed {
		return
	}
	for id, sub := range t.subs {
		select {
		case sub <- ev:
		default:
			h.logger.Printf("dropping %s event for request %s: subscriber %d is not draining", ev.Type, requestID, id)
		}
	}
	if ev.Type.Terminal() {
		t.closed = true
		for id, sub := range t.subs {
			delete(t.subs, id)
			close(sub)
		}
		delete(h.topics, requestID)
	}
}
