package progress

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before event arrived")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch, cancel := h.Subscribe("req-1")
	defer cancel()

	h.Publish("req-1", Event{Type: EventToolStart, Tool: "search"})

	ev := recvEvent(t, ch)
	if ev.Type != EventToolStart || ev.Tool != "search" || ev.RequestID != "req-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.At.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestEmissionOrderPreserved(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch, cancel := h.Subscribe("req-2")
	defer cancel()

	types := []EventType{EventLLMStart, EventToolStart, EventToolError, EventProcessingComplete}
	for _, typ := range types {
		h.Publish("req-2", Event{Type: typ})
	}
	for i, want := range types {
		ev := recvEvent(t, ch)
		if ev.Type != want {
			t.Fatalf("event %d: got %s, want %s", i, ev.Type, want)
		}
	}
}

func TestTerminalEventClosesTopic(t *testing.T) {
	t.Parallel()
	h := NewHub()
	ch, cancel := h.Subscribe("req-3")
	defer cancel()

	h.Publish("req-3", Event{Type: EventProcessingComplete})
	recvEvent(t, ch)

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after terminal event")
	}

	// publishes after the terminal event must be dropped, not panic
	h.Publish("req-3", Event{Type: EventToolStart})
}

func TestPublishWithoutSubscribersIsNoOp(t *testing.T) {
	t.Parallel()
	h := NewHub()
	h.Publish("nobody", Event{Type: EventToolStart})
	h.Publish("nobody", Event{Type: EventProcessingError})
}

func TestIndependentRequestTopics(t *testing.T) {
	t.Parallel()
	h := NewHub()
	chA, cancelA := h.Subscribe("req-a")
	defer cancelA()
	chB, cancelB := h.Subscribe("req-b")
	defer cancelB()

	h.Publish("req-a", Event{Type: EventToolStart})

	ev := recvEvent(t, chA)
	if ev.RequestID != "req-a" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	select {
	case ev := <-chB:
		t.Fatalf("req-b must not see req-a events, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	h := NewHub()
	_, cancel := h.Subscribe("req-c")
	cancel()
	cancel()
	h.Publish("req-c", Event{Type: EventToolStart})
}
