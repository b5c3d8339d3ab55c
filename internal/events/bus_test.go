package events

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func TestTypedSubscriberReceivesMatchingEvents(t *testing.T) {
	t.Parallel()

	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe(EventTypeLoopTransition, func(event Event) {
		received <- event
	})

	bus.Publish(Event{
		Type:     EventTypeLoopTransition,
		RunID:    "run-1",
		Target:   "main.go",
		Severity: SeverityInfo,
	})

	select {
	case event := <-received:
		if event.RunID != "run-1" {
			t.Fatalf("run id = %q, want run-1", event.RunID)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("publish must stamp a timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typed subscriber did not receive event")
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	t.Parallel()

	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe(EventTypeRunCompleted, func(event Event) {
		received <- event
	})

	bus.Publish(Event{Type: EventTypeRunChunk})

	select {
	case <-received:
		t.Fatal("subscriber received an event of the wrong type")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	t.Parallel()

	bus := New()
	received := make(chan string, 2)
	bus.SubscribeAll(func(event Event) {
		received <- event.Type
	})

	bus.Publish(Event{Type: EventTypeRunStarted})
	bus.Publish(Event{Type: EventTypeStatusLine})

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case eventType := <-received:
			got[eventType] = true
		case <-time.After(2 * time.Second):
			t.Fatal("wildcard subscriber timed out")
		}
	}
	if !got[EventTypeRunStarted] || !got[EventTypeStatusLine] {
		t.Fatalf("wildcard subscriber missed events: %v", got)
	}
}

func TestFullSubscriberDropsAndLogs(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	blocked := make(chan struct{})
	bus.Subscribe(EventTypeRunChunk, func(Event) {
		<-blocked
	})

	// First event fills the handler, second fills the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTypeRunChunk})
	}
	close(blocked)

	deadline := time.Now().Add(2 * time.Second)
	for logger.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no dropped-event warning logged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscribeIgnoresEmptyTypeAndNilHandler(t *testing.T) {
	t.Parallel()

	bus := New()
	bus.Subscribe("  ", func(Event) {})
	bus.Subscribe(EventTypeStatusLine, nil)
	bus.SubscribeAll(nil)

	// Publish must not panic with no valid subscribers.
	bus.Publish(Event{Type: EventTypeStatusLine})
}
