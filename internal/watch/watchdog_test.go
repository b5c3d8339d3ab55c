package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/hammerloop/hammer/internal/events"
)

type fakeActivity struct {
	mu   sync.Mutex
	last time.Time
}

func (a *fakeActivity) LastAppend() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *fakeActivity) set(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = t
}

type capturingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *capturingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *capturingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func newTestWatchdog(t *testing.T, activity Activity, bus EventBus) (*Watchdog, *time.Time) {
	t.Helper()
	watchdog, err := NewWatchdog(activity, bus, Config{StallTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new watchdog: %v", err)
	}
	current := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	watchdog.now = func() time.Time { return current }
	return watchdog, &current
}

func TestCheckOnceWarnsAfterSilence(t *testing.T) {
	t.Parallel()

	activity := &fakeActivity{}
	bus := &capturingBus{}
	watchdog, current := newTestWatchdog(t, activity, bus)

	watchdog.BeginPhase("run-1", "main.go", "verifying")
	watchdog.CheckOnce()
	if bus.count() != 0 {
		t.Fatal("must not warn before the stall threshold")
	}

	*current = current.Add(2 * time.Minute)
	watchdog.CheckOnce()
	if bus.count() != 1 {
		t.Fatalf("events = %d, want 1 stall warning", bus.count())
	}
	event := bus.events[0]
	if event.Type != events.EventTypeStallWarning || event.Severity != events.SeverityWarn {
		t.Fatalf("event = %+v", event)
	}
	report, ok := event.Payload.(StallReport)
	if !ok || report.Phase != "verifying" {
		t.Fatalf("payload = %+v", event.Payload)
	}
}

func TestCheckOnceWarnsOncePerSilentStretch(t *testing.T) {
	t.Parallel()

	activity := &fakeActivity{}
	bus := &capturingBus{}
	watchdog, current := newTestWatchdog(t, activity, bus)

	watchdog.BeginPhase("run-1", "main.go", "correcting")
	*current = current.Add(2 * time.Minute)
	watchdog.CheckOnce()
	watchdog.CheckOnce()
	if bus.count() != 1 {
		t.Fatalf("events = %d, want 1", bus.count())
	}

	// Fresh output rearms the warning.
	activity.set(*current)
	*current = current.Add(2 * time.Minute)
	watchdog.CheckOnce()
	if bus.count() != 2 {
		t.Fatalf("events = %d, want 2 after rearm", bus.count())
	}
}

func TestCheckOnceIgnoresIdlePhases(t *testing.T) {
	t.Parallel()

	activity := &fakeActivity{}
	bus := &capturingBus{}
	watchdog, current := newTestWatchdog(t, activity, bus)

	*current = current.Add(time.Hour)
	watchdog.CheckOnce()
	if bus.count() != 0 {
		t.Fatal("must not warn with no phase in flight")
	}

	watchdog.BeginPhase("run-1", "main.go", "verifying")
	watchdog.EndPhase()
	*current = current.Add(time.Hour)
	watchdog.CheckOnce()
	if bus.count() != 0 {
		t.Fatal("must not warn after EndPhase")
	}
}

func TestOutputActivityDefersWarning(t *testing.T) {
	t.Parallel()

	activity := &fakeActivity{}
	bus := &capturingBus{}
	watchdog, current := newTestWatchdog(t, activity, bus)

	watchdog.BeginPhase("run-1", "main.go", "verifying")
	*current = current.Add(50 * time.Second)
	activity.set(*current)
	*current = current.Add(50 * time.Second)
	watchdog.CheckOnce()
	if bus.count() != 0 {
		t.Fatal("recent output must defer the stall warning")
	}
}
