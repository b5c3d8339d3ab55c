// Package watch detects stalled subprocess phases. The watchdog only
// observes and warns; it never cancels the subprocess.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hammerloop/hammer/internal/events"
)

const (
	defaultCheckInterval = 15 * time.Second
	defaultStallTimeout  = 5 * time.Minute
)

// Activity reports when the output surface last received content.
type Activity interface {
	LastAppend() time.Time
}

// EventBus publishes stall warnings.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls watchdog cadence and the stall threshold.
type Config struct {
	CheckInterval time.Duration
	StallTimeout  time.Duration
}

// StallReport is the payload attached to a stall warning event.
type StallReport struct {
	Phase       string        `json:"phase"`
	SilentFor   time.Duration `json:"silent_for"`
	PhaseActive time.Duration `json:"phase_active"`
}

// Watchdog warns when an in-flight phase produces no output past the
// stall threshold.
type Watchdog struct {
	activity Activity
	bus      EventBus
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	active     bool
	runID      string
	target     string
	phase      string
	phaseStart time.Time
	warnedAt   time.Time
}

// NewWatchdog builds a stall watchdog with sane defaults.
func NewWatchdog(activity Activity, bus EventBus, cfg Config) (*Watchdog, error) {
	if activity == nil {
		return nil, errors.New("activity source is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	return &Watchdog{
		activity: activity,
		bus:      bus,
		interval: cfg.CheckInterval,
		timeout:  cfg.StallTimeout,
		now:      time.Now,
	}, nil
}

// BeginPhase marks a subprocess phase as in flight.
func (w *Watchdog) BeginPhase(runID, target, phase string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = true
	w.runID = strings.TrimSpace(runID)
	w.target = strings.TrimSpace(target)
	w.phase = strings.TrimSpace(phase)
	w.phaseStart = w.now().UTC()
	w.warnedAt = time.Time{}
}

// EndPhase marks the in-flight phase as finished.
func (w *Watchdog) EndPhase() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
}

// Start runs stall checks until context cancellation.
func (w *Watchdog) Start(ctx context.Context) {
	if w == nil {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CheckOnce()
		}
	}
}

// CheckOnce executes one stall check. A warning fires at most once per
// silent stretch; fresh output rearms it.
func (w *Watchdog) CheckOnce() {
	if w == nil {
		return
	}

	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	now := w.now().UTC()
	lastSignal := w.phaseStart
	if last := w.activity.LastAppend(); last.After(lastSignal) {
		lastSignal = last
	}
	silentFor := now.Sub(lastSignal)
	alreadyWarned := !w.warnedAt.IsZero() && !lastSignal.After(w.warnedAt)
	shouldWarn := silentFor > w.timeout && !alreadyWarned
	if shouldWarn {
		w.warnedAt = now
	}
	report := StallReport{
		Phase:       w.phase,
		SilentFor:   silentFor,
		PhaseActive: now.Sub(w.phaseStart),
	}
	runID, target := w.runID, w.target
	w.mu.Unlock()

	if !shouldWarn {
		return
	}
	w.bus.Publish(events.Event{
		Type:      events.EventTypeStallWarning,
		Timestamp: now,
		RunID:     runID,
		Target:    target,
		Payload:   report,
		Severity:  events.SeverityWarn,
	})
}

// String describes the watchdog configuration for logs.
func (w *Watchdog) String() string {
	if w == nil {
		return "watchdog(nil)"
	}
	return fmt.Sprintf("watchdog(interval=%s timeout=%s)", w.interval, w.timeout)
}
