package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hammerloop/hammer/internal/telemetry/invariants"
)

// EntityType identifies which lifecycle state machine to evaluate.
type EntityType string

const (
	// EntityLoop is the hammer retry loop lifecycle state machine.
	EntityLoop EntityType = "loop"
	// EntityEdit is the one-shot edit lifecycle state machine.
	EntityEdit EntityType = "edit"
)

const (
	LoopIdle            = "idle"
	LoopVerifying       = "verifying"
	LoopCorrecting      = "correcting"
	LoopSucceeded       = "succeeded"
	LoopBudgetExhausted = "budget_exhausted"
	LoopScriptMissing   = "script_missing"
	LoopSpawnFailed     = "spawn_failed"
)

const (
	EditIdle   = "idle"
	EditFixing = "fixing"
	EditDone   = "done"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntityLoop: {
		LoopIdle: {
			LoopVerifying:     {},
			LoopScriptMissing: {},
		},
		LoopVerifying: {
			LoopSucceeded:       {},
			LoopCorrecting:      {},
			LoopBudgetExhausted: {},
			LoopSpawnFailed:     {},
		},
		LoopCorrecting: {
			LoopVerifying: {},
		},
	},
	EntityEdit: {
		EditIdle: {
			EditFixing: {},
		},
		EditFixing: {
			EditDone: {},
		},
	},
}

// IsTerminal reports whether a loop state admits no further transitions.
func IsTerminal(entityType EntityType, stateName string) bool {
	next, ok := allowedTransitions[entityType][strings.TrimSpace(stateName)]
	return !ok || len(next) == 0
}

// Recorder persists transition outcomes for later inspection.
type Recorder interface {
	RecordTransition(ctx context.Context, record TransitionRecord) error
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock injects the timestamp source for transition records.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	FromState  string     `json:"from_state"`
	ToState    string     `json:"to_state"`
	Reason     string     `json:"reason"`
	Timestamp  time.Time  `json:"timestamp"`
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates and records deterministic lifecycle transitions.
type Machine struct {
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time
	history  []TransitionRecord
}

// NewMachine builds a lifecycle state machine. The recorder is optional;
// when nil, transitions are validated and kept in local history only.
func NewMachine(recorder Recorder, options ...Option) *Machine {
	machine := &Machine{
		recorder: recorder,
		tracer:   otel.Tracer("hammer/state"),
		now:      time.Now,
		history:  []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine
}

// Transition validates and records one state transition.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer span.End()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	reason = strings.TrimSpace(reason)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", reason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !invariants.CheckStateTransitionLegal(ctx, "state.Machine.Transition", string(entityType), fromState, toState, isAllowed(entityType, fromState, toState)) {
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     reason,
		Timestamp:  m.now().UTC(),
	}

	if m.recorder != nil {
		if err := m.recorder.RecordTransition(ctx, record); err != nil {
			wrapped := fmt.Errorf("record transition for %s: %w", entityID, err)
			span.RecordError(wrapped)
			span.SetStatus(codes.Error, wrapped.Error())
			return wrapped
		}
	}

	m.history = append(m.history, record)
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
