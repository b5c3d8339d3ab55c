// Package invariants emits telemetry events when runtime guarantees of the
// retry loop are violated. Checks observe and report; callers decide how to
// fail.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStateTransitionLegal requires lifecycle transitions to follow the deterministic state machines.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantRetryBudgetRespected requires corrections to stay strictly below the verification budget.
	InvariantRetryBudgetRespected = "retry_budget_respected"
	// InvariantSingleActiveLoop requires at most one loop to run per controller.
	InvariantSingleActiveLoop = "single_active_loop"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("hammer/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

// CheckRetryBudgetRespected validates the retry_budget_respected invariant:
// a loop with budget N runs at most N verifications and N-1 corrections.
func CheckRetryBudgetRespected(ctx context.Context, whereDetected string, verifications, corrections, budget int) bool {
	if budget <= 0 {
		return true
	}
	if verifications <= budget && corrections < budget {
		return true
	}
	InvariantViolation(ctx, InvariantRetryBudgetRespected, SeverityError, ViolationDetails{
		WhatInvariant: "corrections stay strictly below the verification budget",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("verifications=%d corrections=%d budget=%d", verifications, corrections, budget),
		Additional: map[string]string{
			"verifications": fmt.Sprintf("%d", verifications),
			"corrections":   fmt.Sprintf("%d", corrections),
			"budget":        fmt.Sprintf("%d", budget),
		},
	})
	return false
}

// CheckSingleActiveLoop validates the single_active_loop invariant. The
// rejection itself is legal behavior, so the violation is a warning that a
// second loop was attempted while one was in flight.
func CheckSingleActiveLoop(ctx context.Context, whereDetected string, rejected bool) {
	if !rejected {
		return
	}
	InvariantViolation(ctx, InvariantSingleActiveLoop, SeverityWarn, ViolationDetails{
		WhatInvariant: "at most one loop runs per controller",
		WhereDetected: whereDetected,
		WhyViolated:   "loop start attempted while another loop was active",
	})
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
