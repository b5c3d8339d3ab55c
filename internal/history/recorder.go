package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hammerloop/hammer/internal/state"
)

// TransitionRecorder bridges lifecycle transitions into a history store.
type TransitionRecorder struct {
	store  Store
	target string
}

// NewTransitionRecorder wraps a store so the state machine can persist
// transitions. Target names the file the session operates on.
func NewTransitionRecorder(store Store, target string) *TransitionRecorder {
	return &TransitionRecorder{store: store, target: target}
}

// RecordTransition persists one transition as a history entry.
func (r *TransitionRecorder) RecordTransition(ctx context.Context, record state.TransitionRecord) error {
	if r == nil || r.store == nil {
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transition record: %w", err)
	}
	return r.store.Append(ctx, Entry{
		Type:      EntryTypeTransition,
		RunID:     record.EntityID,
		Target:    r.target,
		Payload:   payload,
		Timestamp: record.Timestamp,
	})
}
