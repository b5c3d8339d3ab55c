package history

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hammerloop/hammer/internal/state"
)

func TestFileStoreAppendAndList(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	ctx := context.Background()
	for _, entryType := range []string{EntryTypeTransition, EntryTypeRunResult, EntryTypeStatus} {
		err := store.Append(ctx, Entry{
			Type:    entryType,
			RunID:   "run-1",
			Target:  "main.go",
			Payload: json.RawMessage(`{"ok":true}`),
		})
		if err != nil {
			t.Fatalf("append %s: %v", entryType, err)
		}
	}

	entries, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Type != EntryTypeTransition {
		t.Fatalf("first entry type = %q, want %q", entries[0].Type, EntryTypeTransition)
	}
	if entries[0].Version != SchemaVersion {
		t.Fatalf("version = %d, want %d", entries[0].Version, SchemaVersion)
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("append must stamp a timestamp")
	}
}

func TestFileStoreListUnknownRunIsEmpty(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	entries, err := store.List(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(entries))
	}
}

func TestFileStoreSanitizesRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	ctx := context.Background()
	if err := store.Append(ctx, Entry{Type: EntryTypeStatus, RunID: "../escape/run"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("session files = %d, want 1", len(matches))
	}
	if filepath.Dir(matches[0]) != dir {
		t.Fatalf("session file %q escaped store directory", matches[0])
	}
}

func TestFileStoreLatestRunID(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	latest, err := store.LatestRunID()
	if err != nil {
		t.Fatalf("latest on empty store: %v", err)
	}
	if latest != "" {
		t.Fatalf("latest = %q, want empty", latest)
	}

	ctx := context.Background()
	if err := store.Append(ctx, Entry{Type: EntryTypeStatus, RunID: "run-old"}); err != nil {
		t.Fatalf("append run-old: %v", err)
	}
	// Push the second session's mtime past filesystem timestamp granularity.
	if err := store.Append(ctx, Entry{Type: EntryTypeStatus, RunID: "run-new"}); err != nil {
		t.Fatalf("append run-new: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(store.sessionPath("run-new"), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	latest, err = store.LatestRunID()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != "run-new" {
		t.Fatalf("latest = %q, want run-new", latest)
	}
}

func TestAppendRejectsEmptyRunID(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	if err := store.Append(context.Background(), Entry{Type: EntryTypeStatus, RunID: "  "}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestTransitionRecorderPersistsRecord(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	recorder := NewTransitionRecorder(store, "main.go")

	record := state.TransitionRecord{
		EntityType: state.EntityLoop,
		EntityID:   "run-1",
		FromState:  state.LoopIdle,
		ToState:    state.LoopVerifying,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := recorder.RecordTransition(context.Background(), record); err != nil {
		t.Fatalf("record transition: %v", err)
	}

	entries, err := store.List(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Type != EntryTypeTransition {
		t.Fatalf("type = %q, want %q", entries[0].Type, EntryTypeTransition)
	}

	var decoded state.TransitionRecord
	if err := json.Unmarshal(entries[0].Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ToState != state.LoopVerifying {
		t.Fatalf("to state = %q, want %q", decoded.ToState, state.LoopVerifying)
	}
}
