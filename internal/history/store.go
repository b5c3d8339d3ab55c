// Package history persists loop transitions and run results so a finished
// or crashed session can be inspected afterwards.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// SchemaVersion is stamped on every appended entry.
	SchemaVersion = 1

	// EntryTypeTransition identifies lifecycle transition entries.
	EntryTypeTransition = "transition"
	// EntryTypeRunResult identifies subprocess completion entries.
	EntryTypeRunResult = "run_result"
	// EntryTypeStatus identifies human-readable terminal status entries.
	EntryTypeStatus = "status"
)

// Entry is one append-only history record.
type Entry struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store persists history entries keyed by run session.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, runID string) ([]Entry, error)
}

// MemoryStore keeps history entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore creates a memory-backed history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Append persists one history entry.
func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	if err := validateEntry(&entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RunID] = append(s.entries[entry.RunID], entry)
	return nil
}

// List returns history entries for one run session.
func (s *MemoryStore) List(_ context.Context, runID string) ([]Entry, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.entries[runID]
	out := make([]Entry, len(items))
	copy(out, items)
	return out, nil
}

// FileStore appends history entries as JSON lines, one file per run session.
type FileStore struct {
	dir string
}

// NewFileStore creates a JSONL history store rooted at dir, creating it as
// needed. The CLI uses ~/.hammer/history.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("history directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Append writes one entry to the session's JSONL file.
func (s *FileStore) Append(_ context.Context, entry Entry) error {
	if s == nil {
		return errors.New("file store is nil")
	}
	if err := validateEntry(&entry); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	path := s.sessionPath(entry.RunID)
	// #nosec G304 -- path is derived from the sanitized run id under the store directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := file.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	return nil
}

// List reads back all entries for one run session.
func (s *FileStore) List(_ context.Context, runID string) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("file store is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}

	path := s.sessionPath(runID)
	// #nosec G304 -- path is derived from the sanitized run id under the store directory.
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open history file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("decode history line %d in %q: %w", line, path, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file %q: %w", path, err)
	}
	return entries, nil
}

// LatestRunID returns the most recently written session, or empty when the
// store has no sessions yet.
func (s *FileStore) LatestRunID() (string, error) {
	if s == nil {
		return "", errors.New("file store is nil")
	}

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read history directory: %w", err)
	}

	type candidate struct {
		runID   string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".jsonl") {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			runID:   strings.TrimSuffix(dirEntry.Name(), ".jsonl"),
			modTime: info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	return candidates[0].runID, nil
}

func (s *FileStore) sessionPath(runID string) string {
	return filepath.Join(s.dir, sanitizeRunID(runID)+".jsonl")
}

func sanitizeRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	var builder strings.Builder
	for _, r := range runID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	return builder.String()
}

func validateEntry(entry *Entry) error {
	entry.RunID = strings.TrimSpace(entry.RunID)
	if entry.RunID == "" {
		return errors.New("run id must not be empty")
	}
	entry.Type = strings.TrimSpace(entry.Type)
	if entry.Type == "" {
		return errors.New("entry type must not be empty")
	}
	if entry.Version == 0 {
		entry.Version = SchemaVersion
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return nil
}
