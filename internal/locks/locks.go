// Package locks prevents two concurrent sessions from correcting the same
// files. Each loop or edit session reserves its target paths for the
// duration of the run.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultExpiryTimeout is the lease duration for a session lock. A
	// crashed session's lock expires on its own instead of wedging the file.
	DefaultExpiryTimeout = 30 * time.Minute
)

var (
	// ErrConflict indicates an attempted lock acquisition overlaps with an
	// existing session's reserved paths.
	ErrConflict = errors.New("target file lock conflict")
)

// Lock tracks one session's reserved target paths.
type Lock struct {
	RunID      string    `json:"runId"`
	Patterns   []string  `json:"patterns"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ManagerConfig controls lock manager behavior.
type ManagerConfig struct {
	ExpiryTimeout time.Duration
}

// Store persists lock state.
type Store interface {
	Load(ctx context.Context) ([]Lock, error)
	Save(ctx context.Context, locks []Lock) error
}

// Manager manages target-path lock acquisition, conflict checks, and release.
type Manager struct {
	store         Store
	now           func() time.Time
	expiryTimeout time.Duration
}

// NewManager constructs a lock manager with configured lock expiry timeout.
func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ExpiryTimeout <= 0 {
		cfg.ExpiryTimeout = DefaultExpiryTimeout
	}
	return &Manager{
		store:         store,
		now:           time.Now,
		expiryTimeout: cfg.ExpiryTimeout,
	}, nil
}

// Acquire reserves a session's target paths and returns a release closure.
func (m *Manager) Acquire(ctx context.Context, runID string, patterns []string) (func() error, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}
	patterns = normalizePatterns(patterns)
	if len(patterns) == 0 {
		return nil, errors.New("at least one lock pattern is required")
	}

	locks, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load locks: %w", err)
	}

	now := m.now().UTC()
	locks = onlyActiveLocks(locks, now)
	locks = withoutRun(locks, runID)

	conflicts := findConflicts(locks, patterns)
	if len(conflicts) > 0 {
		return nil, fmt.Errorf("%w: run=%s conflicts=%d", ErrConflict, runID, len(conflicts))
	}

	locks = append(locks, Lock{
		RunID:      runID,
		Patterns:   append([]string(nil), patterns...),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiryTimeout),
	})

	if err := m.store.Save(ctx, locks); err != nil {
		return nil, fmt.Errorf("save locks: %w", err)
	}
	return func() error {
		return m.Release(context.Background(), runID)
	}, nil
}

// Release removes a session's lock.
func (m *Manager) Release(ctx context.Context, runID string) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id must not be empty")
	}

	locks, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load locks: %w", err)
	}
	locks = withoutRun(onlyActiveLocks(locks, m.now().UTC()), runID)
	if err := m.store.Save(ctx, locks); err != nil {
		return fmt.Errorf("save locks: %w", err)
	}
	return nil
}

// CheckConflict returns existing locks overlapping requested patterns.
func (m *Manager) CheckConflict(ctx context.Context, patterns []string) ([]Lock, error) {
	if m == nil {
		return nil, errors.New("manager is nil")
	}
	patterns = normalizePatterns(patterns)
	if len(patterns) == 0 {
		return nil, errors.New("at least one lock pattern is required")
	}

	locks, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load locks: %w", err)
	}
	locks = onlyActiveLocks(locks, m.now().UTC())
	return findConflicts(locks, patterns), nil
}

func findConflicts(existing []Lock, requested []string) []Lock {
	conflicts := make([]Lock, 0)
	for _, lock := range existing {
		if lockOverlaps(lock, requested) {
			conflicts = append(conflicts, lock)
		}
	}
	return conflicts
}

func lockOverlaps(lock Lock, requested []string) bool {
	for _, existingPattern := range lock.Patterns {
		for _, requestedPattern := range requested {
			if patternsOverlap(existingPattern, requestedPattern) {
				return true
			}
		}
	}
	return false
}

func patternsOverlap(a, b string) bool {
	a = filepath.ToSlash(strings.TrimSpace(a))
	b = filepath.ToSlash(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if prefix, ok := doubleStarPrefix(a); ok && hasPathPrefix(b, prefix) {
		return true
	}
	if prefix, ok := doubleStarPrefix(b); ok && hasPathPrefix(a, prefix) {
		return true
	}
	if matched, err := filepath.Match(a, b); err == nil && matched {
		return true
	}
	if matched, err := filepath.Match(b, a); err == nil && matched {
		return true
	}
	return false
}

func hasPathPrefix(value, prefix string) bool {
	value = filepath.ToSlash(strings.TrimSpace(value))
	prefix = filepath.ToSlash(strings.TrimSpace(prefix))
	if value == prefix {
		return true
	}
	return strings.HasPrefix(value, prefix+"/")
}

func doubleStarPrefix(pattern string) (string, bool) {
	pattern = filepath.ToSlash(strings.TrimSpace(pattern))
	if strings.HasSuffix(pattern, "/**") {
		return strings.TrimSuffix(pattern, "/**"), true
	}
	return "", false
}

func normalizePatterns(patterns []string) []string {
	normalized := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = filepath.ToSlash(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		normalized = append(normalized, pattern)
	}
	return normalized
}

func onlyActiveLocks(locks []Lock, now time.Time) []Lock {
	active := make([]Lock, 0, len(locks))
	for _, lock := range locks {
		if lock.ExpiresAt.IsZero() || lock.ExpiresAt.After(now) {
			active = append(active, lock)
		}
	}
	return active
}

func withoutRun(locks []Lock, runID string) []Lock {
	filtered := make([]Lock, 0, len(locks))
	for _, lock := range locks {
		if strings.TrimSpace(lock.RunID) == runID {
			continue
		}
		filtered = append(filtered, lock)
	}
	return filtered
}

// FileStore persists lock state as JSON in one file, typically
// ~/.hammer/locks.json.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore constructs a JSON-file-backed lock store.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lock file path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load reads locks from the lock file. A missing file means no locks.
func (s *FileStore) Load(_ context.Context) ([]Lock, error) {
	if s == nil {
		return nil, errors.New("file store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// #nosec G304 -- path is operator-provided configuration.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Lock{}, nil
		}
		return nil, fmt.Errorf("read lock file %q: %w", s.path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return []Lock{}, nil
	}

	var locks []Lock
	if err := json.Unmarshal(data, &locks); err != nil {
		return nil, fmt.Errorf("parse lock file %q: %w", s.path, err)
	}
	return locks, nil
}

// Save writes locks to the lock file atomically via a sibling temp file.
func (s *FileStore) Save(_ context.Context, locks []Lock) error {
	if s == nil {
		return errors.New("file store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.MarshalIndent(locks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal locks: %w", err)
	}

	temp := s.path + ".tmp"
	if err := os.WriteFile(temp, payload, 0o600); err != nil {
		return fmt.Errorf("write lock file %q: %w", temp, err)
	}
	if err := os.Rename(temp, s.path); err != nil {
		return fmt.Errorf("replace lock file %q: %w", s.path, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
