// Package sink provides the append-only ordered text surface that renders
// streamed subprocess output.
package sink

import (
	"strings"
	"sync"
	"time"
)

// Sink is an ordered, append-only text destination shared by sequential
// subprocess runs.
type Sink interface {
	Append(lines []string)
	AppendChunk(chunk string)
	AppendLine(text string)
	Reset()
	Lines() []string
}

// Notifier observes sink mutations. Used by the TUI to refresh its viewport.
type Notifier func()

// Option configures Buffer construction.
type Option func(*Buffer)

// WithNotifier registers a callback invoked after every append or reset.
func WithNotifier(notify Notifier) Option {
	return func(b *Buffer) {
		if notify != nil {
			b.notify = notify
		}
	}
}

// WithClock injects the timestamp source used for LastAppend.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		if now != nil {
			b.now = now
		}
	}
}

// Buffer is a mutex-guarded in-memory Sink. Each Append lands as one atomic
// unit, so chunks arriving from concurrent stream callbacks never interleave.
type Buffer struct {
	mu         sync.Mutex
	lines      []string
	notify     Notifier
	now        func() time.Time
	lastAppend time.Time
}

// NewBuffer creates an empty sink buffer.
func NewBuffer(options ...Option) *Buffer {
	buffer := &Buffer{
		lines: make([]string, 0, 64),
		now:   time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(buffer)
	}
	return buffer
}

// Append inserts the lines at the insertion point, preserving arrival order.
func (b *Buffer) Append(lines []string) {
	if b == nil || len(lines) == 0 {
		return
	}
	b.mu.Lock()
	b.lines = append(b.lines, lines...)
	b.lastAppend = b.now().UTC()
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// AppendChunk splits one streamed chunk into lines and appends them atomically.
func (b *Buffer) AppendChunk(chunk string) {
	if chunk == "" {
		return
	}
	b.Append(strings.Split(strings.TrimRight(chunk, "\n"), "\n"))
}

// AppendLine appends text followed by a blank separator line.
func (b *Buffer) AppendLine(text string) {
	b.Append([]string{text, ""})
}

// Reset clears the buffer in place. Idempotent: resetting an empty sink
// leaves it empty.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.lines = b.lines[:0]
	b.lastAppend = time.Time{}
	notify := b.notify
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Lines returns a copy of the current sink content.
func (b *Buffer) Lines() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// String renders the sink content as one newline-joined block.
func (b *Buffer) String() string {
	return strings.Join(b.Lines(), "\n")
}

// LastAppend reports when the sink last received content. Zero when the
// sink is empty or freshly reset.
func (b *Buffer) LastAppend() time.Time {
	if b == nil {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAppend
}

var _ Sink = (*Buffer)(nil)
