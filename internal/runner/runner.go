// Package runner launches external commands and streams their output
// incrementally while capturing combined output and exit status.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// SpawnExitCode is the distinguished exit code reported when the
	// command cannot be located or started.
	SpawnExitCode = 127

	// DefaultOutputLimitBytes caps combined output captured per run.
	DefaultOutputLimitBytes = 1024 * 1024

	// scanBufferBytes is the per-line scanner allocation for subprocess streams.
	scanBufferBytes = 256 * 1024
)

// Request describes one external command invocation. Immutable once built.
type Request struct {
	Command string
	Args    []string
	Dir     string
}

// Stream carries the per-stream chunk callbacks for one run. Both streams
// ultimately land in the same sink; arrival order per stream is preserved.
type Stream struct {
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// Result captures the outcome of one run. Produced exactly once per request.
type Result struct {
	ExitCode    int
	Output      string
	Duration    time.Duration
	SpawnFailed bool
}

// Runner executes one external command to completion.
type Runner interface {
	Run(ctx context.Context, request Request, stream Stream) (Result, error)
}

// Option configures ExecRunner construction.
type Option func(*ExecRunner)

// WithOutputLimit caps the combined captured output in bytes.
func WithOutputLimit(limitBytes int) Option {
	return func(r *ExecRunner) {
		if limitBytes > 0 {
			r.outputLimit = limitBytes
		}
	}
}

// ExecRunner runs commands as OS child processes, streaming both output
// pipes line by line. Cancellation mid-run is not supported: once started,
// a run proceeds to natural completion.
type ExecRunner struct {
	outputLimit int
}

// New creates a process runner with default output capture limits.
func New(options ...Option) *ExecRunner {
	r := &ExecRunner{outputLimit: DefaultOutputLimitBytes}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(r)
	}
	return r
}

// Run starts the command, delivers ordered chunk callbacks as output
// arrives, and returns once the process exits. A spawn failure is reported
// through the Result (SpawnExitCode, SpawnFailed) with no chunk callbacks
// and a nil error.
func (r *ExecRunner) Run(ctx context.Context, request Request, stream Stream) (Result, error) {
	if r == nil {
		return Result{}, errors.New("runner is nil")
	}
	command := strings.TrimSpace(request.Command)
	if command == "" {
		return Result{}, errors.New("command must not be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, command, request.Args...) // #nosec G204 -- argv is structured, not shell-interpolated.
	if dir := strings.TrimSpace(request.Dir); dir != "" {
		cmd.Dir = dir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("open stdout pipe for %q: %w", command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("open stderr pipe for %q: %w", command, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{
			ExitCode:    SpawnExitCode,
			Duration:    time.Since(start),
			SpawnFailed: true,
		}, nil
	}

	capture := newCapture(r.outputLimit)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(stdout, capture, stream.OnStdout)
	}()
	go func() {
		defer wg.Done()
		drainLines(stderr, capture, stream.OnStderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case cmd.ProcessState != nil:
			exitCode = cmd.ProcessState.ExitCode()
		default:
			return Result{}, fmt.Errorf("wait for %q: %w", command, waitErr)
		}
	}

	return Result{
		ExitCode: exitCode,
		Output:   capture.String(),
		Duration: duration,
	}, nil
}

// drainLines reads one stream to EOF, recording every line and forwarding
// it to the chunk callback in arrival order.
func drainLines(pipe interface{ Read([]byte) (int, error) }, capture *capture, onChunk func(string)) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 4096), scanBufferBytes)
	for scanner.Scan() {
		line := scanner.Text()
		capture.append(line)
		if onChunk != nil {
			onChunk(line)
		}
	}
}

// capture is a bounded, mutex-guarded accumulator for combined output.
type capture struct {
	mu        sync.Mutex
	max       int
	data      []byte
	truncated bool
}

func newCapture(max int) *capture {
	if max <= 0 {
		max = DefaultOutputLimitBytes
	}
	return &capture{max: max, data: make([]byte, 0, 4096)}
}

func (c *capture) append(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.max - len(c.data)
	if remaining <= 0 {
		c.truncated = true
		return
	}
	entry := line + "\n"
	if len(entry) <= remaining {
		c.data = append(c.data, entry...)
		return
	}
	c.data = append(c.data, entry[:remaining]...)
	c.truncated = true
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := strings.TrimRight(string(c.data), "\n")
	if c.truncated {
		out += "\n...[output truncated]"
	}
	return out
}

var _ Runner = (*ExecRunner)(nil)
