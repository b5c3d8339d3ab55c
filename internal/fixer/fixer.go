// Package fixer builds and runs the corrective subprocess that rewrites a
// file from a prompt and the captured verification log.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hammerloop/hammer/internal/events"
	"github.com/hammerloop/hammer/internal/runner"
	"github.com/hammerloop/hammer/internal/sink"
)

// WholeFileRange is the placeholder range sent when the fix targets the
// whole file rather than a line selection.
const WholeFileRange = "0,0"

// Request carries the validated arguments for one corrective invocation.
// The fixer command receives them as positional arguments in this order:
// language, file path, line range, prompt, model, API base URL.
type Request struct {
	Command  string
	Language string
	FilePath string
	Range    string
	Prompt   string
	Model    string
	BaseURL  string
}

// NewRequest validates and normalizes the fields of a corrective request.
// All sanitization happens here so callers never hand-assemble argv.
func NewRequest(command, language, filePath, lineRange, prompt, model, baseURL string) (Request, error) {
	request := Request{
		Command:  strings.TrimSpace(command),
		Language: strings.ToLower(strings.TrimSpace(language)),
		FilePath: strings.TrimSpace(filePath),
		Range:    strings.TrimSpace(lineRange),
		Prompt:   sanitizePrompt(prompt),
		Model:    strings.TrimSpace(model),
		BaseURL:  strings.TrimSpace(baseURL),
	}

	if request.Command == "" {
		return Request{}, errors.New("fixer command is required")
	}
	if request.Language == "" {
		request.Language = "text"
	}
	if request.FilePath == "" {
		return Request{}, errors.New("file path is required")
	}
	if request.Range == "" {
		request.Range = WholeFileRange
	} else if err := validateRange(request.Range); err != nil {
		return Request{}, err
	}
	if request.Prompt == "" {
		return Request{}, errors.New("prompt is required")
	}
	if request.Model == "" {
		return Request{}, errors.New("model is required")
	}
	if request.BaseURL == "" {
		return Request{}, errors.New("base URL is required")
	}
	return request, nil
}

// Args returns the positional argument vector in contract order.
func (r Request) Args() []string {
	return []string{r.Language, r.FilePath, r.Range, r.Prompt, r.Model, r.BaseURL}
}

// RunRequest converts the request into an exec request for the runner.
func (r Request) RunRequest() runner.Request {
	return runner.Request{Command: r.Command, Args: r.Args()}
}

// String renders a shell-quoted preview of the invocation for logs.
func (r Request) String() string {
	parts := []string{r.Command}
	for _, arg := range r.Args() {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// Driver runs corrective requests and streams their output into the sink.
type Driver struct {
	runner runner.Runner
	output sink.Sink
	bus    events.Bus
}

// NewDriver wires a corrective driver. The bus is optional.
func NewDriver(execRunner runner.Runner, output sink.Sink, bus events.Bus) (*Driver, error) {
	if execRunner == nil {
		return nil, errors.New("runner is required")
	}
	if output == nil {
		return nil, errors.New("output sink is required")
	}
	return &Driver{runner: execRunner, output: output, bus: bus}, nil
}

// Fix executes one corrective request. The subprocess's exit code is
// surfaced in the result but never treated as failure: the fixer edits the
// file on disk, and the next verification pass is the arbiter of whether
// the fix worked.
func (d *Driver) Fix(ctx context.Context, request Request, runID string) (runner.Result, error) {
	if d == nil {
		return runner.Result{}, errors.New("driver is nil")
	}

	d.publish(events.Event{
		Type:     events.EventTypeRunStarted,
		RunID:    runID,
		Target:   request.FilePath,
		Payload:  request.String(),
		Severity: events.SeverityInfo,
	})

	started := time.Now()
	result, err := d.runner.Run(ctx, request.RunRequest(), runner.Stream{
		OnStdout: func(chunk string) {
			d.output.AppendChunk(chunk)
			d.publish(events.Event{
				Type:    events.EventTypeRunChunk,
				RunID:   runID,
				Target:  request.FilePath,
				Payload: chunk,
			})
		},
		OnStderr: func(chunk string) {
			d.output.AppendChunk(chunk)
		},
	})
	if err != nil {
		return result, fmt.Errorf("run fixer %q: %w", request.Command, err)
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}

	d.publish(events.Event{
		Type:     events.EventTypeRunCompleted,
		RunID:    runID,
		Target:   request.FilePath,
		Payload:  result,
		Severity: events.SeverityInfo,
	})
	return result, nil
}

func (d *Driver) publish(event events.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event)
}

func validateRange(lineRange string) error {
	parts := strings.Split(lineRange, ",")
	if len(parts) != 2 {
		return fmt.Errorf("line range %q must be start,end", lineRange)
	}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return fmt.Errorf("line range %q must be start,end", lineRange)
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return fmt.Errorf("line range %q must be numeric", lineRange)
			}
		}
	}
	return nil
}

// sanitizePrompt collapses control characters that could corrupt the
// downstream prompt while keeping newlines intact.
func sanitizePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	var builder strings.Builder
	builder.Grow(len(prompt))
	for _, r := range prompt {
		if r < 0x20 && r != '\n' && r != '\t' {
			builder.WriteRune(' ')
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func shellQuote(value string) string {
	if strings.TrimSpace(value) == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}
