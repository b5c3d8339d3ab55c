package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// SubprocessRequest defines telemetry metadata for one subprocess phase.
type SubprocessRequest struct {
	// Kind distinguishes verification runs from corrective runs.
	Kind    string
	Command string
	Model   string
	// Prompt is hashed, never recorded verbatim.
	Prompt string
	RunID  string
}

// SubprocessCall tracks one subprocess.run span lifecycle.
type SubprocessCall struct {
	span      trace.Span
	startedAt time.Time

	mu     sync.Mutex
	chunks int
	ended  bool
}

type subprocessCallContextKey struct{}

// StartSubprocess starts a subprocess.run span and returns a context
// carrying the tracker.
func StartSubprocess(ctx context.Context, req SubprocessRequest) (context.Context, *SubprocessCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", normalizeOrUnknown(req.Kind)),
		attribute.String("command", normalizeOrUnknown(req.Command)),
		attribute.String("run_id", normalizeOrUnknown(req.RunID)),
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		attrs = append(attrs, attribute.String("model", model))
	}
	if strings.TrimSpace(req.Prompt) != "" {
		attrs = append(attrs, attribute.String("prompt_hash", hashPrompt(req.Prompt)))
	}

	spanCtx, span := otel.Tracer("hammer/telemetry").Start(
		ctx,
		"subprocess.run",
		trace.WithAttributes(attrs...),
	)

	call := &SubprocessCall{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, subprocessCallContextKey{}, call), call
}

// SubprocessFromContext returns the subprocess tracker if one exists on the context.
func SubprocessFromContext(ctx context.Context) *SubprocessCall {
	if ctx == nil {
		return nil
	}
	call, ok := ctx.Value(subprocessCallContextKey{}).(*SubprocessCall)
	if !ok {
		return nil
	}
	return call
}

// RecordChunk counts one streamed output chunk on the active span.
func (c *SubprocessCall) RecordChunk() {
	if c == nil || c.span == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.chunks++
}

// End finalizes the subprocess.run span with latency, chunk count, and the
// exit code. Spawn failures are marked as span errors; nonzero exits are
// not, since a failing verification is a normal loop step.
func (c *SubprocessCall) End(exitCode int, spawnFailed bool, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	chunks := c.chunks
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("output_chunks", chunks),
		attribute.Int("exit_code", exitCode),
		attribute.Bool("spawn_failed", spawnFailed),
	)

	switch {
	case err != nil:
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, RedactSecrets(err.Error()))
	case spawnFailed:
		c.span.SetStatus(codes.Error, "subprocess failed to start")
	default:
		c.span.SetStatus(codes.Ok, "subprocess completed")
	}
	c.span.End()
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(RedactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

// RedactSecrets strips API keys, bearer tokens, and key=value secrets from
// diagnostic text before it leaves the process.
func RedactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
