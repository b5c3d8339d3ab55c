package runner

import (
	"context"
	"strings"
	"testing"
)

func TestRunCapturesExitCodeAndOutput(t *testing.T) {
	t.Parallel()

	r := New()
	result, err := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two; exit 3"},
	}, Stream{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if result.SpawnFailed {
		t.Fatal("spawn failed flag set for a spawnable command")
	}
	if !strings.Contains(result.Output, "one") || !strings.Contains(result.Output, "two") {
		t.Fatalf("output = %q, want both lines captured", result.Output)
	}
}

func TestRunStreamsStdoutInArrivalOrder(t *testing.T) {
	t.Parallel()

	var chunks []string
	r := New()
	result, err := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo alpha; echo beta; echo gamma"},
	}, Stream{OnStdout: func(chunk string) { chunks = append(chunks, chunk) }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}

	want := []string{"alpha", "beta", "gamma"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i, chunk := range want {
		if chunks[i] != chunk {
			t.Fatalf("chunk[%d] = %q, want %q", i, chunks[i], chunk)
		}
	}
}

func TestRunDeliversStderrThroughOwnCallback(t *testing.T) {
	t.Parallel()

	var stderrChunks []string
	r := New()
	_, err := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "echo oops >&2; exit 1"},
	}, Stream{OnStderr: func(chunk string) { stderrChunks = append(stderrChunks, chunk) }})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(stderrChunks) != 1 || stderrChunks[0] != "oops" {
		t.Fatalf("stderr chunks = %q, want [oops]", stderrChunks)
	}
}

func TestRunSpawnFailureUsesDistinguishedExitCode(t *testing.T) {
	t.Parallel()

	chunkSeen := false
	r := New()
	result, err := r.Run(context.Background(), Request{
		Command: "hammer-no-such-binary-9f3a",
	}, Stream{
		OnStdout: func(string) { chunkSeen = true },
		OnStderr: func(string) { chunkSeen = true },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !result.SpawnFailed {
		t.Fatal("spawn failed flag not set")
	}
	if result.ExitCode != SpawnExitCode {
		t.Fatalf("exit code = %d, want %d", result.ExitCode, SpawnExitCode)
	}
	if chunkSeen {
		t.Fatal("chunk callbacks must not fire on spawn failure")
	}
}

func TestRunRespectsWorkingDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := New()
	result, err := r.Run(context.Background(), Request{
		Command: "pwd",
		Dir:     dir,
	}, Stream{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(result.Output, dir) {
		t.Fatalf("output = %q, want working directory %q", result.Output, dir)
	}
}

func TestRunTruncatesOversizedOutput(t *testing.T) {
	t.Parallel()

	r := New(WithOutputLimit(64))
	result, err := r.Run(context.Background(), Request{
		Command: "sh",
		Args:    []string{"-c", "i=0; while [ $i -lt 50 ]; do echo 'padding line of output'; i=$((i+1)); done"},
	}, Stream{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasSuffix(result.Output, "...[output truncated]") {
		t.Fatalf("output = %q, want truncation marker", result.Output)
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	r := New()
	if _, err := r.Run(context.Background(), Request{Command: "  "}, Stream{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
