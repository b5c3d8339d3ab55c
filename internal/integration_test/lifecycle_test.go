// Package integration exercises the full retry loop against real child
// processes: a shell verification script and a shell fixer that edits the
// target file on disk.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hammerloop/hammer/internal/config"
	"github.com/hammerloop/hammer/internal/events"
	"github.com/hammerloop/hammer/internal/fixer"
	"github.com/hammerloop/hammer/internal/hammer"
	"github.com/hammerloop/hammer/internal/history"
	"github.com/hammerloop/hammer/internal/runner"
	"github.com/hammerloop/hammer/internal/sink"
	"github.com/hammerloop/hammer/internal/state"
	"github.com/hammerloop/hammer/internal/workspace"
)

// The verification script takes no arguments and runs from its own
// directory, so it names the target file relative to the project root.
const verifyScript = `#!/bin/sh
if grep -q "status: fixed" notes.txt; then
  echo "checks passed"
  exit 0
fi
echo "checks failed for notes.txt"
exit 1
`

// The fixer receives (language, file, range, prompt, model, base URL) and
// edits the file in place, like the real corrective subprocess would.
const applyFixScript = `#!/bin/sh
printf 'status: fixed\n' > "$2"
echo "correction applied"
`

const noopFixScript = `#!/bin/sh
echo "no change made"
exit 3
`

type fixture struct {
	cfg     *config.Config
	store   *history.MemoryStore
	output  *sink.Buffer
	target  *workspace.FileBuffer
	control *hammer.Controller
}

func setupLoop(t *testing.T, fixScript string) fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("integration fixtures use /bin/sh scripts")
	}

	projectDir := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(projectDir, 0o750))

	targetPath := filepath.Join(projectDir, "notes.txt")
	require.NoError(t, os.WriteFile(targetPath, []byte("status: broken\n"), 0o600))
	writeScript(t, filepath.Join(projectDir, "hammer"), verifyScript)
	fixerPath := filepath.Join(projectDir, "fake-fixer")
	writeScript(t, fixerPath, fixScript)

	target, err := workspace.OpenFile(targetPath, "")
	require.NoError(t, err)

	cfg := &config.Config{
		BaseURL:      "http://localhost:9999/v1",
		FastModel:    "test-model",
		ScriptName:   "hammer",
		FixerCommand: fixerPath,
		RetryBudget:  5,
	}

	store := history.NewMemoryStore()
	output := sink.NewBuffer()
	execRunner := runner.New()
	machine := state.NewMachine(history.NewTransitionRecorder(store, targetPath))
	corrective, err := fixer.NewDriver(execRunner, output, nil)
	require.NoError(t, err)

	controller, err := hammer.NewController(cfg, execRunner, output, machine, corrective, events.New(),
		hammer.WithHistory(store),
		hammer.WithRunIDSource(func() string { return "run-integration" }),
	)
	require.NoError(t, err)

	return fixture{cfg: cfg, store: store, output: output, target: target, control: controller}
}

func writeScript(t *testing.T, path, content string) {
	t.Helper()
	// #nosec G306 -- scripts must be executable.
	require.NoError(t, os.WriteFile(path, []byte(content), 0o700))
}

func TestLoopCorrectsFileUntilVerificationPasses(t *testing.T) {
	fx := setupLoop(t, applyFixScript)

	outcome, err := fx.control.Run(context.Background(), fx.target, hammer.RunOpts{})
	require.NoError(t, err)

	assert.Equal(t, state.LoopSucceeded, outcome.FinalState)
	assert.Equal(t, 2, outcome.Verifications)
	assert.Equal(t, 1, outcome.Corrections)
	assert.Equal(t, 0, outcome.LastExitCode)
	assert.Contains(t, fx.target.Contents(), "status: fixed")

	surface := fx.output.String()
	for _, want := range []string{"checks failed", "correction applied", "checks passed", "verification passed"} {
		assert.Contains(t, surface, want)
	}

	entries, err := fx.store.List(context.Background(), "run-integration")
	require.NoError(t, err)
	var hasResult bool
	for _, entry := range entries {
		if entry.Type == history.EntryTypeRunResult {
			hasResult = true
		}
	}
	assert.True(t, hasResult, "run result entry missing from history")
}

func TestLoopStopsAtRetryBudgetWhenFixerNeverHelps(t *testing.T) {
	fx := setupLoop(t, noopFixScript)

	outcome, err := fx.control.Run(context.Background(), fx.target, hammer.RunOpts{})
	require.NoError(t, err)

	assert.Equal(t, state.LoopBudgetExhausted, outcome.FinalState)
	assert.Equal(t, 5, outcome.Verifications)
	assert.Equal(t, 4, outcome.Corrections)
	assert.Contains(t, fx.output.String(), "loop limit reached")
}

func TestLoopReportsSpawnFailureAsTerminal(t *testing.T) {
	fx := setupLoop(t, applyFixScript)

	// Strip the execute bit so the script exists but cannot start.
	scriptPath := filepath.Join(filepath.Dir(fx.target.Path()), "hammer")
	require.NoError(t, os.Chmod(scriptPath, 0o600))

	outcome, err := fx.control.Run(context.Background(), fx.target, hammer.RunOpts{})
	require.NoError(t, err)

	assert.Equal(t, state.LoopSpawnFailed, outcome.FinalState)
	assert.Equal(t, 1, outcome.Verifications)
	assert.Equal(t, 0, outcome.Corrections)
	assert.Equal(t, runner.SpawnExitCode, outcome.LastExitCode)
	assert.Contains(t, fx.output.String(), "verification script failed to start")
}

func TestLoopBudgetOverrideFromRunOpts(t *testing.T) {
	fx := setupLoop(t, noopFixScript)

	outcome, err := fx.control.Run(context.Background(), fx.target, hammer.RunOpts{Budget: 2})
	require.NoError(t, err)

	assert.Equal(t, state.LoopBudgetExhausted, outcome.FinalState)
	assert.Equal(t, 2, outcome.Verifications)
	assert.Equal(t, 1, outcome.Corrections)
}
