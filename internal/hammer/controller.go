// Package hammer drives the verify-correct retry loop: run the project's
// verification script, and while it fails, hand the captured log to the
// corrective subprocess and try again.
package hammer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hammerloop/hammer/internal/config"
	"github.com/hammerloop/hammer/internal/events"
	"github.com/hammerloop/hammer/internal/fixer"
	"github.com/hammerloop/hammer/internal/history"
	"github.com/hammerloop/hammer/internal/runner"
	"github.com/hammerloop/hammer/internal/script"
	"github.com/hammerloop/hammer/internal/sink"
	"github.com/hammerloop/hammer/internal/state"
	"github.com/hammerloop/hammer/internal/telemetry"
	"github.com/hammerloop/hammer/internal/telemetry/invariants"
	"github.com/hammerloop/hammer/internal/workspace"
)

// Status lines appended to the output surface at terminal states.
const (
	statusScriptMissing   = "verification script not found"
	statusSpawnFailed     = "verification script failed to start"
	statusSucceeded       = "verification passed"
	statusBudgetExhausted = "loop limit reached"
)

const fixPromptTemplate = "The verification script failed for %s. Fix the file so the checks pass.\n\nVerification output:\n%s"

// ErrLoopActive indicates a loop is already running on this controller.
var ErrLoopActive = errors.New("a hammer loop is already active")

// PhaseObserver is notified when a subprocess phase begins and ends. The
// stall watchdog implements it.
type PhaseObserver interface {
	BeginPhase(runID, target, phase string)
	EndPhase()
}

// RunOpts customizes one loop run.
type RunOpts struct {
	// StartDir is where the upward script search begins. Defaults to the
	// target file's directory.
	StartDir string
	// Model overrides the configured model for corrective requests.
	Model string
	// Smart selects the smart model default instead of the fast one.
	Smart bool
	// Budget overrides the configured retry budget.
	Budget int
	// Instruction is appended to the corrective prompt when set.
	Instruction string
}

// Outcome summarizes a finished loop run.
type Outcome struct {
	RunID         string `json:"run_id"`
	Target        string `json:"target"`
	ScriptPath    string `json:"script_path"`
	FinalState    string `json:"final_state"`
	Verifications int    `json:"verifications"`
	Corrections   int    `json:"corrections"`
	LastExitCode  int    `json:"last_exit_code"`
}

// Option configures Controller construction.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPhaseObserver registers a stall observer for subprocess phases.
func WithPhaseObserver(observer PhaseObserver) Option {
	return func(c *Controller) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithHistory records run results to a history store.
func WithHistory(store history.Store) Option {
	return func(c *Controller) {
		if store != nil {
			c.history = store
		}
	}
}

// WithLocator overrides the script locator. Tests inject a fake.
func WithLocator(locate func(startDir, name string) (string, error)) Option {
	return func(c *Controller) {
		if locate != nil {
			c.locate = locate
		}
	}
}

// WithRunIDSource overrides run id generation. Tests inject a fixed id.
func WithRunIDSource(newRunID func() string) Option {
	return func(c *Controller) {
		if newRunID != nil {
			c.newRunID = newRunID
		}
	}
}

// Controller owns the retry loop. One loop may be active at a time.
type Controller struct {
	cfg        *config.Config
	run        runner.Runner
	output     sink.Sink
	machine    *state.Machine
	corrective *fixer.Driver
	bus        events.Bus
	logger     *log.Logger
	observer   PhaseObserver
	history    history.Store
	locate     func(startDir, name string) (string, error)
	newRunID   func() string
	now        func() time.Time

	mu     sync.Mutex
	active bool
}

// NewController wires the retry loop orchestrator.
func NewController(
	cfg *config.Config,
	execRunner runner.Runner,
	output sink.Sink,
	machine *state.Machine,
	corrective *fixer.Driver,
	bus events.Bus,
	options ...Option,
) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if execRunner == nil {
		return nil, errors.New("runner is required")
	}
	if output == nil {
		return nil, errors.New("output sink is required")
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}
	if corrective == nil {
		return nil, errors.New("corrective driver is required")
	}

	controller := &Controller{
		cfg:        cfg,
		run:        execRunner,
		output:     output,
		machine:    machine,
		corrective: corrective,
		bus:        bus,
		logger:     log.Default(),
		locate:     script.Locate,
		newRunID:   func() string { return uuid.NewString() },
		now:        time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(controller)
	}
	return controller, nil
}

// Run executes the retry loop against the target buffer until a terminal
// state is reached. Concurrent calls fail with ErrLoopActive.
func (c *Controller) Run(ctx context.Context, target workspace.Buffer, opts RunOpts) (Outcome, error) {
	if c == nil {
		return Outcome{}, errors.New("controller is nil")
	}
	if target == nil {
		return Outcome{}, errors.New("target buffer is required")
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		invariants.CheckSingleActiveLoop(ctx, "hammer.Controller.Run", true)
		return Outcome{}, ErrLoopActive
	}
	c.active = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}()

	outcome := Outcome{
		RunID:  c.newRunID(),
		Target: target.Path(),
	}
	c.output.Reset()

	startDir := strings.TrimSpace(opts.StartDir)
	if startDir == "" {
		startDir = filepath.Dir(target.Path())
	}
	scriptPath, err := c.locate(startDir, c.cfg.ScriptName)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			c.status(ctx, outcome.RunID, outcome.Target, statusScriptMissing)
			if terr := c.transition(ctx, outcome.RunID, state.LoopIdle, state.LoopScriptMissing, "no script on the ancestor path"); terr != nil {
				return outcome, terr
			}
			outcome.FinalState = state.LoopScriptMissing
			return outcome, nil
		}
		return outcome, fmt.Errorf("locate verification script: %w", err)
	}
	outcome.ScriptPath = scriptPath

	model, err := c.cfg.ResolveModel(target.Language(), opts.Model, opts.Smart)
	if err != nil {
		return outcome, err
	}

	if err := c.transition(ctx, outcome.RunID, state.LoopIdle, state.LoopVerifying, "script located"); err != nil {
		return outcome, err
	}

	// A zero budget is honored, not coerced: the loop terminates exhausted
	// without running anything. opts.Budget zero means "unset".
	budget := opts.Budget
	if budget <= 0 {
		budget = c.cfg.RetryBudget
	}
	if budget < 0 {
		budget = 0
	}
	remaining := budget

	c.logger.Info("hammer loop started",
		"run_id", outcome.RunID,
		"target", outcome.Target,
		"script", scriptPath,
		"model", model,
		"budget", remaining,
	)

	for {
		if remaining == 0 {
			c.status(ctx, outcome.RunID, outcome.Target, statusBudgetExhausted)
			if err := c.transition(ctx, outcome.RunID, state.LoopVerifying, state.LoopBudgetExhausted, "no attempts remaining"); err != nil {
				return outcome, err
			}
			outcome.FinalState = state.LoopBudgetExhausted
			break
		}

		result, err := c.verify(ctx, outcome.RunID, outcome.Target, scriptPath)
		if err != nil {
			return outcome, err
		}
		outcome.Verifications++
		outcome.LastExitCode = result.ExitCode
		remaining--

		if result.SpawnFailed {
			c.status(ctx, outcome.RunID, outcome.Target, statusSpawnFailed)
			if err := c.transition(ctx, outcome.RunID, state.LoopVerifying, state.LoopSpawnFailed, "script did not start"); err != nil {
				return outcome, err
			}
			outcome.FinalState = state.LoopSpawnFailed
			break
		}
		if result.ExitCode == 0 {
			c.status(ctx, outcome.RunID, outcome.Target, statusSucceeded)
			if err := c.transition(ctx, outcome.RunID, state.LoopVerifying, state.LoopSucceeded, "script exited zero"); err != nil {
				return outcome, err
			}
			outcome.FinalState = state.LoopSucceeded
			break
		}
		if remaining == 0 {
			c.status(ctx, outcome.RunID, outcome.Target, statusBudgetExhausted)
			if err := c.transition(ctx, outcome.RunID, state.LoopVerifying, state.LoopBudgetExhausted, "retry budget spent"); err != nil {
				return outcome, err
			}
			outcome.FinalState = state.LoopBudgetExhausted
			break
		}

		if err := c.transition(ctx, outcome.RunID, state.LoopVerifying, state.LoopCorrecting, fmt.Sprintf("script exited %d", result.ExitCode)); err != nil {
			return outcome, err
		}
		if err := c.correct(ctx, outcome.RunID, target, model, result.Output, opts.Instruction); err != nil {
			return outcome, err
		}
		outcome.Corrections++
		if err := c.transition(ctx, outcome.RunID, state.LoopCorrecting, state.LoopVerifying, "correction applied"); err != nil {
			return outcome, err
		}
	}

	invariants.CheckRetryBudgetRespected(ctx, "hammer.Controller.Run", outcome.Verifications, outcome.Corrections, budget)
	c.recordOutcome(ctx, outcome)
	c.logger.Info("hammer loop finished",
		"run_id", outcome.RunID,
		"final_state", outcome.FinalState,
		"verifications", outcome.Verifications,
		"corrections", outcome.Corrections,
	)
	return outcome, nil
}

func (c *Controller) verify(ctx context.Context, runID, target, scriptPath string) (runner.Result, error) {
	if c.observer != nil {
		c.observer.BeginPhase(runID, target, "verifying")
		defer c.observer.EndPhase()
	}
	c.publish(events.Event{
		Type:     events.EventTypeRunStarted,
		RunID:    runID,
		Target:   target,
		Payload:  scriptPath,
		Severity: events.SeverityInfo,
	})

	ctx, call := telemetry.StartSubprocess(ctx, telemetry.SubprocessRequest{
		Kind:    "verify",
		Command: scriptPath,
		RunID:   runID,
	})

	// The script contract takes no arguments; it runs from its own
	// directory so project-relative commands inside it resolve.
	request := runner.Request{
		Command: scriptPath,
		Dir:     filepath.Dir(scriptPath),
	}
	result, err := c.run.Run(ctx, request, runner.Stream{
		OnStdout: func(chunk string) {
			call.RecordChunk()
			c.output.AppendChunk(chunk)
			c.publish(events.Event{Type: events.EventTypeRunChunk, RunID: runID, Target: target, Payload: chunk})
		},
		OnStderr: func(chunk string) {
			call.RecordChunk()
			c.output.AppendChunk(chunk)
		},
	})
	call.End(result.ExitCode, result.SpawnFailed, err)
	if err != nil {
		return result, fmt.Errorf("run verification script %q: %w", scriptPath, err)
	}

	c.publish(events.Event{
		Type:     events.EventTypeRunCompleted,
		RunID:    runID,
		Target:   target,
		Payload:  result,
		Severity: events.SeverityInfo,
	})
	return result, nil
}

func (c *Controller) correct(ctx context.Context, runID string, target workspace.Buffer, model, verificationLog, instruction string) error {
	if err := target.Save(ctx); err != nil {
		return fmt.Errorf("save target before correction: %w", err)
	}

	prompt := fmt.Sprintf(fixPromptTemplate, filepath.Base(target.Path()), verificationLog)
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		prompt = instruction + "\n\n" + prompt
	}

	request, err := fixer.NewRequest(
		c.cfg.ResolveFixer(target.Language()),
		target.Language(),
		target.Path(),
		fixer.WholeFileRange,
		prompt,
		model,
		c.cfg.BaseURL,
	)
	if err != nil {
		return fmt.Errorf("build corrective request: %w", err)
	}

	if c.observer != nil {
		c.observer.BeginPhase(runID, target.Path(), "correcting")
		defer c.observer.EndPhase()
	}
	ctx, call := telemetry.StartSubprocess(ctx, telemetry.SubprocessRequest{
		Kind:    "fix",
		Command: request.Command,
		Model:   model,
		Prompt:  prompt,
		RunID:   runID,
	})
	// The fixer's exit code is not consulted here: the next verification
	// pass decides whether the correction worked.
	result, err := c.corrective.Fix(ctx, request, runID)
	call.End(result.ExitCode, result.SpawnFailed, err)
	if err != nil {
		return err
	}

	if err := target.Reload(ctx); err != nil {
		return fmt.Errorf("reload target after correction: %w", err)
	}
	return nil
}

func (c *Controller) transition(ctx context.Context, runID, from, to, reason string) error {
	if err := c.machine.Transition(ctx, state.EntityLoop, runID, from, to, reason); err != nil {
		return err
	}
	c.publish(events.Event{
		Type:     events.EventTypeLoopTransition,
		RunID:    runID,
		Payload:  map[string]string{"from": from, "to": to, "reason": reason},
		Severity: events.SeverityInfo,
	})
	return nil
}

func (c *Controller) status(ctx context.Context, runID, target, line string) {
	c.output.AppendLine(line)
	c.publish(events.Event{
		Type:     events.EventTypeStatusLine,
		RunID:    runID,
		Target:   target,
		Payload:  line,
		Severity: events.SeverityInfo,
	})
	if c.history == nil {
		return
	}
	payload, err := json.Marshal(line)
	if err != nil {
		c.logger.Warn("marshal status line", "run_id", runID, "error", err)
		return
	}
	entry := history.Entry{
		Type:      history.EntryTypeStatus,
		RunID:     runID,
		Target:    target,
		Payload:   payload,
		Timestamp: c.now().UTC(),
	}
	if err := c.history.Append(ctx, entry); err != nil {
		c.logger.Warn("record status line", "run_id", runID, "error", err)
	}
}

func (c *Controller) publish(event events.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(event)
}

func (c *Controller) recordOutcome(ctx context.Context, outcome Outcome) {
	if c.history == nil {
		return
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		c.logger.Warn("marshal run outcome", "run_id", outcome.RunID, "error", err)
		return
	}
	entry := history.Entry{
		Type:      history.EntryTypeRunResult,
		RunID:     outcome.RunID,
		Target:    outcome.Target,
		Payload:   payload,
		Timestamp: c.now().UTC(),
	}
	if err := c.history.Append(ctx, entry); err != nil {
		c.logger.Warn("record run outcome", "run_id", outcome.RunID, "error", err)
	}
}
