// Package edit applies a single corrective pass to a file from a
// free-form instruction, without the retry loop.
package edit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hammerloop/hammer/internal/config"
	"github.com/hammerloop/hammer/internal/fixer"
	"github.com/hammerloop/hammer/internal/state"
	"github.com/hammerloop/hammer/internal/workspace"
)

// Opts customizes one edit pass.
type Opts struct {
	// Instruction is the free-form change request passed to the fixer.
	Instruction string
	// Range limits the fix to a line selection, "start,end". Empty means
	// the whole file.
	Range string
	// Model overrides the configured model.
	Model string
	// Smart selects the smart model default instead of the fast one.
	Smart bool
}

// Outcome summarizes a finished edit pass.
type Outcome struct {
	RunID        string `json:"run_id"`
	Target       string `json:"target"`
	FixerExit    int    `json:"fixer_exit"`
	FixerCommand string `json:"fixer_command"`
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

// WithRunIDSource overrides run id generation. Tests inject a fixed id.
func WithRunIDSource(newRunID func() string) Option {
	return func(c *Controller) {
		if newRunID != nil {
			c.newRunID = newRunID
		}
	}
}

// Controller performs one-shot corrective edits.
type Controller struct {
	cfg        *config.Config
	corrective *fixer.Driver
	machine    *state.Machine
	logger     *log.Logger
	newRunID   func() string
	now        func() time.Time
}

// NewController wires a one-shot edit controller.
func NewController(cfg *config.Config, corrective *fixer.Driver, machine *state.Machine, options ...Option) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if corrective == nil {
		return nil, errors.New("corrective driver is required")
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}

	controller := &Controller{
		cfg:        cfg,
		corrective: corrective,
		machine:    machine,
		logger:     log.Default(),
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

// Apply saves the buffer, runs the fixer once with the instruction, and
// reloads the buffer. The fixer's exit code is reported but never treated
// as failure: even a nonzero exit may have edited the file, and the reload
// picks up whatever landed on disk.
func (c *Controller) Apply(ctx context.Context, target workspace.Buffer, opts Opts) (Outcome, error) {
	if c == nil {
		return Outcome{}, errors.New("controller is nil")
	}
	if target == nil {
		return Outcome{}, errors.New("target buffer is required")
	}
	instruction := strings.TrimSpace(opts.Instruction)
	if instruction == "" {
		return Outcome{}, errors.New("instruction must not be empty")
	}

	outcome := Outcome{
		RunID:  c.newRunID(),
		Target: target.Path(),
	}

	model, err := c.cfg.ResolveModel(target.Language(), opts.Model, opts.Smart)
	if err != nil {
		return outcome, err
	}

	if err := c.machine.Transition(ctx, state.EntityEdit, outcome.RunID, state.EditIdle, state.EditFixing, "edit requested"); err != nil {
		return outcome, err
	}
	if err := target.Save(ctx); err != nil {
		return outcome, fmt.Errorf("save target before edit: %w", err)
	}

	command := c.cfg.ResolveFixer(target.Language())
	request, err := fixer.NewRequest(
		command,
		target.Language(),
		target.Path(),
		opts.Range,
		instruction,
		model,
		c.cfg.BaseURL,
	)
	if err != nil {
		return outcome, fmt.Errorf("build edit request: %w", err)
	}
	outcome.FixerCommand = command

	c.logger.Info("edit started",
		"run_id", outcome.RunID,
		"target", outcome.Target,
		"model", model,
	)

	result, err := c.corrective.Fix(ctx, request, outcome.RunID)
	if err != nil {
		return outcome, err
	}
	outcome.FixerExit = result.ExitCode

	if err := target.Reload(ctx); err != nil {
		return outcome, fmt.Errorf("reload target after edit: %w", err)
	}
	if err := c.machine.Transition(ctx, state.EntityEdit, outcome.RunID, state.EditFixing, state.EditDone, "fixer finished"); err != nil {
		return outcome, err
	}

	c.logger.Info("edit finished",
		"run_id", outcome.RunID,
		"fixer_exit", outcome.FixerExit,
	)
	return outcome, nil
}
