package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hammerloop/hammer/internal/config"
	"github.com/hammerloop/hammer/internal/doctor"
	"github.com/hammerloop/hammer/internal/edit"
	"github.com/hammerloop/hammer/internal/events"
	"github.com/hammerloop/hammer/internal/fixer"
	"github.com/hammerloop/hammer/internal/hammer"
	"github.com/hammerloop/hammer/internal/history"
	"github.com/hammerloop/hammer/internal/locks"
	"github.com/hammerloop/hammer/internal/logging"
	"github.com/hammerloop/hammer/internal/runner"
	"github.com/hammerloop/hammer/internal/sink"
	"github.com/hammerloop/hammer/internal/state"
	"github.com/hammerloop/hammer/internal/telemetry"
	"github.com/hammerloop/hammer/internal/tui"
	"github.com/hammerloop/hammer/internal/watch"
	"github.com/hammerloop/hammer/internal/workspace"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	if endpoint := otelEndpointFromArgs(args); endpoint != "" {
		telemetry.SetEndpointOverride(endpoint)
	}
	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "hammer",
		Short:         "Run a verification script and let an LLM fix the file until it passes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().String("otel-endpoint", "", "OTLP endpoint override for trace export")
	root.AddCommand(
		newLoopCommand(cfg, logger),
		newTuiCommand(cfg, logger),
		newEditCommand(cfg, logger),
		newStatusCommand(logger),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

// otelEndpointFromArgs pre-scans argv for --otel-endpoint. Telemetry is
// initialized before cobra parses flags, so the override has to be read
// from the raw arguments.
func otelEndpointFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			return ""
		}
		if arg == "--otel-endpoint" {
			if i+1 < len(args) {
				return strings.TrimSpace(args[i+1])
			}
			return ""
		}
		if value, ok := strings.CutPrefix(arg, "--otel-endpoint="); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

type loopFlags struct {
	model       string
	smart       bool
	budget      int
	instruction string
	startDir    string
	language    string
}

func addLoopFlags(cmd *cobra.Command, flags *loopFlags) {
	cmd.Flags().StringVar(&flags.model, "model", "", "model override for corrective requests")
	cmd.Flags().BoolVar(&flags.smart, "smart", false, "use the smart model default")
	cmd.Flags().IntVar(&flags.budget, "budget", 0, "retry budget override")
	cmd.Flags().StringVar(&flags.instruction, "prompt", "", "extra instruction for the fixer")
	cmd.Flags().StringVar(&flags.startDir, "dir", "", "directory to start the script search from")
	cmd.Flags().StringVar(&flags.language, "language", "", "language tag override")
}

func newLoopCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	flags := loopFlags{}
	cmd := &cobra.Command{
		Use:   "loop <file>",
		Short: "Run the verify-correct retry loop against a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, cfg, logger, args[0], flags, false)
		},
	}
	addLoopFlags(cmd, &flags)
	return cmd
}

func newTuiCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	flags := loopFlags{}
	cmd := &cobra.Command{
		Use:   "tui <file>",
		Short: "Run the retry loop with a live terminal view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, cfg, logger, args[0], flags, true)
		},
	}
	addLoopFlags(cmd, &flags)
	return cmd
}

func runLoop(cmd *cobra.Command, cfg *config.Config, logger *log.Logger, path string, flags loopFlags, useTUI bool) error {
	ctx := cmd.Context()

	buffer, err := workspace.OpenFile(path, flags.language)
	if err != nil {
		return err
	}

	stateDir, err := stateDirPath()
	if err != nil {
		return err
	}

	store, err := history.NewFileStore(filepath.Join(stateDir, "history"))
	if err != nil {
		return err
	}
	lockStore, err := locks.NewFileStore(filepath.Join(stateDir, "locks.json"))
	if err != nil {
		return err
	}
	lockManager, err := locks.NewManager(lockStore, locks.ManagerConfig{})
	if err != nil {
		return err
	}

	bus := events.New()
	var output *sink.Buffer
	if useTUI {
		output = sink.NewBuffer()
	} else {
		// Mirror the sink to stdout synchronously so every line, including
		// the tail of the final run, is printed before the loop returns.
		printer := &linePrinter{out: cmd.OutOrStdout()}
		output = sink.NewBuffer(sink.WithNotifier(func() {
			printer.flush(output.Lines())
		}))
	}
	execRunner := runner.New()

	machine := state.NewMachine(history.NewTransitionRecorder(store, buffer.Path()))
	corrective, err := fixer.NewDriver(execRunner, output, bus)
	if err != nil {
		return err
	}
	watchdog, err := watch.NewWatchdog(output, bus, watch.Config{StallTimeout: cfg.StallTimeout})
	if err != nil {
		return err
	}

	controller, err := hammer.NewController(cfg, execRunner, output, machine, corrective, bus,
		hammer.WithLogger(logger),
		hammer.WithHistory(store),
		hammer.WithPhaseObserver(watchdog),
	)
	if err != nil {
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watchdog.Start(watchCtx)

	release, err := lockManager.Acquire(ctx, filepath.Base(buffer.Path()), []string{buffer.Path()})
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			logger.Warn("release target lock", "error", releaseErr)
		}
	}()

	opts := hammer.RunOpts{
		StartDir:    flags.startDir,
		Model:       flags.model,
		Smart:       flags.smart,
		Budget:      flags.budget,
		Instruction: flags.instruction,
	}

	if !useTUI {
		outcome, err := controller.Run(ctx, buffer, opts)
		if err != nil {
			return err
		}
		return reportOutcome(cmd, outcome)
	}

	model, err := tui.NewModel(bus, output)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model, tea.WithContext(ctx))

	resultCh := make(chan loopResult, 1)
	go func() {
		outcome, runErr := controller.Run(ctx, buffer, opts)
		resultCh <- loopResult{outcome: outcome, err: runErr}
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("run loop view: %w", err)
	}
	result := <-resultCh
	if result.err != nil {
		return result.err
	}
	return reportOutcome(cmd, result.outcome)
}

type loopResult struct {
	outcome hammer.Outcome
	err     error
}

// linePrinter writes each sink line exactly once, in order. A shrinking
// snapshot means the sink was reset for a new run, so the cursor rewinds.
type linePrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
}

func (p *linePrinter) flush(lines []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(lines) < p.printed {
		p.printed = 0
	}
	for _, line := range lines[p.printed:] {
		fmt.Fprintln(p.out, line)
	}
	p.printed = len(lines)
}

func reportOutcome(cmd *cobra.Command, outcome hammer.Outcome) error {
	fmt.Fprintf(
		cmd.OutOrStdout(),
		"\n%s after %d verification(s) and %d correction(s)\n",
		outcome.FinalState,
		outcome.Verifications,
		outcome.Corrections,
	)
	if outcome.FinalState != state.LoopSucceeded {
		return fmt.Errorf("loop finished in state %s", outcome.FinalState)
	}
	return nil
}

func newEditCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		model     string
		smart     bool
		lineRange string
		language  string
	)
	var instruction string
	cmd := &cobra.Command{
		Use:   "edit <file> -m <instruction>",
		Short: "Apply a single corrective edit from an instruction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buffer, err := workspace.OpenFile(args[0], language)
			if err != nil {
				return err
			}

			output := sink.NewBuffer()
			corrective, err := fixer.NewDriver(runner.New(), output, nil)
			if err != nil {
				return err
			}
			controller, err := edit.NewController(cfg, corrective, state.NewMachine(nil),
				edit.WithLogger(logger),
			)
			if err != nil {
				return err
			}

			outcome, err := controller.Apply(cmd.Context(), buffer, edit.Opts{
				Instruction: instruction,
				Range:       lineRange,
				Model:       model,
				Smart:       smart,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output.String())
			fmt.Fprintf(cmd.OutOrStdout(), "edit finished (fixer exit %d)\n", outcome.FixerExit)
			return nil
		},
	}
	cmd.Flags().StringVarP(&instruction, "message", "m", "", "instruction for the fixer (required)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&smart, "smart", false, "use the smart model default")
	cmd.Flags().StringVar(&lineRange, "range", "", "line range start,end")
	cmd.Flags().StringVar(&language, "language", "", "language tag override")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newStatusCommand(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the most recent loop session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stateDir, err := stateDirPath()
			if err != nil {
				return err
			}
			store, err := history.NewFileStore(filepath.Join(stateDir, "history"))
			if err != nil {
				return err
			}
			runID, err := store.LatestRunID()
			if err != nil {
				return err
			}
			if runID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
				return nil
			}

			entries, err := store.List(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s (%d entries)\n", runID, len(entries))
			for _, entry := range entries {
				fmt.Fprintf(
					cmd.OutOrStdout(),
					"%s  %-12s %s\n",
					entry.Timestamp.Format("15:04:05"),
					entry.Type,
					string(entry.Payload),
				)
			}
			logger.With("command", "status").Info("status rendered", "run_id", runID)
			return nil
		},
	}
}

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the verification script, fixer command, and state directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stateDir, err := stateDirPath()
			if err != nil {
				return err
			}
			manager, err := doctor.NewManager(cfg, stateDir)
			if err != nil {
				return err
			}
			report, err := manager.Run(cmd.Context(), "")
			if err != nil {
				return err
			}

			for _, check := range report.Checks {
				marker := "ok"
				if !check.OK {
					marker = "FAIL"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[%-4s] %-20s %s\n", marker, check.Name, check.Detail)
			}
			if !report.Healthy() {
				return errors.New("preflight checks failed")
			}
			logger.With("command", "doctor").Info("preflight checks passed")
			return nil
		},
	}
}

func stateDirPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".hammer"), nil
}
