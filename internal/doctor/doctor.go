// Package doctor runs preflight checks so a broken setup is reported
// before a loop starts instead of mid-run.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hammerloop/hammer/internal/config"
	"github.com/hammerloop/hammer/internal/script"
)

// CheckResult is the outcome of one preflight check.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Report aggregates all preflight checks.
type Report struct {
	Checks []CheckResult `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

// Manager executes preflight checks against the loaded configuration.
type Manager struct {
	cfg      *config.Config
	stateDir string
	lookPath func(string) (string, error)
	locate   func(startDir, name string) (string, error)
}

// NewManager builds a preflight manager. stateDir is the hammer state
// directory, typically ~/.hammer.
func NewManager(cfg *config.Config, stateDir string) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	stateDir = strings.TrimSpace(stateDir)
	if stateDir == "" {
		return nil, errors.New("state directory is required")
	}
	return &Manager{
		cfg:      cfg,
		stateDir: stateDir,
		lookPath: exec.LookPath,
		locate:   script.Locate,
	}, nil
}

// Run executes all preflight checks from startDir.
func (m *Manager) Run(ctx context.Context, startDir string) (Report, error) {
	if m == nil {
		return Report{}, errors.New("doctor manager is nil")
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	startDir = strings.TrimSpace(startDir)
	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return Report{}, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	report := Report{Checks: []CheckResult{
		m.checkScript(startDir),
		m.checkFixer(),
		m.checkStateDir(),
		m.checkModels(),
	}}
	return report, nil
}

func (m *Manager) checkScript(startDir string) CheckResult {
	name := strings.TrimSpace(m.cfg.ScriptName)
	if name == "" {
		return CheckResult{Name: "verification script", Detail: "script_name is empty in config"}
	}
	path, err := m.locate(startDir, name)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			return CheckResult{
				Name:   "verification script",
				Detail: fmt.Sprintf("no %q found between %s and the filesystem root", name, startDir),
			}
		}
		return CheckResult{Name: "verification script", Detail: err.Error()}
	}
	return CheckResult{Name: "verification script", OK: true, Detail: path}
}

func (m *Manager) checkFixer() CheckResult {
	command := strings.TrimSpace(m.cfg.FixerCommand)
	if command == "" {
		return CheckResult{Name: "fixer command", Detail: "fixer_command is empty in config"}
	}
	path, err := m.lookPath(command)
	if err != nil {
		return CheckResult{
			Name:   "fixer command",
			Detail: fmt.Sprintf("%q is not on PATH", command),
		}
	}
	return CheckResult{Name: "fixer command", OK: true, Detail: path}
}

func (m *Manager) checkStateDir() CheckResult {
	if err := os.MkdirAll(m.stateDir, 0o750); err != nil {
		return CheckResult{Name: "state directory", Detail: err.Error()}
	}
	probe := filepath.Join(m.stateDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name:   "state directory",
			Detail: fmt.Sprintf("%s is not writable: %v", m.stateDir, err),
		}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "state directory", OK: true, Detail: m.stateDir}
}

func (m *Manager) checkModels() CheckResult {
	if strings.TrimSpace(m.cfg.BaseURL) == "" {
		return CheckResult{Name: "model config", Detail: "base_url is empty in config"}
	}
	if strings.TrimSpace(m.cfg.FastModel) == "" && strings.TrimSpace(m.cfg.SmartModel) == "" {
		return CheckResult{Name: "model config", Detail: "no fast_model or smart_model configured"}
	}
	return CheckResult{
		Name:   "model config",
		OK:     true,
		Detail: fmt.Sprintf("fast=%s smart=%s", m.cfg.FastModel, m.cfg.SmartModel),
	}
}
