package doctor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hammerloop/hammer/internal/config"
	"github.com/hammerloop/hammer/internal/script"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := &config.Config{
		BaseURL:      "https://api.openai.com/v1",
		FastModel:    "gpt-4o-mini",
		SmartModel:   "gpt-4o",
		ScriptName:   "hammer",
		FixerCommand: "hammer-fix",
	}
	manager, err := NewManager(cfg, filepath.Join(t.TempDir(), ".hammer"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.lookPath = func(string) (string, error) { return "/usr/local/bin/hammer-fix", nil }
	manager.locate = func(string, string) (string, error) { return "/project/hammer", nil }
	return manager
}

func findCheck(t *testing.T, report Report, name string) CheckResult {
	t.Helper()
	for _, check := range report.Checks {
		if check.Name == name {
			return check
		}
	}
	t.Fatalf("check %q missing from report %+v", name, report)
	return CheckResult{}
}

func TestRunAllChecksHealthy(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	report, err := manager.Run(context.Background(), "/project/src")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("report not healthy: %+v", report)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("checks = %d, want 4", len(report.Checks))
	}
}

func TestRunReportsMissingScript(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	manager.locate = func(string, string) (string, error) { return "", script.ErrNotFound }

	report, err := manager.Run(context.Background(), "/project/src")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	check := findCheck(t, report, "verification script")
	if check.OK {
		t.Fatal("script check must fail when no script is found")
	}
	if report.Healthy() {
		t.Fatal("report must not be healthy")
	}
}

func TestRunReportsFixerNotOnPath(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	manager.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	report, err := manager.Run(context.Background(), "/project/src")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	check := findCheck(t, report, "fixer command")
	if check.OK {
		t.Fatal("fixer check must fail when command is missing")
	}
}

func TestRunReportsEmptyModelConfig(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	manager.cfg.FastModel = ""
	manager.cfg.SmartModel = ""

	report, err := manager.Run(context.Background(), "/project/src")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	check := findCheck(t, report, "model config")
	if check.OK {
		t.Fatal("model check must fail without any configured model")
	}
}

func TestStateDirCheckCreatesDirectory(t *testing.T) {
	t.Parallel()

	manager := newTestManager(t)
	report, err := manager.Run(context.Background(), "/project/src")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	check := findCheck(t, report, "state directory")
	if !check.OK {
		t.Fatalf("state directory check failed: %s", check.Detail)
	}
}
