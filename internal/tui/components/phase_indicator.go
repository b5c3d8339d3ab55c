package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hammerloop/hammer/internal/state"
	"github.com/hammerloop/hammer/internal/tui/theme"
)

type phaseLabel struct {
	key     string
	full    string
	compact string
}

var phaseLabels = []phaseLabel{
	{key: state.LoopIdle, full: "IDLE", compact: "I"},
	{key: state.LoopVerifying, full: "VERIFY", compact: "V"},
	{key: state.LoopCorrecting, full: "CORRECT", compact: "C"},
}

// RenderPhaseIndicator renders the verify-correct cycle with the current
// phase highlighted. Terminal states render as a colored badge instead.
func RenderPhaseIndicator(currentState string, corrections int, compact bool) string {
	current := normalizeState(currentState)
	if badge, ok := terminalBadge(current, compact); ok {
		return badge
	}

	parts := make([]string, 0, len(phaseLabels)*2-1)
	for i, phase := range phaseLabels {
		label := phase.full
		if compact {
			label = phase.compact
		}
		parts = append(parts, phaseStyle(current == phase.key).Render(label))

		if i < len(phaseLabels)-1 {
			parts = append(parts, theme.MutedStyle.Render(phaseSeparator(compact)))
		}
	}
	if corrections > 0 && !compact {
		parts = append(parts, theme.InfoStyle.Render(strings.Repeat(" "+theme.IconDone, corrections)))
	}
	return strings.Join(parts, "")
}

func terminalBadge(current string, compact bool) (string, bool) {
	switch current {
	case state.LoopSucceeded:
		return theme.SuccessStyle.Render(badgeText(theme.IconDone, "PASSED", compact)), true
	case state.LoopBudgetExhausted:
		return theme.ErrorStyle.Render(badgeText(theme.IconFailed, "LIMIT REACHED", compact)), true
	case state.LoopScriptMissing:
		return theme.WarningStyle.Render(badgeText(theme.IconAlert, "NO SCRIPT", compact)), true
	case state.LoopSpawnFailed:
		return theme.ErrorStyle.Render(badgeText(theme.IconFailed, "SPAWN FAILED", compact)), true
	default:
		return "", false
	}
}

func badgeText(icon, label string, compact bool) string {
	if compact {
		return icon
	}
	return icon + " " + label
}

func phaseStyle(isCurrent bool) lipgloss.Style {
	if isCurrent {
		return theme.ActiveStyle
	}
	return theme.MutedStyle
}

func phaseSeparator(compact bool) string {
	if compact {
		return ">"
	}
	return " -> "
}

func normalizeState(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	return normalized
}
