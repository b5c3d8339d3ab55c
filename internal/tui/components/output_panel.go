package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/hammerloop/hammer/internal/tui/theme"
)

const (
	outputPanelCompactWidthThreshold = 120
	outputPanelStandardLines         = 20
	outputPanelCompactLines          = 10
	outputPanelSmallTerminalLines    = 4
	outputPanelDefaultMaxLines       = 500
)

// OutputPanelConfig contains render-time settings for the streamed output panel.
type OutputPanelConfig struct {
	Width          int
	Height         int
	TerminalHeight int
	Lines          []string
	MaxLines       int
	AutoScroll     bool
}

// ResolveOutputLineCount computes visible viewport lines for the current layout.
func ResolveOutputLineCount(width int, terminalHeight int) int {
	if terminalHeight > 0 && terminalHeight < 30 {
		return outputPanelSmallTerminalLines
	}
	if width > 0 && width < outputPanelCompactWidthThreshold {
		return outputPanelCompactLines
	}
	return outputPanelStandardLines
}

// BuildOutputViewport constructs a viewport model over the sink's lines.
func BuildOutputViewport(config OutputPanelConfig) viewport.Model {
	viewWidth := config.Width
	if viewWidth < 24 {
		viewWidth = 24
	}

	viewHeight := ResolveOutputLineCount(config.Width, config.TerminalHeight)
	if config.Height > 0 && config.Height < viewHeight {
		viewHeight = config.Height
	}
	if viewHeight < 2 {
		viewHeight = 2
	}

	lines := clampLines(config.Lines, config.MaxLines)
	if len(lines) == 0 {
		lines = []string{lipgloss.NewStyle().Foreground(theme.SlateColor).Faint(true).Render("No output yet")}
	}

	model := viewport.New(viewWidth, viewHeight)
	model.SetContent(strings.Join(lines, "\n"))
	if config.AutoScroll {
		model.GotoBottom()
	}
	return model
}

// RenderOutputPanel renders the scrollable output viewport string.
func RenderOutputPanel(config OutputPanelConfig) string {
	return BuildOutputViewport(config).View()
}

func clampLines(lines []string, maxLines int) []string {
	limit := maxLines
	if limit <= 0 {
		limit = outputPanelDefaultMaxLines
	}
	if len(lines) > limit {
		return append([]string(nil), lines[len(lines)-limit:]...)
	}
	return lines
}
