// Package theme defines the hammer TUI palette and shared styles.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Ember is the primary accent for the active phase.
	Ember = "#FF8844"
	// Steel is the informational blue-gray.
	Steel = "#8FA8C8"
	// Rust is the high-severity red.
	Rust = "#FF4444"
	// Amber is the caution yellow.
	Amber = "#FFC044"
	// Moss is the success green.
	Moss = "#44DD66"
	// Slate is the muted neutral.
	Slate = "#5A5A72"
	// Chalk is the primary text color.
	Chalk = "#F2F3F8"
	// Ash is the secondary text color.
	Ash = "#C4C4CC"
)

const (
	// IconDone indicates a finished step.
	IconDone = "✓"
	// IconRunning indicates an in-flight step.
	IconRunning = "▸"
	// IconFailed indicates a failed step.
	IconFailed = "✗"
	// IconAlert indicates a warning.
	IconAlert = "⚠"
)

var (
	// EmberColor is the profile-aware terminal color for Ember.
	EmberColor = paletteColor(Ember, "208", "11")
	// SteelColor is the profile-aware terminal color for Steel.
	SteelColor = paletteColor(Steel, "110", "12")
	// RustColor is the profile-aware terminal color for Rust.
	RustColor = paletteColor(Rust, "203", "9")
	// AmberColor is the profile-aware terminal color for Amber.
	AmberColor = paletteColor(Amber, "220", "11")
	// MossColor is the profile-aware terminal color for Moss.
	MossColor = paletteColor(Moss, "41", "10")
	// SlateColor is the profile-aware terminal color for Slate.
	SlateColor = paletteColor(Slate, "60", "8")
	// ChalkColor is the profile-aware terminal color for Chalk.
	ChalkColor = paletteColor(Chalk, "255", "15")
	// AshColor is the profile-aware terminal color for Ash.
	AshColor = paletteColor(Ash, "251", "7")
)

var (
	// ActiveStyle marks the currently active interface element.
	ActiveStyle = lipgloss.NewStyle().Foreground(EmberColor).Bold(true)
	// SuccessStyle marks successful states.
	SuccessStyle = lipgloss.NewStyle().Foreground(MossColor).Bold(true)
	// ErrorStyle marks error states.
	ErrorStyle = lipgloss.NewStyle().Foreground(RustColor).Bold(true)
	// WarningStyle marks warning states.
	WarningStyle = lipgloss.NewStyle().Foreground(AmberColor).Bold(true)
	// InfoStyle marks informational text.
	InfoStyle = lipgloss.NewStyle().Foreground(SteelColor)
	// MutedStyle marks inactive or background text.
	MutedStyle = lipgloss.NewStyle().Foreground(SlateColor).Faint(true)
)

var (
	// PanelBorder is the default panel border style.
	PanelBorder = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(SlateColor)
)

var colorProfileFn = lipgloss.ColorProfile

func paletteColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.TrueColor:
		// AdaptiveColor keeps light/dark terminal detection in TrueColor mode.
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	case termenv.ANSI256, termenv.ANSI:
		return lipgloss.CompleteAdaptiveColor{
			Light: lipgloss.CompleteColor{
				TrueColor: hex,
				ANSI256:   ansi256,
				ANSI:      ansi,
			},
			Dark: lipgloss.CompleteColor{
				TrueColor: hex,
				ANSI256:   ansi256,
				ANSI:      ansi,
			},
		}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
