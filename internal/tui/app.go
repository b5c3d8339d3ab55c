// Package tui renders a live view of a running hammer loop: the current
// phase, the streamed output surface, and stall warnings.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hammerloop/hammer/internal/events"
	"github.com/hammerloop/hammer/internal/sink"
	"github.com/hammerloop/hammer/internal/state"
	"github.com/hammerloop/hammer/internal/tui/components"
	"github.com/hammerloop/hammer/internal/tui/theme"
)

const eventChannelCapacity = 256

// EventMsg delivers one bus event into the bubbletea update loop.
type EventMsg struct {
	Event events.Event
}

// LoopFinishedMsg signals that the loop reached a terminal state.
type LoopFinishedMsg struct {
	FinalState string
}

// Model is the bubbletea model for the loop view.
type Model struct {
	output *sink.Buffer
	queue  chan events.Event

	width       int
	height      int
	phase       string
	runID       string
	target      string
	statusLine  string
	corrections int
	finished    bool
	stalled     bool
	quitting    bool
}

// NewModel builds the loop view model and subscribes it to the bus.
func NewModel(bus events.Bus, output *sink.Buffer) (*Model, error) {
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if output == nil {
		return nil, fmt.Errorf("output sink is required")
	}

	model := &Model{
		output: output,
		queue:  make(chan events.Event, eventChannelCapacity),
		phase:  state.LoopIdle,
	}
	bus.SubscribeAll(func(event events.Event) {
		select {
		case model.queue <- event:
		default:
		}
	})
	return model, nil
}

// Init starts listening for bus events.
func (m *Model) Init() tea.Cmd {
	return m.waitForEvent()
}

// Update handles key, resize, and bus event messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case EventMsg:
		m.applyEvent(msg.Event)
		if state.IsTerminal(state.EntityLoop, m.phase) {
			return m, tea.Batch(m.waitForEvent(), func() tea.Msg {
				return LoopFinishedMsg{FinalState: m.phase}
			})
		}
		return m, m.waitForEvent()
	case LoopFinishedMsg:
		m.finished = true
		m.phase = msg.FinalState
		m.stalled = false
	}
	return m, nil
}

// View renders the phase header, output panel, and status footer.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	compact := m.width > 0 && m.width < 80
	header := components.RenderPhaseIndicator(m.phase, m.corrections, compact)
	if m.target != "" {
		header = lipgloss.JoinHorizontal(
			lipgloss.Left,
			header,
			"  ",
			theme.InfoStyle.Render(m.target),
		)
	}

	panel := theme.PanelBorder.Render(components.RenderOutputPanel(components.OutputPanelConfig{
		Width:          m.width - 4,
		TerminalHeight: m.height,
		Lines:          m.output.Lines(),
		AutoScroll:     true,
	}))

	footer := theme.MutedStyle.Render("q quit")
	if m.finished {
		footer = theme.MutedStyle.Render("finished, press q to exit")
	}
	if m.stalled {
		footer = theme.WarningStyle.Render(theme.IconAlert+" no output for a while") + "  " + footer
	}
	if m.statusLine != "" {
		footer = theme.InfoStyle.Render(m.statusLine) + "  " + footer
	}

	return strings.Join([]string{header, panel, footer}, "\n")
}

func (m *Model) applyEvent(event events.Event) {
	if event.RunID != "" {
		m.runID = event.RunID
	}
	if event.Target != "" {
		m.target = event.Target
	}

	switch event.Type {
	case events.EventTypeLoopTransition:
		if payload, ok := event.Payload.(map[string]string); ok {
			if to := strings.TrimSpace(payload["to"]); to != "" {
				m.phase = to
				if to == state.LoopCorrecting {
					m.corrections++
				}
			}
		}
		m.stalled = false
	case events.EventTypeStatusLine:
		if line, ok := event.Payload.(string); ok {
			m.statusLine = line
		}
	case events.EventTypeStallWarning:
		m.stalled = true
	case events.EventTypeRunChunk:
		m.stalled = false
	}
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return EventMsg{Event: <-m.queue}
	}
}

var _ tea.Model = (*Model)(nil)
