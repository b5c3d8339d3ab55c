package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hammerloop/hammer/internal/events"
	"github.com/hammerloop/hammer/internal/sink"
	"github.com/hammerloop/hammer/internal/state"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	model, err := NewModel(events.New(), sink.NewBuffer())
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return model
}

func TestUpdateTransitionEventChangesPhase(t *testing.T) {
	t.Parallel()

	model := newTestModel(t)
	updated, _ := model.Update(EventMsg{Event: events.Event{
		Type:    events.EventTypeLoopTransition,
		RunID:   "run-1",
		Payload: map[string]string{"from": state.LoopIdle, "to": state.LoopVerifying},
	}})

	got := updated.(*Model)
	if got.phase != state.LoopVerifying {
		t.Fatalf("phase = %q, want %q", got.phase, state.LoopVerifying)
	}
}

func TestUpdateTerminalTransitionEmitsFinishedMsg(t *testing.T) {
	t.Parallel()

	model := newTestModel(t)
	_, cmd := model.Update(EventMsg{Event: events.Event{
		Type:    events.EventTypeLoopTransition,
		Payload: map[string]string{"to": state.LoopSucceeded},
	}})
	if cmd == nil {
		t.Fatal("terminal transition must produce a command batch")
	}
}

func TestUpdateCountsCorrectionPasses(t *testing.T) {
	t.Parallel()

	model := newTestModel(t)
	transitions := []map[string]string{
		{"from": state.LoopIdle, "to": state.LoopVerifying},
		{"from": state.LoopVerifying, "to": state.LoopCorrecting},
		{"from": state.LoopCorrecting, "to": state.LoopVerifying},
		{"from": state.LoopVerifying, "to": state.LoopCorrecting},
	}

	var updated tea.Model = model
	for _, payload := range transitions {
		updated, _ = updated.(*Model).Update(EventMsg{Event: events.Event{
			Type:    events.EventTypeLoopTransition,
			Payload: payload,
		}})
	}

	if got := updated.(*Model).corrections; got != 2 {
		t.Fatalf("corrections = %d, want 2", got)
	}
}

func TestUpdateLoopFinishedMsgMarksViewFinished(t *testing.T) {
	t.Parallel()

	model := newTestModel(t)
	model.width = 100
	model.height = 40

	updated, _ := model.Update(LoopFinishedMsg{FinalState: state.LoopSucceeded})
	got := updated.(*Model)
	if !got.finished {
		t.Fatal("finished flag must be set")
	}
	if got.phase != state.LoopSucceeded {
		t.Fatalf("phase = %q, want %q", got.phase, state.LoopSucceeded)
	}
	if !strings.Contains(got.View(), "finished, press q to exit") {
		t.Fatal("finished hint missing from footer")
	}
}

func TestUpdateStallWarningShowsInFooter(t *testing.T) {
	t.Parallel()

	model := newTestModel(t)
	model.width = 100
	model.height = 40

	updated, _ := model.Update(EventMsg{Event: events.Event{Type: events.EventTypeStallWarning}})
	view := updated.(*Model).View()
	if !strings.Contains(view, "no output for a while") {
		t.Fatal("stall warning missing from view")
	}

	// Fresh output clears the stall flag.
	updated, _ = updated.(*Model).Update(EventMsg{Event: events.Event{Type: events.EventTypeRunChunk}})
	view = updated.(*Model).View()
	if strings.Contains(view, "no output for a while") {
		t.Fatal("stall warning must clear on new output")
	}
}

func TestUpdateQuitKeys(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"q", "ctrl+c", "esc"} {
		model := newTestModel(t)
		var msg tea.KeyMsg
		switch key {
		case "ctrl+c":
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
		}
		_, cmd := model.Update(msg)
		if cmd == nil {
			t.Fatalf("key %q must quit", key)
		}
	}
}

func TestViewRendersOutputLines(t *testing.T) {
	t.Parallel()

	output := sink.NewBuffer()
	model, err := NewModel(events.New(), output)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	model.width = 100
	model.height = 40

	output.AppendChunk("compiling main.go\n")
	view := model.View()
	if !strings.Contains(view, "compiling main.go") {
		t.Fatalf("view missing output line:\n%s", view)
	}
}
