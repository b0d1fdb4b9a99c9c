package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type fakeSource struct {
	ch chan StreamEvent
}

func (f *fakeSource) Events() <-chan StreamEvent { return f.ch }

func newModel(t *testing.T) watchModel {
	t.Helper()
	src := &fakeSource{ch: make(chan StreamEvent, 8)}
	return NewWatchModel(src).(watchModel)
}

func applyEvent(m watchModel, ev StreamEvent) watchModel {
	next, _ := m.Update(eventMsg{event: ev})
	return next.(watchModel)
}

func TestWatchTracksStateChanges(t *testing.T) {
	m := newModel(t)

	m = applyEvent(m, StreamEvent{
		Topic:   "task.state_changed",
		Payload: map[string]any{"TaskID": "task-abc-123", "NewStatus": "running"},
	})
	m = applyEvent(m, StreamEvent{
		Topic:   "loop.step",
		Payload: map[string]any{"TaskID": "task-abc-123", "Step": float64(4)},
	})

	view := m.View()
	if !strings.Contains(view, "running") {
		t.Fatalf("view missing status:\n%s", view)
	}
	if !strings.Contains(view, "task-abc") {
		t.Fatalf("view missing short task id:\n%s", view)
	}
	row := m.tasks["task-abc-123"]
	if row == nil || row.Step != 4 {
		t.Fatalf("expected step 4, got %+v", row)
	}
}

func TestWatchRendersOutcome(t *testing.T) {
	m := newModel(t)

	m = applyEvent(m, StreamEvent{
		Topic: "task.completed",
		Payload: map[string]any{
			"TaskID":  "task-done",
			"Status":  "completed",
			"Success": true,
			"Summary": "inbox cleared",
		},
	})

	row := m.tasks["task-done"]
	if row.Outcome != "ok" || row.Detail != "inbox cleared" {
		t.Fatalf("unexpected row: %+v", row)
	}

	m = applyEvent(m, StreamEvent{
		Topic: "task.failed",
		Payload: map[string]any{
			"TaskID":  "task-bad",
			"Status":  "failed",
			"Success": false,
			"Error":   "environment provisioning failed",
		},
	})
	if m.tasks["task-bad"].Outcome != "fail" {
		t.Fatalf("expected fail outcome, got %+v", m.tasks["task-bad"])
	}
}

func TestWatchIgnoresEventsWithoutTaskID(t *testing.T) {
	m := newModel(t)
	m = applyEvent(m, StreamEvent{Topic: "task.state_changed", Payload: map[string]any{}})
	if len(m.tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(m.tasks))
	}
}

func TestWatchFeedBounded(t *testing.T) {
	m := newModel(t)
	for i := 0; i < maxFeedLines+5; i++ {
		m = applyEvent(m, StreamEvent{
			Topic:   "loop.step",
			Payload: map[string]any{"TaskID": "task-x", "Step": float64(i)},
		})
	}
	if len(m.feed) != maxFeedLines {
		t.Fatalf("expected feed capped at %d, got %d", maxFeedLines, len(m.feed))
	}
}

func TestWatchQuitKeys(t *testing.T) {
	m := newModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command for q")
	}
}

func TestWatchStreamClosed(t *testing.T) {
	m := newModel(t)
	next, _ := m.Update(streamClosedMsg{})
	view := next.(watchModel).View()
	if !strings.Contains(view, "stream closed") {
		t.Fatalf("expected closed marker in view:\n%s", view)
	}
}
