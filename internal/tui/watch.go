// Package tui renders a live terminal monitor for running tasks, fed by
// the daemon's WebSocket event stream.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StreamEvent is one decoded event from the daemon's /ws stream.
type StreamEvent struct {
	Topic   string
	Payload map[string]any
}

// EventSource yields stream events until the channel closes.
type EventSource interface {
	Events() <-chan StreamEvent
}

type eventMsg struct {
	event StreamEvent
}

type streamClosedMsg struct{}

type tickMsg struct{}

const maxFeedLines = 12

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// taskRow is the monitor's view of one task, built up from events.
type taskRow struct {
	ID      string
	Status  string
	Step    int
	Detail  string
	SeenAt  time.Time
	Outcome string // "", "ok", "fail"
}

type watchModel struct {
	source EventSource
	tasks  map[string]*taskRow
	feed   []string
	closed bool
	width  int
}

// NewWatchModel builds the monitor model around an event source.
func NewWatchModel(source EventSource) tea.Model {
	return watchModel{
		source: source,
		tasks:  make(map[string]*taskRow),
	}
}

// RunWatch blocks rendering the monitor until the user quits or the
// stream closes.
func RunWatch(ctx context.Context, source EventSource) error {
	p := tea.NewProgram(NewWatchModel(source), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), tick())
}

func (m watchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.source.Events()
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case eventMsg:
		m.apply(msg.event)
		return m, m.waitForEvent()
	case streamClosedMsg:
		m.closed = true
		return m, nil
	case tickMsg:
		// Re-render so ages in the task table advance.
		return m, tick()
	}
	return m, nil
}

// apply folds one stream event into the task table and the feed.
func (m *watchModel) apply(ev StreamEvent) {
	id, _ := ev.Payload["TaskID"].(string)
	if id == "" {
		return
	}
	row, ok := m.tasks[id]
	if !ok {
		row = &taskRow{ID: id}
		m.tasks[id] = row
	}
	row.SeenAt = time.Now()

	switch {
	case strings.HasSuffix(ev.Topic, "state_changed"):
		if st, ok := ev.Payload["NewStatus"].(string); ok {
			row.Status = st
		}
		if d, ok := ev.Payload["Detail"].(string); ok && d != "" {
			row.Detail = d
		}
	case strings.HasPrefix(ev.Topic, "loop.step"):
		if step, ok := ev.Payload["Step"].(float64); ok {
			row.Step = int(step)
		}
	case strings.HasPrefix(ev.Topic, "task.completed"),
		strings.HasPrefix(ev.Topic, "task.failed"),
		strings.HasPrefix(ev.Topic, "task.cancelled"):
		if st, ok := ev.Payload["Status"].(string); ok {
			row.Status = st
		}
		if success, ok := ev.Payload["Success"].(bool); ok && success {
			row.Outcome = "ok"
		} else {
			row.Outcome = "fail"
		}
		if s, ok := ev.Payload["Summary"].(string); ok && s != "" {
			row.Detail = s
		}
		if e, ok := ev.Payload["Error"].(string); ok && e != "" {
			row.Detail = e
		}
	case strings.HasPrefix(ev.Topic, "env."):
		if d, ok := ev.Payload["Detail"].(string); ok && d != "" {
			row.Detail = d
		}
	}

	m.feed = append(m.feed, fmt.Sprintf("%s  %s  %s",
		time.Now().Format("15:04:05"), ev.Topic, shortID(id)))
	if len(m.feed) > maxFeedLines {
		m.feed = m.feed[len(m.feed)-maxFeedLines:]
	}
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("helmsman watch"))
	if m.closed {
		b.WriteString(dimStyle.Render("  (stream closed)"))
	}
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(dimStyle.Render("waiting for task events...") + "\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-22s %6s  %s", "TASK", "STATUS", "STEP", "DETAIL")) + "\n")
		for _, row := range m.sortedRows() {
			status := row.Status
			switch row.Outcome {
			case "ok":
				status = okStyle.Render(status)
			case "fail":
				status = failStyle.Render(status)
			}
			detail := row.Detail
			if m.width > 48 && len(detail) > m.width-48 {
				detail = detail[:m.width-48] + "…"
			}
			b.WriteString(fmt.Sprintf("%-10s %-22s %6d  %s\n", shortID(row.ID), status, row.Step, detail))
		}
	}

	if len(m.feed) > 0 {
		b.WriteString("\n" + dimStyle.Render(strings.Join(m.feed, "\n")) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("q to quit"))
	return b.String()
}

// sortedRows orders tasks newest-first for display.
func (m watchModel) sortedRows() []*taskRow {
	rows := make([]*taskRow, 0, len(m.tasks))
	for _, r := range m.tasks {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SeenAt.After(rows[j].SeenAt) })
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
