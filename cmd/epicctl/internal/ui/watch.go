package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/example/epicflow/pkg/api"
)

// Fetcher loads the current state of the watched execution.
type Fetcher func(ctx context.Context) (*api.ExecutionDetail, error)

type detailMsg struct {
	detail *api.ExecutionDetail
	err    error
}

type tickMsg time.Time

// WatchModel is the bubbletea model of the live execution view. It polls
// until the execution finishes or the user quits.
type WatchModel struct {
	fetch    Fetcher
	interval time.Duration
	detail   *api.ExecutionDetail
	err      error
	started  time.Time
	updated  time.Time
	done     bool
	quitting bool
}

// NewWatchModel creates a model polling fetch every interval.
func NewWatchModel(fetch Fetcher, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return WatchModel{fetch: fetch, interval: interval, started: time.Now()}
}

// Init starts the first poll.
func (m WatchModel) Init() tea.Cmd {
	return m.poll()
}

func (m WatchModel) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d, err := fetch(ctx)
		return detailMsg{detail: d, err: err}
	}
}

// Update handles messages and updates the model
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case detailMsg:
		m.err = msg.err
		if msg.err == nil {
			m.detail = msg.detail
			m.updated = time.Now()
			if Finished(m.detail.Execution.Status) {
				m.done = true
				return m, tea.Quit
			}
		}
		return m, tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })

	case tickMsg:
		return m, m.poll()
	}
	return m, nil
}

// View renders the current state.
func (m WatchModel) View() string {
	var b strings.Builder
	if m.detail == nil {
		if m.err != nil {
			b.WriteString(errorStyle.Render("✗ "+m.err.Error()) + "\n")
		} else {
			b.WriteString(dimStyle.Render("loading…") + "\n")
		}
		return b.String()
	}

	exec := m.detail.Execution
	b.WriteString(headerStyle.Render("Execution "+exec.ID) + "  " + Status(exec.Status) + "\n")
	if exec.PlanSummary != "" {
		b.WriteString(dimStyle.Render(exec.PlanSummary) + "\n")
	}
	b.WriteString("\n" + ProgressBar(m.detail.Progress, 30) + "\n")
	b.WriteString(ProgressLine(m.detail.Progress) + "\n\n")
	b.WriteString(Table(SubtaskHeaders, SubtaskRows(m.detail.Subtasks)))
	if exec.ErrorMessage != "" {
		b.WriteString("\n" + errorStyle.Render(exec.ErrorMessage) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + warnStyle.Render("refresh failed: "+m.err.Error()) + "\n")
	}

	footer := fmt.Sprintf("elapsed %s", FormatDuration(time.Since(m.started)))
	if !m.done {
		footer += " · q to quit"
	}
	b.WriteString("\n" + dimStyle.Render(footer) + "\n")
	return b.String()
}

// Detail returns the last loaded state.
func (m WatchModel) Detail() *api.ExecutionDetail { return m.detail }

// Finished reports whether an execution status is terminal.
func Finished(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// RunWatch runs the live view on out until the execution finishes or the
// user quits, and returns the last loaded state.
func RunWatch(fetch Fetcher, interval time.Duration, out io.Writer) (*api.ExecutionDetail, error) {
	p := tea.NewProgram(NewWatchModel(fetch, interval), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	m := final.(WatchModel)
	if m.detail == nil && m.err != nil {
		return nil, m.err
	}
	return m.detail, nil
}
