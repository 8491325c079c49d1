// Package ui renders epicctl output with lipgloss.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/example/epicflow/pkg/api"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	barFull      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	barEmpty     = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

var statusColors = map[string]lipgloss.Color{
	"pending":   "252",
	"blocked":   "241",
	"assigned":  "14",
	"running":   "12",
	"completed": "10",
	"failed":    "9",
	"skipped":   "11",
	"planning":  "252",
	"planned":   "14",
	"executing": "12",
	"paused":    "11",
	"cancelled": "241",
}

// Status renders a subtask or execution status in its color.
func Status(s string) string {
	c, ok := statusColors[s]
	if !ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// PrintHeader prints a section header
func PrintHeader(w io.Writer, title string) {
	fmt.Fprintln(w, headerStyle.Render(title))
}

// PrintSuccess prints a success message
func PrintSuccess(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", successStyle.Render("✓"), message)
}

// PrintError prints an error message
func PrintError(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", errorStyle.Render("✗"), message)
}

// PrintWarning prints a warning message
func PrintWarning(w io.Writer, message string) {
	fmt.Fprintf(w, "%s %s\n", warnStyle.Render("⚠"), message)
}

// PrintInfo prints an informational message
func PrintInfo(w io.Writer, message string) {
	fmt.Fprintf(w, "  %s\n", message)
}

// Table renders rows under bold headers. Cells may carry ANSI styling;
// widths are measured on the visible text.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style lipgloss.Style) {
		var row strings.Builder
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			row.WriteString(style.Render(cell))
			row.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
		}
		b.WriteString(strings.TrimRight(row.String(), " "))
		b.WriteByte('\n')
	}
	line(headers, headerStyle)
	for _, row := range rows {
		line(row, lipgloss.NewStyle())
	}
	return b.String()
}

// ProgressBar renders a bar of width cells for p.
func ProgressBar(p api.Progress, width int) string {
	if width <= 0 {
		width = 30
	}
	filled := 0
	if p.Total > 0 {
		filled = width * (p.Completed + p.Skipped) / p.Total
	}
	return barFull.Render(strings.Repeat("█", filled)) +
		barEmpty.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %d%%", p.Percent)
}

// ProgressLine summarizes the status counts of p.
func ProgressLine(p api.Progress) string {
	return fmt.Sprintf("%d total · %d completed · %d running · %d pending · %d blocked · %d failed · %d skipped",
		p.Total, p.Completed, p.Running+p.Assigned, p.Pending, p.Blocked, p.Failed, p.Skipped)
}

// SubtaskRows builds status table rows for subtasks, resolving dependency
// IDs back to refs.
func SubtaskRows(subtasks []api.Subtask) [][]string {
	refs := make(map[string]string, len(subtasks))
	for _, st := range subtasks {
		refs[st.ID] = st.Ref
	}
	rows := make([][]string, 0, len(subtasks))
	for _, st := range subtasks {
		deps := make([]string, 0, len(st.DependsOn))
		for _, d := range st.DependsOn {
			if ref, ok := refs[d]; ok {
				d = ref
			}
			deps = append(deps, d)
		}
		rows = append(rows, []string{
			st.Ref,
			Status(st.DisplayStatus),
			truncate(st.Title, 40),
			strings.Join(deps, ","),
			fmt.Sprintf("%d/%d", st.RetryCount, st.MaxRetries),
			dimStyle.Render(truncate(st.ErrorMessage, 40)),
		})
	}
	return rows
}

// SubtaskHeaders are the columns of SubtaskRows.
var SubtaskHeaders = []string{"REF", "STATUS", "TITLE", "NEEDS", "RETRIES", "ERROR"}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
