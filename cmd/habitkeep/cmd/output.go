package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
	"habitkeep/backend"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	overdueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderTable prints rows under headers. Terminals get a bordered, styled
// table; pipes and files get plain aligned columns.
func renderTable(w io.Writer, headers []string, rows [][]string) {
	if isTerminal(w) {
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(borderStyle).
			Headers(headers...).
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle.Padding(0, 1)
				}
				return cellStyle
			})
		_, _ = fmt.Fprintln(w, t.String())
		return
	}

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
	writeRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if i == len(cells)-1 {
				parts[i] = cell
				continue
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	writeRow(headers)
	for _, row := range rows {
		writeRow(row)
	}
}

// styled applies style only when w is a terminal
func styled(w io.Writer, style lipgloss.Style, s string) string {
	if !isTerminal(w) {
		return s
	}
	return style.Render(s)
}

// getStatusIcon returns the checkbox for a task status
func getStatusIcon(status backend.TaskStatus) string {
	switch status {
	case backend.StatusComplete:
		return "[x]"
	case backend.StatusFailed:
		return "[!]"
	default:
		return "[ ]"
	}
}

func statusStyle(status backend.TaskStatus) lipgloss.Style {
	switch status {
	case backend.StatusComplete:
		return doneStyle
	case backend.StatusFailed:
		return failedStyle
	default:
		return lipgloss.NewStyle()
	}
}

// shortID shortens a uuid for display. Any unique prefix is accepted back.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDue renders a due date and optional time
func formatDue(date *time.Time, dueTime string) string {
	if date == nil {
		return ""
	}
	s := date.Format("2006-01-02")
	if dueTime != "" {
		s += " " + dueTime
	}
	return s
}

// formatTimestamp renders t in local time, or "never" for nil
func formatTimestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
