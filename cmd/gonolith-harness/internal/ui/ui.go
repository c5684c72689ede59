// Package ui renders gonolith-harness console output
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	cellStyle   = lipgloss.NewStyle().PaddingRight(1)
	headerStyle = cellStyle.Bold(true)
)

// UI writes status lines, key/value pairs and tables. Errors go to the
// error stream, everything else to the output stream.
type UI struct {
	out io.Writer
	err io.Writer
}

// NewUI creates a UI on stdout and stderr
func NewUI() *UI {
	return New(os.Stdout, os.Stderr)
}

// New creates a UI on the given writers
func New(out, err io.Writer) *UI {
	return &UI{out: out, err: err}
}

func (u *UI) mark(w io.Writer, style lipgloss.Style, symbol, msg string) {
	fmt.Fprintln(w, style.Render(symbol+" "+msg))
}

// Success reports a completed step
func (u *UI) Success(msg string) { u.mark(u.out, okStyle, "✓", msg) }

// Error reports a failure on the error stream
func (u *UI) Error(msg string) { u.mark(u.err, badStyle, "✗", msg) }

// Warning reports a degraded but non-fatal condition
func (u *UI) Warning(msg string) { u.mark(u.out, warnStyle, "⚠", msg) }

// Info reports progress
func (u *UI) Info(msg string) { u.mark(u.out, infoStyle, "ℹ", msg) }

// Subtle prints a muted line
func (u *UI) Subtle(msg string) {
	fmt.Fprintln(u.out, mutedStyle.Render(msg))
}

// Println prints msg unstyled
func (u *UI) Println(msg string) {
	fmt.Fprintln(u.out, msg)
}

// Header prints a section title
func (u *UI) Header(title string) {
	fmt.Fprintln(u.out, titleStyle.Render(title))
}

// KeyValue prints an indented "key: value" line
func (u *UI) KeyValue(key, value string) {
	fmt.Fprintf(u.out, "  %s: %s\n", mutedStyle.Render(key), value)
}

// State colors a node, run or health state name
func State(state string) string {
	switch strings.ToLower(state) {
	case "running", "succeeded", "healthy":
		return okStyle.Render(state)
	case "failed", "unreachable":
		return badStyle.Render(state)
	case "starting", "stopping":
		return warnStyle.Render(state)
	default:
		return mutedStyle.Render(state)
	}
}

// Table collects rows and renders them with a header rule and column
// separators. Cells may be pre-styled.
type Table struct {
	u       *UI
	t       *table.Table
	columns int
	rows    int
}

// NewTable creates a table with the given column headers
func (u *UI) NewTable(headers ...string) *Table {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return &Table{u: u, t: t, columns: len(headers)}
}

// AddRow appends a row; missing trailing cells render empty
func (t *Table) AddRow(cells ...string) {
	for len(cells) < t.columns {
		cells = append(cells, "")
	}
	t.t.Row(cells...)
	t.rows++
}

// Len returns the number of rows
func (t *Table) Len() int {
	return t.rows
}

// Render writes the table. A table without columns renders nothing.
func (t *Table) Render() {
	if t.columns == 0 {
		return
	}
	fmt.Fprintln(t.u.out, t.t.Render())
}
