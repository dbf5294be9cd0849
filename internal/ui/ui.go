// Package ui renders CLI output: styled status words, aligned tables and
// relative times. Color is dropped automatically when the writer is not a
// terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Printer writes styled output to one writer.
type Printer struct {
	w io.Writer

	header   lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	err      lipgloss.Style
	muted    lipgloss.Style
	emphasis lipgloss.Style
}

// New returns a Printer for w. noColor forces plain output.
func New(w io.Writer, noColor bool) *Printer {
	r := lipgloss.NewRenderer(w)
	p := &Printer{w: w}
	if noColor || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
		plain := r.NewStyle()
		p.header, p.ok, p.warn, p.err, p.muted, p.emphasis = plain, plain, plain, plain, plain, plain
		return p
	}
	p.header = r.NewStyle().Bold(true).Underline(true)
	p.ok = r.NewStyle().Foreground(lipgloss.Color("2"))
	p.warn = r.NewStyle().Foreground(lipgloss.Color("3"))
	p.err = r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	p.muted = r.NewStyle().Foreground(lipgloss.Color("8"))
	p.emphasis = r.NewStyle().Bold(true)
	return p
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// Title writes a bold heading line.
func (p *Printer) Title(s string) {
	_, _ = fmt.Fprintln(p.w, p.emphasis.Render(s))
}

// Success writes a line prefixed with a check mark.
func (p *Printer) Success(format string, args ...any) {
	_, _ = fmt.Fprintln(p.w, p.ok.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// Warn writes a warning line.
func (p *Printer) Warn(format string, args ...any) {
	_, _ = fmt.Fprintln(p.w, p.warn.Render("!")+" "+fmt.Sprintf(format, args...))
}

// Error writes an error line.
func (p *Printer) Error(format string, args ...any) {
	_, _ = fmt.Fprintln(p.w, p.err.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Muted renders s dimmed.
func (p *Printer) Muted(s string) string { return p.muted.Render(s) }

// Status renders a sync or table status word in its color.
func (p *Printer) Status(s string) string {
	switch s {
	case "synced", "ok", "idle", "apply_server", "merge":
		return p.ok.Render(s)
	case "pending", "never", "running_full", "running_incremental", "keep_local", "paused":
		return p.warn.Render(s)
	case "failed", "conflict", "error":
		return p.err.Render(s)
	default:
		return s
	}
}

// Table writes rows under headers with columns padded to the widest cell.
// Cells may already contain styling.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		var b strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(style(cell))
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)))
			}
		}
		_, _ = fmt.Fprintln(p.w, b.String())
	}

	line(headers, func(s string) string { return p.header.Render(s) })
	for _, row := range rows {
		line(row, func(s string) string { return s })
	}
}

// Ago formats the time since t relative to now, e.g. "3m ago".
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Truncate shortens s to n display cells, marking the cut with "…".
func Truncate(s string, n int) string {
	if n <= 0 || lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r)) > n-1 {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}
