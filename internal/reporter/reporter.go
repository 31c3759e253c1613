// Package reporter renders status, warning, and error lines to a
// terminal, colorizing them when the output stream is a tty.
package reporter

import (
    "fmt"
    "io"
    "os"

    "github.com/charmbracelet/lipgloss"
    "github.com/mattn/go-isatty"
)

var (
    statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
    infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
    warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
    errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// Reporter is the interface the orchestrator uses to narrate progress; it
// is not tied to a terminal so tests can substitute a recording fake.
type Reporter interface {
    Status(format string, args ...interface{})
    Info(format string, args ...interface{})
    Warn(format string, args ...interface{})
    Error(format string, args ...interface{})
}

// Terminal is the default Reporter, writing to an io.Writer (typically
// os.Stderr) with color applied only when that writer is a tty.
type Terminal struct {
    w      io.Writer
    color  bool
}

func NewTerminal(w io.Writer) *Terminal {
    color := false
    if f, ok := w.(*os.File); ok {
        color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
    }
    return &Terminal{w: w, color: color}
}

func (t *Terminal) render(style lipgloss.Style, prefix, format string, args []interface{}) {
    msg := fmt.Sprintf(format, args...)
    line := prefix + msg
    if t.color {
        line = style.Render(prefix) + msg
    }
    fmt.Fprintln(t.w, line)
}

func (t *Terminal) Status(format string, args ...interface{}) {
    t.render(statusStyle, "==> ", format, args)
}

func (t *Terminal) Info(format string, args ...interface{}) {
    t.render(infoStyle, "-- ", format, args)
}

func (t *Terminal) Warn(format string, args ...interface{}) {
    t.render(warnStyle, "warning: ", format, args)
}

func (t *Terminal) Error(format string, args ...interface{}) {
    t.render(errorStyle, "error: ", format, args)
}
