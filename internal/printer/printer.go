// Package printer renders CLI output with consistent colors.
package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/dyluth/burrow/pkg/board"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes user-facing output. Commands build one from the cobra
// command's writers so output can be captured in tests.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New creates a printer. Nil writers default to stdout / stderr.
func New(out, errOut io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Printer{out: out, err: errOut}
}

// DisableColor turns color off globally, e.g. for --no-color or NO_COLOR.
func DisableColor() {
	color.NoColor = true
}

// Out returns the standard output writer.
func (p *Printer) Out() io.Writer { return p.out }

// Success prints a message in green with a checkmark prefix.
func (p *Printer) Success(format string, a ...any) {
	green.Fprintf(p.out, "✓ %s", fmt.Sprintf(format, a...))
}

// Info prints a message in the default color.
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a message in yellow to stderr.
func (p *Printer) Warning(format string, a ...any) {
	yellow.Fprintf(p.err, "⚠️  %s", fmt.Sprintf(format, a...))
}

// Step prints a step message (used in multi-step operations).
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation and suggestions to
// stderr and returns a plain error carrying only the title, for cobra.
func (p *Printer) Error(title, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value context lines.
func (p *Printer) ErrorWithContext(title, explanation string, context [][2]string, suggestions []string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(context) > 0 {
		fmt.Fprintln(p.err)
		for _, kv := range context {
			fmt.Fprintf(p.err, "  %s: %s\n", kv[0], kv[1])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(p.err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(p.err, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(p.err, "  %d. %s\n", i+1, s)
		}
	}

	return &ReportedError{Title: title}
}

// ReportedError is returned by Error and ErrorWithContext. The details have
// already been printed; only the title is carried.
type ReportedError struct {
	Title string
}

func (e *ReportedError) Error() string { return e.Title }

// IsReported returns true if err (or anything it wraps) was already printed.
func IsReported(err error) bool {
	var r *ReportedError
	return errors.As(err, &r)
}

// Status renders a task status in its color.
func Status(s board.Status) string {
	switch s {
	case board.StatusCompleted:
		return green.Sprint(s)
	case board.StatusFailed:
		return red.Sprint(s)
	case board.StatusStalled:
		return yellow.Sprint(s)
	case board.StatusClaimed, board.StatusInProgress:
		return cyan.Sprint(s)
	default:
		return string(s)
	}
}

// Faint renders secondary text.
func Faint(s string) string {
	return faint.Sprint(s)
}

// Indent prefixes every line of s.
func Indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
