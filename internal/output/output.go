package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI provides colored output and respects verbose/dry-run modes.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI with default stdout/stderr writers.
func New() *UI {
	return &UI{
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	}
}

var (
	infoPrefix    = color.New(color.FgHiBlue).Sprint("i")
	successPrefix = color.New(color.FgHiGreen).Sprint("\u2713")
	warningPrefix = color.New(color.FgHiYellow).Sprint("\u26a0")
	errorPrefix   = color.New(color.FgHiRed).Sprint("\u2717")
	verbosePrefix = color.New(color.FgHiBlue).Sprint("  \u2192")
	cyan          = color.New(color.FgHiCyan).SprintFunc()
	green         = color.New(color.FgHiGreen).SprintFunc()
	yellow        = color.New(color.FgHiYellow).SprintFunc()
	red           = color.New(color.FgHiRed).SprintFunc()
	faint         = color.New(color.Faint).SprintFunc()
	highlight     = color.New(color.ReverseVideo).SprintFunc()
)

// Cyan returns a cyan-colored string.
func Cyan(s string) string { return cyan(s) }

// Green returns a green-colored string.
func Green(s string) string { return green(s) }

// Yellow returns a yellow-colored string.
func Yellow(s string) string { return yellow(s) }

// Red returns a red-colored string.
func Red(s string) string { return red(s) }

// Faint returns a dimmed string.
func Faint(s string) string { return faint(s) }

// Highlight returns s in reverse video, the way highlighted source lines are
// drawn.
func Highlight(s string) string { return highlight(s) }

// StatusColor returns the string colored by playback or session state.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "playing", "active", "running":
		return green(status)
	case "paused", "idle":
		return yellow(status)
	case "stopped", "ended", "archived":
		return cyan(status)
	case "failed", "error":
		return red(status)
	default:
		return status
	}
}

// StepTypeColor returns the step type colored by what it does to the view.
func StepTypeColor(stepType string) string {
	switch stepType {
	case "openFile", "showDiff":
		return cyan(stepType)
	case "highlightRange":
		return yellow(stepType)
	case "sectionStart", "sectionEnd":
		return green(stepType)
	default:
		return stepType
	}
}

func (u *UI) line(w io.Writer, prefix, format string, a []any) {
	fmt.Fprintf(w, "%s %s\n", prefix, fmt.Sprintf(format, a...))
}

func (u *UI) Info(format string, a ...any) { u.line(u.Out, infoPrefix, format, a) }
func (u *UI) Success(format string, a ...any) { u.line(u.Out, successPrefix, format, a) }
func (u *UI) Warning(format string, a ...any) { u.line(u.ErrOut, warningPrefix, format, a) }
func (u *UI) Error(format string, a ...any) { u.line(u.ErrOut, errorPrefix, format, a) }

// VerboseLog prints only with --verbose.
func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		u.line(u.Out, verbosePrefix, format, a)
	}
}

// DryRunMsg reports a skipped action on stderr.
func (u *UI) DryRunMsg(format string, a ...any) {
	if u.DryRun {
		u.Warning("[DRY-RUN] "+format, a...)
	}
}

// Table creates a new tablewriter configured with consistent styling.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Lines:      tw.LinesNone,
				Separators: tw.SeparatorsNone,
			},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
