// Package printer renders CLI output: status lines, the session event
// stream and blackboard tables.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Out and Err receive all printer output.
	Out io.Writer = os.Stdout
	Err io.Writer = os.Stderr
)

var (
	green   = color.New(color.FgGreen)
	yellow  = color.New(color.FgYellow)
	red     = color.New(color.FgRed, color.Bold)
	cyan    = color.New(color.FgCyan)
	magenta = color.New(color.FgMagenta, color.Bold)
	faint   = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(Out, msg)
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(Out, msg)
}

// Step prints a step message with emphasis
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with an explanation and suggestions to Err,
// and returns a simple error for Cobra.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details printed between the
// explanation and the suggestions.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(Err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(Err, "%s\n", explanation)
	}

	if len(context) > 0 {
		fmt.Fprintf(Err, "\n")
		for _, key := range sortedKeys(context) {
			fmt.Fprintf(Err, "  %s: %s\n", key, context[key])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(Err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(Err, "\nEither:\n")
		for i, suggestion := range suggestions {
			fmt.Fprintf(Err, "  %d. %s\n", i+1, suggestion)
		}
	}

	// Not printed again by Cobra (SilenceErrors)
	return fmt.Errorf("%s", title)
}
