// Package ui formats human-readable CLI output: colored verdict tags,
// sections, aligned fields and user-facing messages on stderr.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var (
	writer io.Writer = os.Stderr
	out    io.Writer = os.Stdout
)

// SetWriter overrides the stderr writer (for testing). nil restores stderr.
func SetWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

// SetOutput overrides the stdout writer (for testing). nil restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	out = w
}

// --- Color detection ---

var stdoutColor = detectColor(os.Stdout)
var stderrColor = detectColor(os.Stderr)

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled overrides color detection (for testing and --no-color).
func SetColorEnabled(enabled bool) {
	stdoutColor = enabled
	stderrColor = enabled
}

// ColorEnabled reports whether stdout color is enabled.
func ColorEnabled() bool {
	return stdoutColor
}

func ansi(code, s string) string {
	if !stdoutColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func ansiStderr(code, s string) string {
	if !stderrColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func Bold(s string) string   { return ansi("1", s) }
func Dim(s string) string    { return ansi("2", s) }
func Green(s string) string  { return ansi("32", s) }
func Red(s string) string    { return ansi("31", s) }
func Yellow(s string) string { return ansi("33", s) }

// OKTag returns a green "[ok]".
func OKTag() string { return Green("[ok]") }

// FailTag returns a red "[FAIL]".
func FailTag() string { return Red("[FAIL]") }

// WarnTag returns a yellow "[??]" for checks that could not be completed.
func WarnTag() string { return Yellow("[??]") }

// --- Structured stdout output ---

// Section prints a bold title with a thin underline.
func Section(title string) {
	fmt.Fprintln(out, Bold(title))
	fmt.Fprintln(out, Dim(strings.Repeat("─", len(title))))
}

// Field prints "label  value" with labels padded to a common width.
func Field(label, value string) {
	fmt.Fprintf(out, "  %-14s %s\n", label+":", value)
}

// Check prints one pipeline step with its outcome tag.
func Check(ok bool, name, detail string) {
	tag := OKTag()
	if !ok {
		tag = FailTag()
	}
	if detail == "" {
		fmt.Fprintf(out, "  %-6s %s\n", tag, name)
		return
	}
	fmt.Fprintf(out, "  %-6s %s %s\n", tag, name, Dim("("+detail+")"))
}

// Incomplete prints a step that could not be checked.
func Incomplete(name, detail string) {
	fmt.Fprintf(out, "  %-6s %s %s\n", WarnTag(), name, Dim("("+detail+")"))
}

// Skipped prints a step that was not reached.
func Skipped(name string) {
	fmt.Fprintf(out, "  %-6s %s\n", Dim("-"), Dim(name))
}

// --- Warn / Error / Info (stderr, colored prefix) ---

// Warn prints a user-facing warning to stderr.
func Warn(msg string) {
	fmt.Fprintf(writer, "%s %s\n", ansiStderr("33", "Warning:"), msg)
}

// Warnf prints a formatted user-facing warning to stderr.
func Warnf(format string, args ...any) {
	Warn(fmt.Sprintf(format, args...))
}

// Error prints a user-facing error to stderr.
func Error(msg string) {
	fmt.Fprintf(writer, "%s %s\n", ansiStderr("31", "Error:"), msg)
}

// Errorf prints a formatted user-facing error to stderr.
func Errorf(format string, args ...any) {
	Error(fmt.Sprintf(format, args...))
}

// Infof prints a formatted user-facing message to stderr with no prefix.
func Infof(format string, args ...any) {
	fmt.Fprintf(writer, format+"\n", args...)
}
