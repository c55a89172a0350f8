package style

import (
	"io"
	"os"

	"golang.org/x/term"
)

// isTerminal reports whether the given file descriptor refers to a terminal.
func isTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd)) //nolint:gosec // G115: fd comes from os.File.Fd(); safe on all supported platforms
}

// ShouldColorize reports whether color output should be enabled for f.
// It returns true when f is a terminal and the NO_COLOR environment variable
// is not set. See https://no-color.org/.
func ShouldColorize(f *os.File) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return isTerminal(f.Fd())
}

// Writer wraps an io.Writer and renders Stratum's own status vocabulary
// (commit ids, worktree clean/modified state, mount status, destructive
// actions) in color when enabled, or as plain text otherwise.
type Writer struct {
	io.Writer
	enabled bool
}

// NewWriter creates a Writer that resolves the given ColorMode against the
// file's terminal status. In ColorAuto mode, color is enabled only when f
// is a terminal and NO_COLOR is not set.
func NewWriter(f *os.File, mode ColorMode) *Writer {
	var enabled bool
	switch mode {
	case ColorAlways:
		enabled = true
	case ColorNever:
		enabled = false
	default:
		enabled = ShouldColorize(f)
	}
	return &Writer{Writer: f, enabled: enabled}
}

// Enabled reports whether color output is active.
func (w *Writer) Enabled() bool {
	return w.enabled
}

func (w *Writer) wrap(code, s string) string {
	if !w.enabled {
		return s
	}
	return code + s + reset
}

// CommitID highlights a (possibly short) commit hash wherever Stratum
// prints one: after import/commit/tag, in worktree and status listings.
func (w *Writer) CommitID(s string) string {
	return w.wrap(boldCyan, s)
}

// Clean marks a worktree status line as having no upperdir changes.
func (w *Writer) Clean(s string) string {
	return w.wrap(green, s)
}

// Modified marks a worktree status line, or one of its changed paths, as
// differing from its base commit.
func (w *Writer) Modified(s string) string {
	return w.wrap(yellow, s)
}

// Mounted marks a live mountpoint in status/list output.
func (w *Writer) Mounted(s string) string {
	return w.wrap(cyan, s)
}

// Danger marks the name of a destructive action (reset, remove, worktree
// remove) in its confirmation prompt.
func (w *Writer) Danger(s string) string {
	return w.wrap(red, s)
}
