package stratumcli

import (
	"fmt"
	"io"

	"github.com/stratumfs/stratum/internal/style"
)

// fpf is a shorthand for fmt.Fprintf that discards the error, used for
// writing help text to stderr where write failures are non-actionable.
func fpf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...) //nolint:gosec // CLI stderr, not web output
}

// FormatAppHelp writes the top-level help text to app.Stderr. Color is
// reserved for what the store itself would flag: a command is marked in
// the same red used for "this cannot be undone" confirmation prompts
// when it can discard worktree or commit data without --force.
func FormatAppHelp(app *App, cw *style.Writer) {
	w := app.Stderr

	fpf(w, "%s version %s\n\n", app.Name, app.Version)
	fpf(w, "Usage:\n")
	fpf(w, "  %s [global flags] <command> [<args>]\n\n", app.Name)

	fpf(w, "Global flags:\n")
	fpf(w, "  --color=<mode>   Color output: auto, always, never\n")
	fpf(w, "  --no-color       Disable color output\n")
	fpf(w, "  --version        Show version and exit\n\n")

	fpf(w, "Commands:\n")

	names := app.CommandNames()

	maxLen := 0
	for _, n := range names {
		if len(n) > maxLen {
			maxLen = len(n)
		}
	}

	for _, n := range names {
		cmd := app.Lookup(n)
		fpf(w, "  %s  %s%s\n", fmt.Sprintf("%-*s", maxLen, n), cmd.Summary, destructiveBadge(cmd, cw))
	}

	fpf(w, "\nRun '%s help <command>' for more information on a command.\n", app.Name)
}

// FormatCommandHelp writes per-command help text to app.Stderr.
func FormatCommandHelp(app *App, cmd *Command, cw *style.Writer) {
	w := app.Stderr

	fpf(w, "%s — %s%s\n\n", cmd.Name, cmd.Summary, destructiveBadge(cmd, cw))

	if cmd.Usage != "" {
		fpf(w, "Usage:\n")
		fpf(w, "  %s\n", cmd.Usage)
	}

	if len(cmd.Examples) > 0 {
		fpf(w, "\nExamples:\n")
		for _, ex := range cmd.Examples {
			fpf(w, "  %s\n", ex)
		}
	}
}

// destructiveBadge returns a trailing warning marker for commands that can
// discard data without --force, colored the same as the confirmation
// prompts those commands show at runtime.
func destructiveBadge(cmd *Command, cw *style.Writer) string {
	if !cmd.Destructive {
		return ""
	}
	return "  " + cw.Danger("[destructive]")
}
