package main

import (
	"fmt"

	"github.com/pterm/pterm"
)

// confirmDestructive prompts the user before a destructive operation
// (reset, remove, worktree remove), matching spec §4.6's "requires
// confirmation at the interface layer". Non-interactive callers (scripts,
// CI) opt out with --force, which skips this entirely.
func confirmDestructive(action string) bool {
	ok, err := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("%s cannot be undone. Continue?", action)).
		Show()
	if err != nil {
		return false
	}
	return ok
}
