package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/stratumfs/stratum/internal/stratumfs"
	"github.com/stratumfs/stratum/internal/style"
)

func runWorktree(ctx context.Context, store *stratumfs.Store, args []string, cw *style.Writer) int {
	if len(args) < 1 {
		fmt.Println("usage: stratum worktree add|list|remove|switch ...")
		return 1
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		if len(rest) != 2 {
			fmt.Println("usage: stratum worktree add <ref> <name>")
			return 1
		}
		wt, err := store.WorktreeAdd(ctx, labelOf(rest[0]), rest[1], rest[0])
		if err != nil {
			return exitFor(err)
		}
		fmt.Printf("added %s+%s atop %s\n", labelOf(rest[0]), rest[1], shortHash(wt.BaseCommit))
		return 0

	case "list":
		if len(rest) != 1 {
			fmt.Println("usage: stratum worktree list <label>")
			return 1
		}
		wts, err := store.WorktreeList(rest[0])
		if err != nil {
			return exitFor(err)
		}
		for _, wt := range wts {
			fmt.Printf("  %s+%s  %s\n", rest[0], wt.Name, cw.CommitID(shortHash(wt.BaseCommit)))
		}
		return 0

	case "remove":
		force, rest := flagPresent(rest, "--force")
		if len(rest) != 1 {
			fmt.Println("usage: stratum worktree remove <ref+name> [--force]")
			return 1
		}
		label, name, ok := splitWorktreeRef(rest[0])
		if !ok {
			fmt.Println("usage: stratum worktree remove <label+name> [--force]")
			return 1
		}
		if !force && !confirmDestructive(fmt.Sprintf("Removing worktree %s", cw.Danger(rest[0]))) {
			return 1
		}
		if err := store.WorktreeRemove(ctx, label, name); err != nil {
			return exitFor(err)
		}
		return 0

	case "switch":
		if len(rest) != 2 {
			fmt.Println("usage: stratum worktree switch <ref+name> <mountpoint>")
			return 1
		}
		label, name, ok := splitWorktreeRef(rest[0])
		if !ok {
			fmt.Println("usage: stratum worktree switch <label+name> <mountpoint>")
			return 1
		}
		mp, err := store.Switch(ctx, label, name, rest[1], false)
		if err != nil {
			return exitFor(err)
		}
		fmt.Println(mp)
		return 0

	default:
		fmt.Printf("stratum worktree: unknown subcommand %q\n", sub)
		return 1
	}
}

func splitWorktreeRef(raw string) (label, name string, ok bool) {
	parts := strings.SplitN(raw, "+", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
