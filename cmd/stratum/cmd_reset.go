package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
	"github.com/stratumfs/stratum/internal/style"
)

func runReset(ctx context.Context, store *stratumfs.Store, args []string, cw *style.Writer) int {
	force, args := flagPresent(args, "--force")
	if len(args) != 2 {
		fmt.Println("usage: stratum reset <mountpoint> <ref> [--force]")
		return 1
	}
	mountpoint, targetRef := args[0], args[1]

	if !force && !confirmDestructive(fmt.Sprintf("Resetting %s to %s", cw.Danger(mountpoint), targetRef)) {
		return 1
	}
	if err := store.Reset(ctx, mountpoint, targetRef); err != nil {
		return exitFor(err)
	}
	return 0
}

func runRebase(ctx context.Context, store *stratumfs.Store, args []string) int {
	if len(args) != 2 {
		fmt.Println("usage: stratum rebase <mountpoint> <ref>")
		return 1
	}
	if err := store.Rebase(ctx, args[0], args[1]); err != nil {
		return exitFor(err)
	}
	return 0
}
