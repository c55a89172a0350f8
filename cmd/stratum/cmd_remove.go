package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
	"github.com/stratumfs/stratum/internal/style"
)

func runRemove(ctx context.Context, store *stratumfs.Store, args []string, cw *style.Writer) int {
	force, args := flagPresent(args, "--force")
	if len(args) != 1 {
		fmt.Println("usage: stratum remove <ref> [--force]")
		return 1
	}
	rawRef := args[0]

	if !force && !confirmDestructive(fmt.Sprintf("Removing %s", cw.Danger(rawRef))) {
		return 1
	}
	if err := store.Remove(ctx, rawRef); err != nil {
		return exitFor(err)
	}
	return 0
}
