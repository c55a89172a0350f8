package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
	"github.com/stratumfs/stratum/internal/style"
)

func runInit(ctx context.Context, store *stratumfs.Store, args []string, cw *style.Writer) int {
	migrate, args, _ := flagValue(args, "--migrate")
	if len(args) != 2 {
		fmt.Println("usage: stratum init <ref> <mountpoint> [--migrate <src>]")
		return 1
	}
	ref, mountpoint := args[0], args[1]

	id, err := store.Init(ctx, ref, mountpoint, migrate)
	if err != nil {
		return exitFor(err)
	}
	fmt.Printf("%s mounted at %s (%s)\n", ref, mountpoint, cw.CommitID(shortHash(id)))
	return 0
}
