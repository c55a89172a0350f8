package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runMount(ctx context.Context, store *stratumfs.Store, args []string) int {
	force, args := flagPresent(args, "--force")
	if len(args) != 1 && len(args) != 2 {
		fmt.Println("usage: stratum mount <ref> [mountpoint] [--force]")
		return 1
	}
	rawRef := args[0]
	var override string
	if len(args) == 2 {
		override = args[1]
	}

	mp, err := store.Mount(ctx, rawRef, override, force)
	if err != nil {
		return exitFor(err)
	}
	fmt.Println(mp)
	return 0
}

func runUnmount(ctx context.Context, store *stratumfs.Store, args []string) int {
	if len(args) != 1 {
		fmt.Println("usage: stratum unmount <mountpoint>")
		return 1
	}
	if err := store.Unmount(ctx, args[0]); err != nil {
		return exitFor(err)
	}
	return 0
}
