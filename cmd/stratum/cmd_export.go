package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runExport(ctx context.Context, store *stratumfs.Store, args []string) int {
	if len(args) != 2 {
		fmt.Println("usage: stratum export <ref> <file>")
		return 1
	}
	if err := store.Export(ctx, args[0], args[1]); err != nil {
		return exitFor(err)
	}
	fmt.Printf("exported %s to %s\n", args[0], args[1])
	return 0
}
