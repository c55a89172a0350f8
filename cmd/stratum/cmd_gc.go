package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/progress"
	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runGC(ctx context.Context, store *stratumfs.Store, args []string) int {
	sp := progress.New("scanning for unreferenced blobs")
	sp.Start()
	reclaimed, err := store.GC(ctx)
	sp.Stop()
	if err != nil {
		return exitFor(err)
	}
	fmt.Printf("reclaimed %d blob(s)\n", reclaimed)
	return 0
}
