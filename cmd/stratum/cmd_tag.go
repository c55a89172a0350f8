package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runTag(ctx context.Context, store *stratumfs.Store, args []string) int {
	move, args := flagPresent(args, "--move")
	if len(args) != 2 {
		fmt.Println("usage: stratum tag <ref|hash> <new_tag> [--move]")
		return 1
	}
	rawRef, newTag := args[0], args[1]

	if err := store.Tag(ctx, labelOf(rawRef), rawRef, newTag, move); err != nil {
		return exitFor(err)
	}
	fmt.Printf("tagged %s as %s:%s\n", rawRef, labelOf(rawRef), newTag)
	return 0
}
