package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/progress"
	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runImport(ctx context.Context, store *stratumfs.Store, args []string) int {
	bare, args := flagPresent(args, "--bare")
	patchBase, args, hasPatch := flagValue(args, "--patch")

	if !bare {
		if len(args) != 2 {
			fmt.Println("usage: stratum import <path> <name>")
			return 1
		}
		sp := progress.New("importing " + args[0])
		sp.Start()
		id, err := store.Import(ctx, args[0], args[1])
		sp.Stop()
		if err != nil {
			return exitFor(err)
		}
		fmt.Printf("imported %s\n", shortHash(id))
		return 0
	}

	if hasPatch {
		// --patch consumed the base_ref as its value; the new_ref is the
		// next remaining positional, per "import --bare --patch <base_ref>
		// <new_ref> <dir>".
		if len(args) != 2 {
			fmt.Println("usage: stratum import --bare --patch <base_ref> <new_ref> <dir>")
			return 1
		}
		newRef, dir := args[0], args[1]
		label, tag, err := splitLabelTag(newRef)
		if err != nil {
			return exitFor(err)
		}
		id, err := store.ImportBarePatch(ctx, patchBase, label, tag, dir)
		if err != nil {
			return exitFor(err)
		}
		fmt.Printf("imported patch %s on top of %s\n", shortHash(id), patchBase)
		return 0
	}

	if len(args) != 2 {
		fmt.Println("usage: stratum import --bare <dir> <name>")
		return 1
	}
	id, err := store.ImportBare(ctx, args[0], args[1])
	if err != nil {
		return exitFor(err)
	}
	fmt.Printf("imported %s as %s\n", shortHash(id), args[1])
	return 0
}
