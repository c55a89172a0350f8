package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/progress"
	"github.com/stratumfs/stratum/internal/stratumfs"
)

func runPatchset(ctx context.Context, store *stratumfs.Store, args []string) int {
	if len(args) < 1 {
		fmt.Println("usage: stratum patchset apply|apply-file ...")
		return 1
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "apply":
		if len(rest) < 2 {
			fmt.Println("usage: stratum patchset apply <label> <base_ref> <patch_ref>... [tag]")
			return 1
		}
		label, baseRef := rest[0], rest[1]
		patchRefs := rest[2:]
		tagName := ""
		if len(patchRefs) > 0 {
			// The final bare token (one with no ':' or '+') is treated as
			// the optional destination tag, not another patch ref.
			last := patchRefs[len(patchRefs)-1]
			if labelOf(last) == last {
				tagName = last
				patchRefs = patchRefs[:len(patchRefs)-1]
			}
		}
		sp := progress.New(fmt.Sprintf("folding %d patch(es)", len(patchRefs)))
		sp.Start()
		id, err := store.ApplyPatchset(ctx, label, baseRef, patchRefs, tagName)
		sp.Stop()
		if err != nil {
			return exitFor(err)
		}
		fmt.Printf("folded %d patches into %s\n", len(patchRefs), shortHash(id))
		return 0

	case "apply-file":
		if len(rest) != 2 && len(rest) != 3 {
			fmt.Println("usage: stratum patchset apply-file <label> <path> [tag]")
			return 1
		}
		label, path := rest[0], rest[1]
		tagName := ""
		if len(rest) == 3 {
			tagName = rest[2]
		}
		id, err := store.ApplyPatchsetFile(ctx, label, path, tagName)
		if err != nil {
			return exitFor(err)
		}
		fmt.Printf("folded patchset file into %s\n", shortHash(id))
		return 0

	default:
		fmt.Printf("stratum patchset: unknown subcommand %q\n", sub)
		return 1
	}
}
