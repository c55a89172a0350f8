package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/ref"
	"github.com/stratumfs/stratum/internal/stratumerr"
	"github.com/stratumfs/stratum/internal/stratumfs"
)

// runCommit handles "commit <ref|mountpoint> [tag]". A target that matches a
// live mountpoint in the runtime state table resolves through that table;
// any other target is parsed with the reference grammar, since a mountpoint
// is not itself a stratum_ref.
func runCommit(ctx context.Context, store *stratumfs.Store, args []string) int {
	if len(args) != 1 && len(args) != 2 {
		fmt.Println("usage: stratum commit <ref|mountpoint> [tag]")
		return 1
	}
	target := args[0]
	tagName := ""
	if len(args) == 2 {
		tagName = args[1]
	}

	label, name, err := resolveWorktreeTarget(ctx, store, target)
	if err != nil {
		return exitFor(err)
	}

	id, err := store.Commit(ctx, label, name, tagName)
	if err != nil {
		return exitFor(err)
	}
	fmt.Printf("committed %s\n", shortHash(id))
	return 0
}

// resolveWorktreeTarget resolves target to a (label, worktree name) pair,
// accepting either a stratum_ref or a live mountpoint path.
func resolveWorktreeTarget(ctx context.Context, store *stratumfs.Store, target string) (label, name string, err error) {
	if rec, ok, lookupErr := store.State.Lookup(ctx, target); lookupErr == nil && ok {
		return rec.Label, rec.Worktree, nil
	}
	resolved, err := store.Refs.Resolve(ctx, target)
	if err != nil {
		return "", "", err
	}
	if resolved.Kind != ref.ResolvedWorktree {
		return "", "", stratumerr.New(stratumerr.InvalidRef, "stratum.commit", target+" does not name a worktree")
	}
	return resolved.Label, resolved.Worktree, nil
}
