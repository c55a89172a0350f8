package main

import (
	"context"
	"fmt"

	"github.com/stratumfs/stratum/internal/ref"
	"github.com/stratumfs/stratum/internal/stratumfs"
	"github.com/stratumfs/stratum/internal/style"
)

func runStatus(ctx context.Context, store *stratumfs.Store, args []string, cw *style.Writer) int {
	if len(args) != 1 {
		fmt.Println("usage: stratum status <ref>")
		return 1
	}

	st, err := store.Status(ctx, args[0])
	if err != nil {
		return exitFor(err)
	}

	fmt.Printf("commit:  %s\n", cw.CommitID(shortHash(st.Resolved.CommitID)))
	if st.Resolved.Kind == ref.ResolvedWorktree {
		fmt.Printf("worktree: %s+%s\n", st.Resolved.Label, st.Resolved.Worktree)
		if st.Mounted {
			fmt.Printf("mounted: %s\n", cw.Mounted(st.Mountpoint))
		} else {
			fmt.Println("mounted: no")
		}
		if st.Clean {
			fmt.Println("state:   " + cw.Clean("clean"))
		} else {
			fmt.Println("state:   " + cw.Modified("modified"))
			for _, p := range st.ChangedPaths {
				fmt.Printf("  %s\n", cw.Modified(p))
			}
		}
	}
	fmt.Printf("files:   %d (%d bytes)\n", st.Commit.FileCount, st.Commit.TotalSize)
	return 0
}
