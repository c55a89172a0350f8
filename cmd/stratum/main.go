// Package main is the entry point for the stratum command-line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/stratumfs/stratum/internal/config"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/logging"
	"github.com/stratumfs/stratum/internal/stratumcli"
	"github.com/stratumfs/stratum/internal/stratumerr"
	"github.com/stratumfs/stratum/internal/stratumfs"
	"github.com/stratumfs/stratum/internal/style"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	logging.Init()

	// Signal-driven cancellation (spec §5): on interrupt, in-flight
	// operations see ctx.Done() and unwind rather than leaking a partial
	// commit directory or an unregistered kernel mount.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gf, args := parseGlobalFlags(os.Args[1:])

	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(0)
		}
	}

	cw := style.NewWriter(os.Stdout, gf.colorMode)

	app := stratumcli.NewApp("stratum", version)
	app.Stderr = os.Stderr

	// store is opened lazily, once dispatch has determined a store-backed
	// command will actually run, the same way cmd/gitcli only loads its
	// repository once it knows the matched command needs one.
	var store *stratumfs.Store

	app.Register(&stratumcli.Command{
		Name:    "init",
		Summary: "Create an empty worktree and mount it",
		Usage:   "stratum init <ref> <mountpoint> [--migrate <src>]",
		Examples: []string{
			"stratum init app /mnt/app",
			"stratum init app /mnt/app --migrate ./seed-dir",
		},
		NeedsRepo: true,
		Run:       func(args []string) int { return runInit(ctx, store, args, cw) },
	})

	app.Register(&stratumcli.Command{
		Name:    "import",
		Summary: "Import a directory or archive as a commit",
		Usage:   "stratum import <path> <name> | stratum import --bare <dir> <name> | stratum import --bare --patch <base_ref> <new_ref> <dir>",
		Examples: []string{
			"stratum import backup.tar.gz app",
			"stratum import --bare ./seed-dir app",
			"stratum import --bare --patch app:v1 app:v2 ./patch-dir",
		},
		NeedsRepo: true,
		Run:       func(args []string) int { return runImport(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:    "tag",
		Summary: "Point a tag at a commit",
		Usage:   "stratum tag <ref|hash> <new_tag> [--move]",
		NeedsRepo: true,
		Run:     func(args []string) int { return runTag(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:      "mount",
		Summary:   "Mount a worktree or commit",
		Usage:     "stratum mount <ref> [mountpoint] [--force]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runMount(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:      "unmount",
		Summary:   "Unmount and deregister a mountpoint",
		Usage:     "stratum unmount <mountpoint>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runUnmount(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:      "commit",
		Summary:   "Capture a worktree's merged view as a new commit",
		Usage:     "stratum commit <ref|mountpoint> [tag]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runCommit(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:    "worktree",
		Summary: "Manage worktrees within a label",
		Usage:   "stratum worktree add|list|remove|switch ...",
		Examples: []string{
			"stratum worktree add app:v2 feature",
			"stratum worktree list app",
			"stratum worktree remove app+feature",
			"stratum worktree switch app+feature /mnt/feature",
		},
		NeedsRepo:   true,
		Destructive: true, // "worktree remove" discards the worktree's upperdir
		Run:         func(args []string) int { return runWorktree(ctx, store, args, cw) },
	})

	app.Register(&stratumcli.Command{
		Name:        "reset",
		Summary:     "Destructively roll a worktree back to a commit",
		Usage:       "stratum reset <mountpoint> <ref> [--force]",
		NeedsRepo:   true,
		Destructive: true,
		Run:         func(args []string) int { return runReset(ctx, store, args, cw) },
	})

	app.Register(&stratumcli.Command{
		Name:      "rebase",
		Summary:   "Change a worktree's lower, preserving its upperdir",
		Usage:     "stratum rebase <mountpoint> <ref>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runRebase(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:    "patchset",
		Summary: "Fold an ordered list of patch commits into one new commit",
		Usage:   "stratum patchset apply <label> <base_ref> <patch_ref>... [tag] | stratum patchset apply-file <label> <path> [tag]",
		Examples: []string{
			"stratum patchset apply app app:v1 app:v1-hotfix-a app:v1-hotfix-b merged",
			"stratum patchset apply-file app ./patchset.toml merged",
		},
		NeedsRepo: true,
		Run:       func(args []string) int { return runPatchset(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:      "list",
		Summary:   "List labels, or a label's tags and worktrees",
		Usage:     "stratum list [label]",
		NeedsRepo: true,
		Run:       func(args []string) int { return runList(store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:      "status",
		Summary:   "Report a reference's resolution and mount state",
		Usage:     "stratum status <ref>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runStatus(ctx, store, args, cw) },
	})

	app.Register(&stratumcli.Command{
		Name:        "remove",
		Summary:     "Delete a tag or an unreferenced commit",
		Usage:       "stratum remove <ref> [--force]",
		NeedsRepo:   true,
		Destructive: true,
		Run:         func(args []string) int { return runRemove(ctx, store, args, cw) },
	})

	app.Register(&stratumcli.Command{
		Name:      "export",
		Summary:   "Package a commit into a portable archive",
		Usage:     "stratum export <ref> <file>",
		NeedsRepo: true,
		Run:       func(args []string) int { return runExport(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:      "gc",
		Summary:   "Reclaim blobs unreachable from any commit",
		Usage:     "stratum gc",
		NeedsRepo: true,
		Run:       func(args []string) int { return runGC(ctx, store, args) },
	})

	app.Register(&stratumcli.Command{
		Name:    "version",
		Summary: "Show version information",
		Usage:   "stratum version",
		Run:     func([]string) int { printVersion(); return 0 },
	})

	if len(args) > 0 {
		cmd := app.Lookup(args[0])
		if cmd != nil && cmd.NeedsRepo {
			var err error
			store, err = stratumfs.Open(config.FromEnv(), image.ToolBuilder{}, image.ComposefsMounter{}, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stratum: %v\n", err)
				os.Exit(stratumerr.ExitCode(err))
			}

			// Repair pass (spec §4.6, §4.9, invariant I7): a record survives
			// a crash or a sibling process's unclean exit with its mountpoint
			// still recorded but nothing actually mounted there anymore. Run
			// this before any state-mutating command dispatches so every
			// invocation sees a RuntimeState that reflects reality.
			if err := store.StartupReconcile(ctx, isKernelMounted); err != nil {
				fmt.Fprintf(os.Stderr, "stratum: %v\n", err)
				os.Exit(stratumerr.ExitCode(err))
			}
		}
	}

	os.Exit(app.Run(args, cw))
}

// isKernelMounted backs the startup repair pass with the real mountinfo
// check; a read failure is treated as "not mounted" so a record for a
// mountpoint the kernel can no longer confirm gets pruned rather than kept
// on an I/O error's say-so.
func isKernelMounted(mountpoint string) bool {
	mounted, err := image.IsKernelMounted(mountpoint)
	if err != nil {
		return false
	}
	return mounted
}

func printVersion() {
	fmt.Printf("stratum %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// exitFor maps an operation's error through stratumerr.ExitCode after
// printing it, or returns 0 for a nil error.
func exitFor(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "stratum: %v\n", err)
	return stratumerr.ExitCode(err)
}
