package mountorch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/lockmgr"
	"github.com/stratumfs/stratum/internal/stratumerr"
	"github.com/stratumfs/stratum/internal/worktree"
)

// Orchestrator composes mount recipes and drives them through image.Mounter,
// keeping RuntimeState and the kernel mount table in agreement (spec §4.6).
type Orchestrator struct {
	layout       *layout.Layout
	locks        *lockmgr.Manager
	mounter      image.Mounter
	commits      *commitmgr.Manager
	worktrees    *worktree.Manager
	state        *RuntimeState
	lockDeadline time.Duration
	synthRoot    string // /run/user/<uid>/stratum
	logger       *slog.Logger
}

// New returns an Orchestrator. synthRoot is the parent directory under
// which unspecified mountpoints are synthesized (spec §4.6 "Mountpoint
// resolution"). logger may be nil.
func New(l *layout.Layout, locks *lockmgr.Manager, mounter image.Mounter, commits *commitmgr.Manager, worktrees *worktree.Manager, state *RuntimeState, lockDeadline time.Duration, synthRoot string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		layout: l, locks: locks, mounter: mounter, commits: commits,
		worktrees: worktrees, state: state, lockDeadline: lockDeadline,
		synthRoot: synthRoot, logger: logger,
	}
}

// resolveMountpoint returns override unchanged, or synthesizes and creates
// synthRoot/ref if override is empty (spec §4.6).
func (o *Orchestrator) resolveMountpoint(override, ref string) (string, error) {
	if override != "" {
		return override, nil
	}
	mp := filepath.Join(o.synthRoot, ref)
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return "", stratumerr.Wrap(stratumerr.IoError, "mountorch.resolveMountpoint", err)
	}
	return mp, nil
}

// MountWorktree realizes the writable worktree recipe: lower = the
// worktree's base commit image, upper/work = its upperdir/workdir (spec
// §4.6). force allows remounting over a mountpoint already registered to a
// different mount (spec §9's open question, resolved by an explicit flag).
func (o *Orchestrator) MountWorktree(ctx context.Context, label, name, mountpointOverride string, force bool) (string, error) {
	wt, err := o.worktrees.Get(label, name)
	if err != nil {
		return "", err
	}

	ref := label + "+" + name
	mountpoint, err := o.resolveMountpoint(mountpointOverride, ref)
	if err != nil {
		return "", err
	}

	err = o.locks.WithExclusive(ctx, o.layout.WorktreeLockPath(label, name), o.lockDeadline, func() error {
		upper := o.layout.WorktreeUpperDir(label, name)
		work := o.layout.WorktreeWorkDir(label, name)
		if err := o.mounter.MountImage(ctx, o.layout.CommitImagePath(wt.BaseCommit), o.layout.ObjectsDir(), mountpoint, upper, work); err != nil {
			return stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.MountWorktree", err)
		}

		rec := MountRecord{
			Mountpoint: mountpoint, Ref: ref, Writable: true,
			Label: label, Worktree: name, Pid: os.Getpid(), Timestamp: time.Now().UTC(),
		}
		if err := o.state.Register(ctx, rec, force); err != nil {
			// Never leak an unregistered kernel mount (spec §5).
			o.mounter.Unmount(ctx, mountpoint)
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return mountpoint, nil
}

// MountReadOnly realizes the read-only tag/commit recipe: lower = commitID's
// image only, no upper, no worktree lock (spec §4.6).
func (o *Orchestrator) MountReadOnly(ctx context.Context, label, commitID, mountpointOverride string, force bool) (string, error) {
	if !o.commits.Exists(commitID) {
		return "", stratumerr.New(stratumerr.NotFound, "mountorch.MountReadOnly", commitID)
	}

	ref := label + ":" + commitID
	mountpoint, err := o.resolveMountpoint(mountpointOverride, ref)
	if err != nil {
		return "", err
	}

	if err := o.mounter.MountImage(ctx, o.layout.CommitImagePath(commitID), o.layout.ObjectsDir(), mountpoint, "", ""); err != nil {
		return "", stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.MountReadOnly", err)
	}

	rec := MountRecord{
		Mountpoint: mountpoint, Ref: ref, Writable: false,
		Label: label, Pid: os.Getpid(), Timestamp: time.Now().UTC(),
	}
	if err := o.state.Register(ctx, rec, force); err != nil {
		o.mounter.Unmount(ctx, mountpoint)
		return "", err
	}
	return mountpoint, nil
}

// Unmount looks up mountpoint's record, performs the kernel unmount, and
// deregisters it. An unrecognized mountpoint fails with NotManaged (spec
// §4.6: "If the underlying mount was created outside Stratum ... fails
// with NotManaged").
func (o *Orchestrator) Unmount(ctx context.Context, mountpoint string) error {
	_, ok, err := o.state.Lookup(ctx, mountpoint)
	if err != nil {
		return err
	}
	if !ok {
		return stratumerr.New(stratumerr.NotManaged, "mountorch.Unmount", mountpoint)
	}
	if err := o.mounter.Unmount(ctx, mountpoint); err != nil {
		return stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.Unmount", err)
	}
	return o.state.Deregister(ctx, mountpoint)
}

// Reset replaces a writable mount's lower with targetCommit's image and
// truncates its upperdir, destroying uncommitted changes (spec §4.6).
// Confirmation is the interface layer's responsibility (spec §7).
func (o *Orchestrator) Reset(ctx context.Context, mountpoint, targetCommit string) error {
	rec, ok, err := o.state.Lookup(ctx, mountpoint)
	if err != nil {
		return err
	}
	if !ok {
		return stratumerr.New(stratumerr.NotManaged, "mountorch.Reset", mountpoint)
	}
	if !rec.Writable || rec.Worktree == "" {
		return stratumerr.New(stratumerr.InvalidRef, "mountorch.Reset", "mountpoint is read-only")
	}
	if !o.commits.Exists(targetCommit) {
		return stratumerr.New(stratumerr.NotFound, "mountorch.Reset", targetCommit)
	}

	return o.locks.WithExclusive(ctx, o.layout.WorktreeLockPath(rec.Label, rec.Worktree), o.lockDeadline, func() error {
		if err := o.mounter.Unmount(ctx, mountpoint); err != nil {
			return stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.Reset", err)
		}
		if err := o.layout.TruncateWorktreeUpper(rec.Label, rec.Worktree); err != nil {
			return err
		}
		if err := o.worktrees.SetBase(rec.Label, rec.Worktree, targetCommit); err != nil {
			return err
		}

		upper := o.layout.WorktreeUpperDir(rec.Label, rec.Worktree)
		work := o.layout.WorktreeWorkDir(rec.Label, rec.Worktree)
		if err := o.mounter.MountImage(ctx, o.layout.CommitImagePath(targetCommit), o.layout.ObjectsDir(), mountpoint, upper, work); err != nil {
			return stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.Reset", err)
		}
		rec.Timestamp = time.Now().UTC()
		if err := o.state.Deregister(ctx, mountpoint); err != nil {
			return err
		}
		return o.state.Register(ctx, rec, false)
	})
}

// RemountForRebase implements worktree.Remounter: if label+name currently
// has a live mount, it is unmounted and remounted against newBase at the
// same mountpoint; otherwise this is a no-op (spec §4.5 rebase contract).
func (o *Orchestrator) RemountForRebase(ctx context.Context, label, name, newBase string) error {
	records, err := o.state.List(ctx)
	if err != nil {
		return err
	}
	var rec MountRecord
	var found bool
	for _, r := range records {
		if r.Label == label && r.Worktree == name {
			rec, found = r, true
			break
		}
	}
	if !found {
		return nil
	}

	if err := o.mounter.Unmount(ctx, rec.Mountpoint); err != nil {
		return stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.RemountForRebase", err)
	}
	upper := o.layout.WorktreeUpperDir(label, name)
	work := o.layout.WorktreeWorkDir(label, name)
	if err := o.mounter.MountImage(ctx, o.layout.CommitImagePath(newBase), o.layout.ObjectsDir(), rec.Mountpoint, upper, work); err != nil {
		return stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.RemountForRebase", err)
	}
	rec.Timestamp = time.Now().UTC()
	if err := o.state.Deregister(ctx, rec.Mountpoint); err != nil {
		return err
	}
	return o.state.Register(ctx, rec, false)
}

// UnionMountForCapture implements worktree.Materializer: it mounts the
// worktree's current lower+upper+work at an ephemeral scratch mountpoint
// (not registered in runtime state — this is an internal read of the
// merged view, not a user-visible mount) so the commit manager can build an
// image from it, and returns a cleanup that tears the scratch mount down.
func (o *Orchestrator) UnionMountForCapture(ctx context.Context, label, name string) (string, func(), error) {
	wt, err := o.worktrees.Get(label, name)
	if err != nil {
		return "", nil, err
	}

	scratch, err := os.MkdirTemp("", "stratum-capture-")
	if err != nil {
		return "", nil, stratumerr.Wrap(stratumerr.IoError, "mountorch.UnionMountForCapture", err)
	}

	upper := o.layout.WorktreeUpperDir(label, name)
	work := o.layout.WorktreeWorkDir(label, name)
	if err := o.mounter.MountImage(ctx, o.layout.CommitImagePath(wt.BaseCommit), o.layout.ObjectsDir(), scratch, upper, work); err != nil {
		os.RemoveAll(scratch)
		return "", nil, stratumerr.Wrap(stratumerr.ExternalToolFailure, "mountorch.UnionMountForCapture", err)
	}

	cleanup := func() {
		if err := o.mounter.Unmount(ctx, scratch); err != nil {
			o.logger.Warn("scratch unmount failed", "mountpoint", scratch, "error", err)
		}
		os.RemoveAll(scratch)
	}
	return scratch, cleanup, nil
}

// StartupReconcile runs the repair pass spec §4.6 and §4.9 require at the
// first state-mutating operation per process invocation.
func (o *Orchestrator) StartupReconcile(ctx context.Context, isKernelMounted func(mountpoint string) bool) error {
	kept, dropped, err := o.state.Reconcile(ctx, isKernelMounted)
	if err != nil {
		return err
	}
	if dropped > 0 {
		o.logger.Info("pruned stale runtime state records", "dropped", dropped, "kept", len(kept))
	}
	return nil
}
