// Package worktree implements spec §4.5's Worktree Manager: creating,
// listing, removing, committing, and rebasing the mutable named overlays
// that sit atop a commit. It depends on commitmgr to materialize new
// commits but never imports the mount orchestrator directly — mount-shaped
// operations (capturing a merged view, remounting after rebase) are
// supplied by the caller as closures, avoiding the import cycle that would
// otherwise exist between worktree and mountorch.
package worktree

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/lockmgr"
	"github.com/stratumfs/stratum/internal/metadata"
	"github.com/stratumfs/stratum/internal/stratumerr"
)

// DefaultName is the worktree auto-created on first import into a fresh
// label (spec §4.5: "Default name is main").
const DefaultName = "main"

// Worktree is the in-memory view of a worktree's metadata record.
type Worktree struct {
	Label        string
	Name         string
	BaseCommit   string
	Created      time.Time
	LastModified time.Time
	Description  string
}

// Manager creates, lists, removes, commits, and rebases worktrees.
type Manager struct {
	layout       *layout.Layout
	locks        *lockmgr.Manager
	commits      *commitmgr.Manager
	lockDeadline time.Duration
	logger       *slog.Logger
}

// New returns a worktree Manager. logger may be nil.
func New(l *layout.Layout, locks *lockmgr.Manager, commits *commitmgr.Manager, lockDeadline time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{layout: l, locks: locks, commits: commits, lockDeadline: lockDeadline, logger: logger}
}

func (m *Manager) toRecord(label, name string, rec metadata.WorktreeRecord) *Worktree {
	return &Worktree{
		Label:        label,
		Name:         name,
		BaseCommit:   rec.BaseCommit,
		Created:      rec.Created,
		LastModified: rec.LastModified,
		Description:  rec.Description,
	}
}

// Add creates a new worktree named name (DefaultName if empty) in label,
// atop baseCommit (spec §4.5). It rejects a name collision within the
// namespace and a base commit that does not exist (invariant I2).
func (m *Manager) Add(label, name, baseCommit string) (*Worktree, error) {
	if name == "" {
		name = DefaultName
	}
	if !m.commits.Exists(baseCommit) {
		return nil, stratumerr.New(stratumerr.NotFound, "worktree.Add", "base commit "+baseCommit)
	}
	if _, err := os.Stat(m.layout.WorktreeMetaPath(label, name)); err == nil {
		return nil, stratumerr.New(stratumerr.AlreadyExists, "worktree.Add", label+"+"+name)
	}

	if err := m.layout.CreateWorktreeDirs(label, name); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := metadata.WorktreeRecord{
		Name:         name,
		BaseCommit:   baseCommit,
		Created:      now,
		LastModified: now,
	}
	if err := metadata.WriteWorktreeRecord(m.layout.WorktreeMetaPath(label, name), rec); err != nil {
		return nil, stratumerr.Wrap(stratumerr.IoError, "worktree.Add", err)
	}
	return m.toRecord(label, name, rec), nil
}

// Get reads a single worktree's metadata.
func (m *Manager) Get(label, name string) (*Worktree, error) {
	rec, err := metadata.ReadWorktreeRecord(m.layout.WorktreeMetaPath(label, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stratumerr.New(stratumerr.NotFound, "worktree.Get", label+"+"+name)
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "worktree.Get", err)
	}
	return m.toRecord(label, name, rec), nil
}

// List returns every worktree in label, sorted by name.
func (m *Manager) List(label string) ([]*Worktree, error) {
	names, err := m.layout.EnumerateWorktrees(label)
	if err != nil {
		return nil, err
	}
	out := make([]*Worktree, 0, len(names))
	for _, name := range names {
		wt, err := m.Get(label, name)
		if err != nil {
			return nil, err
		}
		out = append(out, wt)
	}
	return out, nil
}

// SetBase overwrites a worktree's base_commit without touching upperdir,
// used by the mount orchestrator's Reset operation (spec §4.6) which owns
// the upperdir truncation itself since it also has to tear down and
// re-establish the kernel mount around it.
func (m *Manager) SetBase(label, name, commit string) error {
	wt, err := m.Get(label, name)
	if err != nil {
		return err
	}
	rec := metadata.WorktreeRecord{
		Name:         name,
		BaseCommit:   commit,
		Created:      wt.Created,
		LastModified: time.Now().UTC(),
		Description:  wt.Description,
	}
	if err := metadata.WriteWorktreeRecord(m.layout.WorktreeMetaPath(label, name), rec); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "worktree.SetBase", err)
	}
	return nil
}

// Remove deletes a worktree's directory tree, requiring its lock and that
// mounted reports no live mount references it (spec §4.5, invariant I5).
func (m *Manager) Remove(ctx context.Context, label, name string, mounted func(label, name string) bool) error {
	if _, err := m.Get(label, name); err != nil {
		return err
	}
	return m.locks.WithExclusive(ctx, m.layout.WorktreeLockPath(label, name), m.lockDeadline, func() error {
		if mounted(label, name) {
			return stratumerr.New(stratumerr.WorktreeMounted, "worktree.Remove", label+"+"+name)
		}
		return m.layout.RemoveWorktreeDirs(label, name)
	})
}

// Materializer produces a directory snapshot of a worktree's current merged
// view (base commit's image plus upperdir) for commit capture, and a
// cleanup function to release whatever scratch mount or scratch directory
// it used. Implemented by the mount orchestrator at the call site.
type Materializer func(ctx context.Context, label, name string) (sourceDir string, cleanup func(), err error)

// CommitWorktree captures a worktree's current merged view as a new commit
// (spec §4.5). If tagName is non-empty and already bound, it fails with
// TagExists rather than silently reassigning it (spec §4.5, §5). On
// success the worktree's base_commit advances to the new commit and its
// upperdir is cleared — committing is the explicit checkpoint (spec §9
// open question, resolved).
func (m *Manager) CommitWorktree(ctx context.Context, label, name, tagName string, materialize Materializer) (string, error) {
	var newID string
	err := m.locks.WithExclusive(ctx, m.layout.WorktreeLockPath(label, name), m.lockDeadline, func() error {
		wt, err := m.Get(label, name)
		if err != nil {
			return err
		}

		if tagName != "" {
			if _, err := m.layout.ResolveTag(label, tagName); err == nil {
				return stratumerr.New(stratumerr.TagExists, "worktree.CommitWorktree", label+":"+tagName)
			}
		}

		sourceDir, cleanup, err := materialize(ctx, label, name)
		if err != nil {
			return stratumerr.Wrap(stratumerr.ExternalToolFailure, "worktree.CommitWorktree", err)
		}
		defer cleanup()

		id, err := m.commits.CreateCommit(ctx, sourceDir, wt.BaseCommit)
		if err != nil {
			return err
		}
		newID = id

		if tagName != "" {
			if err := m.layout.CreateTag(label, tagName, id, false); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		rec := metadata.WorktreeRecord{
			Name:         name,
			BaseCommit:   id,
			Created:      wt.Created,
			LastModified: now,
			Description:  wt.Description,
		}
		if err := metadata.WriteWorktreeRecord(m.layout.WorktreeMetaPath(label, name), rec); err != nil {
			return stratumerr.Wrap(stratumerr.IoError, "worktree.CommitWorktree", err)
		}
		return m.layout.TruncateWorktreeUpper(label, name)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// Remounter performs an unmount-then-remount of a worktree's live mount (if
// any) against a new lower commit; it is a no-op if the worktree is not
// currently mounted. Implemented by the mount orchestrator at the call site.
type Remounter func(ctx context.Context, label, name, newBase string) error

// Rebase changes a worktree's base_commit while preserving upperdir
// verbatim (spec §4.5). Rebasing from C to C is a no-op (spec §8).
func (m *Manager) Rebase(ctx context.Context, label, name, newBase string, remount Remounter) error {
	if !m.commits.Exists(newBase) {
		return stratumerr.New(stratumerr.NotFound, "worktree.Rebase", "base commit "+newBase)
	}
	return m.locks.WithExclusive(ctx, m.layout.WorktreeLockPath(label, name), m.lockDeadline, func() error {
		wt, err := m.Get(label, name)
		if err != nil {
			return err
		}
		if wt.BaseCommit == newBase {
			return nil
		}
		if err := remount(ctx, label, name, newBase); err != nil {
			return stratumerr.Wrap(stratumerr.ExternalToolFailure, "worktree.Rebase", err)
		}

		rec := metadata.WorktreeRecord{
			Name:         name,
			BaseCommit:   newBase,
			Created:      wt.Created,
			LastModified: time.Now().UTC(),
			Description:  wt.Description,
		}
		if err := metadata.WriteWorktreeRecord(m.layout.WorktreeMetaPath(label, name), rec); err != nil {
			return stratumerr.Wrap(stratumerr.IoError, "worktree.Rebase", err)
		}
		return nil
	})
}
