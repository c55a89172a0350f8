// Package stratumfs wires the Hasher, Store Layout, Lock Manager, Commit
// Manager, Worktree Manager, Mount Orchestrator, Patchset Engine, and
// Reference Resolver together into the single Store spec §6's command
// surface is built on. It is the only package that constructs all of the
// above from a single config.Config, the way cmd/vista's main wires
// gitcore.Repository/repomanager.RepoManager/server.Server together.
package stratumfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/stratumfs/stratum/internal/blobstore"
	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/config"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/lockmgr"
	"github.com/stratumfs/stratum/internal/metadata"
	"github.com/stratumfs/stratum/internal/mountorch"
	"github.com/stratumfs/stratum/internal/patchset"
	"github.com/stratumfs/stratum/internal/ref"
	"github.com/stratumfs/stratum/internal/stratumerr"
	"github.com/stratumfs/stratum/internal/worktree"
)

// Store composes every internal component atop a single on-disk root, the
// concrete object cmd/stratum's subcommands operate on.
type Store struct {
	Cfg       config.Config
	Layout    *layout.Layout
	Blobs     *blobstore.Store
	Locks     *lockmgr.Manager
	Commits   *commitmgr.Manager
	Worktrees *worktree.Manager
	State     *mountorch.RuntimeState
	Mounts    *mountorch.Orchestrator
	Patches   *patchset.Engine
	Refs      *ref.Resolver
	logger    *slog.Logger
}

// Open bootstraps (or reopens) a store at cfg.Root, wiring builder/mounter as
// the external collaborators spec §1 leaves out of core scope. logger may be
// nil.
func Open(cfg config.Config, builder image.Builder, mounter image.Mounter, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l := layout.New(cfg.Root)
	if err := l.Bootstrap(); err != nil {
		return nil, err
	}
	if err := l.SweepTemp(); err != nil {
		logger.Warn("startup sweep of partial commit directories failed", "error", err)
	}

	blobs, err := blobstore.New(l.ObjectsDir())
	if err != nil {
		return nil, stratumerr.Wrap(stratumerr.IoError, "stratumfs.Open", err)
	}

	locks := lockmgr.New()
	commits := commitmgr.New(l, builder, mounter, logger)
	worktrees := worktree.New(l, locks, commits, cfg.LockTimeout, logger)
	state := mountorch.NewRuntimeState(cfg.RuntimeStatePath(), locks, cfg.LockTimeout)
	synthRoot := config.SynthesizedMountDir(os.Getuid())
	mounts := mountorch.New(l, locks, mounter, commits, worktrees, state, cfg.LockTimeout, synthRoot, logger)
	patches := patchset.New(l, builder, mounter, commits, logger)
	refs := ref.New(l, commits, worktrees)

	return &Store{
		Cfg: cfg, Layout: l, Blobs: blobs, Locks: locks,
		Commits: commits, Worktrees: worktrees, State: state,
		Mounts: mounts, Patches: patches, Refs: refs, logger: logger,
	}, nil
}

// ImportBare creates label's namespace (if absent) by importing dir as its
// first commit, and creates label's main worktree atop it (spec §6:
// "import --bare <dir> <name> — import directory as a new commit under
// <name> (creates namespace and main worktree)").
func (s *Store) ImportBare(ctx context.Context, dir, label string) (string, error) {
	id, err := s.Commits.CreateCommit(ctx, dir, "")
	if err != nil {
		return "", err
	}
	if _, err := s.Worktrees.Add(label, worktree.DefaultName, id); err != nil {
		return "", err
	}
	return id, nil
}

// ImportBarePatch imports dir as a patch commit atop baseRef, binding newRef
// as its tag (spec §6: "import --bare --patch <base_ref> <new_ref> <dir>").
func (s *Store) ImportBarePatch(ctx context.Context, baseRef, newRefLabel, newTag, dir string) (string, error) {
	base, err := s.Refs.Resolve(ctx, baseRef)
	if err != nil {
		return "", err
	}
	id, err := s.Commits.CreateBarePatchCommit(ctx, dir, base.CommitID)
	if err != nil {
		return "", err
	}
	if err := s.Layout.CreateTag(newRefLabel, newTag, id, false); err != nil {
		return "", err
	}
	return id, nil
}

// Init creates an empty worktree for ref and mounts it, optionally seeding
// the initial commit from migrate (spec §6: "init <ref> <mountpoint>
// --migrate <src> imports a directory as the initial commit").
func (s *Store) Init(ctx context.Context, label, mountpoint, migrate string) (string, error) {
	source := migrate
	if source == "" {
		empty, err := os.MkdirTemp("", "stratum-empty-")
		if err != nil {
			return "", stratumerr.Wrap(stratumerr.IoError, "stratumfs.Init", err)
		}
		defer os.RemoveAll(empty)
		source = empty
	}
	base, err := s.Commits.CreateCommit(ctx, source, "")
	if err != nil {
		return "", err
	}
	if _, err := s.Worktrees.Add(label, worktree.DefaultName, base); err != nil {
		return "", err
	}
	return s.Mounts.MountWorktree(ctx, label, worktree.DefaultName, mountpoint, false)
}

// Tag points newTag at the commit rawRef resolves to (spec §6: "tag <ref|hash>
// <new_tag>"). force implements --move.
func (s *Store) Tag(ctx context.Context, label, rawRef, newTag string, force bool) error {
	resolved, err := s.Refs.Resolve(ctx, rawRef)
	if err != nil {
		return err
	}
	return s.Layout.CreateTag(label, newTag, resolved.CommitID, force)
}

// Mount realizes rawRef's recipe at mountpointOverride (empty synthesizes
// one), writable if rawRef names a worktree, read-only if it names a commit
// (spec §6: "mount <ref> [mountpoint]").
func (s *Store) Mount(ctx context.Context, rawRef, mountpointOverride string, force bool) (string, error) {
	resolved, err := s.Refs.Resolve(ctx, rawRef)
	if err != nil {
		return "", err
	}
	if resolved.Kind == ref.ResolvedWorktree {
		return s.Mounts.MountWorktree(ctx, resolved.Label, resolved.Worktree, mountpointOverride, force)
	}
	return s.Mounts.MountReadOnly(ctx, resolved.Label, resolved.CommitID, mountpointOverride, force)
}

// Unmount tears down and deregisters mountpoint (spec §6).
func (s *Store) Unmount(ctx context.Context, mountpoint string) error {
	return s.Mounts.Unmount(ctx, mountpoint)
}

// Commit captures the merged view of the worktree mounted at (or named by)
// ref as a new commit, optionally tagging it (spec §6: "commit <ref|mountpoint>
// [tag]").
func (s *Store) Commit(ctx context.Context, label, name, tagName string) (string, error) {
	return s.Worktrees.CommitWorktree(ctx, label, name, tagName, s.Mounts.UnionMountForCapture)
}

// WorktreeAdd creates a new worktree atop baseRef (spec §6: "worktree add
// <ref> <name>").
func (s *Store) WorktreeAdd(ctx context.Context, label, name, baseRef string) (*worktree.Worktree, error) {
	resolved, err := s.Refs.Resolve(ctx, baseRef)
	if err != nil {
		return nil, err
	}
	return s.Worktrees.Add(label, name, resolved.CommitID)
}

// WorktreeList lists every worktree in label (spec §6: "worktree list <label>").
func (s *Store) WorktreeList(label string) ([]*worktree.Worktree, error) {
	return s.Worktrees.List(label)
}

// WorktreeRemove deletes label+name, refusing while it is mounted (spec §6:
// "worktree remove <ref+name>").
func (s *Store) WorktreeRemove(ctx context.Context, label, name string) error {
	return s.Worktrees.Remove(ctx, label, name, s.worktreeIsMounted)
}

func (s *Store) worktreeIsMounted(label, name string) bool {
	records, err := s.State.List(context.Background())
	if err != nil {
		return true // fail closed: treat an unreadable state file as "could be mounted"
	}
	for _, r := range records {
		if r.Label == label && r.Worktree == name {
			return true
		}
	}
	return false
}

// Switch remounts label+name at mountpoint (spec §6: "worktree switch
// <ref+name> <mountpoint>").
func (s *Store) Switch(ctx context.Context, label, name, mountpoint string, force bool) (string, error) {
	return s.Mounts.MountWorktree(ctx, label, name, mountpoint, force)
}

// Reset rolls mountpoint's worktree back to targetRef, destroying uncommitted
// changes (spec §6: "reset <mountpoint> <ref>").
func (s *Store) Reset(ctx context.Context, mountpoint, targetRef string) error {
	resolved, err := s.Refs.Resolve(ctx, targetRef)
	if err != nil {
		return err
	}
	return s.Mounts.Reset(ctx, mountpoint, resolved.CommitID)
}

// Rebase changes mountpoint's worktree lower to targetRef while preserving
// its upperdir (spec §6: "rebase <mountpoint> <ref>").
func (s *Store) Rebase(ctx context.Context, mountpoint, targetRef string) error {
	rec, ok, err := s.State.Lookup(ctx, mountpoint)
	if err != nil {
		return err
	}
	if !ok {
		return stratumerr.New(stratumerr.NotManaged, "stratumfs.Rebase", mountpoint)
	}
	resolved, err := s.Refs.Resolve(ctx, targetRef)
	if err != nil {
		return err
	}
	return s.Worktrees.Rebase(ctx, rec.Label, rec.Worktree, resolved.CommitID, s.Mounts.RemountForRebase)
}

// ApplyPatchset folds patches onto baseRef and registers one new commit,
// tagging it if tagName is non-empty (spec §4.7, §6's patchset input file).
func (s *Store) ApplyPatchset(ctx context.Context, label, baseRef string, patchRefs []string, tagName string) (string, error) {
	base, err := s.Refs.Resolve(ctx, baseRef)
	if err != nil {
		return "", err
	}
	patches := make([]string, len(patchRefs))
	for i, p := range patchRefs {
		resolved, err := s.Refs.Resolve(ctx, p)
		if err != nil {
			return "", err
		}
		patches[i] = resolved.CommitID
	}
	id, err := s.Patches.Apply(ctx, base.CommitID, patches)
	if err != nil {
		return "", err
	}
	if tagName != "" {
		if err := s.Layout.CreateTag(label, tagName, id, false); err != nil {
			return "", err
		}
	}
	return id, nil
}

// ApplyPatchsetFile reads a patchset input file (spec §6's TOML format) and
// applies it via ApplyPatchset.
func (s *Store) ApplyPatchsetFile(ctx context.Context, label, path, tagName string) (string, error) {
	input, err := metadata.ReadPatchsetInput(path)
	if err != nil {
		return "", stratumerr.Wrap(stratumerr.IoError, "stratumfs.ApplyPatchsetFile", err)
	}
	base := input.Patchset.Base
	if base == "" {
		if len(input.Patchset.Patches) == 0 {
			return "", stratumerr.New(stratumerr.InvalidRef, "stratumfs.ApplyPatchsetFile", "no base and no patches")
		}
		base = input.Patchset.Patches[0]
		input.Patchset.Patches = input.Patchset.Patches[1:]
	}
	return s.ApplyPatchset(ctx, label, base, input.Patchset.Patches, tagName)
}

// List returns every label, or every tag/worktree within label if given
// (spec §6: "list [label]"), each tag with the commit it points to and each
// worktree with its base commit ("LABEL:TAG -> HASH", "LABEL+NAME -> HASH").
func (s *Store) List(label string) ([]string, error) {
	if label == "" {
		return s.Layout.EnumerateLabels()
	}
	tags, err := s.Layout.ListTags(label)
	if err != nil {
		return nil, err
	}
	worktrees, err := s.Layout.EnumerateWorktrees(label)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tags)+len(worktrees))
	for _, t := range tags {
		hash, err := s.Layout.ResolveTag(label, t)
		if err != nil {
			return nil, err
		}
		out = append(out, label+":"+t+" -> "+hash)
	}
	for _, w := range worktrees {
		wt, err := s.Worktrees.Get(label, w)
		if err != nil {
			return nil, err
		}
		out = append(out, label+"+"+w+" -> "+wt.BaseCommit)
	}
	return out, nil
}

// Status reports rawRef's resolution and (if it names a live-mounted
// worktree) its runtime state (spec §6: "status <ref>"). Clean/ChangedPaths
// are populated for a worktree ref from a shallow listing of its upperdir,
// the closest analogue Stratum has to a working-tree diff since there is no
// index, only base commit vs. upperdir.
type Status struct {
	Resolved     ref.Resolved
	Commit       *commitmgr.Commit
	Mountpoint   string
	Mounted      bool
	Clean        bool
	ChangedPaths []string
}

func (s *Store) Status(ctx context.Context, rawRef string) (*Status, error) {
	resolved, err := s.Refs.Resolve(ctx, rawRef)
	if err != nil {
		return nil, err
	}
	commit, err := s.Commits.LoadCommit(resolved.CommitID)
	if err != nil {
		return nil, err
	}
	st := &Status{Resolved: resolved, Commit: commit, Clean: true}
	if resolved.Kind == ref.ResolvedWorktree {
		records, err := s.State.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Label == resolved.Label && r.Worktree == resolved.Worktree {
				st.Mountpoint = r.Mountpoint
				st.Mounted = true
				break
			}
		}
		entries, err := os.ReadDir(s.Layout.WorktreeUpperDir(resolved.Label, resolved.Worktree))
		if err != nil && !os.IsNotExist(err) {
			return nil, stratumerr.Wrap(stratumerr.IoError, "stratumfs.Status", err)
		}
		for _, e := range entries {
			st.ChangedPaths = append(st.ChangedPaths, e.Name())
		}
		st.Clean = len(st.ChangedPaths) == 0
	}
	return st, nil
}

// Remove deletes a tag or commit named by rawRef (spec §6: "remove <ref>").
// Removing a commit requires it have no referencing tag or worktree.
func (s *Store) Remove(ctx context.Context, rawRef string) error {
	parsed, err := ref.Parse(rawRef)
	if err != nil {
		return err
	}
	if parsed.Kind == ref.KindLabelValue {
		if _, err := s.Layout.ResolveTag(parsed.Label, parsed.Value); err == nil {
			return s.Layout.RemoveTag(parsed.Label, parsed.Value)
		}
	}
	resolved, err := s.Refs.Resolve(ctx, rawRef)
	if err != nil {
		return err
	}
	return s.Commits.DeleteCommit(resolved.CommitID, s.commitIsReferenced)
}

func (s *Store) commitIsReferenced(id string) bool {
	labels, err := s.Layout.EnumerateLabels()
	if err != nil {
		return true
	}
	for _, label := range labels {
		tags, err := s.Layout.ListTags(label)
		if err != nil {
			return true
		}
		for _, tag := range tags {
			if hash, err := s.Layout.ResolveTag(label, tag); err == nil && hash == id {
				return true
			}
		}
		worktrees, err := s.Worktrees.List(label)
		if err != nil {
			return true
		}
		for _, wt := range worktrees {
			if wt.BaseCommit == id {
				return true
			}
		}
	}
	return false
}

// Export packages rawRef's commit image and metadata into a single archive
// file (spec §6: "export <ref> <file>").
func (s *Store) Export(ctx context.Context, rawRef, destFile string) error {
	resolved, err := s.Refs.Resolve(ctx, rawRef)
	if err != nil {
		return err
	}
	return exportArchive(s.Layout.CommitDir(resolved.CommitID), destFile)
}

// Import unpacks a Stratum export archive and registers the commit it
// contains under label's main worktree (spec §6: "import <path> <name>").
func (s *Store) Import(ctx context.Context, archiveFile, label string) (string, error) {
	dir, err := os.MkdirTemp("", "stratum-import-")
	if err != nil {
		return "", stratumerr.Wrap(stratumerr.IoError, "stratumfs.Import", err)
	}
	defer os.RemoveAll(dir)

	if err := importArchive(archiveFile, dir); err != nil {
		return "", err
	}
	rec, err := metadata.ReadCommitRecord(filepath.Join(dir, "metadata.toml"))
	if err != nil {
		return "", stratumerr.Wrap(stratumerr.IoError, "stratumfs.Import", err)
	}

	alloc, exists, err := s.Layout.AllocateCommitDir(rec.MetadataHash)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := copyArchiveContents(dir, alloc.TmpDir); err != nil {
			alloc.Abort()
			return "", stratumerr.Wrap(stratumerr.IoError, "stratumfs.Import", err)
		}
		if err := alloc.Finalize(); err != nil {
			return "", err
		}
	}
	if _, err := s.Worktrees.Add(label, worktree.DefaultName, rec.MetadataHash); err != nil {
		return "", err
	}
	return rec.MetadataHash, nil
}

// GC reclaims blobs unreachable from any finalized commit, skipping anything
// younger than s.Cfg.GCMinAge to avoid racing an in-flight build (spec §4.2,
// §9: "gc is explicit-only").
func (s *Store) GC(ctx context.Context) (reclaimed int, err error) {
	reachable, err := s.Layout.GCScan(s.Commits.ReadDigestIndex)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-s.Cfg.GCMinAge)
	err = s.Blobs.Walk(func(digest string) error {
		if _, ok := reachable[digest]; ok {
			return nil
		}
		modTime, statErr := s.Blobs.ModTime(digest)
		if statErr == nil && modTime.After(cutoff) {
			return nil
		}
		if err := s.Blobs.Delete(digest); err != nil {
			return err
		}
		reclaimed++
		return nil
	})
	return reclaimed, err
}

// StartupReconcile runs the stale-mount repair pass the first state-mutating
// operation per process invocation requires (spec §4.6, §4.9).
func (s *Store) StartupReconcile(ctx context.Context, isKernelMounted func(string) bool) error {
	return s.Mounts.StartupReconcile(ctx, isKernelMounted)
}
