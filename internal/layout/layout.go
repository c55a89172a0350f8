// Package layout owns the on-disk directory tree spec §4.2 and §6 describe:
// <root>/objects, <root>/commits/<hash>/, <root>/refs/<label>/tags/<tag>,
// <root>/refs/<label>/worktrees/<name>/. It is the only package that knows
// the bit-exact paths; every other component goes through it.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/stratumfs/stratum/internal/stratumerr"
)

// Layout computes paths rooted at Root and performs the atomic filesystem
// operations spec §4.2 requires of the Store Layout component.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root, without creating anything on disk.
func New(root string) *Layout {
	return &Layout{Root: root}
}

// Bootstrap creates the top-level directories the store needs to exist
// before any other operation can run.
func (l *Layout) Bootstrap() error {
	for _, dir := range []string{l.ObjectsDir(), l.CommitsDir(), l.RefsRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stratumerr.Wrap(stratumerr.IoError, "layout.Bootstrap", err)
		}
	}
	return nil
}

func (l *Layout) ObjectsDir() string  { return filepath.Join(l.Root, "objects") }
func (l *Layout) CommitsDir() string  { return filepath.Join(l.Root, "commits") }
func (l *Layout) RefsRoot() string    { return filepath.Join(l.Root, "refs") }

// CommitDir returns the (permanent) directory for a finalized commit.
func (l *Layout) CommitDir(hash string) string {
	return filepath.Join(l.CommitsDir(), hash)
}

func (l *Layout) commitTmpDir(hash string) string {
	return filepath.Join(l.CommitsDir(), hash+".tmp")
}

func (l *Layout) LabelDir(label string) string {
	return filepath.Join(l.RefsRoot(), label)
}

func (l *Layout) TagsDir(label string) string {
	return filepath.Join(l.LabelDir(label), "tags")
}

func (l *Layout) TagPath(label, tag string) string {
	return filepath.Join(l.TagsDir(label), tag)
}

func (l *Layout) WorktreesDir(label string) string {
	return filepath.Join(l.LabelDir(label), "worktrees")
}

func (l *Layout) WorktreeDir(label, name string) string {
	return filepath.Join(l.WorktreesDir(label), name)
}

func (l *Layout) WorktreeUpperDir(label, name string) string {
	return filepath.Join(l.WorktreeDir(label, name), "upperdir")
}

func (l *Layout) WorktreeWorkDir(label, name string) string {
	return filepath.Join(l.WorktreeDir(label, name), "workdir")
}

func (l *Layout) WorktreeMetaPath(label, name string) string {
	return filepath.Join(l.WorktreeDir(label, name), "meta.toml")
}

func (l *Layout) WorktreeLockPath(label, name string) string {
	return filepath.Join(l.WorktreeDir(label, name), ".lock")
}

func (l *Layout) CommitMetaPath(hash string) string {
	return filepath.Join(l.CommitDir(hash), "metadata.toml")
}

func (l *Layout) CommitImagePath(hash string) string {
	return filepath.Join(l.CommitDir(hash), "commit.cfs")
}

// AllocatedCommit is the handle returned by AllocateCommitDir: the caller
// populates TmpDir, then calls Finalize to atomically promote it, or
// Abort to discard it.
type AllocatedCommit struct {
	TmpDir    string
	finalPath string
}

// AllocateCommitDir creates commits/<hash>.tmp/ for the caller to populate.
// If a finalized directory for hash already exists (duplicate content),
// Exists is true and the caller should discard its build (spec §4.4
// idempotence: "the new build is discarded and the existing id is
// returned").
func (l *Layout) AllocateCommitDir(hash string) (alloc AllocatedCommit, exists bool, err error) {
	final := l.CommitDir(hash)
	if _, statErr := os.Stat(final); statErr == nil {
		return AllocatedCommit{}, true, nil
	}

	tmp := l.commitTmpDir(hash)
	if err := os.RemoveAll(tmp); err != nil {
		return AllocatedCommit{}, false, stratumerr.Wrap(stratumerr.IoError, "layout.AllocateCommitDir", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return AllocatedCommit{}, false, stratumerr.Wrap(stratumerr.IoError, "layout.AllocateCommitDir", err)
	}
	return AllocatedCommit{TmpDir: tmp, finalPath: final}, false, nil
}

// Finalize atomically renames the populated temp directory into its
// permanent commits/<hash>/ location.
func (a AllocatedCommit) Finalize() error {
	if err := os.Rename(a.TmpDir, a.finalPath); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.Finalize", err)
	}
	return nil
}

// Abort discards a temp commit directory, used on build failure or signal
// cancellation (spec §5: "rolls back any in-progress commit-directory
// creation").
func (a AllocatedCommit) Abort() error {
	if a.TmpDir == "" {
		return nil
	}
	return os.RemoveAll(a.TmpDir)
}

// WriteMetadata writes data to path via a temp-file-then-rename, matching
// spec §4.2's "write-then-rename for crash safety" contract for any single
// metadata file outside a commit directory's own allocation lifecycle.
func (l *Layout) WriteMetadata(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.WriteMetadata", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.WriteMetadata", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "layout.WriteMetadata", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "layout.WriteMetadata", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "layout.WriteMetadata", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "layout.WriteMetadata", err)
	}
	return nil
}

// CreateTag atomically creates (or, if force, replaces) a symlink from
// refs/<label>/tags/<tag> to the commit directory (spec §3 Tag, §9's chosen
// symlink variant).
func (l *Layout) CreateTag(label, tag, commitHash string, force bool) error {
	tagsDir := l.TagsDir(label)
	if err := os.MkdirAll(tagsDir, 0o755); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.CreateTag", err)
	}

	tagPath := l.TagPath(label, tag)
	target, err := filepath.Rel(tagsDir, l.CommitDir(commitHash))
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.CreateTag", err)
	}

	if _, err := os.Lstat(tagPath); err == nil {
		if !force {
			return stratumerr.New(stratumerr.AlreadyExists, "layout.CreateTag", fmt.Sprintf("tag %s:%s", label, tag))
		}
		if err := os.Remove(tagPath); err != nil {
			return stratumerr.Wrap(stratumerr.IoError, "layout.CreateTag", err)
		}
	}

	// Atomic create: symlink into a temp name, then rename onto the final
	// path, so a concurrent reader never observes a partially created link.
	tmpPath := tagPath + ".tmp-" + fmt.Sprintf("%d", os.Getpid())
	if err := os.Symlink(target, tmpPath); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.CreateTag", err)
	}
	if err := os.Rename(tmpPath, tagPath); err != nil {
		os.Remove(tmpPath)
		return stratumerr.Wrap(stratumerr.IoError, "layout.CreateTag", err)
	}
	return nil
}

// ResolveTag follows the tag symlink and returns the commit hash it names.
func (l *Layout) ResolveTag(label, tag string) (string, error) {
	tagPath := l.TagPath(label, tag)
	target, err := os.Readlink(tagPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", stratumerr.New(stratumerr.NotFound, "layout.ResolveTag", fmt.Sprintf("tag %s:%s", label, tag))
		}
		return "", stratumerr.Wrap(stratumerr.IoError, "layout.ResolveTag", err)
	}
	return filepath.Base(target), nil
}

// ListTags returns every tag name in label, sorted.
func (l *Layout) ListTags(label string) ([]string, error) {
	entries, err := os.ReadDir(l.TagsDir(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "layout.ListTags", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// RemoveTag deletes a tag symlink.
func (l *Layout) RemoveTag(label, tag string) error {
	err := os.Remove(l.TagPath(label, tag))
	if os.IsNotExist(err) {
		return stratumerr.New(stratumerr.NotFound, "layout.RemoveTag", fmt.Sprintf("tag %s:%s", label, tag))
	}
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.RemoveTag", err)
	}
	return nil
}

// CreateWorktreeDirs creates the upperdir/workdir pair for a new worktree.
func (l *Layout) CreateWorktreeDirs(label, name string) error {
	for _, dir := range []string{l.WorktreeUpperDir(label, name), l.WorktreeWorkDir(label, name)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return stratumerr.Wrap(stratumerr.IoError, "layout.CreateWorktreeDirs", err)
		}
	}
	return nil
}

// RemoveWorktreeDirs deletes a worktree's directory tree entirely.
func (l *Layout) RemoveWorktreeDirs(label, name string) error {
	if err := os.RemoveAll(l.WorktreeDir(label, name)); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.RemoveWorktreeDirs", err)
	}
	return nil
}

// TruncateWorktreeUpper empties a worktree's upperdir in place, used after a
// successful commit (spec §9: "committing is the explicit checkpoint") and
// by Reset (spec §4.6, destroying uncommitted changes).
func (l *Layout) TruncateWorktreeUpper(label, name string) error {
	dir := l.WorktreeUpperDir(label, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.TruncateWorktreeUpper", err)
	}
	var errs error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.TruncateWorktreeUpper", errs)
	}
	return nil
}

// EnumerateCommits lists every finalized commit hash in the store.
func (l *Layout) EnumerateCommits() ([]string, error) {
	entries, err := os.ReadDir(l.CommitsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "layout.EnumerateCommits", err)
	}
	var hashes []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		hashes = append(hashes, e.Name())
	}
	sort.Strings(hashes)
	return hashes, nil
}

// EnumerateLabels lists every namespace that has ever had a tag or worktree
// created in it.
func (l *Layout) EnumerateLabels() ([]string, error) {
	entries, err := os.ReadDir(l.RefsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "layout.EnumerateLabels", err)
	}
	var labels []string
	for _, e := range entries {
		labels = append(labels, e.Name())
	}
	sort.Strings(labels)
	return labels, nil
}

// EnumerateWorktrees lists every worktree name within label, sorted.
func (l *Layout) EnumerateWorktrees(label string) ([]string, error) {
	entries, err := os.ReadDir(l.WorktreesDir(label))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "layout.EnumerateWorktrees", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SweepTemp removes partial commits/<hash>.tmp directories a crash left
// behind, the startup recovery pass spec §4.2 requires. Errors from
// individual entries are accumulated rather than aborting the sweep, so one
// unremovable leftover does not hide the rest.
func (l *Layout) SweepTemp() error {
	entries, err := os.ReadDir(l.CommitsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return stratumerr.Wrap(stratumerr.IoError, "layout.SweepTemp", err)
	}

	var errs error
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.CommitsDir(), e.Name())); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return stratumerr.Wrap(stratumerr.IoError, "layout.SweepTemp", errs)
	}
	return nil
}

// GCScan returns the set of blob digests reachable from every finalized
// commit's image manifest, so the blob store can sweep the complement
// (spec §4.2's gc-scan contract, §9: "explicit gc only"). readManifest is
// supplied by the caller (commitmgr / image package) since layout does not
// itself know how to parse an image file's manifest.
func (l *Layout) GCScan(readManifest func(hash string) ([]string, error)) (map[string]struct{}, error) {
	hashes, err := l.EnumerateCommits()
	if err != nil {
		return nil, err
	}

	reachable := make(map[string]struct{})
	var errs error
	for _, hash := range hashes {
		digests, err := readManifest(hash)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("commit %s: %w", hash, err))
			continue
		}
		for _, d := range digests {
			reachable[d] = struct{}{}
		}
	}
	if errs != nil {
		return reachable, stratumerr.Wrap(stratumerr.IoError, "layout.GCScan", errs)
	}
	return reachable, nil
}
