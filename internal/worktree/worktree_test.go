package worktree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/lockmgr"
	"github.com/stratumfs/stratum/internal/stratumerr"
)

type fixedBuilder struct {
	entries []image.ManifestEntry
}

func (b fixedBuilder) BuildImage(ctx context.Context, sourceDir, blobStoreDir, destImagePath string) (image.Manifest, error) {
	if err := os.WriteFile(destImagePath, []byte("img"), 0o644); err != nil {
		return image.Manifest{}, err
	}
	return image.Manifest{Entries: b.entries}, nil
}

// switchableBuilder lets a test change what manifest the next build reports,
// so successive CreateCommit calls against the same manager yield distinct
// commit hashes.
type switchableBuilder struct {
	entries []image.ManifestEntry
}

func (b *switchableBuilder) BuildImage(ctx context.Context, sourceDir, blobStoreDir, destImagePath string) (image.Manifest, error) {
	if err := os.WriteFile(destImagePath, []byte("img"), 0o644); err != nil {
		return image.Manifest{}, err
	}
	return image.Manifest{Entries: b.entries}, nil
}

type noopMounter struct{}

func (noopMounter) MountImage(ctx context.Context, imageFile, blobStoreDir, mountpoint, upperDir, workDir string) error {
	return nil
}
func (noopMounter) Unmount(ctx context.Context, mountpoint string) error { return nil }

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestManager(t *testing.T) (*Manager, *layout.Layout, *commitmgr.Manager) {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	builder := fixedBuilder{entries: []image.ManifestEntry{
		{Path: "a", Mode: 0o644, Size: 1, ContentDigest: digest("a")},
	}}
	commits := commitmgr.New(l, builder, noopMounter{}, nil)
	wm := New(l, lockmgr.New(), commits, 500*time.Millisecond, nil)
	return wm, l, commits
}

func TestAdd_RejectsDuplicateAndMissingBase(t *testing.T) {
	wm, _, commits := newTestManager(t)
	base, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}

	wt, err := wm.Add("app", "", base)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if wt.Name != DefaultName {
		t.Errorf("expected default name %q, got %q", DefaultName, wt.Name)
	}

	if _, err := wm.Add("app", DefaultName, base); !stratumerr.Is(err, stratumerr.AlreadyExists) {
		t.Fatalf("expected AlreadyExists on duplicate add, got %v", err)
	}

	if _, err := wm.Add("app", "other", "nonexistent"); !stratumerr.Is(err, stratumerr.NotFound) {
		t.Fatalf("expected NotFound for missing base, got %v", err)
	}
}

func TestRemove_RejectsWhenMounted(t *testing.T) {
	wm, _, commits := newTestManager(t)
	base, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := wm.Add("app", "feat", base); err != nil {
		t.Fatalf("add: %v", err)
	}

	err = wm.Remove(context.Background(), "app", "feat", func(label, name string) bool { return true })
	if !stratumerr.Is(err, stratumerr.WorktreeMounted) {
		t.Fatalf("expected WorktreeMounted, got %v", err)
	}

	if err := wm.Remove(context.Background(), "app", "feat", func(label, name string) bool { return false }); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := wm.Get("app", "feat"); !stratumerr.Is(err, stratumerr.NotFound) {
		t.Fatalf("expected worktree gone, got %v", err)
	}
}

func TestCommitWorktree_NoChangesReturnsBase(t *testing.T) {
	wm, l, commits := newTestManager(t)
	base, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := wm.Add("app", "feat", base); err != nil {
		t.Fatalf("add: %v", err)
	}

	materialize := func(ctx context.Context, label, name string) (string, func(), error) {
		dir := t.TempDir()
		return dir, func() {}, nil
	}

	id, err := wm.CommitWorktree(context.Background(), "app", "feat", "", materialize)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if id != base {
		t.Fatalf("expected no-op commit to return base %q, got %q", base, id)
	}

	entries, err := os.ReadDir(l.WorktreeUpperDir("app", "feat"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected upperdir cleared after commit, got %v", entries)
	}
}

func TestCommitWorktree_TagExistsRejected(t *testing.T) {
	wm, l, commits := newTestManager(t)
	base, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if err := l.CreateTag("app", "taken", base, false); err != nil {
		t.Fatalf("create tag: %v", err)
	}
	if _, err := wm.Add("app", "feat", base); err != nil {
		t.Fatalf("add: %v", err)
	}

	materialize := func(ctx context.Context, label, name string) (string, func(), error) {
		return t.TempDir(), func() {}, nil
	}

	_, err = wm.CommitWorktree(context.Background(), "app", "feat", "taken", materialize)
	if !stratumerr.Is(err, stratumerr.TagExists) {
		t.Fatalf("expected TagExists, got %v", err)
	}
}

func TestRebase_NoOpWhenSameBase(t *testing.T) {
	wm, _, commits := newTestManager(t)
	base, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := wm.Add("app", "feat", base); err != nil {
		t.Fatalf("add: %v", err)
	}

	called := false
	remount := func(ctx context.Context, label, name, newBase string) error {
		called = true
		return nil
	}
	if err := wm.Rebase(context.Background(), "app", "feat", base, remount); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if called {
		t.Error("expected remount not called for a no-op rebase")
	}
}

func TestRebase_UpdatesBaseAndCallsRemount(t *testing.T) {
	l := layout.New(t.TempDir())
	if err := l.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	builder := &switchableBuilder{entries: []image.ManifestEntry{
		{Path: "a", Mode: 0o644, Size: 1, ContentDigest: digest("a")},
	}}
	commits := commitmgr.New(l, builder, noopMounter{}, nil)
	wm := New(l, lockmgr.New(), commits, 500*time.Millisecond, nil)

	base, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}

	builder.entries = []image.ManifestEntry{
		{Path: "b", Mode: 0o644, Size: 1, ContentDigest: digest("b")},
	}
	newBase, err := commits.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create new base: %v", err)
	}

	if _, err := wm.Add("app", "feat", base); err != nil {
		t.Fatalf("add: %v", err)
	}

	called := false
	remount := func(ctx context.Context, label, name, nb string) error {
		called = true
		if nb != newBase {
			t.Errorf("remount called with %q, want %q", nb, newBase)
		}
		return nil
	}
	if err := wm.Rebase(context.Background(), "app", "feat", newBase, remount); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if !called {
		t.Error("expected remount to be called")
	}

	wt, err := wm.Get("app", "feat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if wt.BaseCommit != newBase {
		t.Errorf("base_commit = %q, want %q", wt.BaseCommit, newBase)
	}
}
