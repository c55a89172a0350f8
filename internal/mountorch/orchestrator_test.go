package mountorch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/lockmgr"
	"github.com/stratumfs/stratum/internal/stratumerr"
	"github.com/stratumfs/stratum/internal/worktree"
)

type recordingMounter struct {
	mounts   []string
	unmounts []string
}

func (m *recordingMounter) MountImage(ctx context.Context, imageFile, blobStoreDir, mountpoint, upperDir, workDir string) error {
	m.mounts = append(m.mounts, mountpoint)
	return os.MkdirAll(mountpoint, 0o755)
}

func (m *recordingMounter) Unmount(ctx context.Context, mountpoint string) error {
	m.unmounts = append(m.unmounts, mountpoint)
	return nil
}

type fixedBuilder struct {
	entries []image.ManifestEntry
}

func (b fixedBuilder) BuildImage(ctx context.Context, sourceDir, blobStoreDir, destImagePath string) (image.Manifest, error) {
	if err := os.WriteFile(destImagePath, []byte("img"), 0o644); err != nil {
		return image.Manifest{}, err
	}
	return image.Manifest{Entries: b.entries}, nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

type testRig struct {
	layout    *layout.Layout
	commits   *commitmgr.Manager
	worktrees *worktree.Manager
	state     *RuntimeState
	mounter   *recordingMounter
	orch      *Orchestrator
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	root := t.TempDir()
	l := layout.New(root)
	if err := l.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	mounter := &recordingMounter{}
	builder := fixedBuilder{entries: []image.ManifestEntry{
		{Path: "a", Mode: 0o644, Size: 1, ContentDigest: digest("a")},
	}}
	locks := lockmgr.New()
	commits := commitmgr.New(l, builder, mounter, nil)
	worktrees := worktree.New(l, locks, commits, 500*time.Millisecond, nil)
	state := NewRuntimeState(filepath.Join(root, "state"), locks, 500*time.Millisecond)
	orch := New(l, locks, mounter, commits, worktrees, state, 500*time.Millisecond, filepath.Join(root, "synth"), nil)
	return &testRig{layout: l, commits: commits, worktrees: worktrees, state: state, mounter: mounter, orch: orch}
}

func TestMountWorktree_RegistersAndRejectsSecondMount(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	base, err := r.commits.CreateCommit(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := r.worktrees.Add("app", "main", base); err != nil {
		t.Fatalf("add worktree: %v", err)
	}

	mp := filepath.Join(t.TempDir(), "mnt")
	got, err := r.orch.MountWorktree(ctx, "app", "main", mp, false)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	if got != mp {
		t.Fatalf("mountpoint = %q, want %q", got, mp)
	}
	if len(r.mounter.mounts) != 1 {
		t.Fatalf("expected 1 mount call, got %v", r.mounter.mounts)
	}

	mp2 := filepath.Join(t.TempDir(), "mnt2")
	_, err = r.orch.MountWorktree(ctx, "app", "main", mp2, false)
	if !stratumerr.Is(err, stratumerr.WorktreeBusy) {
		t.Fatalf("expected WorktreeBusy, got %v", err)
	}
}

func TestUnmount_NotManagedForForeignMount(t *testing.T) {
	r := newRig(t)
	if err := r.orch.Unmount(context.Background(), "/mnt/not-ours"); !stratumerr.Is(err, stratumerr.NotManaged) {
		t.Fatalf("expected NotManaged, got %v", err)
	}
}

func TestMountWorktree_ThenUnmountAllowsRemount(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	base, err := r.commits.CreateCommit(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := r.worktrees.Add("app", "main", base); err != nil {
		t.Fatalf("add worktree: %v", err)
	}

	mp := filepath.Join(t.TempDir(), "mnt")
	if _, err := r.orch.MountWorktree(ctx, "app", "main", mp, false); err != nil {
		t.Fatalf("mount: %v", err)
	}
	if err := r.orch.Unmount(ctx, mp); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	mp2 := filepath.Join(t.TempDir(), "mnt2")
	if _, err := r.orch.MountWorktree(ctx, "app", "main", mp2, false); err != nil {
		t.Fatalf("remount after unmount: %v", err)
	}
}

func TestRemountForRebase_NoopWhenNotMounted(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	base, err := r.commits.CreateCommit(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := r.worktrees.Add("app", "main", base); err != nil {
		t.Fatalf("add worktree: %v", err)
	}

	if err := r.orch.RemountForRebase(ctx, "app", "main", base); err != nil {
		t.Fatalf("remount: %v", err)
	}
	if len(r.mounter.mounts) != 0 {
		t.Fatalf("expected no mount calls for an unmounted worktree, got %v", r.mounter.mounts)
	}
}

func TestUnionMountForCapture_ReturnsScratchAndCleansUp(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	base, err := r.commits.CreateCommit(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}
	if _, err := r.worktrees.Add("app", "main", base); err != nil {
		t.Fatalf("add worktree: %v", err)
	}

	scratch, cleanup, err := r.orch.UnionMountForCapture(ctx, "app", "main")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := os.Stat(scratch); err != nil {
		t.Fatalf("expected scratch dir to exist: %v", err)
	}
	cleanup()
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("expected scratch dir removed after cleanup, err=%v", err)
	}
}
