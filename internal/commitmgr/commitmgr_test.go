package commitmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
)

// fakeBuilder reports a fixed manifest regardless of sourceDir, so tests can
// control the resulting dual hash precisely.
type fakeBuilder struct {
	entries []image.ManifestEntry
}

func (b fakeBuilder) BuildImage(ctx context.Context, sourceDir, blobStoreDir, destImagePath string) (image.Manifest, error) {
	if err := os.WriteFile(destImagePath, []byte("fake-image"), 0o644); err != nil {
		return image.Manifest{}, err
	}
	return image.Manifest{Entries: b.entries}, nil
}

// fakeMounter materializes the mountpoint as a plain directory containing
// fixed content, standing in for a real composefs mount in tests. Each file's
// mtime is set to the Unix epoch so its mtime bucket is 0, the bucket the
// fake manifests in this file carry.
type fakeMounter struct {
	files map[string]string
}

func (m fakeMounter) MountImage(ctx context.Context, imageFile, blobStoreDir, mountpoint, upperDir, workDir string) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return err
	}
	for name, content := range m.files {
		path := filepath.Join(mountpoint, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		if err := os.Chtimes(path, time.Unix(0, 0), time.Unix(0, 0)); err != nil {
			return err
		}
	}
	return nil
}

func (m fakeMounter) Unmount(ctx context.Context, mountpoint string) error {
	return os.RemoveAll(mountpoint)
}

func digestOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func newTestManager(t *testing.T, builder image.Builder, mounter image.Mounter) (*Manager, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return New(l, builder, mounter, nil), l
}

func TestCreateCommit_RegistersAndIsIdempotent(t *testing.T) {
	builder := fakeBuilder{entries: []image.ManifestEntry{
		{Path: "a.txt", Mode: 0o644, Size: 5, ContentDigest: digestOf("hello")},
	}}
	mgr, l := newTestManager(t, builder, fakeMounter{})

	id, err := mgr.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create commit: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty commit id")
	}
	if !mgr.Exists(id) {
		t.Fatal("expected commit to exist after create")
	}
	if _, err := os.Stat(l.CommitImagePath(id)); err != nil {
		t.Fatalf("expected image file present: %v", err)
	}

	id2, err := mgr.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create duplicate commit: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected idempotent id %q, got %q", id, id2)
	}
}

func TestCreateCommit_UnknownParentRejected(t *testing.T) {
	mgr, _ := newTestManager(t, fakeBuilder{}, fakeMounter{})
	_, err := mgr.CreateCommit(context.Background(), t.TempDir(), "missing-parent")
	if err == nil {
		t.Fatal("expected error for unknown parent")
	}
}

func TestCreateBarePatchCommit_RequiresExistingBase(t *testing.T) {
	builder := fakeBuilder{entries: []image.ManifestEntry{
		{Path: "x", Mode: 0o644, Size: 1, ContentDigest: digestOf("x")},
	}}
	mgr, _ := newTestManager(t, builder, fakeMounter{})

	base, err := mgr.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create base: %v", err)
	}

	// The patch needs content distinct from the base; otherwise it hashes to
	// the base's id and CreateBarePatchCommit returns the existing commit.
	patchMgr := New(mgr.layout, fakeBuilder{entries: []image.ManifestEntry{
		{Path: "y", Mode: 0o644, Size: 1, ContentDigest: digestOf("y")},
	}}, fakeMounter{}, nil)

	patch, err := patchMgr.CreateBarePatchCommit(context.Background(), t.TempDir(), base)
	if err != nil {
		t.Fatalf("create patch: %v", err)
	}
	c, err := patchMgr.LoadCommit(patch)
	if err != nil {
		t.Fatalf("load patch: %v", err)
	}
	if c.Parent != base {
		t.Errorf("parent = %q, want %q", c.Parent, base)
	}

	if _, err := patchMgr.CreateBarePatchCommit(context.Background(), t.TempDir(), "nonexistent"); err == nil {
		t.Fatal("expected error for unknown base")
	}
}

func TestDeleteCommit_RejectsWhenReferenced(t *testing.T) {
	builder := fakeBuilder{entries: []image.ManifestEntry{
		{Path: "a", Mode: 0o644, Size: 1, ContentDigest: digestOf("a")},
	}}
	mgr, _ := newTestManager(t, builder, fakeMounter{})

	id, err := mgr.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = mgr.DeleteCommit(id, func(string) bool { return true })
	if err == nil {
		t.Fatal("expected rejection for referenced commit")
	}
	if !mgr.Exists(id) {
		t.Fatal("commit should still exist after rejected delete")
	}

	if err := mgr.DeleteCommit(id, func(string) bool { return false }); err != nil {
		t.Fatalf("delete unreferenced: %v", err)
	}
	if mgr.Exists(id) {
		t.Fatal("commit should be gone after delete")
	}
}

func TestVerify_DetectsCorruption(t *testing.T) {
	builder := fakeBuilder{entries: []image.ManifestEntry{
		{Path: "a.txt", Mode: 0o644, Size: 5, ContentDigest: digestOf("hello")},
	}}
	mounter := fakeMounter{files: map[string]string{"a.txt": "hello"}}
	mgr, _ := newTestManager(t, builder, mounter)

	id, err := mgr.CreateCommit(context.Background(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := mgr.Verify(context.Background(), id); err != nil {
		t.Fatalf("expected verify to pass against matching mount, got %v", err)
	}

	corrupt := fakeMounter{files: map[string]string{"a.txt": "tampered"}}
	mgr2 := New(mgr.layout, builder, corrupt, nil)
	if err := mgr2.Verify(context.Background(), id); err == nil {
		t.Fatal("expected verify to fail against tampered mount")
	}
}
