package stratumfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stratumfs/stratum/internal/config"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/stratumerr"
)

// fakeMounter and fakeBuilder mirror mountorch's recordingMounter/fixedBuilder:
// BuildImage writes a placeholder image file and Manifest describing source's
// contents, MountImage just materializes the mountpoint directory.
type fakeMounter struct {
	mounts   []string
	unmounts []string
}

func (m *fakeMounter) MountImage(ctx context.Context, imageFile, blobStoreDir, mountpoint, upperDir, workDir string) error {
	m.mounts = append(m.mounts, mountpoint)
	return os.MkdirAll(mountpoint, 0o755)
}

func (m *fakeMounter) Unmount(ctx context.Context, mountpoint string) error {
	m.unmounts = append(m.unmounts, mountpoint)
	return nil
}

type fakeBuilder struct{}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (b fakeBuilder) BuildImage(ctx context.Context, sourceDir, blobStoreDir, destImagePath string) (image.Manifest, error) {
	if err := os.WriteFile(destImagePath, []byte("img"), 0o644); err != nil {
		return image.Manifest{}, err
	}
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return image.Manifest{}, err
	}
	var manifest image.Manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sourceDir, e.Name()))
		if err != nil {
			return image.Manifest{}, err
		}
		manifest.Entries = append(manifest.Entries, image.ManifestEntry{
			Path: e.Name(), Mode: 0o644, Size: int64(len(data)), ContentDigest: digest(string(data)),
		})
	}
	return manifest, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		Root:       root,
		RuntimeDir: filepath.Join(root, "run"),
	}
	cfg.Defaults()
	cfg.LockTimeout = 500 * time.Millisecond

	s, err := Open(cfg, fakeBuilder{}, &fakeMounter{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func writeSourceFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestImportBare_CreatesCommitAndMainWorktree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := writeSourceFile(t, "a.txt", "hello")
	id, err := s.ImportBare(ctx, dir, "app")
	if err != nil {
		t.Fatalf("ImportBare: %v", err)
	}

	wts, err := s.WorktreeList("app")
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	if len(wts) != 1 || wts[0].BaseCommit != id {
		t.Fatalf("expected one worktree based on %s, got %+v", id, wts)
	}
}

func TestInit_MountsEmptyWorktreeByDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mp := filepath.Join(t.TempDir(), "mnt")
	id, err := s.Init(ctx, "app", mp, "")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty commit id")
	}

	st, err := s.Status(ctx, "app")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Mounted || st.Mountpoint != mp {
		t.Fatalf("expected mounted at %s, got %+v", mp, st)
	}
}

func TestTagThenMount_ResolvesReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := writeSourceFile(t, "a.txt", "v1")
	id, err := s.ImportBare(ctx, dir, "app")
	if err != nil {
		t.Fatalf("ImportBare: %v", err)
	}
	if err := s.Tag(ctx, "app", id, "stable", false); err != nil {
		t.Fatalf("Tag: %v", err)
	}

	mp, err := s.Mount(ctx, "app:stable", "", false)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := os.Stat(mp); err != nil {
		t.Fatalf("expected mountpoint to exist: %v", err)
	}
	if err := s.Unmount(ctx, mp); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestWorktreeAddListRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := writeSourceFile(t, "a.txt", "v1")
	id, err := s.ImportBare(ctx, dir, "app")
	if err != nil {
		t.Fatalf("ImportBare: %v", err)
	}

	if _, err := s.WorktreeAdd(ctx, "app", "feature", id); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	wts, err := s.WorktreeList("app")
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	if len(wts) != 2 {
		t.Fatalf("expected 2 worktrees, got %d", len(wts))
	}

	if err := s.WorktreeRemove(ctx, "app", "feature"); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}
	wts, err = s.WorktreeList("app")
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	if len(wts) != 1 {
		t.Fatalf("expected 1 worktree after remove, got %d", len(wts))
	}
}

func TestWorktreeRemove_RefusesWhileMounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mp := filepath.Join(t.TempDir(), "mnt")
	if _, err := s.Init(ctx, "app", mp, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err := s.WorktreeRemove(ctx, "app", "main")
	if !stratumerr.Is(err, stratumerr.WorktreeMounted) {
		t.Fatalf("expected WorktreeMounted, got %v", err)
	}
}

func TestRemove_RefusesReferencedCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := writeSourceFile(t, "a.txt", "v1")
	id, err := s.ImportBare(ctx, dir, "app")
	if err != nil {
		t.Fatalf("ImportBare: %v", err)
	}

	err = s.Remove(ctx, id)
	if err == nil {
		t.Fatal("expected removal of a referenced commit to fail")
	}
}

func TestExportImport_RoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := writeSourceFile(t, "a.txt", "roundtrip-content")
	id, err := s.ImportBare(ctx, dir, "app")
	if err != nil {
		t.Fatalf("ImportBare: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := s.Export(ctx, "app", archive); err != nil {
		t.Fatalf("Export: %v", err)
	}

	imported, err := s.Import(ctx, archive, "restored")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported != id {
		t.Fatalf("imported commit id = %s, want %s (same content, same hash)", imported, id)
	}

	wts, err := s.WorktreeList("restored")
	if err != nil {
		t.Fatalf("WorktreeList: %v", err)
	}
	if len(wts) != 1 || wts[0].BaseCommit != id {
		t.Fatalf("expected restored's main worktree based on %s, got %+v", id, wts)
	}
}

func TestGC_SkipsYoungUnreferencedBlobsAndReclaimsOld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := writeSourceFile(t, "a.txt", "v1")
	if _, err := s.ImportBare(ctx, dir, "app"); err != nil {
		t.Fatalf("ImportBare: %v", err)
	}

	// "v1" is the imported file's content, so its blob is referenced by the
	// commit's digest index; "orphan" is referenced by nothing.
	referenced, err := s.Blobs.Put(strings.NewReader("v1"))
	if err != nil {
		t.Fatalf("Put referenced: %v", err)
	}
	orphan, err := s.Blobs.Put(strings.NewReader("orphan"))
	if err != nil {
		t.Fatalf("Put orphan: %v", err)
	}

	s.Cfg.GCMinAge = time.Hour
	reclaimed, err := s.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected nothing reclaimed while the unreferenced blob is young, got %d", reclaimed)
	}
	if !s.Blobs.Has(orphan) {
		t.Fatal("young unreferenced blob was deleted")
	}

	time.Sleep(20 * time.Millisecond)
	s.Cfg.GCMinAge = time.Millisecond
	reclaimed, err = s.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected the old unreferenced blob reclaimed, got %d", reclaimed)
	}
	if s.Blobs.Has(orphan) {
		t.Fatal("old unreferenced blob still present after GC")
	}
	if !s.Blobs.Has(referenced) {
		t.Fatal("referenced blob was deleted")
	}
}

func TestApplyPatchsetFile_AppliesFileListedPatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	baseDir := writeSourceFile(t, "a.txt", "base")
	base, err := s.ImportBare(ctx, baseDir, "app")
	if err != nil {
		t.Fatalf("ImportBare: %v", err)
	}

	patchDir := writeSourceFile(t, "b.txt", "patch")
	patchID, err := s.Commits.CreateBarePatchCommit(ctx, patchDir, base)
	if err != nil {
		t.Fatalf("CreateBarePatchCommit: %v", err)
	}

	input := "[patchset]\nbase = \"" + base + "\"\npatches = [\"" + patchID + "\"]\n"
	path := filepath.Join(t.TempDir(), "patchset.toml")
	if err := os.WriteFile(path, []byte(input), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := s.ApplyPatchsetFile(ctx, "app", path, "merged")
	if err != nil {
		t.Fatalf("ApplyPatchsetFile: %v", err)
	}
	if result == "" {
		t.Fatal("expected a result commit id")
	}

	resolved, err := s.Refs.Resolve(ctx, "app:merged")
	if err != nil {
		t.Fatalf("Resolve tag: %v", err)
	}
	if resolved.CommitID != result {
		t.Fatalf("tag resolved to %s, want %s", resolved.CommitID, result)
	}
}
