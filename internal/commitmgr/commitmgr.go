// Package commitmgr implements spec §4.4's Commit Manager: creating,
// reading, verifying, and deleting the immutable commit records stored at
// <root>/commits/<hash>/.
package commitmgr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stratumfs/stratum/internal/hasher"
	"github.com/stratumfs/stratum/internal/image"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/metadata"
	"github.com/stratumfs/stratum/internal/stratumerr"
)

// Commit is the in-memory view of a commit record (spec §3 Commit).
type Commit struct {
	ID           string
	MerkleRoot   string
	Timestamp    time.Time
	Parent       string
	FileCount    int
	TotalSize    int64
	LeafCount    int
	TreeDepth    int
}

// Manager creates, reads, verifies, and deletes commits.
type Manager struct {
	layout  *layout.Layout
	builder image.Builder
	mounter image.Mounter
	logger  *slog.Logger
}

// New returns a commit Manager. logger may be nil, in which case
// slog.Default() is used (the same fallback repomanager.Config.defaults()
// applies to its own Logger field).
func New(l *layout.Layout, builder image.Builder, mounter image.Mounter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{layout: l, builder: builder, mounter: mounter, logger: logger}
}

func manifestToEntries(m image.Manifest) ([]hasher.FileEntry, []string) {
	entries := make([]hasher.FileEntry, len(m.Entries))
	digests := make([]string, 0, len(m.Entries))
	for i, e := range m.Entries {
		var digest [32]byte
		if len(e.ContentDigest) == 64 {
			for j := 0; j < 32; j++ {
				fmt.Sscanf(e.ContentDigest[j*2:j*2+2], "%02x", &digest[j])
			}
		}
		entries[i] = hasher.FileEntry{
			Path:          e.Path,
			Mode:          e.Mode,
			Size:          e.Size,
			MTimeBucket:   e.MTimeBucket,
			IsDir:         e.IsDir,
			ContentDigest: digest,
		}
		if !e.IsDir && e.ContentDigest != "" {
			digests = append(digests, e.ContentDigest)
		}
	}
	return entries, digests
}

// CreateCommit builds an image from sourcePath via the external builder,
// computes the dual hash, and atomically registers a new commit directory
// (spec §4.4). If a commit with the resulting hash already exists, the
// freshly built image is discarded and the existing id returned —
// import/commit idempotence (spec §8).
func (m *Manager) CreateCommit(ctx context.Context, sourcePath, parent string) (string, error) {
	if parent != "" {
		if _, err := os.Stat(m.layout.CommitDir(parent)); err != nil {
			return "", stratumerr.New(stratumerr.NotFound, "commitmgr.CreateCommit", "parent "+parent)
		}
	}

	tmpImage := filepath.Join(os.TempDir(), "stratum-build-"+uuid.NewString()+".cfs")
	defer os.Remove(tmpImage)

	manifest, err := m.builder.BuildImage(ctx, sourcePath, m.layout.ObjectsDir(), tmpImage)
	if err != nil {
		return "", stratumerr.Wrap(stratumerr.ExternalToolFailure, "commitmgr.CreateCommit", err)
	}

	return m.PromoteManifest(manifest, parent, tmpImage)
}

// CreateBarePatchCommit registers sourcePath — an overlay-style delta that
// may contain `.wh.<name>` whiteouts and `.wh..wh..opq` opaque markers — as
// a patch commit whose parent is baseCommit (spec §4.4). The image itself
// is a full snapshot of the delta directory, not a diff encoding.
func (m *Manager) CreateBarePatchCommit(ctx context.Context, sourcePath, baseCommit string) (string, error) {
	if _, err := os.Stat(m.layout.CommitDir(baseCommit)); err != nil {
		return "", stratumerr.New(stratumerr.NotFound, "commitmgr.CreateBarePatchCommit", "base "+baseCommit)
	}
	return m.CreateCommit(ctx, sourcePath, baseCommit)
}

// PromoteManifest computes the dual hash from manifest and performs the
// allocate/populate/finalize sequence that registers imagePath as a commit
// directory. Exported so the Patchset Engine can promote its final
// transient image the same way CreateCommit promotes a freshly built one
// (spec §4.7 step 4: "compute its metadata hash, rename into
// commits/<hash>/"); every earlier transient image in a patchset application
// is never passed here, only ever used as a subsequent iteration's lower.
func (m *Manager) PromoteManifest(manifest image.Manifest, parent, imagePath string) (string, error) {
	entries, digests := manifestToEntries(manifest)
	result, err := hasher.HashEntries(entries)
	if err != nil {
		return "", stratumerr.Wrap(stratumerr.IoError, "commitmgr.PromoteManifest", err)
	}
	return m.register(result, parent, imagePath, digests)
}

// register performs the allocate/populate/finalize sequence shared by
// CreateCommit and PromoteManifest.
func (m *Manager) register(result hasher.Result, parent, imagePath string, digests []string) (string, error) {
	alloc, exists, err := m.layout.AllocateCommitDir(result.MetadataHash)
	if err != nil {
		return "", err
	}
	if exists {
		m.logger.Info("commit already registered, discarding duplicate build", "commit", result.MetadataHash)
		return result.MetadataHash, nil
	}

	if err := copyFile(imagePath, filepath.Join(alloc.TmpDir, "commit.cfs")); err != nil {
		alloc.Abort()
		return "", stratumerr.Wrap(stratumerr.IoError, "commitmgr.register", err)
	}

	rec := metadata.CommitRecord{
		MerkleRoot:   result.MerkleRoot,
		MetadataHash: result.MetadataHash,
		Timestamp:    time.Now().UTC(),
		ParentCommit: parent,
		Files:        metadata.FilesSection{Count: result.FileCount, TotalSize: result.TotalSize},
		Merkle:       metadata.MerkleSection{LeafCount: result.LeafCount, TreeDepth: result.TreeDepth},
	}
	if err := metadata.WriteCommitRecord(filepath.Join(alloc.TmpDir, "metadata.toml"), rec); err != nil {
		alloc.Abort()
		return "", stratumerr.Wrap(stratumerr.IoError, "commitmgr.register", err)
	}
	if err := writeDigestIndex(alloc.TmpDir, digests); err != nil {
		alloc.Abort()
		return "", stratumerr.Wrap(stratumerr.IoError, "commitmgr.register", err)
	}

	if err := alloc.Finalize(); err != nil {
		return "", err
	}
	return result.MetadataHash, nil
}

// writeDigestIndex records the blob digests a commit's image references, in
// a flat newline-separated file, so layout.GCScan can compute reachability
// without re-parsing the opaque image format.
func writeDigestIndex(dir string, digests []string) error {
	f, err := os.Create(filepath.Join(dir, "blobs.idx"))
	if err != nil {
		return err
	}
	defer f.Close()
	for _, d := range digests {
		if _, err := f.WriteString(d + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// ReadDigestIndex returns the blob digests a finalized commit references,
// used by layout.GCScan's readManifest callback.
func (m *Manager) ReadDigestIndex(hash string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(m.layout.CommitDir(hash), "blobs.idx"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var digests []string
	start := 0
	for i, c := range data {
		if c == '\n' {
			if i > start {
				digests = append(digests, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return digests, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// LoadCommit reads and decodes a commit's metadata.toml.
func (m *Manager) LoadCommit(id string) (*Commit, error) {
	rec, err := metadata.ReadCommitRecord(m.layout.CommitMetaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, stratumerr.New(stratumerr.NotFound, "commitmgr.LoadCommit", id)
		}
		return nil, stratumerr.Wrap(stratumerr.IoError, "commitmgr.LoadCommit", err)
	}
	return &Commit{
		ID:           rec.MetadataHash,
		MerkleRoot:   rec.MerkleRoot,
		Timestamp:    rec.Timestamp,
		Parent:       rec.ParentCommit,
		FileCount:    rec.Files.Count,
		TotalSize:    rec.Files.TotalSize,
		LeafCount:    rec.Merkle.LeafCount,
		TreeDepth:    rec.Merkle.TreeDepth,
	}, nil
}

// Exists reports whether a finalized commit directory exists for id.
func (m *Manager) Exists(id string) bool {
	_, err := os.Stat(m.layout.CommitDir(id))
	return err == nil
}

// DeleteCommit removes a commit's directory, but only if referenced reports
// no tag or worktree still names it (spec §8: "Remove of a commit with any
// referencing tag or worktree → AlreadyExists/rejected").
func (m *Manager) DeleteCommit(id string, referenced func(id string) bool) error {
	if !m.Exists(id) {
		return stratumerr.New(stratumerr.NotFound, "commitmgr.DeleteCommit", id)
	}
	if referenced(id) {
		return stratumerr.New(stratumerr.AlreadyExists, "commitmgr.DeleteCommit", id+" still referenced")
	}
	if err := os.RemoveAll(m.layout.CommitDir(id)); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "commitmgr.DeleteCommit", err)
	}
	return nil
}

// Verify re-mounts id's image read-only and recomputes its dual hash,
// comparing both to the stored metadata (spec §4.4, §8). A mismatch
// indicates on-disk corruption.
func (m *Manager) Verify(ctx context.Context, id string) error {
	rec, err := metadata.ReadCommitRecord(m.layout.CommitMetaPath(id))
	if err != nil {
		return stratumerr.New(stratumerr.NotFound, "commitmgr.Verify", id)
	}

	scratch, err := os.MkdirTemp(os.TempDir(), "stratum-verify-")
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "commitmgr.Verify", err)
	}
	defer os.RemoveAll(scratch)

	if err := m.mounter.MountImage(ctx, m.layout.CommitImagePath(id), m.layout.ObjectsDir(), scratch, "", ""); err != nil {
		return stratumerr.Wrap(stratumerr.ExternalToolFailure, "commitmgr.Verify", err)
	}
	defer m.mounter.Unmount(ctx, scratch)

	result, err := hasher.HashDirectory(scratch)
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "commitmgr.Verify", err)
	}

	if result.MetadataHash != rec.MetadataHash || result.MerkleRoot != rec.MerkleRoot {
		return stratumerr.New(stratumerr.CorruptCommit, "commitmgr.Verify", id)
	}
	return nil
}
