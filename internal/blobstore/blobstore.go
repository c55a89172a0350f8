// Package blobstore is the minimal local implementation of the shared
// content-addressed object pool spec §1 treats as an external collaborator
// ("a shared content-addressed blob store"). The core does not need to
// understand the blob format the image builder uses internally; it only
// needs somewhere to stage blobs during patchset materialization (§4.7) and
// a way to enumerate/sweep digests during gc (§4.2's gc-scan contract).
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Store is a sha256-addressed, append-only object pool rooted at <root>/objects.
// Writers stage to a uuid-named temp file and rename into place, the same
// safe-for-concurrent-writers discipline spec §5 requires ("writers first
// stage to a temp name then rename").
type Store struct {
	root string
}

// New returns a Store rooted at objectsDir, creating it if absent.
func New(objectsDir string) (*Store, error) {
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: objectsDir}, nil
}

// Root returns the blob store's root directory, passed to the external
// image builder/mounter as blob_store_dir (spec §1, §4.2).
func (s *Store) Root() string { return s.root }

func (s *Store) pathFor(digest string) string {
	if len(digest) < 4 {
		return filepath.Join(s.root, digest)
	}
	return filepath.Join(s.root, digest[:2], digest[2:4], digest)
}

// Put streams r into the store and returns its hex digest. If a blob with
// that digest already exists, the staged copy is discarded (the store is
// content-addressed and deduplicating).
func (s *Store) Put(r io.Reader) (string, error) {
	tmpDir := filepath.Join(s.root, ".staging")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", err
	}
	tmpPath := filepath.Join(tmpDir, uuid.NewString())

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(digest)
	if _, err := os.Stat(dest); err == nil {
		os.Remove(tmpPath)
		return digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return digest, nil
}

// Has reports whether digest is present in the store.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.pathFor(digest))
	return err == nil
}

// ModTime returns digest's last-write time, used by gc to skip blobs younger
// than its min-age guard against racing an in-flight commit build.
func (s *Store) ModTime(digest string) (time.Time, error) {
	info, err := os.Stat(s.pathFor(digest))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Open returns a reader over the blob addressed by digest.
func (s *Store) Open(digest string) (*os.File, error) {
	return os.Open(s.pathFor(digest))
}

// Delete removes a blob. Used by gc after GCScan determines it unreachable.
func (s *Store) Delete(digest string) error {
	err := os.Remove(s.pathFor(digest))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Walk invokes fn for every digest currently stored, for gc's sweep pass.
func (s *Store) Walk(fn func(digest string) error) error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if filepath.Dir(rel) == ".staging" || rel == ".staging" {
			return nil
		}
		digest := filepath.Base(rel)
		return fn(digest)
	})
}
