// Package metadata encodes and decodes the human-readable key-value records
// spec §6 names: commit metadata.toml, worktree meta.toml, and the patchset
// input file. All three are TOML, written with the same write-to-temp,
// fsync, rename discipline microprolly's Store.saveHead uses for its HEAD
// file — the form spec §4.2 calls "write-then-rename for crash safety".
package metadata

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FilesSection mirrors spec §6's "[files] count, total_size".
type FilesSection struct {
	Count     int   `toml:"count"`
	TotalSize int64 `toml:"total_size"`
}

// MerkleSection mirrors spec §6's "[merkle] leaf_count, tree_depth".
type MerkleSection struct {
	LeafCount int `toml:"leaf_count"`
	TreeDepth int `toml:"tree_depth"`
}

// CommitRecord is the on-disk metadata.toml for a commit directory.
type CommitRecord struct {
	MerkleRoot    string        `toml:"merkle_root"`
	MetadataHash  string        `toml:"metadata_hash"`
	Timestamp     time.Time     `toml:"timestamp"`
	ParentCommit  string        `toml:"parent_commit,omitempty"`
	Files         FilesSection  `toml:"files"`
	Merkle        MerkleSection `toml:"merkle"`
}

// WorktreeRecord is the on-disk meta.toml for a worktree.
type WorktreeRecord struct {
	Name         string    `toml:"name"`
	BaseCommit   string    `toml:"base_commit"`
	Created      time.Time `toml:"created"`
	LastModified time.Time `toml:"last_modified"`
	Description  string    `toml:"description,omitempty"`
}

// PatchsetSection mirrors spec §6's "[patchset] base, patches".
type PatchsetSection struct {
	Base    string   `toml:"base,omitempty"`
	Patches []string `toml:"patches"`
}

// PatchsetInput is the decoded form of a patchset input file.
type PatchsetInput struct {
	Patchset PatchsetSection `toml:"patchset"`
}

// atomicWrite stages data to a sibling temp file in dir, fsyncs it, and
// renames it onto path. Same shape as microprolly's Store.saveHead.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// WriteCommitRecord atomically writes rec to path (commits/<hash>/metadata.toml).
func WriteCommitRecord(path string, rec CommitRecord) error {
	data, err := toml.Marshal(rec)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// ReadCommitRecord reads and decodes a commit metadata.toml.
func ReadCommitRecord(path string) (CommitRecord, error) {
	var rec CommitRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := toml.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// WriteWorktreeRecord atomically writes rec to path (.../meta.toml).
func WriteWorktreeRecord(path string, rec WorktreeRecord) error {
	data, err := toml.Marshal(rec)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// ReadWorktreeRecord reads and decodes a worktree meta.toml.
func ReadWorktreeRecord(path string) (WorktreeRecord, error) {
	var rec WorktreeRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := toml.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// ReadPatchsetInput reads a patchset recipe file (§6).
func ReadPatchsetInput(path string) (PatchsetInput, error) {
	var in PatchsetInput
	data, err := os.ReadFile(path)
	if err != nil {
		return in, err
	}
	if err := toml.Unmarshal(data, &in); err != nil {
		return in, err
	}
	return in, nil
}

// WritePatchsetInput writes a patchset recipe file, used by tests and by
// `stratum patchset` front-ends that materialize a recipe before applying it.
func WritePatchsetInput(path string, in PatchsetInput) error {
	data, err := toml.Marshal(in)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}
