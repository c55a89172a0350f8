// Package hasher computes the dual commit hash spec §4.1 defines: a cheap
// metadata hash used as the commit id, and a Merkle root over file contents
// used for verification. Both come from one canonical, deterministic
// traversal so the fast path never re-hashes file content twice.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
)

// mtimeGranularity is the bucket size mtime is truncated to before hashing,
// so two builds separated by less than a second (clock jitter, filesystem
// timestamp resolution) still produce identical hashes for identical content.
const mtimeGranularity = 1_000_000_000 // one second, in nanoseconds

// FileEntry is one canonicalized directory-tree entry. Directories and
// regular files are both represented; directories carry a zero ContentDigest.
type FileEntry struct {
	Path        string // slash-separated, relative to the tree root
	Mode        uint32
	Size        int64
	MTimeBucket int64
	IsDir       bool
	ContentDigest [32]byte
}

// Result is the dual hash plus the audit counters spec §6 stores alongside
// it ([files] and [merkle] metadata sections).
type Result struct {
	MetadataHash string
	MerkleRoot   string
	FileCount    int
	TotalSize    int64
	LeafCount    int
	TreeDepth    int
}

// HashDirectory walks root and returns its dual hash. The walk is
// lexicographic by path with directories ordered before the contents they
// contain, matching spec §4.1's determinism contract: two bit-identical
// trees produce identical hashes, and any change to content, path, mode, or
// presence changes both hashes.
func HashDirectory(root string) (Result, error) {
	entries, err := walk(root)
	if err != nil {
		return Result{}, fmt.Errorf("hasher: walk %s: %w", root, err)
	}
	return HashEntries(entries)
}

// walk produces the canonical entry list for root, hashing file contents in
// parallel (spec §5: "internal parallelism (e.g., hashing) is permitted").
func walk(root string) ([]FileEntry, error) {
	var paths []string
	var infos = make(map[string]os.FileInfo)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		paths = append(paths, rel)
		infos[rel] = info
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Directories before the content beneath them falls out naturally from
	// filepath.Walk's pre-order, lexicographic-per-directory traversal; we
	// only need a final stable sort to pin down cross-directory ordering.
	sort.Strings(paths)

	entries := make([]FileEntry, len(paths))
	for i, rel := range paths {
		info := infos[rel]
		entries[i] = FileEntry{
			Path:        rel,
			Mode:        uint32(info.Mode()),
			Size:        info.Size(),
			MTimeBucket: info.ModTime().UnixNano() / mtimeGranularity,
			IsDir:       info.IsDir(),
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(8)
	for i := range entries {
		if entries[i].IsDir {
			continue
		}
		i := i
		g.Go(func() error {
			digest, err := hashFile(filepath.Join(root, entries[i].Path))
			if err != nil {
				return err
			}
			entries[i].ContentDigest = digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}

func hashFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashEntries computes the dual hash from an already-canonicalized entry
// list. Exposed separately from HashDirectory so the Commit Manager can
// compute a new commit's id from the image builder's manifest without
// re-walking a directory (spec §4.1: "from a directory tree or image
// manifest"); verification re-walks a mounted image with HashDirectory.
func HashEntries(entries []FileEntry) (Result, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	metaHash := sha256.New()
	var leaves [][32]byte
	var fileCount int
	var totalSize int64

	for _, e := range entries {
		writeCanonicalLine(metaHash, e)
		if !e.IsDir {
			fileCount++
			totalSize += e.Size
			leaves = append(leaves, e.ContentDigest)
		}
	}

	root, depth := merkleRoot(leaves)

	return Result{
		MetadataHash: hex.EncodeToString(metaHash.Sum(nil)),
		MerkleRoot:   hex.EncodeToString(root[:]),
		FileCount:    fileCount,
		TotalSize:    totalSize,
		LeafCount:    len(leaves),
		TreeDepth:    depth,
	}, nil
}

// writeCanonicalLine feeds one entry's canonical byte representation into
// the running metadata hash: path, mode, size, mtime bucket, content digest.
func writeCanonicalLine(h io.Writer, e FileEntry) {
	var buf [8]byte
	h.Write([]byte(e.Path))
	h.Write([]byte{0})
	binary.BigEndian.PutUint32(buf[:4], e.Mode)
	h.Write(buf[:4])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Size))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.MTimeBucket))
	h.Write(buf[:])
	h.Write(e.ContentDigest[:])
}

// merkleRoot combines leaves pairwise up to a single root, promoting an odd
// trailing leaf unchanged to the next level (spec §4.1). Returns the zero
// hash and depth 0 for an empty tree (a directory with no regular files).
func merkleRoot(leaves [][32]byte) ([32]byte, int) {
	if len(leaves) == 0 {
		return [32]byte{}, 0
	}

	level := leaves
	depth := 0
	for len(level) > 1 {
		var next [][32]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				h := sha256.Sum256(append(append([]byte{}, level[i][:]...), level[i+1][:]...))
				next = append(next, h)
			} else {
				next = append(next, level[i])
			}
		}
		level = next
		depth++
	}
	return level[0], depth
}
