package hasher

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestHashDirectory_Deterministic(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	files := map[string]string{
		"a.txt":        "hello",
		"dir/b.txt":    "world",
		"dir/sub/c.go": "package sub\n",
	}
	writeTree(t, a, files)
	writeTree(t, b, files)

	ra, err := HashDirectory(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	rb, err := HashDirectory(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}

	if ra.MetadataHash != rb.MetadataHash {
		t.Errorf("metadata hash differs for bit-identical trees: %s vs %s", ra.MetadataHash, rb.MetadataHash)
	}
	if ra.MerkleRoot != rb.MerkleRoot {
		t.Errorf("merkle root differs for bit-identical trees: %s vs %s", ra.MerkleRoot, rb.MerkleRoot)
	}
	if ra.FileCount != 3 {
		t.Errorf("file count = %d, want 3", ra.FileCount)
	}
}

func TestHashDirectory_ContentChangeAltersBothHashes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello"})
	before, err := HashDirectory(root)
	if err != nil {
		t.Fatalf("hash before: %v", err)
	}

	writeTree(t, root, map[string]string{"a.txt": "hello!"})
	after, err := HashDirectory(root)
	if err != nil {
		t.Fatalf("hash after: %v", err)
	}

	if before.MetadataHash == after.MetadataHash {
		t.Error("metadata hash unchanged after content edit")
	}
	if before.MerkleRoot == after.MerkleRoot {
		t.Error("merkle root unchanged after content edit")
	}
}

func TestHashDirectory_PathChangeAltersMetadataHash(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeTree(t, a, map[string]string{"a.txt": "hello"})
	writeTree(t, b, map[string]string{"b.txt": "hello"})

	ra, err := HashDirectory(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	rb, err := HashDirectory(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}

	if ra.MetadataHash == rb.MetadataHash {
		t.Error("renaming a file should change the metadata hash")
	}
}

func TestHashDirectory_EmptyTree(t *testing.T) {
	root := t.TempDir()
	r, err := HashDirectory(root)
	if err != nil {
		t.Fatalf("hash empty: %v", err)
	}
	if r.LeafCount != 0 || r.TreeDepth != 0 {
		t.Errorf("expected empty merkle tree, got leaves=%d depth=%d", r.LeafCount, r.TreeDepth)
	}
}

func TestMerkleRoot_OddLeafPromoted(t *testing.T) {
	leaves := [][32]byte{{1}, {2}, {3}}
	root, depth := merkleRoot(leaves)
	if root == ([32]byte{}) {
		t.Error("expected non-zero root for non-empty leaves")
	}
	if depth == 0 {
		t.Error("expected non-zero depth for 3 leaves")
	}
}
