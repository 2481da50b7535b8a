package deployment

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// Testable property 10: identical file sets produce identical hashes
// regardless of on-disk creation/walk order.
func TestBuildManifestOrderInvariant(t *testing.T) {
	dirA := writeTree(t, map[string]string{
		"a.txt":        "alpha",
		"nested/b.txt": "beta",
		"c.txt":        "gamma",
	})
	dirB := writeTree(t, map[string]string{
		"c.txt":        "gamma",
		"a.txt":        "alpha",
		"nested/b.txt": "beta",
	})

	hashA, err := buildManifest(dirA, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := buildManifest(dirB, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Fatalf("hashes differ for identical file sets: %s vs %s", hashA, hashB)
	}
}

func TestBuildManifestChangesOnContentChange(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.txt": "alpha"})
	before, err := buildManifest(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	after, err := buildManifest(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Fatal("hash should change when file content changes")
	}
}

func TestBuildManifestChangesOnNewPath(t *testing.T) {
	dir := writeTree(t, map[string]string{"a.txt": "alpha"})
	before, err := buildManifest(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("beta"), 0o644); err != nil {
		t.Fatal(err)
	}
	after, err := buildManifest(dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Fatal("hash should change when a new file is added")
	}
}

func TestBuildManifestExcludePattern(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"keep.txt": "alpha",
		"skip.log": "ignored",
	})
	withExclude, err := buildManifest(dir, nil, []string{"*.log"})
	if err != nil {
		t.Fatal(err)
	}

	onlyKept := writeTree(t, map[string]string{"keep.txt": "alpha"})
	want, err := buildManifest(onlyKept, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if withExclude != want {
		t.Fatalf("excluded file affected the hash: %s vs %s", withExclude, want)
	}
}
