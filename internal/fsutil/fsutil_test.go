package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsPixelFile(t *testing.T) {
	cases := map[string]bool{
		"a.fits":          true,
		"dir/b.FIT":       true,
		"c.tiff":          true,
		"d.png":           true,
		"e.jpg":           false,
		"f.yaml":          false,
		"noextension":     false,
		"archive.fits.gz": false,
	}
	for path, want := range cases {
		if got := IsPixelFile(path); got != want {
			t.Errorf("IsPixelFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "two" {
		t.Fatalf("unexpected content %q (%v)", b, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}
