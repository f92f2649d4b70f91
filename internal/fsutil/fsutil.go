package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// pixelExts lists the formats the pixel reader accepts.
var pixelExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".tif":  {},
	".tiff": {},
	".png":  {},
	".pgm":  {},
	".pfm":  {},
}

// IsPixelFile reports whether path has an extension the pixel reader handles.
func IsPixelFile(path string) bool {
	_, ok := pixelExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never see a partially written file. Missing parents are created.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
