// Package fsutil holds the write-then-rename helpers used by every store
// that persists state under the experiment directory.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempPrefix starts the name of every staged file or directory.
const TempPrefix = ".tmp-"

// WriteFile atomically replaces path with data. The bytes go to a temp file
// in the same directory, are fsynced, and the temp file is renamed over
// path. Readers observe either the old content or the new, never a prefix.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, TempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		tmpFile.Close()
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}
	success = true

	return SyncDir(dir)
}

// ReplaceDir atomically swaps the directory at path for the staged
// directory src. The previous content, if any, is removed afterwards.
func ReplaceDir(src, path string) error {
	old := ""
	if _, err := os.Stat(path); err == nil {
		old = path + ".old"
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("removing stale %s: %w", old, err)
		}
		if err := os.Rename(path, old); err != nil {
			return fmt.Errorf("moving aside %s: %w", path, err)
		}
	}
	if err := os.Rename(src, path); err != nil {
		if old != "" {
			_ = os.Rename(old, path)
		}
		return fmt.Errorf("renaming %s to %s: %w", src, path, err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("removing %s: %w", old, err)
		}
	}
	return SyncDir(filepath.Dir(path))
}

// IsTemp reports whether name is a temp file left behind by WriteFile.
func IsTemp(name string) bool {
	return len(name) > len(TempPrefix) && strings.HasPrefix(name, TempPrefix)
}

// SyncDir fsyncs a directory so a completed rename survives a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer d.Close()
	// Some filesystems reject fsync on directories; the rename is still done.
	_ = d.Sync()
	return nil
}
