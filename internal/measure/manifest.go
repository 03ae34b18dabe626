package measure

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// manifestName is the per-run file that marks a run complete. Each line is
// "<blake3 hex>  <counter file name>".
const manifestName = "MANIFEST"

// Seal records the BLAKE3 digest of every scheduled counter file of a run.
// A run without a manifest is incomplete and is never read as data.
func (s *Store) Seal(branch Branch, run int, ids []counters.ID) error {
	var buf bytes.Buffer
	for _, id := range ids {
		path := s.CounterPath(branch, run, id)
		sum, err := fileDigest(path)
		if err != nil {
			return fmt.Errorf("sealing %s run %d: %w", branch, run, err)
		}
		fmt.Fprintf(&buf, "%s  %s\n", sum, counterFileName(id))
	}
	path := filepath.Join(s.RunDir(branch, run), manifestName)
	if err := fsutil.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Verify checks that (branch, run) is complete: the manifest exists, lists
// every scheduled counter, the digests match, and every file parses.
// Anything else is ErrReadFailed and the run must not be used.
func (s *Store) Verify(branch Branch, run int, ids []counters.ID) error {
	entries, err := s.readManifest(branch, run)
	if err != nil {
		return err
	}
	for _, id := range ids {
		name := counterFileName(id)
		want, ok := entries[name]
		if !ok {
			return fmt.Errorf("%w: %s run %d: manifest does not list %s", fault.ErrReadFailed, branch, run, id)
		}
		got, err := fileDigest(s.CounterPath(branch, run, id))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%w: %s run %d: digest mismatch for %s", fault.ErrReadFailed, branch, run, id)
		}
		if _, _, err := s.read(branch, run, id); err != nil {
			return err
		}
	}
	return nil
}

// Sealed reports whether the run has a manifest.
func (s *Store) Sealed(branch Branch, run int) bool {
	_, err := os.Stat(filepath.Join(s.RunDir(branch, run), manifestName))
	return err == nil
}

func (s *Store) readManifest(branch Branch, run int) (map[string]string, error) {
	path := filepath.Join(s.RunDir(branch, run), manifestName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s run %d is incomplete (no manifest)", fault.ErrReadFailed, branch, run)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}

	entries := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		sum, name, ok := strings.Cut(sc.Text(), "  ")
		if !ok || len(sum) != 64 || name == "" {
			return nil, fmt.Errorf("%w: %s: malformed manifest line %q", fault.ErrReadFailed, path, sc.Text())
		}
		entries[name] = sum
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	return entries, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: hashing %s: %w", fault.ErrReadFailed, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
