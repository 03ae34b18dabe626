// Package diffscan finds the line ranges the candidate changed relative to
// the nominal branch. The result drives which regions get annotated.
package diffscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// Hunk is one contiguous change. Starts are 1-based. A pure insertion has
// OldLines 0 and a pure deletion NewLines 0; the start on the empty side is
// the line the change sits in front of.
type Hunk struct {
	OldStart int `json:"old_start"`
	OldLines int `json:"old_lines"`
	NewStart int `json:"new_start"`
	NewLines int `json:"new_lines"`
}

// FileDiff is the change set of one file.
type FileDiff struct {
	Path  string `json:"path"`
	Hunks []Hunk `json:"hunks"`
	// Patch is the change in diff-match-patch text form.
	Patch string `json:"patch,omitempty"`
}

// Manifest maps each changed file to the start lines of its hunks on one
// side of the diff.
type Manifest map[string][]int

// Result is a scan of the working tree against a base revision.
type Result struct {
	Base  string
	Files []FileDiff
}

// Source provides the two sides of the diff.
type Source interface {
	ChangedFiles(ctx context.Context, base string) ([]string, error)
	Show(ctx context.Context, rev, path string) (string, error)
	Root() string
}

// Scan diffs every file modified relative to base against the working tree.
func Scan(ctx context.Context, src Source, base string) (*Result, error) {
	files, err := src.ChangedFiles(ctx, base)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	res := &Result{Base: base}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		old, err := src.Show(ctx, base, path)
		if err != nil {
			return nil, err
		}
		cur, err := os.ReadFile(filepath.Join(src.Root(), path))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		fd := Diff(path, old, string(cur))
		if len(fd.Hunks) > 0 {
			res.Files = append(res.Files, fd)
		}
	}
	return res, nil
}

// Diff computes the line hunks between old and cur. Both are normalized
// first so that trailing whitespace and CRLF endings do not count as
// changes.
func Diff(path, old, cur string) FileDiff {
	old, cur = normalize(old), normalize(cur)
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, cur)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	fd := FileDiff{Path: path}
	oldLine, newLine := 1, 1
	var hunk *Hunk
	flush := func() {
		if hunk != nil {
			fd.Hunks = append(fd.Hunks, *hunk)
			hunk = nil
		}
	}
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			oldLine += n
			newLine += n
		case diffmatchpatch.DiffDelete:
			if hunk == nil {
				hunk = &Hunk{OldStart: oldLine, NewStart: newLine}
			}
			hunk.OldLines += n
			oldLine += n
		case diffmatchpatch.DiffInsert:
			if hunk == nil {
				hunk = &Hunk{OldStart: oldLine, NewStart: newLine}
			}
			hunk.NewLines += n
			newLine += n
		}
	}
	flush()

	if len(fd.Hunks) > 0 {
		fd.Patch = dmp.PatchToText(dmp.PatchMake(old, cur))
	}
	return fd
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// normalize trims trailing whitespace from each line and converts CRLF to LF.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// Candidate returns the manifest of the working-tree side.
func (r *Result) Candidate() Manifest {
	m := Manifest{}
	for _, f := range r.Files {
		for _, h := range f.Hunks {
			m[f.Path] = append(m[f.Path], h.NewStart)
		}
	}
	return m
}

// Nominal returns the manifest of the base side.
func (r *Result) Nominal() Manifest {
	m := Manifest{}
	for _, f := range r.Files {
		for _, h := range f.Hunks {
			m[f.Path] = append(m[f.Path], h.OldStart)
		}
	}
	return m
}

// Patch concatenates the per-file patches, each under a "# <path>" line.
func (r *Result) Patch() string {
	var b strings.Builder
	for _, f := range r.Files {
		fmt.Fprintf(&b, "# %s\n%s\n", f.Path, f.Patch)
	}
	return b.String()
}

// ManifestPath is where the manifest of branch lives under the experiment
// directory. Slashes in branch names are flattened.
func ManifestPath(expDir, branch string) string {
	return filepath.Join(expDir, strings.ReplaceAll(branch, "/", "_")+".json")
}

// Save writes m as JSON, atomically.
func Save(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return fsutil.WriteFile(path, append(data, '\n'), 0o644)
}

// Load reads a manifest written by Save. A missing file is ErrReadFailed.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", fault.ErrReadFailed, path, err)
	}
	return m, nil
}
