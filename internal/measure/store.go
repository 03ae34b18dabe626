// Package measure persists per-run, per-counter profiler samples under the
// experiment directory and reloads them as normalized region vectors.
package measure

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// Branch selects which side of the comparison a run belongs to. The value
// is also the directory name under the experiment root.
type Branch string

const (
	Nominal   Branch = "train"
	Candidate Branch = "detect"
)

const runPrefix = "run_"

// Store reads and writes measurement files rooted at the experiment
// directory. Normalization happens on read, so the files keep raw counts.
type Store struct {
	root   string
	scale  float64
	logger *zap.Logger
}

// NewStore returns a Store rooted at root. scale multiplies every
// normalized value.
func NewStore(root string, scale float64, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, scale: scale, logger: logger}
}

// Root returns the experiment directory.
func (s *Store) Root() string { return s.root }

// BranchDir returns the directory holding every run of branch.
func (s *Store) BranchDir(branch Branch) string {
	return filepath.Join(s.root, string(branch))
}

// RunDir returns the directory of one run.
func (s *Store) RunDir(branch Branch, run int) string {
	return filepath.Join(s.BranchDir(branch), runPrefix+strconv.Itoa(run))
}

// CounterPath returns the file holding counter's samples for one run.
func (s *Store) CounterPath(branch Branch, run int, counter counters.ID) string {
	return filepath.Join(s.RunDir(branch, run), counterFileName(counter))
}

// Append writes counter's samples for (branch, run). The file appears
// complete under its final name or not at all.
func (s *Store) Append(branch Branch, run int, counter counters.ID, samples []Sample, meta Meta) error {
	if run < 1 {
		return fmt.Errorf("%w: run id must be >= 1, got %d", fault.ErrInvalidConfig, run)
	}
	data := encodeCounterFile(string(counter), samples, meta)
	path := s.CounterPath(branch, run, counter)
	if err := fsutil.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	s.logger.Debug("counter file written",
		zap.String("branch", string(branch)),
		zap.Int("run", run),
		zap.String("counter", string(counter)),
		zap.Int("samples", len(samples)),
	)
	return nil
}

// Counter loads and normalizes counter's samples for (branch, run). It also
// returns the counter name recorded as the header's last column.
func (s *Store) Counter(branch Branch, run int, counter counters.ID) ([]Normalized, string, error) {
	samples, meta, err := s.read(branch, run, counter)
	if err != nil {
		return nil, "", err
	}
	out := make([]Normalized, len(samples))
	for i, smp := range samples {
		out[i] = Normalized{
			Mark:   smp.Mark,
			Thread: smp.Thread,
			Value:  float64(smp.Raw) / float64(smp.Instructions) * s.scale,
		}
	}
	return out, meta.Columns[len(meta.Columns)-1], nil
}

func (s *Store) read(branch Branch, run int, counter counters.ID) ([]Sample, Meta, error) {
	path := s.CounterPath(branch, run, counter)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	samples, meta, err := decodeCounterFile(data)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("%s: %w", path, err)
	}
	return samples, meta, nil
}

// Runs lists the run ids present for branch in ascending order. A run is
// listed whether or not it is sealed; use Verify to check completeness.
func (s *Store) Runs(branch Branch) ([]int, error) {
	entries, err := os.ReadDir(s.BranchDir(branch))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s runs: %w", branch, err)
	}

	var runs []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, ok := strings.CutPrefix(e.Name(), runPrefix)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(n)
		if err != nil || id < 1 {
			continue
		}
		runs = append(runs, id)
	}
	sort.Ints(runs)
	return runs, nil
}

// Drop removes one run and everything in it.
func (s *Store) Drop(branch Branch, run int) error {
	if err := os.RemoveAll(s.RunDir(branch, run)); err != nil {
		return fmt.Errorf("dropping %s run %d: %w", branch, run, err)
	}
	return nil
}

// Reset removes every run of branch.
func (s *Store) Reset(branch Branch) error {
	if err := os.RemoveAll(s.BranchDir(branch)); err != nil {
		return fmt.Errorf("resetting %s: %w", branch, err)
	}
	return nil
}

// counterFileName maps a counter id to its file name.
func counterFileName(counter counters.ID) string {
	return "event_" + counter.Safe() + "_perf_data.csv"
}
