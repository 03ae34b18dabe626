package measure

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fault"
)

// RegionVector is the signature of one mark in one run: for each scheduled
// counter, in schedule order, the mean normalized value over the mark's
// samples.
type RegionVector struct {
	Branch Branch
	Run    int
	Mark   MarkID
	Values []float64
}

// Dataset is the usable data of one branch.
type Dataset struct {
	Branch   Branch
	Counters []counters.ID
	Runs     []int
	// Dropped lists runs that failed verification and were left out.
	Dropped []int
	Vectors []RegionVector
	// Samples counts samples per counter over all usable runs.
	Samples map[counters.ID]int
}

// Dataset loads every complete run of branch and assembles RegionVectors.
// Incomplete or corrupt runs are skipped. It fails with ErrInsufficientData
// when no run is usable or a counter has no samples at all.
func (s *Store) Dataset(branch Branch, ids []counters.ID) (*Dataset, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no counters scheduled", fault.ErrInvalidConfig)
	}
	runs, err := s.Runs(branch)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		Branch:   branch,
		Counters: append([]counters.ID(nil), ids...),
		Samples:  make(map[counters.ID]int, len(ids)),
	}
	for _, run := range runs {
		if err := s.Verify(branch, run, ids); err != nil {
			if errors.Is(err, fault.ErrReadFailed) {
				s.logger.Warn("skipping unusable run",
					zap.String("branch", string(branch)),
					zap.Int("run", run),
					zap.Error(err),
				)
				ds.Dropped = append(ds.Dropped, run)
				continue
			}
			return nil, err
		}
		vectors, err := s.runVectors(branch, run, ids, ds.Samples)
		if err != nil {
			return nil, err
		}
		ds.Runs = append(ds.Runs, run)
		ds.Vectors = append(ds.Vectors, vectors...)
	}

	if len(ds.Runs) == 0 {
		return nil, fmt.Errorf("%w: no complete %s runs", fault.ErrInsufficientData, branch)
	}
	for _, id := range ids {
		if ds.Samples[id] == 0 {
			return nil, fmt.Errorf("%w: counter %s has no %s samples", fault.ErrInsufficientData, id, branch)
		}
	}
	return ds, nil
}

func (s *Store) runVectors(branch Branch, run int, ids []counters.ID, sampleCount map[counters.ID]int) ([]RegionVector, error) {
	type acc struct {
		sum float64
		n   int
	}
	perCounter := make([]map[MarkID]acc, len(ids))
	for i, id := range ids {
		values, _, err := s.Counter(branch, run, id)
		if err != nil {
			return nil, err
		}
		sampleCount[id] += len(values)
		m := make(map[MarkID]acc)
		for _, v := range values {
			a := m[v.Mark]
			a.sum += v.Value
			a.n++
			m[v.Mark] = a
		}
		perCounter[i] = m
	}

	var marks []MarkID
	for mark := range perCounter[0] {
		marks = append(marks, mark)
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i] < marks[j] })

	var out []RegionVector
	for _, mark := range marks {
		values := make([]float64, len(ids))
		complete := true
		for i := range ids {
			a, ok := perCounter[i][mark]
			if !ok {
				complete = false
				break
			}
			values[i] = a.sum / float64(a.n)
		}
		if !complete {
			s.logger.Debug("mark missing from some counters",
				zap.String("branch", string(branch)),
				zap.Int("run", run),
				zap.Int64("mark", int64(mark)),
			)
			continue
		}
		out = append(out, RegionVector{Branch: branch, Run: run, Mark: mark, Values: values})
	}
	return out, nil
}

// Marks returns the distinct marks of the dataset in ascending order.
func (d *Dataset) Marks() []MarkID {
	seen := make(map[MarkID]bool)
	var marks []MarkID
	for _, v := range d.Vectors {
		if !seen[v.Mark] {
			seen[v.Mark] = true
			marks = append(marks, v.Mark)
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i] < marks[j] })
	return marks
}

// ByMark groups vectors by mark.
func (d *Dataset) ByMark() map[MarkID][]RegionVector {
	out := make(map[MarkID][]RegionVector)
	for _, v := range d.Vectors {
		out[v.Mark] = append(out[v.Mark], v)
	}
	return out
}

// Dim is the length of every vector: one value per counter.
func (d *Dataset) Dim() int { return len(d.Counters) }
