package measure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fault"
)

func writeRun(t *testing.T, s *Store, branch Branch, run int, data map[counters.ID][]Sample) {
	t.Helper()
	var ids []counters.ID
	for _, id := range []counters.ID{"A", "B"} {
		if rows, ok := data[id]; ok {
			require.NoError(t, s.Append(branch, run, id, rows, Meta{}))
			ids = append(ids, id)
		}
	}
	require.NoError(t, s.Seal(branch, run, ids))
}

func TestDataset_BuildsMeanVectors(t *testing.T) {
	s := newStore(t, 1)
	writeRun(t, s, Nominal, 1, map[counters.ID][]Sample{
		"A": {{Mark: 7, Instructions: 100, Raw: 10}, {Mark: 7, Thread: 1, Instructions: 100, Raw: 30}},
		"B": {{Mark: 7, Instructions: 100, Raw: 50}},
	})

	ds, err := s.Dataset(Nominal, []counters.ID{"A", "B"})
	require.NoError(t, err)
	require.Len(t, ds.Vectors, 1)
	v := ds.Vectors[0]
	assert.Equal(t, MarkID(7), v.Mark)
	assert.Equal(t, 1, v.Run)
	assert.InDeltaSlice(t, []float64{0.2, 0.5}, v.Values, 1e-12)
	assert.Equal(t, 2, ds.Dim())
	assert.Equal(t, map[counters.ID]int{"A": 2, "B": 1}, ds.Samples)
}

func TestDataset_SkipsMarksMissingFromACounter(t *testing.T) {
	s := newStore(t, 1)
	writeRun(t, s, Nominal, 1, map[counters.ID][]Sample{
		"A": {{Mark: 1, Instructions: 10, Raw: 1}, {Mark: 2, Instructions: 10, Raw: 1}},
		"B": {{Mark: 2, Instructions: 10, Raw: 1}},
	})
	ds, err := s.Dataset(Nominal, []counters.ID{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []MarkID{2}, ds.Marks())
}

func TestDataset_DropsIncompleteRuns(t *testing.T) {
	s := newStore(t, 1)
	rows := map[counters.ID][]Sample{
		"A": {{Mark: 1, Instructions: 10, Raw: 1}},
		"B": {{Mark: 1, Instructions: 10, Raw: 2}},
	}
	writeRun(t, s, Nominal, 1, rows)
	// run 2 crashed before sealing
	require.NoError(t, s.Append(Nominal, 2, "A", rows["A"], Meta{}))

	ds, err := s.Dataset(Nominal, []counters.ID{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ds.Runs)
	assert.Equal(t, []int{2}, ds.Dropped)
	assert.Len(t, ds.ByMark()[1], 1)
}

func TestDataset_InsufficientData(t *testing.T) {
	t.Run("no runs", func(t *testing.T) {
		s := newStore(t, 1)
		_, err := s.Dataset(Candidate, []counters.ID{"A"})
		assert.ErrorIs(t, err, fault.ErrInsufficientData)
	})
	t.Run("counter without samples", func(t *testing.T) {
		s := newStore(t, 1)
		writeRun(t, s, Nominal, 1, map[counters.ID][]Sample{
			"A": {{Mark: 1, Instructions: 10, Raw: 1}},
			"B": nil,
		})
		_, err := s.Dataset(Nominal, []counters.ID{"A", "B"})
		assert.ErrorIs(t, err, fault.ErrInsufficientData)
	})
}
