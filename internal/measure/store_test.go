package measure

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fault"
)

func newStore(t *testing.T, scale float64) *Store {
	t.Helper()
	return NewStore(t.TempDir(), scale, zaptest.NewLogger(t))
}

func sampleRows() []Sample {
	return []Sample{
		{Mark: 1, Thread: 0, Instructions: 1000, Raw: 10},
		{Mark: 1, Thread: 1, Instructions: 2000, Raw: 40},
		{Mark: 2, Thread: 0, Instructions: 500, Raw: 5},
	}
}

func TestAppendCounter_RoundTripNormalizes(t *testing.T) {
	s := newStore(t, 2.0)
	meta := Meta{Input: "make eval", Elapsed: 1500 * time.Millisecond}
	require.NoError(t, s.Append(Nominal, 1, "PAPI_L1_DCM", sampleRows(), meta))

	got, name, err := s.Counter(Nominal, 1, "PAPI_L1_DCM")
	require.NoError(t, err)
	assert.Equal(t, "PAPI_L1_DCM", name)
	require.Len(t, got, 3)
	assert.InDelta(t, 10.0/1000*2, got[0].Value, 1e-12)
	assert.InDelta(t, 40.0/2000*2, got[1].Value, 1e-12)
	assert.Equal(t, MarkID(2), got[2].Mark)
}

func TestAppend_FileLayout(t *testing.T) {
	s := newStore(t, 1)
	require.NoError(t, s.Append(Candidate, 3, "PAPI_BR_MSP", sampleRows(), Meta{Input: "./bench"}))

	path := filepath.Join(s.Root(), "detect", "run_3", "event_PAPI_BR_MSP_perf_data.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3+len(sampleRows()))
	assert.Equal(t, "INPUT: ./bench", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "TIME: "))
	assert.True(t, strings.HasSuffix(lines[2], ",PAPI_BR_MSP"))
	assert.Equal(t, "1,0,1000,10", lines[3])
}

func TestAppend_HeaderLastColumnIsCounter(t *testing.T) {
	s := newStore(t, 1)
	meta := Meta{Columns: []string{"MARK", "TID", "PAPI_TOT_INS", "PAPI_L2_DCM"}}
	require.NoError(t, s.Append(Nominal, 1, "PAPI_L1_DCM", sampleRows(), meta))
	_, name, err := s.Counter(Nominal, 1, "PAPI_L1_DCM")
	require.NoError(t, err)
	assert.Equal(t, "PAPI_L1_DCM", name)
}

func TestCounter_SampleCountMatchesDataLines(t *testing.T) {
	s := newStore(t, 1)
	rows := make([]Sample, 137)
	for i := range rows {
		rows[i] = Sample{Mark: MarkID(i % 5), Thread: uint32(i % 3), Instructions: uint64(i + 1), Raw: uint64(i)}
	}
	require.NoError(t, s.Append(Nominal, 1, "C", rows, Meta{}))
	got, _, err := s.Counter(Nominal, 1, "C")
	require.NoError(t, err)
	assert.Len(t, got, len(rows))
}

func TestCounter_MalformedLine(t *testing.T) {
	cases := map[string]string{
		"bad integer":        "INPUT: x\nTIME: 1.0\nM,T,I,C\n1,0,100,5\n1,zero,100,5\n2,0,100,5\n",
		"wrong field count":  "INPUT: x\nTIME: 1.0\nM,T,I,C\n1,0,100\n",
		"zero instructions":  "INPUT: x\nTIME: 1.0\nM,T,I,C\n1,0,0,5\n",
		"truncated":          "INPUT: x\nTIME: 1.0\nM,T,I,C\n1,0,100,5\n1,0,1",
		"missing metadata":   "M,T,I,C\n1,0,100,5\n",
		"short header":       "INPUT: x\nTIME: 1.0\nM,T\n",
		"blank line in data": "INPUT: x\nTIME: 1.0\nM,T,I,C\n\n1,0,100,5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, 1)
			path := s.CounterPath(Nominal, 1, "C")
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			got, _, err := s.Counter(Nominal, 1, "C")
			assert.ErrorIs(t, err, fault.ErrReadFailed)
			assert.Nil(t, got)
		})
	}
}

func TestCounter_Missing(t *testing.T) {
	s := newStore(t, 1)
	_, _, err := s.Counter(Nominal, 1, "C")
	assert.ErrorIs(t, err, fault.ErrReadFailed)
}

func TestVerify_UnsealedRunIsIncomplete(t *testing.T) {
	s := newStore(t, 1)
	ids := []counters.ID{"A", "B"}
	require.NoError(t, s.Append(Nominal, 1, "A", sampleRows(), Meta{}))
	require.NoError(t, s.Append(Nominal, 1, "B", sampleRows(), Meta{}))

	assert.ErrorIs(t, s.Verify(Nominal, 1, ids), fault.ErrReadFailed)
	require.NoError(t, s.Seal(Nominal, 1, ids))
	assert.NoError(t, s.Verify(Nominal, 1, ids))
	assert.True(t, s.Sealed(Nominal, 1))
}

func TestVerify_DetectsModifiedFile(t *testing.T) {
	s := newStore(t, 1)
	ids := []counters.ID{"A"}
	require.NoError(t, s.Append(Nominal, 1, "A", sampleRows(), Meta{}))
	require.NoError(t, s.Seal(Nominal, 1, ids))

	path := s.CounterPath(Nominal, 1, "A")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte("9,0,10,1\n")...), 0o644))

	assert.ErrorIs(t, s.Verify(Nominal, 1, ids), fault.ErrReadFailed)
}

func TestVerify_MissingScheduledCounter(t *testing.T) {
	s := newStore(t, 1)
	require.NoError(t, s.Append(Nominal, 1, "A", sampleRows(), Meta{}))
	require.NoError(t, s.Seal(Nominal, 1, []counters.ID{"A"}))
	assert.ErrorIs(t, s.Verify(Nominal, 1, []counters.ID{"A", "B"}), fault.ErrReadFailed)
}

func TestSeal_FailsWhenCounterAbsent(t *testing.T) {
	s := newStore(t, 1)
	require.NoError(t, s.Append(Nominal, 1, "A", sampleRows(), Meta{}))
	assert.ErrorIs(t, s.Seal(Nominal, 1, []counters.ID{"A", "B"}), fault.ErrReadFailed)
	assert.False(t, s.Sealed(Nominal, 1))
}

func TestRunsDropReset(t *testing.T) {
	s := newStore(t, 1)
	for _, run := range []int{3, 1, 2} {
		require.NoError(t, s.Append(Nominal, run, "A", sampleRows(), Meta{}))
	}
	runs, err := s.Runs(Nominal)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, runs)

	require.NoError(t, s.Drop(Nominal, 2))
	runs, err = s.Runs(Nominal)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, runs)

	require.NoError(t, s.Reset(Nominal))
	runs, err = s.Runs(Nominal)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestParseProfilerOutput(t *testing.T) {
	in := "MARK_ID,THREAD_ID,PAPI_TOT_INS,PAPI_L1_DCM\n1,0,100,4\n2,1,200,8\n\n"
	samples, header, err := ParseProfilerOutput(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, "PAPI_L1_DCM", header[len(header)-1])
	assert.Equal(t, []Sample{
		{Mark: 1, Thread: 0, Instructions: 100, Raw: 4},
		{Mark: 2, Thread: 1, Instructions: 200, Raw: 8},
	}, samples)

	_, _, err = ParseProfilerOutput(strings.NewReader(""))
	assert.ErrorIs(t, err, fault.ErrReadFailed)
	_, _, err = ParseProfilerOutput(strings.NewReader("M,T,I,C\n1,0,x,4\n"))
	assert.ErrorIs(t, err, fault.ErrReadFailed)
}

func TestCounterFileName_Sanitizes(t *testing.T) {
	assert.Equal(t, "event_PAPI_L1_DCM_perf_data.csv", counterFileName("PAPI_L1_DCM"))
	assert.Equal(t, "event_cpu_event_0x3c__perf_data.csv", counterFileName("cpu/event=0x3c/"))
}
