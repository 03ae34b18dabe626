package review

import (
	"errors"
	"testing"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/schema"
)

func makeRegions(flags ...bool) []schema.RegionResult {
	regions := make([]schema.RegionResult, len(flags))
	for i, a := range flags {
		regions[i] = schema.RegionResult{Run: 1, Mark: int64(i), Cluster: i % 2, Anomalous: a}
	}
	return regions
}

// --- AnomalyRate tests ---

func TestAnomalyRate_Fraction(t *testing.T) {
	got, err := AnomalyRate(makeRegions(true, false, false, false))
	if err != nil {
		t.Fatalf("AnomalyRate: %v", err)
	}
	if got != 0.25 {
		t.Errorf("AnomalyRate = %g, want 0.25", got)
	}
}

func TestAnomalyRate_NoRegions(t *testing.T) {
	_, err := AnomalyRate(nil)
	if !errors.Is(err, fault.ErrInsufficientData) {
		t.Errorf("AnomalyRate(nil) err = %v, want ErrInsufficientData", err)
	}
}

// --- Verdict tests ---

func TestVerdict_StrictlyAboveThreshold(t *testing.T) {
	cases := []struct {
		rate, threshold float64
		want            schema.Verdict
	}{
		{0.0, 0.05, schema.VerdictNoRegression},
		{0.05, 0.05, schema.VerdictNoRegression},
		{0.0501, 0.05, schema.VerdictRegression},
		{1, 0.99, schema.VerdictRegression},
		{0, 0, schema.VerdictNoRegression},
	}
	for _, c := range cases {
		if got := Verdict(c.rate, c.threshold); got != c.want {
			t.Errorf("Verdict(%g, %g) = %s, want %s", c.rate, c.threshold, got, c.want)
		}
	}
}

func TestVerdictOrdinal(t *testing.T) {
	if schema.VerdictOrdinal(schema.VerdictNoRegression) >= schema.VerdictOrdinal(schema.VerdictRegression) {
		t.Error("NO_REGRESSION must order below REGRESSION")
	}
	if schema.VerdictOrdinal("MAYBE") != -1 {
		t.Error("unknown verdict should be -1")
	}
}

// --- Summarize tests ---

func TestSummarize(t *testing.T) {
	s, err := Summarize(makeRegions(true, true, false, false, false), 0.3, 2)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Verdict != schema.VerdictRegression {
		t.Errorf("verdict = %s, want REGRESSION", s.Verdict)
	}
	if s.Regions != 5 || s.Anomalous != 2 || s.Clusters != 2 {
		t.Errorf("counts = %+v", s)
	}
	if s.AnomalyRate != 0.4 {
		t.Errorf("rate = %g, want 0.4", s.AnomalyRate)
	}
}

// --- Tally tests ---

func TestTally(t *testing.T) {
	clusters := []schema.ClusterResult{{ID: 1}, {ID: 0, Regions: 99}}
	got := Tally(clusters, makeRegions(true, true, false, true))
	if got[0].ID != 0 || got[1].ID != 1 {
		t.Fatalf("not sorted by id: %+v", got)
	}
	// marks 0 and 2 go to cluster 0, marks 1 and 3 to cluster 1
	if got[0].Regions != 2 || got[0].Anomalous != 1 {
		t.Errorf("cluster 0 = %+v", got[0])
	}
	if got[1].Regions != 2 || got[1].Anomalous != 2 {
		t.Errorf("cluster 1 = %+v", got[1])
	}
	if clusters[1].Regions != 99 {
		t.Error("Tally must not modify its input")
	}
}

// --- FilterAnomalous tests ---

func TestFilterAnomalous(t *testing.T) {
	regions := makeRegions(true, false, true)
	if got := FilterAnomalous(regions, false); len(got) != 3 {
		t.Errorf("unfiltered len = %d, want 3", len(got))
	}
	got := FilterAnomalous(regions, true)
	if len(got) != 2 {
		t.Fatalf("filtered len = %d, want 2", len(got))
	}
	for _, r := range got {
		if !r.Anomalous {
			t.Errorf("non-anomalous region %+v kept", r)
		}
	}
}
