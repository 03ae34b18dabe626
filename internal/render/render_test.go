package render

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/schema"
)

func sampleReport() *schema.Report {
	return &schema.Report{
		Tool:    "autoperf",
		Version: "1.0",
		Experiment: schema.Experiment{
			ID:          "exp-1",
			Nominal:     "master",
			Candidate:   "feature",
			Counters:    []string{"PAPI_TOT_INS", "PAPI_L1_DCM"},
			Runs:        []int{1, 3},
			DroppedRuns: []int{2},
		},
		Summary: schema.Summary{
			Verdict:     schema.VerdictRegression,
			AnomalyRate: 0.5,
			Threshold:   0.05,
			Regions:     2,
			Anomalous:   1,
			Clusters:    1,
		},
		Clusters: []schema.ClusterResult{
			{ID: 0, Marks: []int64{7, 9}, Regions: 2, Anomalous: 1, ErrorBound: 0.01, NominalMean: 0.004, NominalMax: 0.01},
		},
		Regions: []schema.RegionResult{
			{Run: 1, Mark: 7, Cluster: 0, Error: 0.002, Bound: 0.01},
			{Run: 3, Mark: 9, Cluster: 0, Error: 0.3, Bound: 0.01, Anomalous: true},
		},
		Meta: schema.Meta{Activation: "tanh", Latent: 4, Loss: "mse", Multiplier: 1},
	}
}

func TestNewRenderer_JSON(t *testing.T) {
	r, err := NewRenderer("json")
	if err != nil {
		t.Fatalf("NewRenderer json: %v", err)
	}
	out, err := r.Render(sampleReport())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	var decoded schema.Report
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, out)
	}
	if decoded.Summary.Verdict != schema.VerdictRegression {
		t.Errorf("verdict mismatch: got %q", decoded.Summary.Verdict)
	}
	if len(decoded.Regions) != 2 || !decoded.Regions[1].Anomalous {
		t.Errorf("regions mismatch: %+v", decoded.Regions)
	}
}

func TestNewRenderer_Markdown(t *testing.T) {
	r, err := NewRenderer("md")
	if err != nil {
		t.Fatalf("NewRenderer md: %v", err)
	}
	out, err := r.Render(sampleReport())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(out)
	for _, want := range []string{
		"# AutoPerf Report",
		"REGRESSION",
		"50.00%",
		"PAPI_TOT_INS, PAPI_L1_DCM",
		"Runs dropped as incomplete: 2",
		"| 3 | 9 | 0 | 0.3 | 0.01 | ANOMALOUS |",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("markdown missing %q:\n%s", want, s)
		}
	}
}

func TestNewRenderer_JSONProducesValidJSON(t *testing.T) {
	r, err := NewRenderer("")
	if err != nil {
		t.Fatalf("NewRenderer default: %v", err)
	}
	out, err := r.Render(sampleReport())
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(out) {
		t.Errorf("json renderer produced invalid JSON: %s", out)
	}
}

func TestNewRenderer_UnknownFormat(t *testing.T) {
	_, err := NewRenderer("xml")
	if !errors.Is(err, fault.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown format, got %v", err)
	}
}
