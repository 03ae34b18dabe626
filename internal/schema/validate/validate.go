// Package validate checks a saved detection report before it is rendered.
// report.json outlives the process that wrote it, so REPORT never trusts it
// blindly.
package validate

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/schema"
)

// Parse unmarshals a report and validates its structure. Any problem is
// fault.ErrReadFailed.
func Parse(data []byte) (*schema.Report, error) {
	var report schema.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: JSON parse failed: %w", fault.ErrReadFailed, err)
	}
	if err := Report(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Report checks that the summary agrees with the regions it was computed
// from and that every region references a known cluster.
func Report(r *schema.Report) error {
	if err := validateSummary(r); err != nil {
		return fmt.Errorf("%w: summary: %w", fault.ErrReadFailed, err)
	}
	clusters := make(map[int]bool, len(r.Clusters))
	for i, c := range r.Clusters {
		if clusters[c.ID] {
			return fmt.Errorf("%w: cluster[%d]: duplicate id %d", fault.ErrReadFailed, i, c.ID)
		}
		clusters[c.ID] = true
	}
	for i, region := range r.Regions {
		if err := validateRegion(region, clusters); err != nil {
			return fmt.Errorf("%w: region[%d]: %w", fault.ErrReadFailed, i, err)
		}
	}
	return nil
}

func validateSummary(r *schema.Report) error {
	s := r.Summary
	if schema.VerdictOrdinal(s.Verdict) < 0 {
		return fmt.Errorf("invalid verdict %q (must be NO_REGRESSION or REGRESSION)", s.Verdict)
	}
	if !unit(s.AnomalyRate) {
		return fmt.Errorf("anomaly_rate %g outside [0, 1]", s.AnomalyRate)
	}
	if !unit(s.Threshold) {
		return fmt.Errorf("threshold %g outside [0, 1]", s.Threshold)
	}
	if s.Regions != len(r.Regions) {
		return fmt.Errorf("regions %d, report lists %d", s.Regions, len(r.Regions))
	}
	anomalous := 0
	for _, region := range r.Regions {
		if region.Anomalous {
			anomalous++
		}
	}
	if s.Anomalous != anomalous {
		return fmt.Errorf("anomalous %d, report lists %d", s.Anomalous, anomalous)
	}
	if want := (s.AnomalyRate > s.Threshold); want != (s.Verdict == schema.VerdictRegression) {
		return fmt.Errorf("verdict %s contradicts anomaly_rate %g and threshold %g", s.Verdict, s.AnomalyRate, s.Threshold)
	}
	return nil
}

func validateRegion(r schema.RegionResult, clusters map[int]bool) error {
	if r.Run < 1 {
		return fmt.Errorf("run %d must be >= 1", r.Run)
	}
	if !clusters[r.Cluster] {
		return fmt.Errorf("cluster %d is not in the report", r.Cluster)
	}
	if r.Error < 0 || math.IsNaN(r.Error) {
		return fmt.Errorf("error %g must be >= 0", r.Error)
	}
	if r.Anomalous != (r.Error > r.Bound) {
		return fmt.Errorf("anomalous=%t contradicts error %g and bound %g", r.Anomalous, r.Error, r.Bound)
	}
	return nil
}

func unit(f float64) bool { return f >= 0 && f <= 1 }
