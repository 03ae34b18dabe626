package review

import (
	"fmt"
	"sort"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/schema"
)

// AnomalyRate is the fraction of scored regions flagged anomalous. Scoring
// nothing is ErrInsufficientData rather than a zero rate.
func AnomalyRate(regions []schema.RegionResult) (float64, error) {
	if len(regions) == 0 {
		return 0, fmt.Errorf("%w: no candidate regions scored", fault.ErrInsufficientData)
	}
	_, anomalous := Counts(regions)
	return float64(anomalous) / float64(len(regions)), nil
}

// Verdict is REGRESSION iff rate is strictly greater than threshold.
func Verdict(rate, threshold float64) schema.Verdict {
	if rate > threshold {
		return schema.VerdictRegression
	}
	return schema.VerdictNoRegression
}

// Counts returns the number of regions and how many are anomalous.
func Counts(regions []schema.RegionResult) (total, anomalous int) {
	for _, r := range regions {
		if r.Anomalous {
			anomalous++
		}
	}
	return len(regions), anomalous
}

// Summarize computes the report summary for the scored regions.
func Summarize(regions []schema.RegionResult, threshold float64, clusters int) (schema.Summary, error) {
	rate, err := AnomalyRate(regions)
	if err != nil {
		return schema.Summary{}, err
	}
	total, anomalous := Counts(regions)
	return schema.Summary{
		Verdict:     Verdict(rate, threshold),
		AnomalyRate: rate,
		Threshold:   threshold,
		Regions:     total,
		Anomalous:   anomalous,
		Clusters:    clusters,
	}, nil
}

// Tally fills Regions and Anomalous of each cluster from the scored regions.
// Clusters are returned sorted by id.
func Tally(clusters []schema.ClusterResult, regions []schema.RegionResult) []schema.ClusterResult {
	out := append([]schema.ClusterResult(nil), clusters...)
	idx := make(map[int]int, len(out))
	for i := range out {
		out[i].Regions, out[i].Anomalous = 0, 0
		idx[out[i].ID] = i
	}
	for _, r := range regions {
		i, ok := idx[r.Cluster]
		if !ok {
			continue
		}
		out[i].Regions++
		if r.Anomalous {
			out[i].Anomalous++
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// FilterAnomalous returns only anomalous regions when onlyAnomalous is set.
func FilterAnomalous(regions []schema.RegionResult, onlyAnomalous bool) []schema.RegionResult {
	if !onlyAnomalous {
		return regions
	}
	out := make([]schema.RegionResult, 0, len(regions))
	for _, r := range regions {
		if r.Anomalous {
			out = append(out, r)
		}
	}
	return out
}
