// Package metrics records pipeline progress as Prometheus metrics and writes
// them as a node-exporter textfile when an experiment stops.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one experiment on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	transitions   *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec
	workloadRuns  *prometheus.CounterVec
	childFailures *prometheus.CounterVec
	epochs        *prometheus.GaugeVec
	loss          *prometheus.GaugeVec
	anomalyRate   prometheus.Gauge
	regression    prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoperf_state_transitions_total",
			Help: "States entered by the experiment state machine",
		}, []string{"state"}),
		stateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoperf_state_duration_seconds",
			Help:    "Time spent performing each state's work",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43min
		}, []string{"state"}),
		workloadRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoperf_workload_runs_total",
			Help: "Completed workload measurement runs by branch",
		}, []string{"branch"}),
		childFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autoperf_child_failures_total",
			Help: "Child commands that failed every attempt, by command",
		}, []string{"kind"}),
		epochs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoperf_training_epochs",
			Help: "Epochs run when training each cluster's model",
		}, []string{"cluster"}),
		loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autoperf_training_loss",
			Help: "Final validation loss of each cluster's model",
		}, []string{"cluster"}),
		anomalyRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "autoperf_anomaly_rate",
			Help: "Fraction of candidate regions scored anomalous",
		}),
		regression: f.NewGauge(prometheus.GaugeOpts{
			Name: "autoperf_regression",
			Help: "1 if the last detection reported a regression, else 0",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// StateEntered counts a transition into state.
func (m *Metrics) StateEntered(state string) {
	m.transitions.WithLabelValues(state).Inc()
}

// StateDone records how long state's work took.
func (m *Metrics) StateDone(state string, d time.Duration) {
	m.stateDuration.WithLabelValues(state).Observe(d.Seconds())
}

// WorkloadRun counts a sealed measurement run.
func (m *Metrics) WorkloadRun(branch string) {
	m.workloadRuns.WithLabelValues(branch).Inc()
}

// ChildFailed counts a command that exhausted its attempts.
func (m *Metrics) ChildFailed(kind string) {
	m.childFailures.WithLabelValues(kind).Inc()
}

// Trained records one cluster's training outcome.
func (m *Metrics) Trained(cluster, epochs int, loss float64) {
	id := strconv.Itoa(cluster)
	m.epochs.WithLabelValues(id).Set(float64(epochs))
	m.loss.WithLabelValues(id).Set(loss)
}

// Detected records a detection verdict.
func (m *Metrics) Detected(rate float64, regression bool) {
	m.anomalyRate.Set(rate)
	if regression {
		m.regression.Set(1)
	} else {
		m.regression.Set(0)
	}
}

// Flush writes every metric to path in the text exposition format.
func (m *Metrics) Flush(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
