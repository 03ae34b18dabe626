package schema

// Report is the top-level output of a detection pass.
type Report struct {
	Tool       string          `json:"tool"`
	Version    string          `json:"version"`
	Experiment Experiment      `json:"experiment"`
	Summary    Summary         `json:"summary"`
	Clusters   []ClusterResult `json:"clusters"`
	Regions    []RegionResult  `json:"regions"`
	Meta       Meta            `json:"meta"`
}

// Experiment captures what was compared.
type Experiment struct {
	ID         string   `json:"id"`
	Repo       string   `json:"repo"`
	Nominal    string   `json:"nominal_branch"`
	Candidate  string   `json:"candidate_branch"`
	ConfigHash string   `json:"config_hash"` // SHA-256 of config.ini
	Counters   []string `json:"counters"`
	Runs       []int    `json:"runs"`
	// DroppedRuns lists candidate runs that failed verification.
	DroppedRuns []int `json:"dropped_runs"`
}

// Summary holds the verdict and the counts it was computed from.
type Summary struct {
	Verdict     Verdict `json:"verdict"`
	AnomalyRate float64 `json:"anomaly_rate"`
	Threshold   float64 `json:"threshold"`
	Regions     int     `json:"regions"`
	Anomalous   int     `json:"anomalous"`
	Clusters    int     `json:"clusters"`
}

// ClusterResult aggregates the regions scored by one cluster's model.
type ClusterResult struct {
	ID          int     `json:"id"`
	Marks       []int64 `json:"marks"`
	Regions     int     `json:"regions"`
	Anomalous   int     `json:"anomalous"`
	ErrorBound  float64 `json:"error_bound"`
	NominalMean float64 `json:"nominal_mean_error"`
	NominalMax  float64 `json:"nominal_max_error"`
}

// RegionResult is the score of one candidate region vector.
type RegionResult struct {
	Run       int     `json:"run"`
	Mark      int64   `json:"mark"`
	Cluster   int     `json:"cluster"`
	Distance  float64 `json:"centroid_distance"`
	Error     float64 `json:"error"`
	Bound     float64 `json:"bound"`
	Anomalous bool    `json:"anomalous"`
}

// Meta records the model hyperparameters used.
type Meta struct {
	Activation   string  `json:"activation"`
	Hidden       []int   `json:"hidden"`
	Latent       int     `json:"latent"`
	Optimizer    string  `json:"optimizer"`
	Loss         string  `json:"loss"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	Noise        float64 `json:"noise"`
	ScaleFactor  float64 `json:"scale_factor"`
	Multiplier   float64 `json:"multiplier"`
	ClusterRange float64 `json:"cluster_radius"`
}

// Verdict is the outcome of a detection pass.
type Verdict string

const (
	VerdictNoRegression Verdict = "NO_REGRESSION"
	VerdictRegression   Verdict = "REGRESSION"
)

// VerdictOrdinal orders verdicts by severity: NO_REGRESSION(0) <
// REGRESSION(1). Returns -1 for an unrecognised verdict.
func VerdictOrdinal(v Verdict) int {
	switch v {
	case VerdictNoRegression:
		return 0
	case VerdictRegression:
		return 1
	default:
		return -1
	}
}
