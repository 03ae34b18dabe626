// Package model trains one autoencoder per cluster on nominal signatures and
// scores candidate signatures against them.
package model

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/dshills/autoperf/internal/cluster"
	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
	"github.com/dshills/autoperf/internal/measure"
	"github.com/dshills/autoperf/internal/neural"
	"github.com/dshills/autoperf/internal/schema"
)

const (
	registryVersion = 1
	modelsFile      = "models.cbor"
	clustersFile    = "clusters.yaml"
)

// Hyperparams are the training and scoring settings shared by every cluster.
type Hyperparams struct {
	Hidden       []int   `cbor:"hidden"`
	Latent       int     `cbor:"latent"`
	Activation   string  `cbor:"activation"`
	Epochs       int     `cbor:"epochs"`
	BatchSize    int     `cbor:"batch_size"`
	Optimizer    string  `cbor:"optimizer"`
	LearningRate float64 `cbor:"learning_rate"`
	Loss         string  `cbor:"loss"`
	Noise        float64 `cbor:"noise"`
	EarlyStop    float64 `cbor:"early_stop"`
	Validation   float64 `cbor:"validation"`
	Seed         uint64  `cbor:"seed"`
	// Multiplier scales the largest nominal error into the anomaly bound.
	Multiplier float64 `cbor:"multiplier"`
}

// ErrorDistribution summarizes reconstruction errors on clean nominal data.
type ErrorDistribution struct {
	Mean   float64 `cbor:"mean"`
	StdDev float64 `cbor:"stddev"`
	P99    float64 `cbor:"p99"`
	Max    float64 `cbor:"max"`
	N      int     `cbor:"n"`
}

// Scaler maps each dimension onto [0, 1] using the nominal range. A constant
// dimension maps its value to 0.5 and shifts others by their raw offset.
type Scaler struct {
	Min []float64 `cbor:"min"`
	Max []float64 `cbor:"max"`
}

func fitScaler(vectors [][]float64) Scaler {
	dim := len(vectors[0])
	s := Scaler{Min: make([]float64, dim), Max: make([]float64, dim)}
	copy(s.Min, vectors[0])
	copy(s.Max, vectors[0])
	for _, v := range vectors[1:] {
		for i, x := range v {
			s.Min[i] = math.Min(s.Min[i], x)
			s.Max[i] = math.Max(s.Max[i], x)
		}
	}
	return s
}

// Apply scales v.
func (s Scaler) Apply(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		span := s.Max[i] - s.Min[i]
		if span <= 0 {
			out[i] = 0.5 + (x - s.Min[i])
			continue
		}
		out[i] = (x - s.Min[i]) / span
	}
	return out
}

// Artifact is the trained model of one cluster.
type Artifact struct {
	Cluster   int               `cbor:"cluster"`
	Marks     []int64           `cbor:"marks"`
	Scaler    Scaler            `cbor:"scaler"`
	Network   neural.State      `cbor:"network"`
	Errors    ErrorDistribution `cbor:"errors"`
	Epochs    int               `cbor:"epochs"`
	FinalLoss float64           `cbor:"final_loss"`
	Vectors   int               `cbor:"vectors"`
}

// Registry is the set of per-cluster models of one experiment.
type Registry struct {
	Version   int         `cbor:"version"`
	Counters  []string    `cbor:"counters"`
	Hyper     Hyperparams `cbor:"hyper"`
	Artifacts []Artifact  `cbor:"artifacts"`

	nets map[int]*neural.Network
}

func (hp Hyperparams) trainConfig(loss neural.Loss, seed uint64) neural.TrainConfig {
	return neural.TrainConfig{
		Epochs:       hp.Epochs,
		BatchSize:    hp.BatchSize,
		Optimizer:    hp.Optimizer,
		LearningRate: hp.LearningRate,
		Loss:         loss,
		Noise:        hp.Noise,
		EarlyStop:    hp.EarlyStop,
		Validation:   hp.Validation,
		Seed:         seed,
	}
}

// Train fits one network per cluster of set on the nominal dataset. A
// cluster with fewer vectors than one batch is ErrInsufficientData.
func Train(ctx context.Context, set *cluster.Set, ds *measure.Dataset, hp Hyperparams, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	act, err := neural.ParseActivation(hp.Activation)
	if err != nil {
		return nil, err
	}
	loss, err := neural.ParseLoss(hp.Loss)
	if err != nil {
		return nil, err
	}
	if hp.Multiplier <= 0 {
		return nil, fmt.Errorf("%w: multiplier must be > 0, got %g", fault.ErrInvalidConfig, hp.Multiplier)
	}

	reg := &Registry{
		Version: registryVersion,
		Hyper:   hp,
		nets:    make(map[int]*neural.Network, len(set.Clusters)),
	}
	for _, id := range ds.Counters {
		reg.Counters = append(reg.Counters, string(id))
	}
	if !slices.Equal(reg.Counters, set.Counters) {
		return nil, fmt.Errorf("%w: clusters were built over %v, dataset has %v", fault.ErrInvalidConfig, set.Counters, reg.Counters)
	}

	for i := range set.Clusters {
		c := &set.Clusters[i]
		members := c.Members(ds)
		if len(members) < hp.BatchSize {
			return nil, fmt.Errorf("%w: cluster %d has %d vectors, batch size %d",
				fault.ErrInsufficientData, c.ID, len(members), hp.BatchSize)
		}
		raw := make([][]float64, len(members))
		for j, m := range members {
			raw[j] = m.Values
		}
		scaler := fitScaler(raw)
		data := make([][]float64, len(raw))
		for j, v := range raw {
			data[j] = scaler.Apply(v)
		}

		seed := hp.Seed + uint64(c.ID)
		net, err := neural.New(neural.Shape{
			Input:      ds.Dim(),
			Hidden:     hp.Hidden,
			Latent:     hp.Latent,
			Activation: act,
		}, seed)
		if err != nil {
			return nil, err
		}
		hist, err := net.Train(ctx, data, hp.trainConfig(loss, seed))
		if err != nil {
			return nil, fmt.Errorf("training cluster %d: %w", c.ID, err)
		}

		errs := make([]float64, len(data))
		for j, x := range data {
			errs[j] = net.Error(x, loss)
		}
		dist := distribution(errs)

		art := Artifact{
			Cluster:   c.ID,
			Scaler:    scaler,
			Network:   net.Export(),
			Errors:    dist,
			Epochs:    hist.Epochs,
			FinalLoss: hist.FinalLoss(),
			Vectors:   len(data),
		}
		for _, m := range c.Marks {
			art.Marks = append(art.Marks, int64(m))
		}
		reg.Artifacts = append(reg.Artifacts, art)
		reg.nets[c.ID] = net

		logger.Info("cluster trained",
			zap.Int("cluster", c.ID),
			zap.Int("marks", len(c.Marks)),
			zap.Int("vectors", len(data)),
			zap.Int("epochs", hist.Epochs),
			zap.Bool("early_stop", hist.Stopped),
			zap.Float64("final_loss", art.FinalLoss),
			zap.Float64("max_error", dist.Max),
		)
	}
	return reg, nil
}

func distribution(errs []float64) ErrorDistribution {
	sorted := append([]float64(nil), errs...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		std = 0
	}
	return ErrorDistribution{
		Mean:   mean,
		StdDev: std,
		P99:    stat.Quantile(0.99, stat.Empirical, sorted, nil),
		Max:    floats.Max(sorted),
		N:      len(sorted),
	}
}

// CheckCounters fails with ErrInvalidConfig unless ids match the counters
// the registry was trained on, in order.
func (r *Registry) CheckCounters(ids []string) error {
	if !slices.Equal(r.Counters, ids) {
		return fmt.Errorf("%w: models were trained on counters %v, configured %v", fault.ErrInvalidConfig, r.Counters, ids)
	}
	return nil
}

// Artifact returns the model of cluster id.
func (r *Registry) Artifact(id int) (*Artifact, bool) {
	for i := range r.Artifacts {
		if r.Artifacts[i].Cluster == id {
			return &r.Artifacts[i], true
		}
	}
	return nil, false
}

func (r *Registry) network(id int) (*neural.Network, error) {
	if n, ok := r.nets[id]; ok {
		return n, nil
	}
	art, ok := r.Artifact(id)
	if !ok {
		return nil, fmt.Errorf("%w: no model for cluster %d", fault.ErrReadFailed, id)
	}
	n, err := neural.Import(art.Network)
	if err != nil {
		return nil, fmt.Errorf("cluster %d: %w", id, err)
	}
	if r.nets == nil {
		r.nets = make(map[int]*neural.Network)
	}
	r.nets[id] = n
	return n, nil
}

// Bound is the error above which a vector scored by art is anomalous.
func (r *Registry) Bound(art *Artifact) float64 {
	return r.Hyper.Multiplier * art.Errors.Max
}

// Score assigns every vector of the candidate dataset to its nearest cluster
// and compares its reconstruction error against that cluster's bound. A
// vector is anomalous iff its error is strictly greater than the bound.
func (r *Registry) Score(set *cluster.Set, ds *measure.Dataset) ([]schema.RegionResult, error) {
	loss, err := neural.ParseLoss(r.Hyper.Loss)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ds.Counters))
	for i, id := range ds.Counters {
		ids[i] = string(id)
	}
	if err := r.CheckCounters(ids); err != nil {
		return nil, err
	}

	results := make([]schema.RegionResult, 0, len(ds.Vectors))
	for _, v := range ds.Vectors {
		c, d := set.Nearest(v.Values)
		if c == nil {
			return nil, fmt.Errorf("%w: no cluster matches a %d-value vector", fault.ErrReadFailed, len(v.Values))
		}
		art, ok := r.Artifact(c.ID)
		if !ok {
			return nil, fmt.Errorf("%w: no model for cluster %d", fault.ErrReadFailed, c.ID)
		}
		net, err := r.network(c.ID)
		if err != nil {
			return nil, err
		}
		e := net.Error(art.Scaler.Apply(v.Values), loss)
		bound := r.Bound(art)
		results = append(results, schema.RegionResult{
			Run:       v.Run,
			Mark:      int64(v.Mark),
			Cluster:   c.ID,
			Distance:  d,
			Error:     e,
			Bound:     bound,
			Anomalous: e > bound,
		})
	}
	return results, nil
}

// Clusters summarizes the registry per cluster for the report.
func (r *Registry) Clusters() []schema.ClusterResult {
	out := make([]schema.ClusterResult, 0, len(r.Artifacts))
	for i := range r.Artifacts {
		art := &r.Artifacts[i]
		out = append(out, schema.ClusterResult{
			ID:          art.Cluster,
			Marks:       append([]int64(nil), art.Marks...),
			ErrorBound:  r.Bound(art),
			NominalMean: art.Errors.Mean,
			NominalMax:  art.Errors.Max,
		})
	}
	return out
}

var (
	encMode, _ = cbor.CoreDetEncOptions().EncMode()
	decMode, _ = cbor.DecOptions{MaxArrayElements: 1 << 24}.DecMode()
)

// Save writes the registry and its clusters under dir. The directory is
// replaced as a whole, so readers see either the old models or the new ones.
func Save(dir string, r *Registry, set *cluster.Set) error {
	data, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding models: %w", err)
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}
	stage, err := os.MkdirTemp(parent, fsutil.TempPrefix+filepath.Base(dir)+"-")
	if err != nil {
		return fmt.Errorf("staging models: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = os.RemoveAll(stage)
		}
	}()

	if err := fsutil.WriteFile(filepath.Join(stage, modelsFile), data, 0o644); err != nil {
		return err
	}
	if err := cluster.Save(filepath.Join(stage, clustersFile), set); err != nil {
		return err
	}
	if err := fsutil.ReplaceDir(stage, dir); err != nil {
		return err
	}
	success = true
	return nil
}

// Load reads what Save wrote. Missing or undecodable files are
// ErrReadFailed.
func Load(dir string) (*Registry, *cluster.Set, error) {
	data, err := os.ReadFile(filepath.Join(dir, modelsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading models: %w", err)
	}
	var r Registry
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding models: %w", fault.ErrReadFailed, err)
	}
	if r.Version != registryVersion {
		return nil, nil, fmt.Errorf("%w: models version %d, want %d", fault.ErrReadFailed, r.Version, registryVersion)
	}
	if len(r.Artifacts) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no models", fault.ErrReadFailed, dir)
	}

	set, err := cluster.Load(filepath.Join(dir, clustersFile))
	if err != nil {
		return nil, nil, err
	}
	for _, c := range set.Clusters {
		if _, ok := r.Artifact(c.ID); !ok {
			return nil, nil, fmt.Errorf("%w: cluster %d has no model", fault.ErrReadFailed, c.ID)
		}
	}
	return &r, set, nil
}

// Exists reports whether dir holds a saved registry.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, modelsFile))
	return err == nil && info.Mode().IsRegular()
}
