// Package cluster groups annotated regions whose nominal counter signatures
// are close, so that one autoencoder models each group of equivalent code.
package cluster

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
	"github.com/dshills/autoperf/internal/measure"
)

// Cluster is a set of marks and the mean of their signatures.
type Cluster struct {
	ID       int              `yaml:"id"`
	Marks    []measure.MarkID `yaml:"marks"`
	Centroid []float64        `yaml:"centroid,flow"`
}

// Set is the frozen clustering of one experiment.
type Set struct {
	Counters []string  `yaml:"counters"`
	Radius   float64   `yaml:"radius"`
	Clusters []Cluster `yaml:"clusters"`
}

// Build averages each mark's vectors across runs and links marks whose
// averages lie within radius of each other (single linkage). Marks are
// visited in ascending order; a mark that touches several clusters merges
// them into the lowest-indexed one. A mark that touches none starts a new
// cluster.
func Build(ds *measure.Dataset, radius float64) (*Set, error) {
	if radius < 0 || math.IsNaN(radius) {
		return nil, fmt.Errorf("%w: cluster radius must be >= 0, got %g", fault.ErrInvalidConfig, radius)
	}
	if ds == nil || len(ds.Vectors) == 0 {
		return nil, fmt.Errorf("%w: no region vectors to cluster", fault.ErrInsufficientData)
	}

	marks, points := meanByMark(ds)

	// groups[i] holds indices into marks; nil once merged away.
	var groups [][]int
	for i := range marks {
		var touching []int
		for g, members := range groups {
			if members == nil {
				continue
			}
			for _, j := range members {
				if floats.Distance(points[i], points[j], 2) <= radius {
					touching = append(touching, g)
					break
				}
			}
		}

		if len(touching) == 0 {
			groups = append(groups, []int{i})
			continue
		}
		into := touching[0]
		groups[into] = append(groups[into], i)
		for _, g := range touching[1:] {
			groups[into] = append(groups[into], groups[g]...)
			groups[g] = nil
		}
	}

	set := &Set{Radius: radius}
	for _, id := range ds.Counters {
		set.Counters = append(set.Counters, string(id))
	}
	for _, members := range groups {
		if members == nil {
			continue
		}
		sort.Ints(members)
		c := Cluster{ID: len(set.Clusters), Centroid: make([]float64, len(points[members[0]]))}
		for _, j := range members {
			c.Marks = append(c.Marks, marks[j])
			floats.Add(c.Centroid, points[j])
		}
		floats.Scale(1/float64(len(members)), c.Centroid)
		set.Clusters = append(set.Clusters, c)
	}
	return set, nil
}

// meanByMark returns the marks in ascending order and, for each, the mean of
// its vectors across runs.
func meanByMark(ds *measure.Dataset) ([]measure.MarkID, [][]float64) {
	byMark := ds.ByMark()
	marks := ds.Marks()
	points := make([][]float64, len(marks))
	for i, mark := range marks {
		vs := byMark[mark]
		p := make([]float64, len(vs[0].Values))
		for _, v := range vs {
			floats.Add(p, v.Values)
		}
		floats.Scale(1/float64(len(vs)), p)
		points[i] = p
	}
	return marks, points
}

// Nearest returns the cluster whose centroid is closest to v and the
// distance to it. Ties go to the lowest id.
func (s *Set) Nearest(v []float64) (*Cluster, float64) {
	var best *Cluster
	bestDist := math.Inf(1)
	for i := range s.Clusters {
		c := &s.Clusters[i]
		if len(c.Centroid) != len(v) {
			continue
		}
		if d := floats.Distance(c.Centroid, v, 2); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// Members returns the dataset vectors whose mark belongs to c.
func (c *Cluster) Members(ds *measure.Dataset) []measure.RegionVector {
	in := make(map[measure.MarkID]bool, len(c.Marks))
	for _, m := range c.Marks {
		in[m] = true
	}
	var out []measure.RegionVector
	for _, v := range ds.Vectors {
		if in[v.Mark] {
			out = append(out, v)
		}
	}
	return out
}

// Save writes the set as YAML, atomically.
func Save(path string, s *Set) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding clusters: %w", err)
	}
	return fsutil.WriteFile(path, data, 0o644)
}

// Load reads a set written by Save.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	if err != nil {
		return nil, fmt.Errorf("reading clusters: %w", err)
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: decoding clusters: %w", fault.ErrReadFailed, err)
	}
	if len(s.Clusters) == 0 {
		return nil, fmt.Errorf("%w: %s has no clusters", fault.ErrReadFailed, path)
	}
	return &s, nil
}
