package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsutil"
)

// Files under the experiment directory.
const (
	CountersFile   = "COUNTERS"
	CheckpointFile = "checkpoint"
	KeyFile        = "checkpoint.key"
	ReportFile     = "report.json"
	MetricsFile    = "metrics.prom"
)

// Keep lists the files `autoperf clean` leaves in place.
var Keep = []string{FileName, CountersFile, KeyFile}

// ExpDir is the experiment directory of the repository.
func (c *Config) ExpDir() string { return Dir(c.Root) }

// ModelDir is where trained models are saved.
func (c *Config) ModelDir() string { return filepath.Join(c.ExpDir(), c.Model.Filename) }

// CountersPath is the counter list of the repository at root.
func CountersPath(root string) string { return filepath.Join(Dir(root), CountersFile) }

// CheckpointPath is the checkpoint of the repository at root.
func CheckpointPath(root string) string { return filepath.Join(Dir(root), CheckpointFile) }

// KeyPath is the default checkpoint key file of the repository at root.
func KeyPath(root string) string { return filepath.Join(Dir(root), KeyFile) }

var iniTemplate = template.Must(template.New("config").Funcs(template.FuncMap{
	"num":  func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) },
	"list": formatList,
}).Parse(`[build]
  cmd = {{ .Build.Cmd }}
  dir = {{ .Build.Dir }}
[clean]
  cmd = {{ .Clean.Cmd }}
[workload]
  cmd = {{ .Workload.Cmd }}
  dir = {{ .Workload.Dir }}
[git]
  main = {{ .Git.Main }}
[model]
  hidden = {{ list .Model.Hidden }}
  encoding = {{ .Model.Encoding }}
  activation = {{ .Model.Activation }}
  filename = {{ .Model.Filename }}
[training]
  epochs = {{ .Training.Epochs }}
  ; one training vector per run and region: a cluster holding a single region
  ; trains on <runs> vectors, so batch_size must not exceed the run count
  batch_size = {{ .Training.BatchSize }}
  optimizer = {{ .Training.Optimizer }}
  learning_rate = {{ num .Training.LearningRate }}
  loss = {{ .Training.Loss }}
  noise = {{ num .Training.Noise }}
  scale_factor = {{ num .Training.ScaleFactor }}
  early_stop = {{ num .Training.EarlyStop }}
  validation = {{ num .Training.Validation }}
  seed = {{ .Training.Seed }}
[detection]
  threshold = {{ num .Detection.Threshold }}
  multiplier = {{ num .Detection.Multiplier }}
[cluster]
  radius = {{ num .Cluster.Radius }}
  budget = {{ .Cluster.Budget }}
[process]
  attempts = {{ .Process.Attempts }}
  delay = {{ .Process.Delay }}
  measure_retries = {{ .Process.MeasureRetries }}
[annotate]
  cmd = {{ .Annotate.Cmd }}
`))

func formatList(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Render formats c in the config.ini layout. Dirs are written as given.
func Render(c Config) ([]byte, error) {
	var b strings.Builder
	if err := iniTemplate.Execute(&b, c); err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return []byte(b.String()), nil
}

// Write saves c as <root>/.autoperf/config.ini. An existing file is kept
// unless force is set.
func Write(root string, c Config, force bool) (string, error) {
	path := filepath.Join(Dir(root), FileName)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("%w: %s already exists (use --force to overwrite)", fault.ErrInvalidConfig, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return path, fmt.Errorf("checking %s: %w", path, err)
		}
	}
	data, err := Render(c)
	if err != nil {
		return path, err
	}
	return path, fsutil.WriteFile(path, data, 0o644)
}

// IgnoreExperimentDir appends the experiment directory to <root>/.gitignore
// unless an entry for it already exists.
func IgnoreExperimentDir(root string) error {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case DirName, DirName + "/", "/" + DirName, "/" + DirName + "/":
			return nil
		}
	}
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		data = append(data, '\n')
	}
	data = append(data, DirName+"/\n"...)
	return fsutil.WriteFile(path, data, 0o644)
}
