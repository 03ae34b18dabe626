package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/autoperf/internal/fault"
)

const minimal = `
[build]
  cmd = make
  dir = .
[clean]
  cmd =
[workload]
  cmd = "make eval-perfpoint"
  dir = bench
[git]
  main = 'main'
[model]
  hidden = [32, 16]
  encoding = 3
  activation = Tanh
  filename = trained_network
[training]
  epochs = 20
  batch_size = 32
  optimizer = Adam
  learning_rate = 0.001
  loss = mean_squared_error
  noise = 0.1
  scale_factor = 1.0
[detection]
  threshold = 0.1
`

func TestParse_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(minimal), "/repo")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Workload.Cmd != "make eval-perfpoint" {
		t.Errorf("quoted value not unquoted: %q", cfg.Workload.Cmd)
	}
	if cfg.Git.Main != "main" {
		t.Errorf("single-quoted value not unquoted: %q", cfg.Git.Main)
	}
	if cfg.Clean.Cmd != "" {
		t.Errorf("clean cmd = %q, want empty", cfg.Clean.Cmd)
	}
	if cfg.Build.Dir != "/repo" || cfg.Workload.Dir != filepath.Join("/repo", "bench") {
		t.Errorf("dirs not resolved against root: %q %q", cfg.Build.Dir, cfg.Workload.Dir)
	}
	if len(cfg.Model.Hidden) != 2 || cfg.Model.Hidden[0] != 32 || cfg.Model.Hidden[1] != 16 {
		t.Errorf("hidden = %v", cfg.Model.Hidden)
	}
	if cfg.Model.Activation != "tanh" || cfg.Training.Optimizer != "adam" {
		t.Errorf("names not lowercased: %q %q", cfg.Model.Activation, cfg.Training.Optimizer)
	}
	// Optional keys fall back to defaults.
	if cfg.Detection.Multiplier != 1.0 || cfg.Cluster.Budget != 4 || cfg.Process.Attempts != 4 {
		t.Errorf("defaults not applied: %+v %+v %+v", cfg.Detection, cfg.Cluster, cfg.Process)
	}
	if !strings.HasPrefix(cfg.Hash, "sha256:") || len(cfg.Hash) != len("sha256:")+64 {
		t.Errorf("hash = %q", cfg.Hash)
	}
}

func TestParse_BareHiddenList(t *testing.T) {
	cfg, err := Parse([]byte(strings.Replace(minimal, "[32, 16]", "16, 8", 1)), "/repo")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Model.Hidden) != 2 || cfg.Model.Hidden[0] != 16 || cfg.Model.Hidden[1] != 8 {
		t.Errorf("hidden = %v", cfg.Model.Hidden)
	}
}

func TestParse_OptionalKeys(t *testing.T) {
	text := minimal + `
[process]
  attempts = 6
  delay = 250ms
  measure_retries = 0
[cluster]
  radius = 0.5
  budget = 8
[annotate]
  cmd = python3 annotate.py
`
	cfg, err := Parse([]byte(text), "/repo")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Process.Attempts != 6 || cfg.Process.Delay != 250*time.Millisecond || cfg.Process.MeasureRetries != 0 {
		t.Errorf("process = %+v", cfg.Process)
	}
	if cfg.Cluster.Radius != 0.5 || cfg.Cluster.Budget != 8 {
		t.Errorf("cluster = %+v", cfg.Cluster)
	}
	if cfg.Annotate.Cmd != "python3 annotate.py" {
		t.Errorf("annotate = %q", cfg.Annotate.Cmd)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown section":    minimal + "\n[extra]\n  x = 1\n",
		"unknown key":        strings.Replace(minimal, "[git]\n", "[git]\n  remote = origin\n", 1),
		"missing required":   strings.Replace(minimal, "  encoding = 3\n", "", 1),
		"threshold range":    strings.Replace(minimal, "threshold = 0.1", "threshold = 1.5", 1),
		"not a number":       strings.Replace(minimal, "noise = 0.1", "noise = lots", 1),
		"bad activation":     strings.Replace(minimal, "activation = Tanh", "activation = elu", 1),
		"bad loss":           strings.Replace(minimal, "loss = mean_squared_error", "loss = huber", 1),
		"zero epochs":        strings.Replace(minimal, "epochs = 20", "epochs = 0", 1),
		"bad hidden":         strings.Replace(minimal, "[32, 16]", "[32, wide]", 1),
		"negative hidden":    strings.Replace(minimal, "[32, 16]", "[32, -1]", 1),
		"key before section": "stray = 1\n" + minimal,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(text), "/repo")
			if !errors.Is(err, fault.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, fault.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestWriteThenLoad_RoundTrip(t *testing.T) {
	root := t.TempDir()
	def := Default()
	path, err := Write(root, def, false)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if path != filepath.Join(root, DirName, FileName) {
		t.Errorf("path = %s", path)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != path || cfg.Root != root {
		t.Errorf("Path/Root = %s %s", cfg.Path, cfg.Root)
	}
	if cfg.Training != def.Training || cfg.Detection != def.Detection || cfg.Process != def.Process || cfg.Cluster != def.Cluster {
		t.Errorf("round trip changed values:\n got %+v\nwant %+v", cfg, def)
	}
	if cfg.ModelDir() != filepath.Join(root, DirName, "trained_network") {
		t.Errorf("ModelDir = %s", cfg.ModelDir())
	}
}

func TestWrite_RefusesOverwrite(t *testing.T) {
	root := t.TempDir()
	if _, err := Write(root, Default(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := Write(root, Default(), false); !errors.Is(err, fault.ErrInvalidConfig) {
		t.Errorf("second Write err = %v, want ErrInvalidConfig", err)
	}
	if _, err := Write(root, Default(), true); err != nil {
		t.Errorf("forced Write: %v", err)
	}
}

func TestIgnoreExperimentDir(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, ".gitignore")
	if err := os.WriteFile(path, []byte("*.o"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := IgnoreExperimentDir(root); err != nil {
			t.Fatal(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "*.o\n.autoperf/\n" {
		t.Errorf(".gitignore = %q", data)
	}
}

func TestHyperparams(t *testing.T) {
	cfg, err := Parse([]byte(minimal), "/repo")
	if err != nil {
		t.Fatal(err)
	}
	hp := cfg.Hyperparams()
	if hp.Latent != 3 || hp.BatchSize != 32 || hp.Multiplier != 1.0 || hp.Activation != "tanh" {
		t.Errorf("hyperparams = %+v", hp)
	}
}
