// Package config loads and validates <repo>/.autoperf/config.ini.
package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/model"
)

// DirName is the experiment directory under the repository root.
const DirName = ".autoperf"

// FileName is the configuration file inside DirName.
const FileName = "config.ini"

type Build struct {
	Cmd string `validate:"required"`
	Dir string `validate:"required"`
}

type Clean struct {
	Cmd string
}

type Workload struct {
	Cmd string `validate:"required"`
	Dir string `validate:"required"`
}

type Git struct {
	Main string `validate:"required"`
}

type Model struct {
	Hidden     []int  `validate:"dive,min=1"`
	Encoding   int    `validate:"min=1"`
	Activation string `validate:"oneof=tanh sigmoid relu swish"`
	Filename   string `validate:"required,excludesall=/\\"`
}

type Training struct {
	Epochs       int     `validate:"min=1"`
	BatchSize    int     `validate:"min=1"`
	Optimizer    string  `validate:"oneof=adam sgd"`
	LearningRate float64 `validate:"gt=0"`
	Loss         string  `validate:"oneof=mse mae mean_squared_error mean_absolute_error"`
	Noise        float64 `validate:"gte=0"`
	ScaleFactor  float64 `validate:"gt=0"`
	EarlyStop    float64 `validate:"gte=0"`
	Validation   float64 `validate:"gte=0,lt=1"`
	Seed         uint64
}

type Detection struct {
	Threshold  float64 `validate:"gte=0,lte=1"`
	Multiplier float64 `validate:"gt=0"`
}

type Cluster struct {
	Radius float64 `validate:"gte=0"`
	Budget int     `validate:"min=1"`
}

type Process struct {
	Attempts       int           `validate:"min=1"`
	Delay          time.Duration `validate:"gte=0"`
	MeasureRetries int           `validate:"gte=0"`
}

type Annotate struct {
	Cmd string
}

// Config is the validated configuration of one repository. It is not
// modified after Load returns.
type Config struct {
	// Root is the repository root; relative dirs are resolved against it.
	Root string
	Path string
	Hash string // "sha256:<hex>" of the file as read

	Build     Build
	Clean     Clean
	Workload  Workload
	Git       Git
	Model     Model
	Training  Training
	Detection Detection
	Cluster   Cluster
	Process   Process
	Annotate  Annotate
}

// Default returns the built-in defaults for every key.
func Default() Config {
	return Config{
		Build:     Build{Cmd: "make", Dir: "."},
		Clean:     Clean{Cmd: "make clean"},
		Workload:  Workload{Cmd: "make eval-perfpoint", Dir: "."},
		Git:       Git{Main: "master"},
		Model:     Model{Hidden: []int{16, 8}, Encoding: 4, Activation: "tanh", Filename: "trained_network"},
		Training: Training{
			Epochs:       12,
			BatchSize:    1,
			Optimizer:    "adam",
			LearningRate: 0.00001,
			Loss:         "mean_squared_error",
			Noise:        0.25,
			ScaleFactor:  1.0,
			EarlyStop:    1e-5,
			Validation:   0.2,
			Seed:         1,
		},
		Detection: Detection{Threshold: 0.05, Multiplier: 1.0},
		Cluster:   Cluster{Radius: 0.1, Budget: 4},
		Process:   Process{Attempts: 4, Delay: time.Millisecond, MeasureRetries: 2},
	}
}

type setter func(c *Config, v string) error

type key struct {
	set      setter
	required bool
}

var validate = validator.New()

// keys lists every accepted section and key.
var keys = map[string]map[string]key{
	"build": {
		"cmd": {str(func(c *Config) *string { return &c.Build.Cmd }), true},
		"dir": {str(func(c *Config) *string { return &c.Build.Dir }), true},
	},
	"clean": {
		"cmd": {str(func(c *Config) *string { return &c.Clean.Cmd }), true},
	},
	"workload": {
		"cmd": {str(func(c *Config) *string { return &c.Workload.Cmd }), true},
		"dir": {str(func(c *Config) *string { return &c.Workload.Dir }), true},
	},
	"git": {
		"main": {str(func(c *Config) *string { return &c.Git.Main }), true},
	},
	"model": {
		"hidden":     {intList(func(c *Config) *[]int { return &c.Model.Hidden }), true},
		"encoding":   {integer(func(c *Config) *int { return &c.Model.Encoding }), true},
		"activation": {lower(func(c *Config) *string { return &c.Model.Activation }), true},
		"filename":   {str(func(c *Config) *string { return &c.Model.Filename }), true},
	},
	"training": {
		"epochs":        {integer(func(c *Config) *int { return &c.Training.Epochs }), true},
		"batch_size":    {integer(func(c *Config) *int { return &c.Training.BatchSize }), true},
		"optimizer":     {lower(func(c *Config) *string { return &c.Training.Optimizer }), true},
		"learning_rate": {float(func(c *Config) *float64 { return &c.Training.LearningRate }), true},
		"loss":          {lower(func(c *Config) *string { return &c.Training.Loss }), true},
		"noise":         {float(func(c *Config) *float64 { return &c.Training.Noise }), true},
		"scale_factor":  {float(func(c *Config) *float64 { return &c.Training.ScaleFactor }), true},
		"early_stop":    {float(func(c *Config) *float64 { return &c.Training.EarlyStop }), false},
		"validation":    {float(func(c *Config) *float64 { return &c.Training.Validation }), false},
		"seed":          {unsigned(func(c *Config) *uint64 { return &c.Training.Seed }), false},
	},
	"detection": {
		"threshold":  {float(func(c *Config) *float64 { return &c.Detection.Threshold }), true},
		"multiplier": {float(func(c *Config) *float64 { return &c.Detection.Multiplier }), false},
	},
	"cluster": {
		"radius": {float(func(c *Config) *float64 { return &c.Cluster.Radius }), false},
		"budget": {integer(func(c *Config) *int { return &c.Cluster.Budget }), false},
	},
	"process": {
		"attempts":        {integer(func(c *Config) *int { return &c.Process.Attempts }), false},
		"delay":           {duration(func(c *Config) *time.Duration { return &c.Process.Delay }), false},
		"measure_retries": {integer(func(c *Config) *int { return &c.Process.MeasureRetries }), false},
	},
	"annotate": {
		"cmd": {str(func(c *Config) *string { return &c.Annotate.Cmd }), false},
	},
}

// Dir returns <root>/.autoperf.
func Dir(root string) string { return filepath.Join(root, DirName) }

// Load reads <root>/.autoperf/config.ini. A missing file is ErrInvalidConfig.
func Load(root string) (*Config, error) {
	return LoadFile(filepath.Join(Dir(root), FileName), root)
}

// LoadFile reads the configuration at path for the repository at root.
func LoadFile(path, root string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found (run `autoperf init`)", fault.ErrInvalidConfig, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data, root)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates configuration text. Unknown sections or keys
// and missing required keys are ErrInvalidConfig.
func Parse(data []byte, root string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:              true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}

	cfg := Default()
	seen := make(map[string]bool)
	for _, sec := range file.Sections() {
		name := sec.Name()
		known, ok := keys[name]
		if strings.EqualFold(name, ini.DefaultSection) {
			if len(sec.Keys()) > 0 {
				return nil, fmt.Errorf("%w: key %q outside any section", fault.ErrInvalidConfig, sec.Keys()[0].Name())
			}
			continue
		}
		if !ok {
			return nil, fmt.Errorf("%w: unknown section [%s]", fault.ErrInvalidConfig, name)
		}
		for _, k := range sec.Keys() {
			spec, ok := known[k.Name()]
			if !ok {
				return nil, fmt.Errorf("%w: unknown key %s.%s", fault.ErrInvalidConfig, name, k.Name())
			}
			if err := spec.set(&cfg, trimQuotes(k.String())); err != nil {
				return nil, fmt.Errorf("%w: %s.%s: %w", fault.ErrInvalidConfig, name, k.Name(), err)
			}
			seen[name+"."+k.Name()] = true
		}
	}

	var missing []string
	for sec, ks := range keys {
		for name, k := range ks {
			if k.required && !seen[sec+"."+name] {
				missing = append(missing, sec+"."+name)
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing required keys: %s", fault.ErrInvalidConfig, strings.Join(missing, ", "))
	}

	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return nil, fmt.Errorf("%w: %s fails %q (got %v)", fault.ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return nil, fmt.Errorf("%w: %w", fault.ErrInvalidConfig, err)
	}

	cfg.Root = root
	cfg.Build.Dir = resolve(root, cfg.Build.Dir)
	cfg.Workload.Dir = resolve(root, cfg.Workload.Dir)
	sum := sha256.Sum256(data)
	cfg.Hash = fmt.Sprintf("sha256:%x", sum)
	return &cfg, nil
}

func resolve(root, dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(root, dir)
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func str(get func(*Config) *string) setter {
	return func(c *Config, v string) error {
		*get(c) = v
		return nil
	}
}

func lower(get func(*Config) *string) setter {
	return func(c *Config, v string) error {
		*get(c) = strings.ToLower(v)
		return nil
	}
}

func integer(get func(*Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*get(c) = n
		return nil
	}
}

func unsigned(get func(*Config) *uint64) setter {
	return func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("not a non-negative integer: %q", v)
		}
		*get(c) = n
		return nil
	}
}

func float(get func(*Config) *float64) setter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*get(c) = f
		return nil
	}
}

func duration(get func(*Config) *time.Duration) setter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			// Bare numbers are seconds.
			f, ferr := strconv.ParseFloat(v, 64)
			if ferr != nil {
				return fmt.Errorf("not a duration: %q", v)
			}
			d = time.Duration(f * float64(time.Second))
		}
		*get(c) = d
		return nil
	}
}

// intList accepts a YAML flow sequence ("[16, 8]") or a bare
// comma-separated list ("16, 8").
func intList(get func(*Config) *[]int) setter {
	return func(c *Config, v string) error {
		var out []int
		if err := yaml.Unmarshal([]byte(v), &out); err != nil {
			if err := yaml.Unmarshal([]byte("["+v+"]"), &out); err != nil {
				return fmt.Errorf("not a list of integers: %q", v)
			}
		}
		if out == nil {
			out = []int{}
		}
		*get(c) = out
		return nil
	}
}

// Hyperparams maps the model and training sections onto the model registry.
func (c *Config) Hyperparams() model.Hyperparams {
	return model.Hyperparams{
		Hidden:       append([]int(nil), c.Model.Hidden...),
		Latent:       c.Model.Encoding,
		Activation:   c.Model.Activation,
		Epochs:       c.Training.Epochs,
		BatchSize:    c.Training.BatchSize,
		Optimizer:    c.Training.Optimizer,
		LearningRate: c.Training.LearningRate,
		Loss:         c.Training.Loss,
		Noise:        c.Training.Noise,
		EarlyStop:    c.Training.EarlyStop,
		Validation:   c.Training.Validation,
		Seed:         c.Training.Seed,
		Multiplier:   c.Detection.Multiplier,
	}
}
