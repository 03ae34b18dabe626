// Package pipeline drives an experiment: it pulls states from the state
// machine and performs each state's work through the repository, the child
// process runner, the measurement store and the model registry.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/checkpoint"
	"github.com/dshills/autoperf/internal/config"
	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/diffscan"
	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsm"
	"github.com/dshills/autoperf/internal/measure"
	"github.com/dshills/autoperf/internal/metrics"
	"github.com/dshills/autoperf/internal/model"
	"github.com/dshills/autoperf/internal/runner"
	"github.com/dshills/autoperf/internal/schema"
)

// Repo is the version control the pipeline needs. *vcs.Git satisfies it.
type Repo interface {
	diffscan.Source
	CurrentBranch(ctx context.Context) (string, error)
	Stash(ctx context.Context, exclude ...string) (string, error)
	HasStash(ctx context.Context, commit string) (bool, error)
	StashPop(ctx context.Context, commit string) error
	Checkout(ctx context.Context, ref string) error
	ResetHard(ctx context.Context) error
}

// Annotator inserts and removes region markers. *annotate.Annotator
// satisfies it.
type Annotator interface {
	Apply(ctx context.Context, manifest string) error
	Erase(ctx context.Context, manifest string) error
}

// Options are the collaborators of one experiment. Config, Machine, Repo,
// Runner and Counters are required.
type Options struct {
	Config    *config.Config
	Machine   *fsm.Machine
	Repo      Repo
	Runner    runner.Runner
	Annotator Annotator
	Counters  *counters.Schedule
	Metrics   *metrics.Metrics

	// Format selects the rendered report ("json" or "md").
	Format string
	// Out receives a copy of the rendered report. When empty the report
	// goes to Stdout, if set.
	Out    string
	Stdout io.Writer

	// OnlyAnomalous drops nominal regions from the rendered report.
	// report.json always lists every region.
	OnlyAnomalous bool
	// MetricsOut is where metrics are flushed when Run returns. Empty
	// means <exp>/metrics.prom.
	MetricsOut    string

	Version string
	Logger  *zap.Logger
}

// Pipeline runs one experiment to completion or to the first error.
type Pipeline struct {
	cfg       *config.Config
	machine   *fsm.Machine
	repo      Repo
	run       runner.Runner
	annotator Annotator
	schedule  *counters.Schedule
	store     *measure.Store
	metrics   *metrics.Metrics

	format        string
	out           string
	stdout        io.Writer
	onlyAnomalous bool
	metricsOut    string
	version    string
	logger     *zap.Logger

	report *schema.Report
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("%w: pipeline needs a config", fault.ErrInvalidConfig)
	case opts.Machine == nil:
		return nil, fmt.Errorf("%w: pipeline needs a state machine", fault.ErrInvalidConfig)
	case opts.Repo == nil:
		return nil, fmt.Errorf("%w: pipeline needs a repository", fault.ErrInvalidConfig)
	case opts.Runner == nil:
		return nil, fmt.Errorf("%w: pipeline needs a command runner", fault.ErrInvalidConfig)
	case opts.Counters == nil:
		return nil, fmt.Errorf("%w: pipeline needs a counter schedule", fault.ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	format := opts.Format
	if format == "" {
		format = "json"
	}
	metricsOut := opts.MetricsOut
	if metricsOut == "" {
		metricsOut = filepath.Join(opts.Config.ExpDir(), config.MetricsFile)
	}
	cfg := opts.Config
	return &Pipeline{
		cfg:           cfg,
		machine:       opts.Machine,
		repo:          opts.Repo,
		run:           opts.Runner,
		annotator:     opts.Annotator,
		schedule:      opts.Counters,
		store:         measure.NewStore(cfg.ExpDir(), cfg.Training.ScaleFactor, logger.Named("measure")),
		metrics:       m,
		format:        format,
		out:           opts.Out,
		stdout:        opts.Stdout,
		onlyAnomalous: opts.OnlyAnomalous,
		metricsOut:    metricsOut,
		version:       opts.Version,
		logger:        logger,
	}, nil
}

// MachineOptions select how NewMachine starts an experiment.
type MachineOptions struct {
	Mode   fsm.Mode
	Runs   int
	Resume bool
	// Key authenticates the checkpoint.
	Key          []byte
	Logger       *zap.Logger
	OnTransition func(from, to fsm.State)
}

// NewMachine opens the checkpoint of cfg's repository and builds the state
// machine over it.
func NewMachine(cfg *config.Config, opts MachineOptions) (*fsm.Machine, error) {
	store, err := checkpoint.New(config.CheckpointPath(cfg.Root), opts.Key)
	if err != nil {
		return nil, err
	}
	return fsm.New(store, fsm.Options{
		Mode:        opts.Mode,
		Runs:        opts.Runs,
		Resume:      opts.Resume,
		ModelExists: model.Exists(cfg.ModelDir()),
		Paths: fsm.Paths{
			Repo:       cfg.Root,
			Experiment: cfg.ExpDir(),
			Config:     cfg.Path,
		},
		Logger:       opts.Logger,
		OnTransition: opts.OnTransition,
	})
}

// Run performs every remaining state. It returns the detection report, or
// nil when the experiment only trained. The context is checked between
// states; a cancelled run returns ctx.Err() and the checkpoint is the resume
// point.
func (p *Pipeline) Run(ctx context.Context) (*schema.Report, error) {
	defer func() {
		if ferr := p.metrics.Flush(p.metricsOut); ferr != nil {
			p.logger.Warn("flushing metrics", zap.String("path", p.metricsOut), zap.Error(ferr))
		}
	}()

	if p.machine.Candidate() == "" {
		branch, err := p.repo.CurrentBranch(ctx)
		if err != nil {
			return nil, err
		}
		if err := p.machine.SetCandidate(branch); err != nil {
			return nil, err
		}
	}

	for state, err := range p.machine.All() {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.metrics.StateEntered(string(state))
		start := time.Now()
		if err := p.step(ctx, state); err != nil {
			p.logger.Error("state failed",
				zap.String("state", string(state)),
				zap.String("kind", fault.Kind(err)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%s: %w", state, err)
		}
		p.metrics.StateDone(string(state), time.Since(start))
	}
	return p.report, nil
}

func (p *Pipeline) step(ctx context.Context, state fsm.State) error {
	switch state {
	case fsm.StateDiff:
		return p.diff(ctx)
	case fsm.StateStash:
		return p.stash(ctx)
	case fsm.StateAnnotate:
		return p.annotate(ctx)
	case fsm.StateBuild:
		return p.build(ctx)
	case fsm.StateMeasure:
		return p.measureWorkload(ctx)
	case fsm.StateCluster:
		return p.buildClusters()
	case fsm.StateTrain:
		return p.train(ctx)
	case fsm.StatePop:
		return p.pop(ctx)
	case fsm.StateDetect:
		return p.detect()
	case fsm.StateReport:
		return p.renderReport()
	case fsm.StateFinished:
		return p.finish(ctx)
	default:
		return fmt.Errorf("%w: unknown state %q", fault.ErrModeTransition, state)
	}
}
