package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/cluster"
	"github.com/dshills/autoperf/internal/config"
	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/diffscan"
	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsm"
	"github.com/dshills/autoperf/internal/fsutil"
	"github.com/dshills/autoperf/internal/measure"
	"github.com/dshills/autoperf/internal/model"
	"github.com/dshills/autoperf/internal/render"
	"github.com/dshills/autoperf/internal/review"
	"github.com/dshills/autoperf/internal/runner"
	"github.com/dshills/autoperf/internal/schema"
	"github.com/dshills/autoperf/internal/schema/validate"
)

// Profiler environment of an instrumented workload.
const (
	EnvEventIndex = "PERFPOINT_EVENT_INDEX"
	EnvEvents     = "PERFPOINT_EVENTS"
	EnvOutputDir  = "PERFPOINT_OUTPUT_DIR"
)

const (
	patchFile    = "diff.patch"
	clustersFile = "clusters.yaml"
	// stashedFile holds the commit id of the stash entry this experiment
	// created. It lives until FINISHED so that a resumed POP can tell
	// whether the entry was already restored.
	stashedFile = "stashed"
)

func (p *Pipeline) expPath(name string) string {
	return filepath.Join(p.cfg.ExpDir(), name)
}

func (p *Pipeline) candidateManifest() string {
	return diffscan.ManifestPath(p.cfg.ExpDir(), p.machine.Candidate())
}

func (p *Pipeline) diff(ctx context.Context) error {
	if err := p.dropStaleStash(); err != nil {
		return err
	}
	branch, err := p.repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if err := p.machine.SetCandidate(branch); err != nil {
		return err
	}

	res, err := diffscan.Scan(ctx, p.repo, p.cfg.Git.Main)
	if err != nil {
		return fmt.Errorf("scanning changes against %s: %w", p.cfg.Git.Main, err)
	}
	// Nominal first: when the candidate is the main branch's own working
	// tree the candidate manifest wins.
	if err := diffscan.Save(diffscan.ManifestPath(p.cfg.ExpDir(), p.cfg.Git.Main), res.Nominal()); err != nil {
		return err
	}
	if err := diffscan.Save(p.candidateManifest(), res.Candidate()); err != nil {
		return err
	}
	if patch := res.Patch(); patch != "" {
		if err := fsutil.WriteFile(p.expPath(patchFile), []byte(patch), 0o644); err != nil {
			return err
		}
	}
	p.logger.Info("candidate diff recorded",
		zap.String("candidate", branch),
		zap.String("nominal", p.cfg.Git.Main),
		zap.Int("files", len(res.Files)),
	)
	return nil
}

func (p *Pipeline) stash(ctx context.Context) error {
	commit, err := p.repo.Stash(ctx, config.DirName)
	if err != nil {
		return err
	}
	// A resumed STASH finds a clean tree; the marker from the first attempt
	// must survive.
	if commit != "" {
		if err := fsutil.WriteFile(p.expPath(stashedFile), []byte(commit+"\n"), 0o644); err != nil {
			return err
		}
		p.logger.Info("candidate changes stashed", zap.String("stash", commit))
	}
	return p.repo.Checkout(ctx, p.cfg.Git.Main)
}

// stashedCommit returns the stash entry recorded by STASH, or "".
func (p *Pipeline) stashedCommit() (string, error) {
	data, err := os.ReadFile(p.expPath(stashedFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading stash marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// dropStaleStash forgets a stash entry recorded by an abandoned experiment.
// The entry itself stays in git.
func (p *Pipeline) dropStaleStash() error {
	commit, err := p.stashedCommit()
	if err != nil || commit == "" {
		return err
	}
	p.logger.Warn("an earlier experiment left changes stashed, restore them with git stash pop",
		zap.String("stash", commit),
	)
	return p.removeStashMarker()
}

func (p *Pipeline) removeStashMarker() error {
	if err := os.Remove(p.expPath(stashedFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stash marker: %w", err)
	}
	return nil
}

func (p *Pipeline) annotate(ctx context.Context) error {
	if p.annotator == nil {
		return nil
	}
	manifest := p.candidateManifest()
	if p.machine.Mode().Has(fsm.Train) {
		manifest = diffscan.ManifestPath(p.cfg.ExpDir(), p.cfg.Git.Main)
	}
	return p.annotator.Apply(ctx, manifest)
}

func (p *Pipeline) build(ctx context.Context) error {
	if p.cfg.Clean.Cmd != "" {
		if err := p.exec(ctx, runner.Command{Name: "clean", Line: p.cfg.Clean.Cmd, Dir: p.cfg.Build.Dir}); err != nil {
			return err
		}
	}
	return p.exec(ctx, runner.Command{Name: "build", Line: p.cfg.Build.Cmd, Dir: p.cfg.Build.Dir})
}

func (p *Pipeline) exec(ctx context.Context, cmd runner.Command) error {
	err := p.run.Run(ctx, cmd)
	if errors.Is(err, fault.ErrChildFailed) {
		p.metrics.ChildFailed(cmd.Name)
		p.logger.Warn("command gave up",
			zap.String("name", cmd.Name),
			zap.Int("exit_code", runner.ExitCode(err)),
		)
	}
	return err
}

// measureBranch is the side the current MEASURE pass belongs to.
func (p *Pipeline) measureBranch() measure.Branch {
	if p.machine.Mode().Has(fsm.Train) {
		return measure.Nominal
	}
	return measure.Candidate
}

func (p *Pipeline) measureWorkload(ctx context.Context) error {
	branch := p.measureBranch()
	run := p.machine.WorkloadRun()
	if run == 1 {
		if err := p.store.Reset(branch); err != nil {
			return err
		}
	}

	retries := p.cfg.Process.MeasureRetries
	for attempt := 0; ; attempt++ {
		// A partial copy left by a crash or a failed attempt is never reused.
		if err := p.store.Drop(branch, run); err != nil {
			return err
		}
		err := p.measureRun(ctx, branch, run)
		if err == nil {
			break
		}
		if !errors.Is(err, fault.ErrReadFailed) || attempt >= retries {
			return err
		}
		p.logger.Warn("measurement unreadable, repeating run",
			zap.String("branch", string(branch)),
			zap.Int("run", run),
			zap.Int("retry", attempt+1),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	}

	p.metrics.WorkloadRun(string(branch))
	p.logger.Info("workload run measured",
		zap.String("branch", string(branch)),
		zap.Int("run", run),
		zap.Int("max_workload_runs", p.machine.MaxWorkloadRuns()),
	)
	return nil
}

// measureRun runs the workload once per sampling group, imports what the
// profiler wrote, and seals the run.
func (p *Pipeline) measureRun(ctx context.Context, branch measure.Branch, run int) error {
	for i, group := range p.schedule.Groups() {
		if err := p.measureGroup(ctx, branch, run, i, group); err != nil {
			return err
		}
	}
	ids := p.schedule.Counters()
	if err := p.store.Seal(branch, run, ids); err != nil {
		return err
	}
	return p.store.Verify(branch, run, ids)
}

func (p *Pipeline) measureGroup(ctx context.Context, branch measure.Branch, run, index int, group counters.Group) error {
	outDir, err := os.MkdirTemp("", "autoperf-perfpoint-")
	if err != nil {
		return fmt.Errorf("creating profiler output directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	start := time.Now()
	err = p.exec(ctx, runner.Command{
		Name: "workload",
		Line: p.cfg.Workload.Cmd,
		Dir:  p.cfg.Workload.Dir,
		Env: []string{
			EnvEventIndex + "=" + strconv.Itoa(index),
			EnvEvents + "=" + group.Join(),
			EnvOutputDir + "=" + outDir,
		},
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	for _, id := range group {
		samples, header, err := readProfile(filepath.Join(outDir, string(id)+".csv"))
		if err != nil {
			return fmt.Errorf("counter %s: %w", id, err)
		}
		meta := measure.Meta{Input: p.cfg.Workload.Cmd, Elapsed: elapsed, Columns: header}
		if err := p.store.Append(branch, run, id, samples, meta); err != nil {
			return err
		}
	}
	return nil
}

func readProfile(path string) ([]measure.Sample, []string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: profiler wrote no %s", fault.ErrReadFailed, filepath.Base(path))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	defer f.Close()
	return measure.ParseProfilerOutput(f)
}

func (p *Pipeline) buildClusters() error {
	ds, err := p.store.Dataset(measure.Nominal, p.schedule.Counters())
	if err != nil {
		return err
	}
	set, err := cluster.Build(ds, p.cfg.Cluster.Radius)
	if err != nil {
		return err
	}
	p.logger.Info("regions clustered",
		zap.Int("marks", len(ds.Marks())),
		zap.Int("clusters", len(set.Clusters)),
		zap.Float64("radius", set.Radius),
	)
	return cluster.Save(p.expPath(clustersFile), set)
}

func (p *Pipeline) train(ctx context.Context) error {
	set, err := cluster.Load(p.expPath(clustersFile))
	if err != nil {
		return err
	}
	ds, err := p.store.Dataset(measure.Nominal, p.schedule.Counters())
	if err != nil {
		return err
	}
	reg, err := model.Train(ctx, set, ds, p.cfg.Hyperparams(), p.logger.Named("model"))
	if err != nil {
		return err
	}
	if err := model.Save(p.cfg.ModelDir(), reg, set); err != nil {
		return err
	}
	for _, art := range reg.Artifacts {
		p.metrics.Trained(art.Cluster, art.Epochs, art.FinalLoss)
	}
	if err := os.Remove(p.expPath(clustersFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("removing staged clusters", zap.Error(err))
	}
	p.logger.Info("models saved", zap.String("dir", p.cfg.ModelDir()), zap.Int("clusters", len(reg.Artifacts)))
	return nil
}

// pop returns to the candidate and restores its stashed changes. Once the
// recorded entry has left the stash list the changes are back in the tree,
// and a resumed POP must not reset them away.
func (p *Pipeline) pop(ctx context.Context) error {
	commit, err := p.stashedCommit()
	if err != nil {
		return err
	}
	if commit != "" {
		pending, err := p.repo.HasStash(ctx, commit)
		if err != nil {
			return err
		}
		if !pending {
			p.logger.Info("candidate changes already restored", zap.String("stash", commit))
			return nil
		}
	}

	if err := p.repo.ResetHard(ctx); err != nil {
		return err
	}
	if err := p.repo.Checkout(ctx, p.machine.Candidate()); err != nil {
		return err
	}
	if commit == "" {
		return nil
	}
	if err := p.repo.StashPop(ctx, commit); err != nil {
		p.logger.Warn("could not restore candidate changes, recover them with git stash pop",
			zap.String("candidate", p.machine.Candidate()),
			zap.String("stash", commit),
			zap.Error(err),
		)
	}
	return nil
}

func (p *Pipeline) detect() error {
	reg, set, err := model.Load(p.cfg.ModelDir())
	if err != nil {
		return err
	}
	if err := reg.CheckCounters(p.schedule.Strings()); err != nil {
		return err
	}
	ds, err := p.store.Dataset(measure.Candidate, p.schedule.Counters())
	if err != nil {
		return err
	}
	regions, err := reg.Score(set, ds)
	if err != nil {
		return err
	}
	summary, err := review.Summarize(regions, p.cfg.Detection.Threshold, len(set.Clusters))
	if err != nil {
		return err
	}

	report := &schema.Report{
		Tool:    "autoperf",
		Version: p.version,
		Experiment: schema.Experiment{
			ID:          p.machine.ExperimentID(),
			Repo:        p.cfg.Root,
			Nominal:     p.cfg.Git.Main,
			Candidate:   p.machine.Candidate(),
			ConfigHash:  p.cfg.Hash,
			Counters:    p.schedule.Strings(),
			Runs:        ds.Runs,
			DroppedRuns: ds.Dropped,
		},
		Summary:  summary,
		Clusters: review.Tally(reg.Clusters(), regions),
		Regions:  regions,
		Meta: schema.Meta{
			Activation:   reg.Hyper.Activation,
			Hidden:       reg.Hyper.Hidden,
			Latent:       reg.Hyper.Latent,
			Optimizer:    reg.Hyper.Optimizer,
			Loss:         reg.Hyper.Loss,
			Epochs:       reg.Hyper.Epochs,
			BatchSize:    reg.Hyper.BatchSize,
			Noise:        reg.Hyper.Noise,
			ScaleFactor:  p.cfg.Training.ScaleFactor,
			Multiplier:   reg.Hyper.Multiplier,
			ClusterRange: set.Radius,
		},
	}

	r, err := render.NewRenderer("json")
	if err != nil {
		return err
	}
	data, err := r.Render(report)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFile(p.expPath(config.ReportFile), data, 0o644); err != nil {
		return err
	}

	regression := summary.Verdict == schema.VerdictRegression
	p.metrics.Detected(summary.AnomalyRate, regression)
	p.report = report
	p.logger.Info("detection finished",
		zap.String("verdict", string(summary.Verdict)),
		zap.Float64("anomaly_rate", summary.AnomalyRate),
		zap.Float64("threshold", summary.Threshold),
		zap.Int("regions", summary.Regions),
		zap.Int("anomalous", summary.Anomalous),
	)
	return nil
}

// renderReport reloads report.json, so a resumed REPORT state needs nothing
// from DETECT's memory.
func (p *Pipeline) renderReport() error {
	data, err := os.ReadFile(p.expPath(config.ReportFile))
	if err != nil {
		return fmt.Errorf("%w: %w", fault.ErrReadFailed, err)
	}
	report, err := validate.Parse(data)
	if err != nil {
		return err
	}
	p.report = report

	r, err := render.NewRenderer(p.format)
	if err != nil {
		return err
	}
	shown := *report
	shown.Regions = review.FilterAnomalous(report.Regions, p.onlyAnomalous)
	out, err := r.Render(&shown)
	if err != nil {
		return err
	}
	if p.format != "json" {
		if err := fsutil.WriteFile(p.expPath("report."+p.format), out, 0o644); err != nil {
			return err
		}
	}

	switch {
	case p.out != "":
		if err := fsutil.WriteFile(p.out, out, 0o644); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	case p.stdout != nil:
		if _, err := p.stdout.Write(out); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context) error {
	if p.annotator != nil {
		if err := p.annotator.Erase(ctx, p.candidateManifest()); err != nil {
			p.logger.Warn("erasing annotations", zap.Error(err))
		}
	}
	if err := p.removeStashMarker(); err != nil {
		p.logger.Warn("cleaning up", zap.Error(err))
	}
	p.logger.Info("experiment finished",
		zap.String("experiment", p.machine.ExperimentID()),
		zap.Bool("resumed", p.machine.Resumed()),
	)
	return nil
}
