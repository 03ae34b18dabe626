package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dshills/autoperf/internal/annotate"
	"github.com/dshills/autoperf/internal/checkpoint"
	"github.com/dshills/autoperf/internal/config"
	"github.com/dshills/autoperf/internal/counters"
	"github.com/dshills/autoperf/internal/fault"
	"github.com/dshills/autoperf/internal/fsm"
	"github.com/dshills/autoperf/internal/fsutil"
	"github.com/dshills/autoperf/internal/metrics"
	"github.com/dshills/autoperf/internal/pipeline"
	"github.com/dshills/autoperf/internal/render"
	"github.com/dshills/autoperf/internal/runner"
	"github.com/dshills/autoperf/internal/schema"
	"github.com/dshills/autoperf/internal/vcs"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// Exit codes.
const (
	exitOK         = 0
	exitRegression = 1
	exitError      = 2
)

// gitTimeout bounds every git invocation.
const gitTimeout = 2 * time.Minute

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

// codeError returns an exitErr for the given code.
func codeError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}

// failure reports err with its kind and exit code 2.
func failure(what string, err error) error {
	return codeError(exitError, "%s: %s (%s)", what, err, fault.Kind(err))
}

// globalFlags apply to every command.
type globalFlags struct {
	repo    string
	keyFile string
	verbose bool
}

// runFlags hold the parsed flags of run, train and detect.
type runFlags struct {
	mode       string
	noResume   bool
	format        string
	out           string
	metricsOut    string
	onlyAnomalous bool
}

type initFlags struct {
	preset string
	force  bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI with args and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		fmt.Fprintln(stderr, "Error:", ee.msg)
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return exitError
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "autoperf",
		Short:         "Detect performance regressions from hardware counter signatures",
		Long:          "AutoPerf measures a workload's hardware performance counters on the main branch and on the working tree, models the baseline with per-cluster autoencoders, and reports regions whose signature became anomalous.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.repo, "repo", ".", "Path inside the git repository to test")
	pf.StringVar(&g.keyFile, "key-file", "", "Checkpoint key file (default <repo>/.autoperf/checkpoint.key; "+checkpoint.KeyEnv+" overrides)")
	pf.BoolVar(&g.verbose, "verbose", false, "Log at debug level")

	var rf runFlags
	runCmd := &cobra.Command{
		Use:   "run <runs>",
		Short: "Run an experiment in the modes given by --mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := fsm.ParseMode(rf.mode)
			if err != nil {
				return codeError(exitError, "invalid flags: %s", err)
			}
			return runExperiment(cmd.Context(), g, rf, mode, args[0], stdout)
		},
	}
	addRunFlags(runCmd, &rf)
	runCmd.Flags().StringVar(&rf.mode, "mode", "train,detect", "Modes to run: train, detect, or train,detect")

	trainCmd := &cobra.Command{
		Use:   "train <runs>",
		Short: "Measure the main branch and train its models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd.Context(), g, rf, fsm.Train, args[0], stdout)
		},
	}
	addRunFlags(trainCmd, &rf)

	detectCmd := &cobra.Command{
		Use:   "detect <runs>",
		Short: "Measure the working tree and score it against the trained models",
		Long:  "Measure the working tree and score it against the trained models. With 0 runs the last candidate measurements are scored again. Without trained models the main branch is measured and trained first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd.Context(), g, rf, fsm.Detect, args[0], stdout)
		},
	}
	addRunFlags(detectCmd, &rf)

	var inf initFlags
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and counter set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), g, inf, stdout)
		},
	}
	initCmd.Flags().StringVar(&inf.preset, "preset", "general", fmt.Sprintf("Counter preset: one of %v", counters.PresetNames()))
	initCmd.Flags().BoolVar(&inf.force, "force", false, "Overwrite an existing configuration")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the experiment in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), g, stdout)
		},
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove measurements, models and checkpoints but keep the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context(), g, stdout)
		},
	}

	root.AddCommand(runCmd, trainCmd, detectCmd, initCmd, statusCmd, cleanCmd)
	return root
}

func addRunFlags(cmd *cobra.Command, rf *runFlags) {
	f := cmd.Flags()
	f.BoolVar(&rf.noResume, "no-resume", false, "Ignore any checkpoint and start a fresh experiment")
	f.StringVar(&rf.format, "format", "json", "Report format: json or md")
	f.StringVar(&rf.out, "out", "", "Write the report to this file instead of stdout")
	f.BoolVar(&rf.onlyAnomalous, "only-anomalous", false, "List only anomalous regions in the rendered report")
	f.StringVar(&rf.metricsOut, "metrics-out", "", "Write metrics in Prometheus text format to this file (default <repo>/.autoperf/metrics.prom)")
}

// newLogger builds the JSON logger written to stderr.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// parseRuns validates the <runs> argument.
func parseRuns(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("runs must be an integer, got %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("runs must be >= 0, got %d", n)
	}
	return n, nil
}

// validateFlags returns an error if any flag value is invalid.
func validateFlags(rf runFlags) error {
	if _, err := render.NewRenderer(rf.format); err != nil {
		return fmt.Errorf("--format must be json or md, got %q", rf.format)
	}
	return nil
}

func keyPath(g globalFlags, root string) string {
	if g.keyFile != "" {
		return g.keyFile
	}
	return config.KeyPath(root)
}

// keySecrets lists the forms the checkpoint key can take in child output:
// raw bytes and the hex text stored in key files.
func keySecrets(key []byte) []string {
	return []string{string(key), hex.EncodeToString(key)}
}

func openRepo(ctx context.Context, g globalFlags, logger *zap.Logger) (*vcs.Git, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	repo, err := vcs.Open(ctx, g.repo, gitTimeout, logger.Named("git"))
	if err != nil {
		return nil, codeError(exitError, "opening repository: %s", err)
	}
	return repo, nil
}

func runExperiment(ctx context.Context, g globalFlags, rf runFlags, mode fsm.Mode, runsArg string, stdout io.Writer) error {
	// --- Validate arguments ---
	runs, err := parseRuns(runsArg)
	if err != nil {
		return codeError(exitError, "invalid arguments: %s", err)
	}
	if err := validateFlags(rf); err != nil {
		return codeError(exitError, "invalid flags: %s", err)
	}

	logger, err := newLogger(g.verbose)
	if err != nil {
		return codeError(exitError, "%s", err)
	}
	defer logger.Sync() //nolint:errcheck

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load repository state ---
	repo, err := openRepo(ctx, g, logger)
	if err != nil {
		return err
	}
	root := repo.Root()
	cfg, err := config.Load(root)
	if err != nil {
		return failure("loading config", err)
	}
	ids, err := counters.ReadFile(config.CountersPath(root))
	if err != nil {
		return failure("loading counters", err)
	}
	schedule, err := counters.Load(ids, cfg.Cluster.Budget)
	if err != nil {
		return failure("scheduling counters", err)
	}
	key, generated, err := checkpoint.LoadKey(keyPath(g, root), true)
	if err != nil {
		return failure("loading checkpoint key", err)
	}
	if generated {
		logger.Info("generated checkpoint key", zap.String("path", keyPath(g, root)))
	}

	// --- Build the experiment ---
	machine, err := pipeline.NewMachine(cfg, pipeline.MachineOptions{
		Mode:   mode,
		Runs:   runs,
		Resume: !rf.noResume,
		Key:    key,
		Logger: logger.Named("fsm"),
	})
	if err != nil {
		return failure("starting experiment", err)
	}

	exec := &runner.Exec{
		Attempts: cfg.Process.Attempts,
		Delay:    cfg.Process.Delay,
		Logger:   logger.Named("runner"),
		Secrets:  keySecrets(key),
	}
	p, err := pipeline.New(pipeline.Options{
		Config:        cfg,
		Machine:       machine,
		Repo:          repo,
		Runner:        exec,
		Annotator:     annotate.New(cfg.Annotate.Cmd, root, exec, logger.Named("annotate")),
		Counters:      schedule,
		Metrics:       metrics.New(),
		Format:        rf.format,
		Out:           rf.out,
		Stdout:        stdout,
		OnlyAnomalous: rf.onlyAnomalous,
		MetricsOut:    rf.metricsOut,
		Version:       version,
		Logger:        logger,
	})
	if err != nil {
		return failure("building pipeline", err)
	}

	// --- Run ---
	report, err := p.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return codeError(exitError, "interrupted in %s; rerun to resume", machine.State())
		}
		return failure("experiment failed", err)
	}

	// --- Evaluate verdict ---
	if report != nil && report.Summary.Verdict == schema.VerdictRegression {
		return codeError(exitRegression, "verdict %s: anomaly rate %.4f exceeds threshold %.4f",
			report.Summary.Verdict, report.Summary.AnomalyRate, report.Summary.Threshold)
	}
	return nil
}

func runInit(ctx context.Context, g globalFlags, inf initFlags, stdout io.Writer) error {
	ids, err := counters.Preset(inf.preset)
	if err != nil {
		return codeError(exitError, "invalid flags: %s", err)
	}
	repo, err := openRepo(ctx, g, zap.NewNop())
	if err != nil {
		return err
	}
	root := repo.Root()

	path, err := config.Write(root, config.Default(), inf.force)
	if err != nil {
		return failure("writing config", err)
	}
	countersPath := config.CountersPath(root)
	if _, err := os.Stat(countersPath); err == nil && !inf.force {
		fmt.Fprintf(stdout, "kept existing %s\n", countersPath)
	} else if err := counters.WriteFile(countersPath, ids); err != nil {
		return failure("writing counters", err)
	}
	if err := config.IgnoreExperimentDir(root); err != nil {
		return failure("updating .gitignore", err)
	}
	fmt.Fprintf(stdout, "wrote %s\nwrote %s (%s preset, %d counters)\n", path, countersPath, inf.preset, len(ids))
	return nil
}

func runStatus(ctx context.Context, g globalFlags, stdout io.Writer) error {
	repo, err := openRepo(ctx, g, zap.NewNop())
	if err != nil {
		return err
	}
	root := repo.Root()
	if _, err := os.Stat(config.CheckpointPath(root)); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(stdout, "no experiment in progress")
		return nil
	}
	key, _, err := checkpoint.LoadKey(keyPath(g, root), false)
	if err != nil {
		return failure("loading checkpoint key", err)
	}
	store, err := checkpoint.New(config.CheckpointPath(root), key)
	if err != nil {
		return failure("opening checkpoint", err)
	}
	status, err := fsm.Inspect(store)
	if errors.Is(err, checkpoint.ErrAbsent) {
		fmt.Fprintln(stdout, "no experiment in progress")
		return nil
	}
	if err != nil {
		return failure("reading checkpoint", err)
	}
	fmt.Fprintf(stdout, "experiment:  %s\n", status.ExperimentID)
	fmt.Fprintf(stdout, "state:       %s\n", status.State)
	fmt.Fprintf(stdout, "mode:        %s\n", status.Mode)
	fmt.Fprintf(stdout, "run:         %d/%d\n", status.WorkloadRun, status.MaxRuns)
	if status.Candidate != "" {
		fmt.Fprintf(stdout, "candidate:   %s\n", status.Candidate)
	}
	return nil
}

func runClean(ctx context.Context, g globalFlags, stdout io.Writer) error {
	repo, err := openRepo(ctx, g, zap.NewNop())
	if err != nil {
		return err
	}
	dir := config.Dir(repo.Root())
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(stdout, "nothing to clean")
		return nil
	}
	if err != nil {
		return failure("listing experiment directory", err)
	}

	removed, stale := 0, 0
	for _, e := range entries {
		if slices.Contains(config.Keep, e.Name()) {
			continue
		}
		if fsutil.IsTemp(e.Name()) {
			stale++
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return failure("cleaning", err)
		}
		removed++
	}
	fmt.Fprintf(stdout, "removed %d entries from %s", removed, dir)
	if stale > 0 {
		fmt.Fprintf(stdout, " (%d interrupted writes)", stale)
	}
	fmt.Fprintln(stdout)
	return nil
}
