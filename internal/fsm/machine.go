// Package fsm sequences an experiment. Every state change is written to a
// checkpoint before the caller sees the new state, so a crash at any point
// resumes from the last state entered.
//
// The machine is single-threaded: callers pull states with Next and perform
// each state's side effect before pulling again.
package fsm

import (
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/autoperf/internal/checkpoint"
	"github.com/dshills/autoperf/internal/fault"
)

// Store is the persistence the machine needs. *checkpoint.Store satisfies it.
type Store interface {
	Save(payload []byte) error
	Load() ([]byte, error)
	Clear() error
}

// Options configure a new or resumed machine.
type Options struct {
	Mode Mode
	// Runs is the number of workload repetitions per measurement pass.
	Runs int
	// Resume restores an authenticated checkpoint when one exists.
	Resume bool
	// ModelExists reports whether trained artifacts are already on disk.
	ModelExists bool
	Paths       Paths
	Logger      *zap.Logger
	// OnTransition, if set, observes every committed transition.
	OnTransition func(from, to State)
}

// Machine is the experiment state machine.
type Machine struct {
	store   Store
	snap    snapshot
	resumed bool
	started bool
	done    bool
	logger  *zap.Logger
	observe func(from, to State)
}

// New builds a machine. With opts.Resume and an authenticating checkpoint
// the saved snapshot is restored; a tampered checkpoint is an error and is
// left on disk. Otherwise the machine starts fresh and saves its initial
// state.
func New(store Store, opts Options) (*Machine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{store: store, logger: logger, observe: opts.OnTransition}

	if opts.Resume {
		snap, err := m.restore(opts.Paths)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			m.snap = *snap
			m.resumed = true
			logger.Info("resuming experiment",
				zap.String("experiment", snap.ExperimentID),
				zap.String("state", string(snap.State)),
				zap.Stringer("mode", snap.Mode),
				zap.Int("workload_run", snap.WorkloadRun),
				zap.Int("max_workload_runs", snap.MaxRuns),
			)
			return m, nil
		}
	}

	state, mode, err := initial(opts.Mode, opts.Runs, opts.ModelExists)
	if err != nil {
		return nil, err
	}
	if mode != opts.Mode {
		logger.Info("no trained model found, training before detection",
			zap.Stringer("requested", opts.Mode),
			zap.Stringer("mode", mode),
		)
	}
	m.snap = snapshot{
		Version:      snapshotVersion,
		State:        state,
		Mode:         mode,
		Requested:    opts.Mode,
		MaxRuns:      opts.Runs,
		ExperimentID: uuid.NewString(),
		Paths:        opts.Paths,
	}
	if err := m.save(m.snap); err != nil {
		return nil, err
	}
	logger.Info("starting experiment",
		zap.String("experiment", m.snap.ExperimentID),
		zap.String("state", string(state)),
		zap.Stringer("mode", mode),
		zap.Int("max_workload_runs", opts.Runs),
	)
	return m, nil
}

// restore loads the checkpoint. It returns nil, nil when there is nothing
// usable to resume from.
func (m *Machine) restore(paths Paths) (*snapshot, error) {
	payload, err := m.store.Load()
	switch {
	case errors.Is(err, fault.ErrTampered):
		return nil, fmt.Errorf("refusing to resume: %w", err)
	case errors.Is(err, checkpoint.ErrAbsent):
		if errors.Is(err, fault.ErrReadFailed) {
			m.logger.Warn("checkpoint unreadable, starting fresh", zap.Error(err))
		}
		return nil, nil
	case err != nil:
		return nil, err
	}

	snap, err := decodeSnapshot(payload)
	if err != nil {
		m.logger.Warn("checkpoint payload invalid, starting fresh", zap.Error(err))
		return nil, nil
	}
	if snap.State == StateFinished {
		return nil, nil
	}
	if paths.Repo != "" && snap.Paths.Repo != paths.Repo {
		m.logger.Warn("checkpoint belongs to another repository, starting fresh",
			zap.String("checkpoint_repo", snap.Paths.Repo),
			zap.String("repo", paths.Repo),
		)
		return nil, nil
	}
	return snap, nil
}

// initial picks the start state for a fresh experiment.
func initial(mode Mode, runs int, modelExists bool) (State, Mode, error) {
	if mode == 0 || mode&^allModes != 0 {
		return "", 0, fmt.Errorf("%w: mode %s", fault.ErrInvalidConfig, mode)
	}
	if runs < 0 {
		return "", 0, fmt.Errorf("%w: workload runs must be >= 0, got %d", fault.ErrInvalidConfig, runs)
	}

	state := StateDiff
	if mode == Detect {
		switch {
		case !modelExists:
			mode = Train | Detect
		case runs > 0:
			state = StateAnnotate
		default:
			state = StateDetect
		}
	}
	if mode.Has(Train) && runs < 1 {
		return "", 0, fmt.Errorf("%w: training needs at least one workload run", fault.ErrInvalidConfig)
	}
	return state, mode, nil
}

// Next advances the machine. The first call yields the current state (the
// initial or resumed one) without transitioning. Each later call applies
// the first matching table row, saves the checkpoint, and yields the new
// state. Entering FINISHED clears the checkpoint; the call after that
// reports false, as does every call after it.
func (m *Machine) Next() (State, bool, error) {
	if m.done {
		return StateFinished, false, nil
	}
	if !m.started {
		m.started = true
		return m.snap.State, true, nil
	}
	if m.snap.State == StateFinished {
		m.done = true
		return StateFinished, false, nil
	}

	next := m.snap
	t, ok := lookup(&next)
	if !ok {
		return m.snap.State, false, fmt.Errorf("%w: no transition from %s with mode %s, workload run %d/%d",
			fault.ErrModeTransition, m.snap.State, m.snap.Mode, m.snap.WorkloadRun, m.snap.MaxRuns)
	}
	next.State = t.to
	if t.effect != nil {
		t.effect(&next)
	}

	if next.State == StateFinished {
		if err := m.store.Clear(); err != nil {
			return m.snap.State, false, err
		}
	} else if err := m.save(next); err != nil {
		return m.snap.State, false, err
	}

	from := m.snap.State
	m.snap = next
	m.logger.Debug("transition",
		zap.String("from", string(from)),
		zap.String("to", string(next.State)),
		zap.Stringer("mode", next.Mode),
		zap.Int("workload_run", next.WorkloadRun),
	)
	if m.observe != nil {
		m.observe(from, next.State)
	}
	return next.State, true, nil
}

// All ranges over the remaining states. Iteration stops at the first error,
// which is yielded with the state the machine was in.
func (m *Machine) All() iter.Seq2[State, error] {
	return func(yield func(State, error) bool) {
		for {
			s, ok, err := m.Next()
			if err != nil {
				yield(s, err)
				return
			}
			if !ok || !yield(s, nil) {
				return
			}
		}
	}
}

// SetCandidate records the branch under test and saves the checkpoint.
func (m *Machine) SetCandidate(branch string) error {
	next := m.snap
	next.Candidate = branch
	if err := m.save(next); err != nil {
		return err
	}
	m.snap = next
	return nil
}

func (m *Machine) save(s snapshot) error {
	payload, err := s.encode()
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := m.store.Save(payload); err != nil {
		return fmt.Errorf("checkpointing %s: %w", s.State, err)
	}
	return nil
}

func (m *Machine) State() State         { return m.snap.State }
func (m *Machine) Mode() Mode           { return m.snap.Mode }
func (m *Machine) RequestedMode() Mode  { return m.snap.Requested }
func (m *Machine) WorkloadRun() int     { return m.snap.WorkloadRun }
func (m *Machine) MaxWorkloadRuns() int { return m.snap.MaxRuns }
func (m *Machine) ExperimentID() string { return m.snap.ExperimentID }
func (m *Machine) Candidate() string    { return m.snap.Candidate }
func (m *Machine) Paths() Paths         { return m.snap.Paths }

// Resumed reports whether the machine was restored from a checkpoint.
func (m *Machine) Resumed() bool { return m.resumed }

// Status is a read-only view of a saved checkpoint.
type Status struct {
	State        State
	Mode         Mode
	WorkloadRun  int
	MaxRuns      int
	ExperimentID string
	Candidate    string
	Paths        Paths
}

// Inspect decodes the checkpoint in store without building a machine.
func Inspect(store Store) (*Status, error) {
	payload, err := store.Load()
	if err != nil {
		return nil, err
	}
	snap, err := decodeSnapshot(payload)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:        snap.State,
		Mode:         snap.Mode,
		WorkloadRun:  snap.WorkloadRun,
		MaxRuns:      snap.MaxRuns,
		ExperimentID: snap.ExperimentID,
		Candidate:    snap.Candidate,
		Paths:        snap.Paths,
	}, nil
}
