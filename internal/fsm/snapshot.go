package fsm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dshills/autoperf/internal/fault"
)

const snapshotVersion = 1

// snapshot is everything the machine needs to resume. It is encoded as a
// CBOR array so the field order is the schema; adding a field means bumping
// snapshotVersion.
type snapshot struct {
	_ struct{} `cbor:",toarray"`

	Version      uint
	State        State
	Mode         Mode
	Requested    Mode
	WorkloadRun  int
	MaxRuns      int
	ExperimentID string
	Candidate    string
	Paths        Paths
}

// Paths are the resolved locations an experiment was started with.
type Paths struct {
	_ struct{} `cbor:",toarray"`

	Repo       string
	Experiment string
	Config     string
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("fsm: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 64,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic("fsm: CBOR decoder initialization failed: " + err.Error())
	}
}

func (s *snapshot) encode() ([]byte, error) {
	return encMode.Marshal(s)
}

func decodeSnapshot(data []byte) (*snapshot, error) {
	var s snapshot
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot: %w", fault.ErrReadFailed, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// validate rejects snapshots that could not have been produced by the table.
func (s *snapshot) validate() error {
	switch {
	case s.Version != snapshotVersion:
		return fmt.Errorf("%w: snapshot version %d, want %d", fault.ErrReadFailed, s.Version, snapshotVersion)
	case !s.State.Valid():
		return fmt.Errorf("%w: unknown state %q", fault.ErrReadFailed, s.State)
	case s.Mode&^allModes != 0 || s.Requested&^allModes != 0:
		return fmt.Errorf("%w: unknown mode bits %d", fault.ErrReadFailed, s.Mode)
	case s.Mode == 0 && s.State != StatePop && s.State != StateFinished:
		return fmt.Errorf("%w: empty mode in state %s", fault.ErrReadFailed, s.State)
	case s.MaxRuns < 0:
		return fmt.Errorf("%w: negative run budget %d", fault.ErrReadFailed, s.MaxRuns)
	case s.State == StateMeasure && (s.WorkloadRun < 1 || s.WorkloadRun > s.MaxRuns):
		return fmt.Errorf("%w: workload run %d outside 1..%d", fault.ErrReadFailed, s.WorkloadRun, s.MaxRuns)
	}
	return nil
}
