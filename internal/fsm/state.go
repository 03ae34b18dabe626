package fsm

import (
	"fmt"
	"strings"

	"github.com/dshills/autoperf/internal/fault"
)

// State is one step of an experiment.
type State string

const (
	StateDiff     State = "DIFF"
	StateStash    State = "STASH"
	StateAnnotate State = "ANNOTATE"
	StateBuild    State = "BUILD"
	StateMeasure  State = "MEASURE"
	StateCluster  State = "CLUSTER"
	StateTrain    State = "TRAIN"
	StatePop      State = "POP"
	StateDetect   State = "DETECT"
	StateReport   State = "REPORT"
	StateFinished State = "FINISHED"
)

// AllStates returns every state in pipeline order.
func AllStates() []State {
	return []State{
		StateDiff, StateStash, StateAnnotate, StateBuild, StateMeasure,
		StateCluster, StateTrain, StatePop, StateDetect, StateReport, StateFinished,
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates() {
		if s == known {
			return true
		}
	}
	return false
}

// Mode is a bit set over {Train, Detect}.
type Mode uint8

const (
	Train Mode = 1 << iota
	Detect
)

const allModes = Train | Detect

// Has reports whether every bit of f is set in m.
func (m Mode) Has(f Mode) bool { return m&f == f }

func (m Mode) String() string {
	var parts []string
	if m.Has(Train) {
		parts = append(parts, "TRAIN")
	}
	if m.Has(Detect) {
		parts = append(parts, "DETECT")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ParseMode accepts "train", "detect", "both", or a comma or pipe separated
// combination such as "train,detect".
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == ',' || r == '|' || r == ' '
	}) {
		switch part {
		case "train":
			m |= Train
		case "detect":
			m |= Detect
		case "both":
			m |= Train | Detect
		default:
			return 0, fmt.Errorf("%w: unknown mode %q: use train, detect, or train,detect", fault.ErrInvalidConfig, part)
		}
	}
	if m == 0 {
		return 0, fmt.Errorf("%w: mode is empty", fault.ErrInvalidConfig)
	}
	return m, nil
}
