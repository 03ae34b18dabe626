package fsm

// transition is one row of the table. Rows are evaluated in order and the
// first row whose from matches and whose guard holds fires. The effect runs
// after the state changes and before the snapshot is saved.
type transition struct {
	from   State
	to     State
	guard  func(*snapshot) bool
	effect func(*snapshot)
}

// table is the only definition of legal moves. It encodes:
//
//	DIFF → STASH → ANNOTATE → BUILD
//	BUILD → MEASURE                 : workload_run := 1
//	MEASURE → MEASURE               : workload_run < max, then workload_run++
//	MEASURE → CLUSTER               : TRAIN set, workload_run == max, then workload_run++
//	MEASURE → DETECT                : DETECT set, TRAIN clear, workload_run == max, then workload_run++
//	CLUSTER → TRAIN
//	TRAIN → POP                     : clear TRAIN
//	POP → ANNOTATE                  : DETECT set
//	POP → FINISHED                  : DETECT clear
//	DETECT → REPORT → FINISHED
var table = []transition{
	{from: StateDiff, to: StateStash},
	{from: StateStash, to: StateAnnotate},
	{from: StateAnnotate, to: StateBuild},
	{from: StateBuild, to: StateMeasure, effect: resetRun},

	{from: StateMeasure, to: StateMeasure, guard: keepCollecting, effect: nextRun},
	{from: StateMeasure, to: StateCluster, guard: trainingDone, effect: nextRun},
	{from: StateMeasure, to: StateDetect, guard: detectionDone, effect: nextRun},

	{from: StateCluster, to: StateTrain},
	{from: StateTrain, to: StatePop, effect: clearTrain},

	{from: StatePop, to: StateAnnotate, guard: detecting},
	{from: StatePop, to: StateFinished, guard: notDetecting},

	{from: StateDetect, to: StateReport},
	{from: StateReport, to: StateFinished},
}

func keepCollecting(s *snapshot) bool {
	return s.WorkloadRun < s.MaxRuns
}

func trainingDone(s *snapshot) bool {
	return s.Mode.Has(Train) && s.WorkloadRun == s.MaxRuns
}

func detectionDone(s *snapshot) bool {
	return s.Mode.Has(Detect) && !s.Mode.Has(Train) && s.WorkloadRun == s.MaxRuns
}

func detecting(s *snapshot) bool    { return s.Mode.Has(Detect) }
func notDetecting(s *snapshot) bool { return !s.Mode.Has(Detect) }

func resetRun(s *snapshot)   { s.WorkloadRun = 1 }
func nextRun(s *snapshot)    { s.WorkloadRun++ }
func clearTrain(s *snapshot) { s.Mode &^= Train }

// lookup returns the row that fires from s, if any.
func lookup(s *snapshot) (transition, bool) {
	for _, t := range table {
		if t.from != s.State {
			continue
		}
		if t.guard == nil || t.guard(s) {
			return t, true
		}
	}
	return transition{}, false
}

// Targets returns the states reachable from s in one step, in table order.
func Targets(s State) []State {
	var out []State
	for _, t := range table {
		if t.from == s {
			out = append(out, t.to)
		}
	}
	return out
}
