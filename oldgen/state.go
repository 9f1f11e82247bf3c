// Package oldgen implements the old generation of the collector: the
// lifecycle state machine that gates when concurrent marking, evacuation
// and region recycling may occur, cooperative cancellation of an
// in-progress mark, and the post-mark purification of sequential store
// buffer records.
package oldgen

// asserts enables transition validation and related consistency checks.
const asserts = true

// State is the old generation's lifecycle state. It is mutated only by the
// orchestrating goroutine at phase boundaries; any thread may read it as an
// eventually-consistent snapshot for scheduling decisions.
type State int32

const (
	// Idle: no old collection activity.
	Idle State = iota
	// Filling: coalescing and filling dead ranges so old regions stay
	// parseable before the next mark.
	Filling
	// Bootstrapping: a young cycle is priming the old mark queues with
	// roots.
	Bootstrapping
	// Marking: concurrent old marking is running.
	Marking
	// WaitingForEvac: marking finished; old regions await evacuation.
	WaitingForEvac
	// WaitingForFill: a fill pass was interrupted and must resume before
	// the next cycle.
	WaitingForFill
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Filling:
		return "Filling"
	case Bootstrapping:
		return "Bootstrapping"
	case Marking:
		return "Marking"
	case WaitingForEvac:
		return "Waiting for evacuation"
	case WaitingForFill:
		return "Waiting for fill"
	default:
		return "Unknown"
	}
}

// legalTransitions is the edge set of the lifecycle state machine.
// Validated on every transition in debug builds; a transition outside this
// table is a logic error, never a recoverable condition.
var legalTransitions = map[State][]State{
	Idle:           {Filling, Bootstrapping},
	Filling:        {WaitingForFill, Marking},
	Bootstrapping:  {Marking},
	Marking:        {WaitingForEvac},
	WaitingForEvac: {Idle, Marking},
	WaitingForFill: {Idle, Filling},
}

func validTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
