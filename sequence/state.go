package sequence

// State is the sequencer's position in the run lifecycle.  Transitions are
// strictly forward; the terminal states are Completed and Aborted, and every
// path to them passes through Stopping.
type State int

// the run states, in transition order
const (
	Idle State = iota
	Homing
	Ready
	Positioning
	Configuring
	AwaitingOperatorStart
	Running
	Stopping
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Homing:
		return "homing"
	case Ready:
		return "ready"
	case Positioning:
		return "positioning"
	case Configuring:
		return "configuring"
	case AwaitingOperatorStart:
		return "awaiting-operator-start"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run is over in this state
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}
