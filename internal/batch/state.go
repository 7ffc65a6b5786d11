package batch

// State is the lifecycle state of one batch result.
//
//	PENDING -> RUNNING -> SUCCEEDED | FAILED
//
// SUCCEEDED and FAILED are terminal.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateRunning, StateSucceeded, StateFailed}

func (s State) String() string { return string(s) }

func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed:
		return true
	}
	return false
}

// canTransition reports whether from -> to is an edge of the state machine.
func canTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	}
	return false
}
