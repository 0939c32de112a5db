// Package connectivity derives a "device connected" signal from poll outcomes.
package connectivity

// State is the estimator's current belief about the device
type State int

const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// DefaultFailureThreshold flips to Disconnected on the first failed poll
const DefaultFailureThreshold = 1

// Estimator is a two-state machine fed with every poll outcome, whatever the
// category. It starts Connected and only moves to Disconnected after
// threshold consecutive failures; any success moves it back immediately.
//
// An Estimator is not safe for concurrent use; the scheduler loop owns it.
type Estimator struct {
	threshold int
	failures  int
	state     State
}

// New creates an estimator. threshold < 1 is treated as 1.
func New(threshold int) *Estimator {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	return &Estimator{threshold: threshold, state: Connected}
}

// Record feeds one poll outcome and reports the resulting state and whether it changed
func (e *Estimator) Record(ok bool) (State, bool) {
	prev := e.state

	if ok {
		e.failures = 0
		e.state = Connected
	} else {
		e.failures++
		if e.failures >= e.threshold {
			e.state = Disconnected
		}
	}

	return e.state, e.state != prev
}

// State returns the current state
func (e *Estimator) State() State {
	return e.state
}

// Connected is shorthand for State() == Connected
func (e *Estimator) Connected() bool {
	return e.state == Connected
}

// ConsecutiveFailures returns the length of the current failure streak
func (e *Estimator) ConsecutiveFailures() int {
	return e.failures
}
