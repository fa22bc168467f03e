// Package reconfig decides, between configuration runs, what changed
// and whether a new run is needed at all. It owns the configuration
// state machine and the persisted snapshot the staleness diff runs
// against.
package reconfig

import "fmt"

// State is the lifecycle phase of one build directory's configuration.
type State int

const (
	// Fresh means the build directory has never been configured.
	Fresh State = iota
	Configuring
	Configured
	// Stale means inputs changed since the last successful run.
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Configuring:
		return "configuring"
	case Configured:
		return "configured"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// TransitionError reports a lifecycle call made in the wrong phase.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid configuration state transition %s -> %s", e.From, e.To)
}

// validTransitions is the complete transition table. A failed run moves
// back to Stale so the next invocation retries from the prior snapshot.
var validTransitions = map[State][]State{
	Fresh:       {Configuring},
	Configuring: {Configured, Stale},
	Configured:  {Stale},
	Stale:       {Configuring},
}

// Lifecycle is the validated state machine. Mutating components consult
// it: stores and caches accept writes only while Configuring.
type Lifecycle struct {
	state State
}

func NewLifecycle() *Lifecycle { return &Lifecycle{state: Fresh} }

// ResumeFrom restores the phase recorded by a previous process.
func ResumeFrom(s State) *Lifecycle { return &Lifecycle{state: s} }

func (l *Lifecycle) State() State { return l.state }

func (l *Lifecycle) transition(to State) error {
	for _, allowed := range validTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return &TransitionError{From: l.state, To: to}
}

// Begin enters Configuring from Fresh or Stale.
func (l *Lifecycle) Begin() error { return l.transition(Configuring) }

// Complete marks a successful run.
func (l *Lifecycle) Complete() error { return l.transition(Configured) }

// Fail abandons a run; the prior on-disk state remains authoritative.
func (l *Lifecycle) Fail() error { return l.transition(Stale) }

// MarkStale records that inputs changed since the last run.
func (l *Lifecycle) MarkStale() error { return l.transition(Stale) }

// Mutable reports whether configuration-time writes are allowed.
func (l *Lifecycle) Mutable() bool { return l.state == Configuring }
