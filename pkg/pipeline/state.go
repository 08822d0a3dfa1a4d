package pipeline

import (
	"fmt"
)

// State is a step of a conversion run.
type State int

const (
	Idle State = iota
	Loading
	Exporting
	Validating
	Transcoding
	SmokeTesting
	Done
	Aborted
)

var stateNames = [...]string{
	Idle:         "Idle",
	Loading:      "Loading",
	Exporting:    "Exporting",
	Validating:   "Validating",
	Transcoding:  "Transcoding",
	SmokeTesting: "SmokeTesting",
	Done:         "Done",
	Aborted:      "Aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s State) bool {
	return s == Done || s == Aborted
}

// Validation and smoke test failures are warnings, so those states cannot
// abort.
func isAllowedTransition(from, to State) bool {
	switch from {
	case Idle:
		return to == Loading || to == Aborted
	case Loading:
		return to == Exporting || to == Aborted
	case Exporting:
		return to == Validating || to == Aborted
	case Validating:
		return to == Transcoding
	case Transcoding:
		return to == SmokeTesting || to == Aborted
	case SmokeTesting:
		return to == Done
	default:
		return false
	}
}

// Machine tracks the state of one run.
type Machine struct {
	state   State
	history []State
}

// NewMachine returns a machine in Idle.
func NewMachine() *Machine {
	return &Machine{state: Idle, history: []State{Idle}}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// History returns every state entered, in order.
func (m *Machine) History() []State { return append([]State(nil), m.history...) }

// Transition moves the machine to the next state. A disallowed transition is
// a programming error and leaves the machine unchanged.
func (m *Machine) Transition(to State) error {
	if !isAllowedTransition(m.state, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", m.state, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}
