package launcher

import (
	"slices"
	"sync"

	"github.com/juju/errors"
)

// State is the lifecycle of a single launch.
type State int

const (
	NotStarted State = iota
	SelectingUpdate
	MaterializingAssets
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case SelectingUpdate:
		return "selecting update"
	case MaterializingAssets:
		return "materializing assets"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

var transitions = map[State][]State{
	NotStarted:          {SelectingUpdate},
	SelectingUpdate:     {MaterializingAssets, Succeeded, Failed},
	MaterializingAssets: {Succeeded, Failed},
}

// stateMachine guards the state of a launcher. A launcher is single use:
// once it left NotStarted it never returns there.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(transitions[m.state], to) {
		return errors.NotValidf("launcher transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

// start claims the launcher for the caller.
func (m *stateMachine) start() error {
	if err := m.transition(SelectingUpdate); err != nil {
		return errors.Annotatef(ErrAlreadyLaunched, "state %s", m.current())
	}
	return nil
}
