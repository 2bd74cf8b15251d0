package uploader

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is a step of the upload protocol.
type State int

const (
	StateIdle State = iota
	StateCapabilitiesChecked
	StatePermissionsChecked
	StateSessionOpen
	StateUploading
	StateSessionClosing
	StateClosed
	StateError
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapabilitiesChecked:
		return "capabilities-checked"
	case StatePermissionsChecked:
		return "permissions-checked"
	case StateSessionOpen:
		return "session-open"
	case StateUploading:
		return "uploading"
	case StateSessionClosing:
		return "session-closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:                {StateCapabilitiesChecked, StateError},
	StateCapabilitiesChecked: {StatePermissionsChecked, StateError},
	// with nothing to upload no session is opened
	StatePermissionsChecked: {StateSessionOpen, StateClosed, StateFailed, StateError},
	StateSessionOpen:        {StateUploading, StateSessionClosing, StateError},
	StateUploading:          {StateUploading, StateSessionClosing, StateError},
	// a full changeset is closed and the next one opened
	StateSessionClosing: {StateSessionOpen, StateClosed, StateFailed, StateError},
	StateError:          {StateSessionClosing, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine guards protocol transitions and reports every change.
type stateMachine struct {
	name     string
	state    State
	onChange func(State)
	mu       sync.Mutex
}

func newStateMachine(name string, initial State, onChange func(State)) *stateMachine {
	return &stateMachine{name: name, state: initial, onChange: onChange}
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// to moves to next. An illegal transition is a bug in the driver and is
// returned as an error without changing state.
func (m *stateMachine) to(next State) error {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, next) {
		m.mu.Unlock()
		slog.Error("upload illegal transition", "machine", m.name, "from", from, "to", next)
		return fmt.Errorf("%s: illegal transition %s -> %s", m.name, from, next)
	}
	m.state = next
	m.mu.Unlock()

	slog.Debug("upload state", "machine", m.name, "from", from, "to", next)
	if m.onChange != nil {
		m.onChange(next)
	}
	return nil
}
