package stream

import (
	"errors"
	"fmt"
	"sync"
)

// State is the connection lifecycle of one Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the legal successors of each state. Stopped has none.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateStopped},
	StateConnecting:   {StateConnected, StateBackoff, StateStopped},
	StateConnected:    {StateBackoff, StateStopped},
	StateBackoff:      {StateConnecting, StateStopped},
	StateStopped:      nil,
}

// Machine guards State with the transition table above.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine starts in StateDisconnected. onChange, if set, runs after every
// successful transition while the machine lock is held, so it must not call
// back into the machine.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: StateDisconnected, onChange: onChange}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	for _, next := range transitions[from] {
		if next == to {
			m.state = to
			if m.onChange != nil {
				m.onChange(from, to)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
