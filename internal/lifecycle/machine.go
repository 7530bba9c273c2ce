// Package lifecycle holds the host and client session phase machines.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Phase is implemented by the host and client phase enums.
type Phase interface {
	comparable
	fmt.Stringer
}

// Machine is a lock-guarded phase with an allowed-transition table.
type Machine[P Phase] struct {
	mu       sync.Mutex
	current  P
	allowed  map[P][]P
	onChange func(from, to P)
}

// NewMachine starts in initial. onChange, when non-nil, runs after every
// successful transition outside the lock.
func NewMachine[P Phase](initial P, allowed map[P][]P, onChange func(from, to P)) *Machine[P] {
	return &Machine[P]{current: initial, allowed: allowed, onChange: onChange}
}

// Current returns the phase.
func (m *Machine[P]) Current() P {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to to when the table allows it.
func (m *Machine[P]) Transition(to P) error {
	m.mu.Lock()
	from := m.current
	if !m.permits(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// TransitionFrom moves to to only when the current phase is one of from. It
// reports whether the transition happened.
func (m *Machine[P]) TransitionFrom(to P, from ...P) bool {
	m.mu.Lock()
	current := m.current
	matched := false
	for _, candidate := range from {
		if candidate == current {
			matched = true
			break
		}
	}
	if !matched || !m.permits(current, to) {
		m.mu.Unlock()
		return false
	}
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(current, to)
	}
	return true
}

func (m *Machine[P]) permits(from, to P) bool {
	for _, candidate := range m.allowed[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
