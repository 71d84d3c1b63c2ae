package fsm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/saker-ai/voice-relay/internal/transport"
)

// ErrTerminal is returned for any transition out of StatusDestroyed.
var ErrTerminal = errors.New("fsm: connection destroyed")

var allowed = map[transport.Status][]transport.Status{
	transport.StatusSignalling: {
		transport.StatusConnecting,
		transport.StatusReady,
		transport.StatusDisconnected,
		transport.StatusDestroyed,
	},
	transport.StatusConnecting: {
		transport.StatusSignalling,
		transport.StatusReady,
		transport.StatusDisconnected,
		transport.StatusDestroyed,
	},
	transport.StatusReady: {
		transport.StatusSignalling,
		transport.StatusConnecting,
		transport.StatusDisconnected,
		transport.StatusDestroyed,
	},
	transport.StatusDisconnected: {
		transport.StatusSignalling,
		transport.StatusConnecting,
		transport.StatusReady,
		transport.StatusDestroyed,
	},
}

// Machine tracks a voice connection's status and rejects transitions the
// transport lifecycle does not allow.
type Machine struct {
	mu        sync.RWMutex
	state     transport.Status
	recovered bool
}

// New creates a machine in StatusSignalling.
func New() *Machine {
	return &Machine{state: transport.StatusSignalling}
}

// State returns the current status.
func (m *Machine) State() transport.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Recovering reports whether the machine left Disconnected for Signalling or
// Connecting and has not reached Ready since.
func (m *Machine) Recovering() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recovered
}

// Transition moves to the given status. Self transitions are accepted.
func (m *Machine) Transition(to transport.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if from == transport.StatusDestroyed {
		return ErrTerminal
	}
	if from != to && !CanTransition(from, to) {
		return fmt.Errorf("fsm: invalid transition %s -> %s", from, to)
	}
	m.apply(from, to)
	return nil
}

// Force sets the status without consulting the transition table. Leaving
// StatusDestroyed is still refused.
func (m *Machine) Force(to transport.Status) error {
	switch to {
	case transport.StatusSignalling, transport.StatusConnecting, transport.StatusReady,
		transport.StatusDisconnected, transport.StatusDestroyed:
	default:
		return fmt.Errorf("invalid state: %s", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == transport.StatusDestroyed && to != transport.StatusDestroyed {
		return ErrTerminal
	}
	m.apply(m.state, to)
	return nil
}

func (m *Machine) apply(from, to transport.Status) {
	switch {
	case to == transport.StatusReady:
		m.recovered = false
	case from == transport.StatusDisconnected &&
		(to == transport.StatusSignalling || to == transport.StatusConnecting):
		m.recovered = true
	}
	m.state = to
}

// CanTransition reports whether from -> to is a valid lifecycle edge.
func CanTransition(from, to transport.Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
