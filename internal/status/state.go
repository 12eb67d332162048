package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/workmesh/orderchat/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	// Idle means the feature is disabled or the session was never started.
	Idle State = "IDLE"
	// Connecting covers the first dial, including handshake.
	Connecting State = "CONNECTING"
	// Connected means a live socket is established.
	Connected State = "CONNECTED"
	// Reconnecting means the socket dropped and the transport is retrying.
	Reconnecting State = "RECONNECTING"
	// Failed means the reconnection budget was exhausted.
	Failed State = "FAILED"
)

// validTransitions defines allowed state transitions. Idle is reachable
// from everywhere because disabling the feature always tears down.
var validTransitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, Idle},
	Connected:    {Reconnecting, Idle},
	Reconnecting: {Connected, Failed, Idle},
	Failed:       {Connecting, Idle},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Idle, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether a live socket is established.
func (m *Machine) Connected() bool {
	return m.Current() == Connected
}

// Connecting reports whether the transport is dialing or retrying.
func (m *Machine) Connecting() bool {
	s := m.Current()
	return s == Connecting || s == Reconnecting
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; no-op when already in the target state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.At(bus.KindStateChanged, StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
