package status

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/connectivity"
)

// State represents a daemon runtime state.
type State string

const (
	Booting  State = "BOOTING"
	Offline  State = "OFFLINE"
	Online   State = "ONLINE"
	Degraded State = "DEGRADED"
	Stopping State = "STOPPING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:  {Offline, Online, Degraded, Stopping},
	Offline:  {Online, Degraded, Stopping},
	Online:   {Offline, Degraded, Stopping},
	Degraded: {Online, Offline, Stopping},
	Stopping: {},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	online  bool
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *Machine) transitionLocked(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.DaemonStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// SetOnline records the latest connectivity decision. The state follows it
// unless the daemon is degraded or stopping.
func (m *Machine) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	if m.current == Degraded || m.current == Stopping {
		return
	}
	to := Offline
	if online {
		to = Online
	}
	if m.current != to {
		_ = m.transitionLocked(to)
	}
}

// Degrade moves to Degraded from any running state.
func (m *Machine) Degrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Degraded {
		_ = m.transitionLocked(Degraded)
	}
}

// Recover leaves Degraded for the state matching the last connectivity decision.
func (m *Machine) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Degraded {
		return
	}
	to := Offline
	if m.online {
		to = Online
	}
	_ = m.transitionLocked(to)
}

// Follow drives the machine from bus events until ctx is done or the bus closes.
func (m *Machine) Follow(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe("", 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Kind {
			case bus.ConnectivityChanged:
				if c, ok := evt.Payload.(connectivity.Changed); ok {
					m.SetOnline(c.Online)
				}
			case bus.CacheDegraded:
				m.Degrade()
			case bus.CacheRecovered:
				m.Recover()
			}
		}
	}
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
