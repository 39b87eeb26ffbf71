// Package phase provides the deterministic finite state machines that govern
// the Team, Office and Panel driver lifecycles.
//
// A Machine is a declared set of (state, trigger) → state edges. Firing a
// trigger with no edge from the current state is logged and swallowed — never
// an error — because the UI may race with internal timers (a user click can
// arrive just after a timeout already moved the machine on).
package phase

import (
	"log/slog"
	"sort"
	"sync"
)

// State is a lifecycle phase name.
type State string

// Trigger causes a transition between states.
type Trigger string

// Transition describes one fired edge, as passed to the observer.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	Reason  string
}

// Observer is notified after every successful transition. Called with the
// machine's lock released so observers may call back into the machine.
type Observer func(t Transition)

// Machine is a deterministic FSM. Safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	name     string
	current  State
	edges    map[State]map[Trigger]State
	observer Observer
}

// NewMachine creates a machine with the given edge table.
// The table maps from-state → trigger → to-state.
func NewMachine(name string, initial State, edges map[State]map[Trigger]State) *Machine {
	return &Machine{name: name, current: initial, edges: edges}
}

// SetObserver registers the transition observer. At most one; drivers fan
// out to the event bus themselves.
func (m *Machine) SetObserver(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the machine is in the given state.
func (m *Machine) Is(s State) bool { return m.Current() == s }

// CanFire reports whether the trigger has an edge from the current state.
func (m *Machine) CanFire(t Trigger) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.edges[m.current][t]
	return ok
}

// PermittedTriggers returns the triggers with an edge from the current
// state, sorted for deterministic output.
func (m *Machine) PermittedTriggers() []Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Trigger, 0, len(m.edges[m.current]))
	for t := range m.edges[m.current] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fire attempts the trigger. On a valid edge it transitions, notifies the
// observer and returns true. An unhandled trigger leaves the state unchanged,
// logs at debug level and returns false.
func (m *Machine) Fire(t Trigger, reason string) bool {
	m.mu.Lock()
	next, ok := m.edges[m.current][t]
	if !ok {
		current := m.current
		m.mu.Unlock()
		slog.Debug("Unhandled phase trigger ignored",
			"machine", m.name, "state", string(current), "trigger", string(t))
		return false
	}
	from := m.current
	m.current = next
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(Transition{From: from, To: next, Trigger: t, Reason: reason})
	}
	return true
}
