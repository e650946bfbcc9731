package state

import (
	"log/slog"
	"sync"
)

// Callback observes a transition from prev to next.
type Callback func(prev, next State)

// Machine holds the current state and runs registered callbacks on every
// transition. Set runs synchronously on the caller's goroutine; a Set issued
// from inside a callback is queued and applied once the running transition
// has finished.
type Machine struct {
	mu      sync.RWMutex
	current State
	entry   [NumStates][]Callback
	exit    [NumStates][]Callback

	// transitions are serialised through pending
	busy        bool
	pending     []State
	transitions uint64

	logger *slog.Logger
}

// NewMachine returns a machine in Idle.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		current: Idle,
		logger:  logger,
	}
}

// OnEntry appends cb to the callbacks run when entering s.
func (m *Machine) OnEntry(s State, cb Callback) {
	if !s.Valid() || cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry[s] = append(m.entry[s], cb)
}

// OnExit appends cb to the callbacks run when leaving s.
func (m *Machine) OnExit(s State, cb Callback) {
	if !s.Valid() || cb == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exit[s] = append(m.exit[s], cb)
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transitions returns how many transitions have completed.
func (m *Machine) Transitions() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transitions
}

// Set moves the machine to next. Setting the current state is a no-op.
func (m *Machine) Set(next State) {
	if !next.Valid() {
		m.logger.Warn("Ignoring transition to unknown state", slog.Int("state", int(next)))
		return
	}

	m.mu.Lock()
	if m.busy {
		m.pending = append(m.pending, next)
		m.mu.Unlock()
		return
	}
	m.busy = true
	m.mu.Unlock()

	for {
		m.transition(next)

		m.mu.Lock()
		if len(m.pending) == 0 {
			m.busy = false
			m.mu.Unlock()
			return
		}
		next = m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
	}
}

func (m *Machine) transition(next State) {
	m.mu.RLock()
	prev := m.current
	exitCallbacks := m.exit[prev]
	entryCallbacks := m.entry[next]
	m.mu.RUnlock()

	if prev == next {
		return
	}

	for _, cb := range exitCallbacks {
		cb(prev, next)
	}

	m.mu.Lock()
	m.current = next
	m.transitions++
	m.mu.Unlock()

	m.logger.Debug("State changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))

	for _, cb := range entryCallbacks {
		cb(prev, next)
	}
}
