// state.go tracks the lifecycle state of each session's connection.
//
// Every session id has a ConnectionState that the Manager updates as it
// connects, waits on interactive prompts, and tears down. Transitions are kept
// in a per-session ring buffer (50 entries) and registered callbacks run on
// every change.

package sshproxy

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a session's connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingInteractive
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingInteractive:
		return "awaiting_interactive"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is called after a state change, outside the tracker
// lock. Long-running handlers should spawn goroutines.
type StateChangeCallback func(id string, from, to ConnectionState)

type stateEntry struct {
	current     ConnectionState
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to ConnectionState, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns transitions oldest first.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

// setState records a transition and runs callbacks. Setting the current
// state again is a no-op.
func (st *stateTracker) setState(id string, state ConnectionState, reason string) {
	st.mu.Lock()
	entry, ok := st.states[id]
	if !ok {
		entry = &stateEntry{current: StateDisconnected}
		st.states[id] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.record(from, state, reason)

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(id, from, state)
	}
}

func (st *stateTracker) getState(id string) ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[id]
	if !ok {
		return StateDisconnected
	}
	return entry.current
}

func (st *stateTracker) getTransitions(id string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[id]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

func (st *stateTracker) remove(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, id)
}

// ConnectionState returns the current state for a session id.
func (m *Manager) ConnectionState(id string) ConnectionState {
	return m.states.getState(id)
}

// StateTransitions returns up to 50 recent transitions, oldest first.
func (m *Manager) StateTransitions(id string) []StateTransition {
	return m.states.getTransitions(id)
}

// OnStateChange registers a callback invoked on every state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}
