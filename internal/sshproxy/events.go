// events.go keeps a per-session log of connection events (connect, reuse,
// prompts, probe results, disconnect) in a 100-entry ring buffer. It
// complements the state history in state.go: states record where a
// connection is, events record what happened to it.

package sshproxy

import (
	"sync"
	"time"
)

const eventBufferSize = 100

// ConnectionEventType names a connection lifecycle event.
type ConnectionEventType string

const (
	EventConnected      ConnectionEventType = "connected"
	EventReused         ConnectionEventType = "reused"
	EventDisconnected   ConnectionEventType = "disconnected"
	EventConnectFailed  ConnectionEventType = "connect_failed"
	EventAuthPrompted   ConnectionEventType = "auth_prompted"
	EventAuthFailed     ConnectionEventType = "auth_failed"
	EventAuthSucceeded  ConnectionEventType = "auth_succeeded"
	EventProbeCompleted ConnectionEventType = "probe_completed"
	EventPoolEvicted    ConnectionEventType = "pool_evicted"
	EventCommand        ConnectionEventType = "command"
)

// ConnectionEvent is one entry in the event log.
type ConnectionEvent struct {
	ID        string              `json:"id"`
	Type      ConnectionEventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Details   string              `json:"details"`
}

type eventBuffer struct {
	events [eventBufferSize]ConnectionEvent
	head   int
	count  int
}

func (b *eventBuffer) record(event ConnectionEvent) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) history() []ConnectionEvent {
	if b.count == 0 {
		return nil
	}
	result := make([]ConnectionEvent, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) logEvent(id string, eventType ConnectionEventType, details string) {
	el.mu.Lock()
	defer el.mu.Unlock()

	buf, ok := el.buffers[id]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[id] = buf
	}
	buf.record(ConnectionEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: time.Now(),
		Details:   details,
	})
}

func (el *eventLog) getEvents(id string) []ConnectionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[id]
	if !ok {
		return nil
	}
	return buf.history()
}

func (el *eventLog) remove(id string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.buffers, id)
}

// EventHistory returns up to 100 recent events for id, oldest first.
func (m *Manager) EventHistory(id string) []ConnectionEvent {
	return m.eventLog.getEvents(id)
}
