// Package events defines the push notifications emitted by the session layer
// and the Sink they are delivered to. The boundary adapter implements Sink;
// components only publish.
package events

import "sync"

// Type names a push notification on the message bus.
type Type string

const (
	ShellData   Type = "shell:data"
	ShellStderr Type = "shell:stderr"
	ShellClose  Type = "shell:close"

	AuthPrompt  Type = "interactive-auth:prompt"
	AuthResult  Type = "interactive-auth:result"
	AuthTimeout Type = "interactive-auth:timeout"

	ConnectData Type = "connect:data"
)

// Event is one push notification. ID is the session id it belongs to.
type Event struct {
	Type    Type   `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

// ShellOutput is the payload of shell:data. Marker is empty for ordinary
// buffered output and carries the marker token for captured command output.
type ShellOutput struct {
	Text   string `json:"data"`
	Raw    []byte `json:"raw,omitempty"`
	Marker string `json:"marker"`
}

// Prompt is the payload of interactive-auth:prompt.
type Prompt struct {
	Prompts []string `json:"prompts"`
}

// AuthStatus is the payload of interactive-auth:result.
type AuthStatus struct {
	Status   string `json:"status"` // "success" or "failed"
	Attempts int    `json:"attempts,omitempty"`
	Final    bool   `json:"final,omitempty"`
}

// Capabilities is the payload of connect:data, emitted once per connect when
// the capability probe has finished.
type Capabilities struct {
	SudoAvailable     bool     `json:"hasSudo"`
	AvailableCommands []string `json:"commandList"`
	SFTPAvailable     bool     `json:"sftpAvailable"`
	SFTPError         string   `json:"sftpError,omitempty"`
}

// Sink receives events. Implementations must not block for long; they are
// called from stream read pumps and timer callbacks.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder is a Sink that keeps every event in memory. It is safe for
// concurrent use and is mostly useful in tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t in order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Changed is signalled (coalesced) whenever an event is recorded.
func (r *Recorder) Changed() <-chan struct{} { return r.notify }
