package sshterminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

const (
	// DefaultSettleDelay is waited between connect and the shell request.
	DefaultSettleDelay = 300 * time.Millisecond
	// MarkedIdleTimeout completes a marked command after this much silence.
	MarkedIdleTimeout = 200 * time.Millisecond
	// PassthroughMarker forwards bastion output chunk by chunk instead of
	// capturing it.
	PassthroughMarker = "sessiond:command"
)

// DefaultFallback is the exec list tried when the shell request fails.
var DefaultFallback = []string{"bash", "sh"}

// FlushDelay returns how long pending output of n bytes may wait before it
// is sent. Small writes are usually echoes of typing and go out at once.
func FlushDelay(n int) time.Duration {
	switch {
	case n < 16:
		return 0
	case n < 256:
		return 10 * time.Millisecond
	case n < 1024:
		return 30 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

// Sessions is the view of the connection manager the multiplexer needs.
type Sessions interface {
	Handle(id string) (transport.Handle, error)
	SessionKind(id string) (sshproxy.Kind, bool)
	Terminate(id, reason string)
}

// Verdict is an Interceptor's decision about an output chunk.
type Verdict struct {
	// Drop keeps the chunk from the UI.
	Drop bool
	// Reply is written back to the stream before anything else happens.
	Reply []byte
	// Terminate ends the stream and releases the session's connection.
	Terminate bool
}

// Interceptor observes bastion session traffic.
type Interceptor interface {
	OnWrite(id, data, lineCommand string, binary bool)
	OnOutput(id string, chunk []byte) Verdict
}

// Options configures a Multiplexer.
type Options struct {
	Sink  events.Sink
	Clock Clock
	// SettleDelay defaults to DefaultSettleDelay; negative disables it.
	SettleDelay    time.Duration
	Fallback       []string
	ScrollbackSize int
	// Record keeps an asciicast recording of every session.
	Record  bool
	Audit   *sshaudit.Auditor
	Metrics *Metrics
}

// OpenRequest asks for an interactive stream on a connected session.
type OpenRequest struct {
	ID             string `json:"id"`
	TerminalType   string `json:"terminalType,omitempty"`
	DisplayForward bool   `json:"x11Forward,omitempty"`
	Cols           int    `json:"cols,omitempty"`
	Rows           int    `json:"rows,omitempty"`
}

// OpenResult describes the stream that was opened.
type OpenResult struct {
	Mode             string `json:"mode"` // "shell" or "exec"
	Command          string `json:"command,omitempty"`
	DisplayForwarded bool   `json:"x11Enabled"`
	Message          string `json:"message"`
}

// WriteRequest is one chunk of user input.
type WriteRequest struct {
	ID          string `json:"id"`
	Data        string `json:"data"`
	Marker      string `json:"marker,omitempty"`
	LineCommand string `json:"lineCommand,omitempty"`
	Binary      bool   `json:"isBinary,omitempty"`
}

type markedCommand struct {
	marker    string
	raw       []byte
	timer     Timer
	gen       int
	completed bool
}

type terminal struct {
	id      string
	bastion bool
	stream  transport.Stream
	started time.Time

	scrollback *ScrollbackBuffer
	recording  *SessionRecording
	limiter    *RateLimiter

	// mu orders delivery: chunks, timer callbacks and close all publish
	// while holding it.
	mu       sync.Mutex
	pending  []byte
	timer    Timer
	timerGen int
	marked   *markedCommand
	closed   bool
}

// Multiplexer runs the interactive streams of all sessions. Output is
// batched by a size-dependent flush delay; output following a marked write
// is captured whole and delivered once the stream goes quiet.
type Multiplexer struct {
	sessions Sessions
	sink     events.Sink
	clock    Clock
	settle   time.Duration
	fallback []string
	sbSize   int
	record   bool
	audit    *sshaudit.Auditor
	metrics  *Metrics
	log      zerolog.Logger

	mu          sync.Mutex
	terminals   map[string]*terminal
	interceptor Interceptor
}

// New creates a Multiplexer over sessions.
func New(sessions Sessions, opts Options) *Multiplexer {
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Fallback == nil {
		opts.Fallback = DefaultFallback
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Multiplexer{
		sessions:  sessions,
		sink:      opts.Sink,
		clock:     opts.Clock,
		settle:    opts.SettleDelay,
		fallback:  opts.Fallback,
		sbSize:    opts.ScrollbackSize,
		record:    opts.Record,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		log:       log.With().Str("component", "sshterminal").Logger(),
		terminals: make(map[string]*terminal),
	}
}

// SetInterceptor installs the bastion traffic observer.
func (m *Multiplexer) SetInterceptor(i Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptor = i
}

func (m *Multiplexer) getInterceptor() Interceptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interceptor
}

// fallbackWalk hands out the exec fallbacks in order, once each.
type fallbackWalk struct {
	remaining []string
}

func (w *fallbackWalk) next() (string, bool) {
	if len(w.remaining) == 0 {
		return "", false
	}
	cmd := w.remaining[0]
	w.remaining = w.remaining[1:]
	return cmd, true
}

// Open starts an interactive stream for a connected session. The shell is
// requested first; when the server refuses it, each fallback command is
// tried as an exec with a pseudo-terminal.
func (m *Multiplexer) Open(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	h, err := m.sessions.Handle(req.ID)
	if err != nil {
		return nil, sessionerr.Wrapf(sessionerr.NotFound, "shell:open", "not connected to the server", err)
	}
	if !h.Alive() {
		return nil, sessionerr.New(sessionerr.TransportError, "shell:open", "connection disconnected, unable to start terminal")
	}
	if !Sleep(ctx, m.clock, m.settle) {
		return nil, sessionerr.Wrap(sessionerr.Timeout, "shell:open", ctx.Err())
	}
	if !h.Alive() {
		return nil, sessionerr.New(sessionerr.TransportError, "shell:open", "the connection has been disconnected after a delay")
	}

	opts := transport.ShellOptions{Term: req.TerminalType, Cols: req.Cols, Rows: req.Rows, DisplayForward: req.DisplayForward}.Defaults()
	if c, r, ok := ClampSize(opts.Cols, opts.Rows); ok {
		opts.Cols, opts.Rows = c, r
	}

	res := &OpenResult{Mode: "shell", Message: "Shell has started"}
	st, err := h.OpenShell(ctx, opts)
	if err != nil {
		m.log.Warn().Err(err).Str("id", req.ID).Msg("shell request failed, trying exec fallback")
		walk := fallbackWalk{remaining: append([]string(nil), m.fallback...)}
		for {
			cmd, ok := walk.next()
			if !ok {
				return nil, sessionerr.Wrapf(sessionerr.RemoteOperationError, "shell:open", "shell and exec run failed", err)
			}
			st, err = h.OpenExec(ctx, cmd, &opts)
			if err == nil {
				res.Mode, res.Command = "exec", cmd
				res.Message = fmt.Sprintf("The terminal has been started (exec:%s)", cmd)
				break
			}
			m.log.Warn().Err(err).Str("id", req.ID).Str("command", cmd).Msg("exec fallback failed")
		}
	}
	if df, ok := st.(transport.DisplayForwarder); ok {
		res.DisplayForwarded = df.DisplayForwarded()
	}

	kind, _ := m.sessions.SessionKind(req.ID)
	t := &terminal{
		id:         req.ID,
		bastion:    kind == sshproxy.KindBastion,
		stream:     st,
		started:    m.clock.Now(),
		scrollback: NewScrollbackBuffer(m.sbSize),
		limiter:    NewRateLimiter(m.clock, MessageRateLimit, MessageRateBurst),
	}
	if m.record {
		t.recording = NewSessionRecording(m.clock, 0, opts.Cols, opts.Rows)
	}

	m.mu.Lock()
	old := m.terminals[req.ID]
	m.terminals[req.ID] = t
	m.mu.Unlock()
	if old != nil {
		old.stream.Close()
	}

	go m.pumpStdout(t)
	go m.pumpStderr(t)

	m.metrics.Opens.WithLabelValues(res.Mode).Inc()
	m.audit.LogTerminalSessionStart(req.ID, res.Mode)
	m.log.Info().Str("id", req.ID).Str("mode", res.Mode).Str("command", res.Command).Msg("terminal opened")
	return res, nil
}

func (m *Multiplexer) lookup(id string) *terminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminals[id]
}

// Write sends user input to the session's stream. A write carrying a
// marker starts capturing the output that follows it; any earlier capture
// still running is discarded. Writes to unknown sessions are dropped.
// Payloads over MaxInputMessageSize go out in several stream writes; a
// write beyond the session's rate fails with a RateLimited error.
func (m *Multiplexer) Write(req WriteRequest) error {
	t := m.lookup(req.ID)
	if t == nil {
		m.log.Warn().Str("id", req.ID).Msg("write to non-existent stream")
		return nil
	}
	if !t.limiter.Allow() {
		m.metrics.DroppedWrites.WithLabelValues("rate_limit").Inc()
		m.log.Warn().Str("id", req.ID).Msg("write rate limit exceeded")
		return sessionerr.New(sessionerr.RateLimited, "shell:write", "input rate limit exceeded, write rejected")
	}
	if t.bastion {
		if i := m.getInterceptor(); i != nil {
			i.OnWrite(req.ID, req.Data, req.LineCommand, req.Binary)
		}
	}

	t.mu.Lock()
	m.replaceCaptureLocked(t, req.Marker)
	t.mu.Unlock()

	data := []byte(req.Data)
	if req.Binary {
		data = latin1(req.Data)
	}
	if t.recording != nil {
		t.recording.RecordInput(data)
	}
	for len(data) > 0 {
		n := min(len(data), MaxInputMessageSize)
		if _, err := t.stream.Write(data[:n]); err != nil {
			m.log.Warn().Err(err).Str("id", req.ID).Msg("write to stream failed")
			return sessionerr.Wrapf(sessionerr.TransportError, "shell:write", "write to shell failed", err)
		}
		data = data[n:]
	}
	return nil
}

// replaceCaptureLocked discards the running capture and starts a new one
// when marker is set. Caller holds t.mu.
func (m *Multiplexer) replaceCaptureLocked(t *terminal, marker string) {
	if old := t.marked; old != nil {
		// An idle callback already waiting on t.mu must not publish it.
		old.completed = true
		if old.timer != nil {
			old.timer.Stop()
		}
		t.marked = nil
	}
	if marker != "" {
		t.marked = &markedCommand{marker: marker}
	}
}

// latin1 maps each character to the byte of the same value, the encoding
// the UI uses for binary payloads.
func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, byte(r))
	}
	return out
}

// Resize changes the pseudo-terminal geometry.
func (m *Multiplexer) Resize(id string, cols, rows int) (string, error) {
	t := m.lookup(id)
	if t == nil {
		return "", sessionerr.New(sessionerr.NotFound, "shell:resize", "shell not found")
	}
	cols, rows, ok := ClampSize(cols, rows)
	if !ok {
		return "", sessionerr.New(sessionerr.InvalidRequest, "shell:resize", "invalid terminal size")
	}
	if err := t.stream.Resize(cols, rows); err != nil {
		return "", sessionerr.Wrap(sessionerr.RemoteOperationError, "shell:resize", err)
	}
	if t.recording != nil {
		t.recording.RecordResize(cols, rows)
	}
	return fmt.Sprintf("Window size set to %dx%d", cols, rows), nil
}

// CloseSession ends the session's stream. The close event follows once the
// reader drains.
func (m *Multiplexer) CloseSession(id string) {
	if t := m.lookup(id); t != nil {
		t.stream.Close()
	}
}

// Scrollback returns the retained output of a session written after
// offset, and the offset to ask from next time. Offset 0 returns everything
// still retained.
func (m *Multiplexer) Scrollback(id string, offset int64) ([]byte, int64, bool) {
	t := m.lookup(id)
	if t == nil {
		return nil, 0, false
	}
	data, next := t.scrollback.Since(offset)
	return data, next, true
}

// Recording returns the asciicast recording of a session, when recording
// is enabled.
func (m *Multiplexer) Recording(id string) ([]byte, error) {
	t := m.lookup(id)
	if t == nil {
		return nil, sessionerr.New(sessionerr.NotFound, "shell:recording", "shell not found")
	}
	if t.recording == nil {
		return nil, sessionerr.New(sessionerr.InvalidRequest, "shell:recording", "recording disabled")
	}
	return t.recording.ExportCast()
}

// Active lists sessions with an open stream.
func (m *Multiplexer) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	return ids
}

func (m *Multiplexer) pumpStdout(t *terminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.deliver(t, chunk)
		}
		if err != nil {
			break
		}
	}
	m.finish(t)
}

func (m *Multiplexer) pumpStderr(t *terminal) {
	r := t.stream.Stderr()
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.sink.Publish(events.Event{Type: events.ShellStderr, ID: t.id, Payload: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// deliver routes one output chunk to the active capture or the flush
// buffer.
func (m *Multiplexer) deliver(t *terminal, chunk []byte) {
	t.scrollback.Write(chunk)
	if t.recording != nil {
		t.recording.RecordOutput(chunk)
	}

	if t.bastion {
		if i := m.getInterceptor(); i != nil {
			v := i.OnOutput(t.id, chunk)
			if v.Terminate {
				m.terminate(t, v.Reply)
				return
			}
			if len(v.Reply) > 0 {
				if _, err := t.stream.Write(v.Reply); err != nil {
					m.log.Warn().Err(err).Str("id", t.id).Msg("send interceptor reply failed")
				}
			}
			if v.Drop {
				return
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if mc := t.marked; mc != nil && !mc.completed {
		if t.bastion && mc.marker == PassthroughMarker {
			m.publish(t.id, chunk, mc.marker)
			return
		}
		mc.raw = append(mc.raw, chunk...)
		if mc.timer != nil {
			mc.timer.Stop()
		}
		if t.bastion && bytes.Contains(mc.raw, []byte(mc.marker)) {
			m.completeLocked(t, mc)
			return
		}
		mc.gen++
		gen := mc.gen
		mc.timer = m.clock.AfterFunc(MarkedIdleTimeout, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			// A chunk that arrived while this callback waited re-armed the
			// timer; a write may have discarded the capture meanwhile.
			if mc.gen == gen && !mc.completed {
				m.completeLocked(t, mc)
			}
		})
		return
	}

	t.pending = append(t.pending, chunk...)
	m.scheduleLocked(t)
}

// scheduleLocked replaces the pending flush timer with one sized for the
// current buffer. Caller holds t.mu.
func (m *Multiplexer) scheduleLocked(t *terminal) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	d := FlushDelay(len(t.pending))
	if d == 0 {
		m.flushLocked(t)
		return
	}
	t.timerGen++
	gen := t.timerGen
	t.timer = m.clock.AfterFunc(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.timerGen == gen {
			m.flushLocked(t)
		}
	})
}

// flushLocked emits the buffer as one event. Caller holds t.mu.
func (m *Multiplexer) flushLocked(t *terminal) {
	t.timer = nil
	if len(t.pending) == 0 {
		return
	}
	raw := t.pending
	t.pending = nil
	m.publish(t.id, raw, "")
	m.metrics.Flushes.Inc()
}

// completeLocked emits a capture once. Caller holds t.mu.
func (m *Multiplexer) completeLocked(t *terminal, mc *markedCommand) {
	if mc.completed {
		return
	}
	mc.completed = true
	if mc.timer != nil {
		mc.timer.Stop()
	}
	if t.marked == mc {
		t.marked = nil
	}
	m.publish(t.id, mc.raw, mc.marker)
	m.metrics.Captures.Inc()
}

func (m *Multiplexer) publish(id string, raw []byte, marker string) {
	m.sink.Publish(events.Event{Type: events.ShellData, ID: id, Payload: events.ShellOutput{
		Text:   strings.ToValidUTF8(string(raw), "�"),
		Raw:    raw,
		Marker: marker,
	}})
}

// terminate answers a bastion menu and releases the connection.
func (m *Multiplexer) terminate(t *terminal, reply []byte) {
	if len(reply) > 0 {
		if _, err := t.stream.Write(reply); err != nil && !errors.Is(err, transport.ErrClosed) {
			m.log.Warn().Err(err).Str("id", t.id).Msg("send bastion reply failed")
		}
	}
	t.stream.Close()
	m.log.Info().Str("id", t.id).Msg("bastion menu reached after exit, terminating session")
	m.sessions.Terminate(t.id, "bastion session exited")
}

// finish flushes what is left and announces the close.
func (m *Multiplexer) finish(t *terminal) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	m.flushLocked(t)
	if mc := t.marked; mc != nil && !mc.completed {
		m.completeLocked(t, mc)
	}
	t.closed = true
	t.mu.Unlock()

	m.mu.Lock()
	current := m.terminals[t.id] == t
	if current {
		delete(m.terminals, t.id)
	}
	m.mu.Unlock()

	// A stream replaced by a reopen under the same id closes silently.
	if current {
		m.sink.Publish(events.Event{Type: events.ShellClose, ID: t.id})
	}
	m.audit.LogTerminalSessionEnd(t.id, m.clock.Now().Sub(t.started).Milliseconds())
	m.log.Info().Str("id", logutil.SanitizeForLog(t.id)).Msg("terminal closed")
}
