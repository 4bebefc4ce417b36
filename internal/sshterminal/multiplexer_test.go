package sshterminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

type fakeStream struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	written []byte
	writes  int
	sizes   [][2]int
	closed  bool
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw}
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, transport.ErrClosed
	}
	s.written = append(s.written, p...)
	s.writes++
	return len(p), nil
}

func (s *fakeStream) Stderr() io.Reader { return nil }

func (s *fakeStream) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, [2]int{cols, rows})
	return nil
}

func (s *fakeStream) Wait() (*transport.ExitStatus, error) { return nil, nil }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.Close()
	return nil
}

func (s *fakeStream) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.written)
}

type fakeHandle struct {
	alive    bool
	shellErr error
	execOK   map[string]bool

	mu     sync.Mutex
	execs  []string
	stream *fakeStream
}

func (h *fakeHandle) OpenShell(context.Context, transport.ShellOptions) (transport.Stream, error) {
	if h.shellErr != nil {
		return nil, h.shellErr
	}
	h.stream = newFakeStream()
	return h.stream, nil
}

func (h *fakeHandle) OpenExec(_ context.Context, cmd string, _ *transport.ShellOptions) (transport.Stream, error) {
	h.mu.Lock()
	h.execs = append(h.execs, cmd)
	h.mu.Unlock()
	if !h.execOK[cmd] {
		return nil, errors.New("exec refused")
	}
	h.stream = newFakeStream()
	return h.stream, nil
}

func (h *fakeHandle) OpenFileChannel(context.Context) (transport.FileChannel, error) {
	return nil, transport.ErrUnsupported
}
func (h *fakeHandle) Alive() bool           { return h.alive }
func (h *fakeHandle) Done() <-chan struct{} { return nil }
func (h *fakeHandle) Err() error            { return nil }
func (h *fakeHandle) Close() error          { return nil }

type fakeSessions struct {
	mu         sync.Mutex
	handles    map[string]transport.Handle
	kinds      map[string]sshproxy.Kind
	terminated []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{handles: map[string]transport.Handle{}, kinds: map[string]sshproxy.Kind{}}
}

func (f *fakeSessions) Handle(id string) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[id]
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, "handle", "no active connection")
	}
	return h, nil
}

func (f *fakeSessions) SessionKind(id string) (sshproxy.Kind, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kinds[id]
	return k, ok
}

func (f *fakeSessions) Terminate(id, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
}

type fakeInterceptor struct {
	verdict Verdict
	writes  []string
}

func (i *fakeInterceptor) OnWrite(_, data, _ string, _ bool) { i.writes = append(i.writes, data) }
func (i *fakeInterceptor) OnOutput(string, []byte) Verdict   { return i.verdict }

func newTestMux(t *testing.T) (*Multiplexer, *ManualClock, *events.Recorder, *fakeSessions) {
	t.Helper()
	clock := NewManualClock(time.Unix(1700000000, 0))
	rec := events.NewRecorder()
	sessions := newFakeSessions()
	m := New(sessions, Options{Sink: rec, Clock: clock, SettleDelay: -1, Record: true})
	return m, clock, rec, sessions
}

// attach registers a terminal without starting its read pumps so tests can
// feed deliver directly.
func attach(m *Multiplexer, id string, bastion bool) (*terminal, *fakeStream) {
	st := newFakeStream()
	t := &terminal{
		id:         id,
		bastion:    bastion,
		stream:     st,
		started:    m.clock.Now(),
		scrollback: NewScrollbackBuffer(0),
		limiter:    NewRateLimiter(m.clock, MessageRateLimit, MessageRateBurst),
	}
	m.mu.Lock()
	m.terminals[id] = t
	m.mu.Unlock()
	return t, st
}

func shellData(rec *events.Recorder) []events.ShellOutput {
	var out []events.ShellOutput
	for _, e := range rec.OfType(events.ShellData) {
		out = append(out, e.Payload.(events.ShellOutput))
	}
	return out
}

func TestFlushDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{15, 0},
		{16, 10 * time.Millisecond},
		{255, 10 * time.Millisecond},
		{256, 30 * time.Millisecond},
		{1023, 30 * time.Millisecond},
		{1024, 50 * time.Millisecond},
		{1 << 20, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := FlushDelay(tt.n); got != tt.want {
			t.Errorf("FlushDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestSmallOutputFlushesImmediately(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.deliver(term, []byte("123456789012345"))

	data := shellData(rec)
	if len(data) != 1 {
		t.Fatalf("expected 1 event, got %d", len(data))
	}
	if data[0].Text != "123456789012345" || data[0].Marker != "" {
		t.Errorf("unexpected event %+v", data[0])
	}
	if clock.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestBufferedOutputWaitsForDelay(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.deliver(term, bytes.Repeat([]byte("x"), 16))
	clock.Advance(9 * time.Millisecond)
	if n := len(shellData(rec)); n != 0 {
		t.Fatalf("flushed too early: %d events", n)
	}
	clock.Advance(time.Millisecond)
	data := shellData(rec)
	if len(data) != 1 || len(data[0].Raw) != 16 {
		t.Fatalf("expected one 16-byte flush, got %+v", data)
	}
}

func TestRescheduleUsesGrownBuffer(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.deliver(term, bytes.Repeat([]byte("a"), 20))
	clock.Advance(5 * time.Millisecond)
	m.deliver(term, bytes.Repeat([]byte("b"), 300))

	// The 10ms timer was replaced by a 30ms one armed at 5ms.
	clock.Advance(10 * time.Millisecond)
	if n := len(shellData(rec)); n != 0 {
		t.Fatalf("stale timer flushed: %d events", n)
	}
	clock.Advance(20 * time.Millisecond)
	data := shellData(rec)
	if len(data) != 1 {
		t.Fatalf("expected 1 event, got %d", len(data))
	}
	want := strings.Repeat("a", 20) + strings.Repeat("b", 300)
	if data[0].Text != want {
		t.Errorf("output out of order or incomplete: %q", data[0].Text)
	}
	if clock.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestMarkedCommandCapturedUntilIdle(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, st := attach(m, "s1", false)

	m.Write(WriteRequest{ID: "s1", Data: "ls\r", Marker: "m1"})
	if st.Written() != "ls\r" {
		t.Fatalf("stream got %q", st.Written())
	}

	m.deliver(term, []byte("a"))
	clock.Advance(100 * time.Millisecond)
	m.deliver(term, []byte("b"))
	clock.Advance(199 * time.Millisecond)
	if n := len(shellData(rec)); n != 0 {
		t.Fatalf("capture delivered before idle timeout: %d events", n)
	}
	clock.Advance(time.Millisecond)

	data := shellData(rec)
	if len(data) != 1 {
		t.Fatalf("expected 1 event, got %d", len(data))
	}
	if data[0].Text != "ab" || data[0].Marker != "m1" {
		t.Errorf("unexpected capture %+v", data[0])
	}

	// Output after the capture goes back to normal buffering.
	m.deliver(term, []byte("x"))
	data = shellData(rec)
	if len(data) != 2 || data[1].Marker != "" || data[1].Text != "x" {
		t.Errorf("unexpected follow-up %+v", data)
	}
}

func TestNewMarkerDiscardsPrevious(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.Write(WriteRequest{ID: "s1", Data: "a\r", Marker: "m1"})
	m.deliver(term, []byte("old"))
	m.Write(WriteRequest{ID: "s1", Data: "b\r", Marker: "m2"})
	m.deliver(term, []byte("new"))
	clock.Advance(MarkedIdleTimeout)

	data := shellData(rec)
	if len(data) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(data), data)
	}
	if data[0].Marker != "m2" || data[0].Text != "new" {
		t.Errorf("unexpected capture %+v", data[0])
	}
}

func TestBastionPassthroughMarker(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", true)

	m.Write(WriteRequest{ID: "s1", Data: "top\r", Marker: PassthroughMarker})
	m.deliver(term, []byte("chunk one"))
	m.deliver(term, []byte("chunk two"))

	data := shellData(rec)
	if len(data) != 2 {
		t.Fatalf("expected 2 events, got %d", len(data))
	}
	for i, want := range []string{"chunk one", "chunk two"} {
		if data[i].Text != want || data[i].Marker != PassthroughMarker {
			t.Errorf("event %d = %+v", i, data[i])
		}
	}
	if clock.Pending() != 0 {
		t.Errorf("passthrough armed %d timers", clock.Pending())
	}
}

func TestPassthroughMarkerCapturesOnStandardSessions(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.Write(WriteRequest{ID: "s1", Data: "top\r", Marker: PassthroughMarker})
	m.deliver(term, []byte("one"))
	m.deliver(term, []byte("two"))
	if n := len(shellData(rec)); n != 0 {
		t.Fatalf("expected capture, got %d events", n)
	}
	clock.Advance(MarkedIdleTimeout)
	data := shellData(rec)
	if len(data) != 1 || data[0].Text != "onetwo" {
		t.Errorf("unexpected %+v", data)
	}
}

func TestBastionCaptureEndsOnMarker(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", true)

	m.Write(WriteRequest{ID: "s1", Data: "ls; echo __END__\r", Marker: "__END__"})
	m.deliver(term, []byte("file\n"))
	if n := len(shellData(rec)); n != 0 {
		t.Fatalf("completed early: %d events", n)
	}
	m.deliver(term, []byte("__END__\n"))

	data := shellData(rec)
	if len(data) != 1 {
		t.Fatalf("expected 1 event, got %d", len(data))
	}
	if data[0].Text != "file\n__END__\n" || data[0].Marker != "__END__" {
		t.Errorf("unexpected capture %+v", data[0])
	}
	clock.Advance(time.Second)
	if n := len(shellData(rec)); n != 1 {
		t.Errorf("idle timer fired after completion: %d events", n)
	}
}

func TestInterceptorTerminate(t *testing.T) {
	m, _, rec, sessions := newTestMux(t)
	icpt := &fakeInterceptor{verdict: Verdict{Terminate: true, Reply: []byte("q\r")}}
	m.SetInterceptor(icpt)
	term, st := attach(m, "s1", true)

	m.Write(WriteRequest{ID: "s1", Data: "exit\r", LineCommand: "exit"})
	m.deliver(term, []byte("[Host]>"))

	if got := st.Written(); got != "exit\rq\r" {
		t.Errorf("stream got %q", got)
	}
	if !st.closed {
		t.Error("stream not closed")
	}
	if len(sessions.terminated) != 1 || sessions.terminated[0] != "s1" {
		t.Errorf("terminated = %v", sessions.terminated)
	}
	if len(shellData(rec)) != 0 {
		t.Error("menu text forwarded to the UI")
	}
	if len(icpt.writes) != 1 || icpt.writes[0] != "exit\r" {
		t.Errorf("interceptor writes = %v", icpt.writes)
	}
}

func TestInterceptorDrop(t *testing.T) {
	m, _, rec, _ := newTestMux(t)
	m.SetInterceptor(&fakeInterceptor{verdict: Verdict{Drop: true}})
	term, _ := attach(m, "s1", true)

	m.deliver(term, []byte("hidden"))
	if n := len(shellData(rec)); n != 0 {
		t.Errorf("dropped output delivered: %d events", n)
	}
}

func TestInterceptorIgnoredOnStandardSessions(t *testing.T) {
	m, _, rec, sessions := newTestMux(t)
	m.SetInterceptor(&fakeInterceptor{verdict: Verdict{Terminate: true}})
	term, _ := attach(m, "s1", false)

	m.deliver(term, []byte("[Host]>"))
	if n := len(shellData(rec)); n != 1 {
		t.Errorf("expected output delivered, got %d events", n)
	}
	if len(sessions.terminated) != 0 {
		t.Error("standard session terminated")
	}
}

func TestWriteBinaryIsLatin1(t *testing.T) {
	m, _, _, _ := newTestMux(t)
	_, st := attach(m, "s1", false)

	m.Write(WriteRequest{ID: "s1", Data: "ÿ\u0001A", Binary: true})
	if got := []byte(st.Written()); !bytes.Equal(got, []byte{0xff, 0x01, 'A'}) {
		t.Errorf("stream got % x", got)
	}
}

func TestLargeWriteIsSplit(t *testing.T) {
	m, _, _, _ := newTestMux(t)
	_, st := attach(m, "s1", false)

	payload := strings.Repeat("x", MaxInputMessageSize+6*1024)
	if err := m.Write(WriteRequest{ID: "s1", Data: payload}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if st.Written() != payload {
		t.Errorf("stream got %d bytes, want %d", len(st.Written()), len(payload))
	}
	if st.writes != 2 {
		t.Errorf("expected 2 stream writes, got %d", st.writes)
	}
}

func TestWriteRateLimitReportsError(t *testing.T) {
	m, _, _, _ := newTestMux(t)
	_, st := attach(m, "s1", false)

	var rejected int
	for i := 0; i < MessageRateBurst+50; i++ {
		if err := m.Write(WriteRequest{ID: "s1", Data: "a"}); err != nil {
			if !sessionerr.Is(err, sessionerr.RateLimited) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			rejected++
		}
	}
	if got := len(st.Written()); got != MessageRateBurst {
		t.Errorf("stream got %d writes, want %d", got, MessageRateBurst)
	}
	if rejected != 50 {
		t.Errorf("rejected %d writes, want 50", rejected)
	}
}

func TestWriteToClosedStreamReportsError(t *testing.T) {
	m, _, _, _ := newTestMux(t)
	_, st := attach(m, "s1", false)
	st.Close()

	if err := m.Write(WriteRequest{ID: "s1", Data: "ls\r"}); !sessionerr.Is(err, sessionerr.TransportError) {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestDiscardedCaptureNotPublishedByWaitingTimer(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.Write(WriteRequest{ID: "s1", Data: "a\r", Marker: "m1"})
	m.deliver(term, []byte("old"))

	// Fire the idle timer while the terminal is locked so its callback
	// waits, then replace the capture before letting it run.
	term.mu.Lock()
	advanced := make(chan struct{})
	go func() {
		clock.Advance(MarkedIdleTimeout)
		close(advanced)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for clock.Pending() != 0 {
		if time.Now().After(deadline) {
			term.mu.Unlock()
			t.Fatal("idle timer never fired")
		}
		time.Sleep(time.Millisecond)
	}
	m.replaceCaptureLocked(term, "m2")
	term.mu.Unlock()
	<-advanced

	for _, d := range shellData(rec) {
		if d.Marker == "m1" {
			t.Fatalf("discarded capture published: %+v", d)
		}
	}

	m.deliver(term, []byte("new"))
	clock.Advance(MarkedIdleTimeout)
	data := shellData(rec)
	if len(data) != 1 || data[0].Marker != "m2" || data[0].Text != "new" {
		t.Errorf("unexpected events: %+v", data)
	}
}

func TestFlushPreservesOrderAcrossChunks(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	rng := rand.New(rand.NewSource(42))
	var want strings.Builder
	for i := 0; i < 500; i++ {
		chunk := make([]byte, 1+rng.Intn(700))
		for j := range chunk {
			chunk[j] = byte('a' + rng.Intn(26))
		}
		want.Write(chunk)
		m.deliver(term, chunk)
		clock.Advance(time.Duration(rng.Intn(60)) * time.Millisecond)
	}
	clock.Advance(time.Second)

	var got strings.Builder
	for _, d := range shellData(rec) {
		got.WriteString(d.Text)
	}
	if got.String() != want.String() {
		t.Errorf("flushed output differs from input: got %d bytes, want %d", got.Len(), want.Len())
	}
	if clock.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", clock.Pending())
	}
}

func TestReplacedTerminalClosesSilently(t *testing.T) {
	m, _, rec, _ := newTestMux(t)
	old, _ := attach(m, "s1", false)
	current, _ := attach(m, "s1", false)

	m.finish(old)
	if n := len(rec.OfType(events.ShellClose)); n != 0 {
		t.Errorf("replaced stream announced close: %d events", n)
	}
	if m.lookup("s1") != current {
		t.Error("reopened terminal was unregistered")
	}

	m.finish(current)
	if n := len(rec.OfType(events.ShellClose)); n != 1 {
		t.Errorf("expected one close event, got %d", n)
	}
}

func TestInterceptorReplyWritten(t *testing.T) {
	m, _, rec, _ := newTestMux(t)
	m.SetInterceptor(&fakeInterceptor{verdict: Verdict{Reply: []byte("y\r")}})
	term, st := attach(m, "s1", true)

	m.deliver(term, []byte("continue?"))
	if st.Written() != "y\r" {
		t.Errorf("reply = %q", st.Written())
	}
	if n := len(shellData(rec)); n != 1 {
		t.Errorf("expected output forwarded, got %d events", n)
	}
}

func TestWriteUnknownSession(t *testing.T) {
	m, _, rec, _ := newTestMux(t)
	m.Write(WriteRequest{ID: "missing", Data: "ls\r"})
	if n := len(rec.Events()); n != 0 {
		t.Errorf("unexpected events: %d", n)
	}
}

func TestResize(t *testing.T) {
	m, _, _, _ := newTestMux(t)

	if _, err := m.Resize("missing", 80, 24); !sessionerr.Is(err, sessionerr.NotFound) || !strings.Contains(err.Error(), "shell not found") {
		t.Errorf("expected shell not found, got %v", err)
	}

	_, st := attach(m, "s1", false)
	if _, err := m.Resize("s1", 0, 24); !sessionerr.Is(err, sessionerr.InvalidRequest) {
		t.Errorf("expected invalid request, got %v", err)
	}
	msg, err := m.Resize("s1", 1000, 50)
	if err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if msg != "Window size set to 500x50" {
		t.Errorf("message = %q", msg)
	}
	if len(st.sizes) != 1 || st.sizes[0] != [2]int{500, 50} {
		t.Errorf("sizes = %v", st.sizes)
	}
}

func TestFinishFlushesAndCloses(t *testing.T) {
	m, clock, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.deliver(term, bytes.Repeat([]byte("z"), 40))
	m.finish(term)

	data := shellData(rec)
	if len(data) != 1 || len(data[0].Raw) != 40 {
		t.Fatalf("pending output not flushed: %+v", data)
	}
	if n := len(rec.OfType(events.ShellClose)); n != 1 {
		t.Errorf("expected one close event, got %d", n)
	}
	if _, _, ok := m.Scrollback("s1", 0); ok {
		t.Error("terminal still registered")
	}
	clock.Advance(time.Second)
	if n := len(shellData(rec)); n != 1 {
		t.Errorf("timer fired after close: %d events", n)
	}
}

func TestFinishCompletesCapture(t *testing.T) {
	m, _, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.Write(WriteRequest{ID: "s1", Data: "x\r", Marker: "m1"})
	m.deliver(term, []byte("partial"))
	m.finish(term)

	data := shellData(rec)
	if len(data) != 1 || data[0].Marker != "m1" || data[0].Text != "partial" {
		t.Errorf("unexpected %+v", data)
	}
}

func TestInvalidUTF8IsReplaced(t *testing.T) {
	m, _, rec, _ := newTestMux(t)
	term, _ := attach(m, "s1", false)

	m.deliver(term, []byte{'o', 'k', 0xff})
	data := shellData(rec)
	if len(data) != 1 || data[0].Text != "ok�" {
		t.Errorf("unexpected %+v", data)
	}
	if !bytes.Equal(data[0].Raw, []byte{'o', 'k', 0xff}) {
		t.Errorf("raw bytes altered: % x", data[0].Raw)
	}
}

func TestOpenNotConnected(t *testing.T) {
	m, _, _, _ := newTestMux(t)
	_, err := m.Open(context.Background(), OpenRequest{ID: "missing"})
	if err == nil || !strings.Contains(err.Error(), "not connected to the server") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestOpenDeadConnection(t *testing.T) {
	m, _, _, sessions := newTestMux(t)
	sessions.handles["s1"] = &fakeHandle{alive: false}
	_, err := m.Open(context.Background(), OpenRequest{ID: "s1"})
	if err == nil || !strings.Contains(err.Error(), "connection disconnected, unable to start terminal") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestOpenFallsBackToExec(t *testing.T) {
	m, _, rec, sessions := newTestMux(t)
	h := &fakeHandle{alive: true, shellErr: errors.New("shell refused"), execOK: map[string]bool{"sh": true}}
	sessions.handles["s1"] = h

	res, err := m.Open(context.Background(), OpenRequest{ID: "s1"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if res.Mode != "exec" || res.Command != "sh" {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(h.execs, ",") != "bash,sh" {
		t.Errorf("fallback order = %v", h.execs)
	}

	h.stream.pw.Write([]byte("hi"))
	m.CloseSession("s1")
	waitFor(t, func() bool { return len(rec.OfType(events.ShellClose)) == 1 })
	if data := shellData(rec); len(data) != 1 || data[0].Text != "hi" {
		t.Errorf("unexpected output %+v", data)
	}
}

func TestOpenFallbackExhausted(t *testing.T) {
	m, _, _, sessions := newTestMux(t)
	sessions.handles["s1"] = &fakeHandle{alive: true, shellErr: errors.New("shell refused")}

	_, err := m.Open(context.Background(), OpenRequest{ID: "s1"})
	if !sessionerr.Is(err, sessionerr.RemoteOperationError) || !strings.Contains(err.Error(), "shell and exec run failed") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestOpenSettleDelayHonoursContext(t *testing.T) {
	sessions := newFakeSessions()
	sessions.handles["s1"] = &fakeHandle{alive: true}
	m := New(sessions, Options{Clock: NewManualClock(time.Now())})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Open(ctx, OpenRequest{ID: "s1"}); !sessionerr.Is(err, sessionerr.Timeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestRecordingExport(t *testing.T) {
	m, _, _, sessions := newTestMux(t)
	sessions.handles["s1"] = &fakeHandle{alive: true}

	if _, err := m.Open(context.Background(), OpenRequest{ID: "s1", Cols: 100, Rows: 30}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Write(WriteRequest{ID: "s1", Data: "ls\r"})
	cast, err := m.Recording("s1")
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	if !strings.Contains(string(cast), `"width":100`) || !strings.Contains(string(cast), `"i","ls\r"`) {
		t.Errorf("unexpected cast %s", cast)
	}
	m.CloseSession("s1")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
