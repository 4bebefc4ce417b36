package sshproxy

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

// chattyStream produces output on both streams until it is closed.
type chattyStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *chattyStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *chattyStream) Read(p []byte) (int, error) {
	if s.isClosed() {
		return 0, io.EOF
	}
	time.Sleep(100 * time.Microsecond)
	return copy(p, "x"), nil
}

func (s *chattyStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *chattyStream) Stderr() io.Reader           { return chattyReader{s} }
func (s *chattyStream) Resize(int, int) error       { return nil }

func (s *chattyStream) Wait() (*transport.ExitStatus, error) {
	return &transport.ExitStatus{}, nil
}

func (s *chattyStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type chattyReader struct{ s *chattyStream }

func (r chattyReader) Read(p []byte) (int, error) {
	if r.s.isClosed() {
		return 0, io.EOF
	}
	time.Sleep(100 * time.Microsecond)
	return copy(p, "e"), nil
}

type chattyHandle struct{ stream *chattyStream }

func (h *chattyHandle) OpenShell(context.Context, transport.ShellOptions) (transport.Stream, error) {
	return nil, transport.ErrUnsupported
}

func (h *chattyHandle) OpenExec(context.Context, string, *transport.ShellOptions) (transport.Stream, error) {
	return h.stream, nil
}

func (h *chattyHandle) OpenFileChannel(context.Context) (transport.FileChannel, error) {
	return nil, transport.ErrUnsupported
}
func (h *chattyHandle) Alive() bool           { return true }
func (h *chattyHandle) Done() <-chan struct{} { return nil }
func (h *chattyHandle) Err() error            { return nil }
func (h *chattyHandle) Close() error          { return nil }

func TestRunCommandTimeoutWaitsForOutput(t *testing.T) {
	h := &chattyHandle{stream: &chattyStream{}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	stdout, stderr, status, err := runCommand(ctx, h, "yes")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, status)
	assert.True(t, h.stream.isClosed())
	assert.Equal(t, strings.Repeat("x", len(stdout)), stdout)
	assert.Equal(t, strings.Repeat("e", len(stderr)), stderr)
}
