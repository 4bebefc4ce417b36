// Package bastion adapts jump-server sessions, which only offer an
// interactive menu shell, to the rest of the session layer. It runs one-shot
// commands by typing them into a dedicated shell stream between echo
// markers, and ends a session cleanly when the user exits back to the menu.
package bastion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
	"github.com/gluk-w/claworc/sessiond/internal/sshterminal"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

const (
	// DefaultExecTimeout bounds one synthetic exec.
	DefaultExecTimeout = 30 * time.Second

	// MenuPrompt is printed by the jump server when a target session ends.
	MenuPrompt = "[Host]>"

	markerPrefix     = "__SESSIOND_EXEC_END_"
	exitMarkerPrefix = "__SESSIOND_EXIT_CODE_"
)

var exitCommands = map[string]bool{"exit": true, "logout": true, "\x04": true}

// Opener opens the shell stream used for synthetic exec on a session.
type Opener func(ctx context.Context, id string) (transport.Stream, error)

// HandleSource resolves a session id to its connection.
type HandleSource interface {
	Handle(id string) (transport.Handle, error)
}

// ShellOpener opens a fresh pseudo-terminal shell on the session's
// connection.
func ShellOpener(src HandleSource) Opener {
	return func(ctx context.Context, id string) (transport.Stream, error) {
		h, err := src.Handle(id)
		if err != nil {
			return nil, err
		}
		return h.OpenShell(ctx, transport.ShellOptions{}.Defaults())
	}
}

// Options configures a Layer.
type Options struct {
	Clock   sshterminal.Clock
	Timeout time.Duration
}

type call struct {
	command    string
	marker     string
	exitMarker string
	buf        strings.Builder
	done       chan struct{}
	result     *sshproxy.ExecResult
	err        error
}

type execStream struct {
	id     string
	stream transport.Stream

	mu   sync.Mutex
	call *call
	dead bool
}

// Layer is the bastion emulation layer. It implements
// sshterminal.Interceptor for the interactive stream and
// sshproxy.BastionExecutor for exec.
type Layer struct {
	open    Opener
	clock   sshterminal.Clock
	timeout time.Duration
	log     zerolog.Logger

	mu          sync.Mutex
	lastCommand map[string]string
	streams     map[string]*execStream
	lastStamp   int64
}

// New creates a Layer that opens exec streams with open.
func New(open Opener, opts Options) *Layer {
	if opts.Clock == nil {
		opts.Clock = sshterminal.RealClock{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExecTimeout
	}
	return &Layer{
		open:        open,
		clock:       opts.Clock,
		timeout:     opts.Timeout,
		log:         log.With().Str("component", "bastion").Logger(),
		lastCommand: make(map[string]string),
		streams:     make(map[string]*execStream),
	}
}

// OnWrite remembers the last command typed into a bastion session.
func (l *Layer) OnWrite(id, data, lineCommand string, _ bool) {
	cmd := lineCommand
	if cmd == "" {
		cmd = strings.TrimSpace(data)
	}
	if cmd == "" {
		return
	}
	l.mu.Lock()
	l.lastCommand[id] = cmd
	l.mu.Unlock()
}

// OnOutput watches for the menu prompt after an exit command. When it shows
// up the menu is quit and the session terminated; the chunk is not shown.
func (l *Layer) OnOutput(id string, chunk []byte) sshterminal.Verdict {
	if !strings.Contains(string(chunk), MenuPrompt) {
		return sshterminal.Verdict{}
	}
	l.mu.Lock()
	last, ok := l.lastCommand[id]
	if ok && exitCommands[last] {
		delete(l.lastCommand, id)
	}
	l.mu.Unlock()
	if !ok || !exitCommands[last] {
		return sshterminal.Verdict{}
	}
	l.log.Info().Str("id", logutil.SanitizeForLog(id)).Msg("menu prompt after exit, quitting bastion session")
	return sshterminal.Verdict{Terminate: true, Reply: []byte("q\r")}
}

// Release drops all state for a session and closes its exec stream. It is
// registered as a connection manager release hook.
func (l *Layer) Release(id string) {
	l.mu.Lock()
	delete(l.lastCommand, id)
	es := l.streams[id]
	delete(l.streams, id)
	l.mu.Unlock()
	if es != nil {
		es.stream.Close()
	}
}

// stamp returns a timestamp unique within this layer.
func (l *Layer) stamp() int64 {
	ts := l.clock.Now().UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts <= l.lastStamp {
		ts = l.lastStamp + 1
	}
	l.lastStamp = ts
	return ts
}

func (l *Layer) execStream(ctx context.Context, id string) (*execStream, error) {
	l.mu.Lock()
	es := l.streams[id]
	l.mu.Unlock()
	if es != nil {
		return es, nil
	}

	st, err := l.open(ctx, id)
	if err != nil {
		return nil, err
	}
	es = &execStream{id: id, stream: st}

	l.mu.Lock()
	if cur := l.streams[id]; cur != nil {
		l.mu.Unlock()
		st.Close()
		return cur, nil
	}
	l.streams[id] = es
	l.mu.Unlock()

	go l.pump(es)
	l.log.Debug().Str("id", id).Msg("exec stream opened")
	return es, nil
}

func (l *Layer) pump(es *execStream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := es.stream.Read(buf)
		if n > 0 {
			es.feed(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.log.Debug().Err(err).Str("id", es.id).Msg("exec stream read ended")
			}
			break
		}
	}

	es.mu.Lock()
	es.dead = true
	if c := es.call; c != nil {
		es.finishLocked(c, &sshproxy.ExecResult{Stdout: c.buf.String(), Error: "exec stream closed"},
			sessionerr.New(sessionerr.TransportError, "exec", "exec stream closed"))
	}
	es.mu.Unlock()

	l.mu.Lock()
	if l.streams[es.id] == es {
		delete(l.streams, es.id)
	}
	l.mu.Unlock()
}

// feed appends output to the running call and completes it once both
// markers are present. Output with no call waiting is dropped.
func (es *execStream) feed(p []byte) {
	es.mu.Lock()
	defer es.mu.Unlock()
	c := es.call
	if c == nil {
		return
	}
	c.buf.Write(p)
	raw := c.buf.String()
	if !complete(raw, c.marker, c.exitMarker) {
		return
	}
	res, err := parse(raw, c.command, c.marker, c.exitMarker)
	es.finishLocked(c, res, err)
}

func (es *execStream) finish(c *call, res *sshproxy.ExecResult, err error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.finishLocked(c, res, err)
}

func (es *execStream) finishLocked(c *call, res *sshproxy.ExecResult, err error) {
	if es.call != c {
		return
	}
	es.call = nil
	c.result, c.err = res, err
	close(c.done)
}

// Exec runs command on a bastion session by typing it into the session's
// exec stream followed by two echo markers, then parsing the echoed
// output. Only one exec may run per session at a time.
func (l *Layer) Exec(ctx context.Context, id, command string) (*sshproxy.ExecResult, error) {
	es, err := l.execStream(ctx, id)
	if err != nil {
		msg := fmt.Sprintf("Failed to create exec stream: %v", err)
		return &sshproxy.ExecResult{Error: msg}, sessionerr.Wrapf(sessionerr.ChannelUnavailable, "exec", "failed to create exec stream", err)
	}

	ts := l.stamp()
	c := &call{
		command:    command,
		marker:     fmt.Sprintf("%s%d__", markerPrefix, ts),
		exitMarker: fmt.Sprintf("%s%d__", exitMarkerPrefix, ts),
		done:       make(chan struct{}),
	}

	es.mu.Lock()
	if es.dead {
		es.mu.Unlock()
		return &sshproxy.ExecResult{Error: "exec stream closed"}, sessionerr.New(sessionerr.TransportError, "exec", "exec stream closed")
	}
	if es.call != nil {
		es.mu.Unlock()
		return &sshproxy.ExecResult{Error: "another command is still running"},
			sessionerr.New(sessionerr.InvalidRequest, "exec", "another command is still running on this session")
	}
	es.call = c
	es.mu.Unlock()

	timer := l.clock.AfterFunc(l.timeout, func() {
		es.mu.Lock()
		partial := c.buf.String()
		es.mu.Unlock()
		msg := fmt.Sprintf("Command execution timeout (%s)", l.timeout)
		es.finish(c, &sshproxy.ExecResult{Stdout: partial, Error: msg}, sessionerr.New(sessionerr.Timeout, "exec", msg))
	})
	defer timer.Stop()

	full := fmt.Sprintf("%s; echo \"%s\"; echo \"%s$?\"\r", command, c.marker, c.exitMarker)
	if _, err := es.stream.Write([]byte(full)); err != nil {
		es.finish(c, &sshproxy.ExecResult{Error: err.Error()}, sessionerr.Wrap(sessionerr.RemoteOperationError, "exec", err))
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		es.finish(c, &sshproxy.ExecResult{Error: ctx.Err().Error()}, sessionerr.Wrap(sessionerr.Timeout, "exec", ctx.Err()))
		<-c.done
	}
	if c.err == nil {
		l.log.Debug().Str("id", id).Str("command", logutil.SanitizeForLog(command)).Int("exit", c.result.ExitCode).Msg("bastion exec finished")
	}
	return c.result, c.err
}
