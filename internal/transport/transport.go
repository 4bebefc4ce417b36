// Package transport is the connection capability the session layer is built
// on: connect to an endpoint, open shell and exec streams, and open a file
// channel. The SSH implementation wraps golang.org/x/crypto/ssh and
// github.com/pkg/sftp; a local pseudo-terminal implementation wraps
// github.com/creack/pty.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrAuthentication marks a connect failure caused by the server rejecting
// every offered authentication method.
var ErrAuthentication = errors.New("authentication failed")

// ErrUnsupported is returned by handles that cannot provide a capability.
var ErrUnsupported = errors.New("operation not supported by transport")

// ErrClosed is returned when operating on a closed handle.
var ErrClosed = errors.New("transport closed")

// Provider creates connections.
type Provider interface {
	Connect(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is one authenticated connection. Streams and file channels opened
// from it share its lifetime.
type Handle interface {
	OpenShell(ctx context.Context, opts ShellOptions) (Stream, error)
	// OpenExec runs command. When opts is non-nil a pseudo-terminal is
	// requested with those options.
	OpenExec(ctx context.Context, command string, opts *ShellOptions) (Stream, error)
	OpenFileChannel(ctx context.Context) (FileChannel, error)

	// Alive reports whether the underlying transport is still usable.
	Alive() bool
	// Done is closed when the transport closes or fails.
	Done() <-chan struct{}
	// Err returns the error that terminated the transport, if any.
	Err() error
	Close() error
}

// ShellOptions configures a pseudo-terminal.
type ShellOptions struct {
	Term           string
	Cols           int
	Rows           int
	DisplayForward bool
}

// Defaults fills unset fields.
func (o ShellOptions) Defaults() ShellOptions {
	if o.Term == "" {
		o.Term = "vt100"
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	return o
}

// Stream is a bidirectional byte stream attached to a remote process.
// Read returns stdout; Stderr returns the separate error stream, which is
// empty for pseudo-terminal streams.
type Stream interface {
	io.ReadWriter
	Stderr() io.Reader
	Resize(cols, rows int) error
	// Wait blocks until the remote process exits. The status is nil when
	// the remote side did not report one.
	Wait() (*ExitStatus, error)
	Close() error
}

// DisplayForwarder is implemented by shell streams that can report whether
// a display-forwarding request was accepted by the server.
type DisplayForwarder interface {
	DisplayForwarded() bool
}

// ExitStatus is the remote process outcome.
type ExitStatus struct {
	Code   int
	Signal string
}

// FileChannel is the subset of an SFTP session the file engine uses.
type FileChannel interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Chmod(path string, mode os.FileMode) error
	Remove(path string) error
	Rename(oldpath, newpath string) error
	Create(path string) (io.WriteCloser, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// Prompt is one keyboard-interactive question.
type Prompt struct {
	Text string
	Echo bool
}

// InteractiveFunc answers one keyboard-interactive round. Returning an error
// aborts the authentication attempt.
type InteractiveFunc func(name, instruction string, prompts []Prompt) ([]string, error)

// Config describes one connection.
type Config struct {
	Host     string
	Port     int
	Username string

	Password   string
	PrivateKey []byte
	Passphrase string
	// Agent, when set, offers the agent's keys for public key auth.
	Agent agent.Agent
	// AgentForward requests agent forwarding on every session.
	AgentForward bool
	Interactive  InteractiveFunc

	Proxy *ProxyConfig

	// ClientVersion is the identification string sent during the handshake.
	ClientVersion string
	// LegacyAlgorithms appends older key exchange and host key algorithms
	// after the secure defaults.
	LegacyAlgorithms bool
	HostKeyCallback  ssh.HostKeyCallback

	KeepAlive   time.Duration
	DialTimeout time.Duration

	// X11Display is the local display forwarded X11 channels connect to,
	// e.g. ":0". Empty disables channel forwarding.
	X11Display string
}

// Addr returns host:port.
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
