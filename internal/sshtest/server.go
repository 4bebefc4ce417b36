// Package sshtest runs an in-process SSH server for tests. It supports
// password, public key and keyboard-interactive authentication, PTY shells,
// exec requests and the sftp subsystem.
package sshtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecFunc handles an exec request and returns its exit status.
type ExecFunc func(command string, stdin io.Reader, stdout, stderr io.Writer) int

// ShellFunc drives an interactive shell. It returns when the shell exits.
type ShellFunc func(term string, ch io.ReadWriter)

// Options configures a Server.
type Options struct {
	User     string
	Password string
	// AuthorizedKey enables public key auth for this key.
	AuthorizedKey ssh.PublicKey
	// Interactive enables keyboard-interactive auth.
	Interactive func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error)
	// ServerVersion overrides the identification string.
	ServerVersion string

	Shell ShellFunc
	// RejectShell refuses "shell" requests.
	RejectShell bool
	Exec        ExecFunc
	// SFTPRoot enables the sftp subsystem rooted at this directory.
	SFTPRoot string
	// AcceptX11 replies true to x11-req.
	AcceptX11 bool
}

// Server is a running test server.
type Server struct {
	Host string
	Port int

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener

	accepted    atomic.Int32
	mu          sync.Mutex
	conns       []*ssh.ServerConn
	clientIdent []string
	done        chan struct{}
}

// Start launches a server on a loopback port and registers cleanup on t.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	hostSigner, err := hostKey()
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	s := &Server{opts: opts, done: make(chan struct{})}
	cfg := &ssh.ServerConfig{ServerVersion: opts.ServerVersion}
	if opts.Password != "" {
		cfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.userOK(conn) && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("password rejected")
		}
	}
	if opts.AuthorizedKey != nil {
		want := ssh.FingerprintSHA256(opts.AuthorizedKey)
		cfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.userOK(conn) && ssh.FingerprintSHA256(key) == want {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		}
	}
	if opts.Interactive != nil {
		cfg.KeyboardInteractiveCallback = opts.Interactive
	}
	cfg.AddHostKey(hostSigner)
	s.config = cfg

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	host, port, _ := net.SplitHostPort(listener.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go s.handleConn(netConn)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

func (s *Server) userOK(conn ssh.ConnMetadata) bool {
	return s.opts.User == "" || conn.User() == s.opts.User
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Accepted is the number of TCP connections accepted so far.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// ClientVersions lists the identification strings of authenticated clients.
func (s *Server) ClientVersions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clientIdent...)
}

// DropConnections closes every established connection, simulating a
// network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
	s.DropConnections()
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.clientIdent = append(s.clientIdent, string(sshConn.ClientVersion()))
	s.mu.Unlock()
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			// keepalive@openssh.com and friends
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

type exitStatusMsg struct {
	Status uint32
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	var (
		term   string
		hasPTY bool
		once   sync.Once
	)
	finish := func(code int) {
		once.Do(func() {
			ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(code)}))
			ch.CloseWrite()
			ch.Close()
		})
	}

	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if len(req.Payload) >= 4 {
				n := binary.BigEndian.Uint32(req.Payload[:4])
				if int(n)+4 <= len(req.Payload) {
					term = string(req.Payload[4 : 4+n])
				}
			}
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 8 {
				cols := binary.BigEndian.Uint32(req.Payload[0:4])
				rows := binary.BigEndian.Uint32(req.Payload[4:8])
				fmt.Fprintf(ch, "resize:%dx%d\n", cols, rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "x11-req":
			req.Reply(s.opts.AcceptX11, nil)

		case "shell":
			if s.opts.RejectShell {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			shell := s.opts.Shell
			if shell == nil {
				shell = EchoShell
			}
			go func() {
				shell(term, ch)
				finish(0)
			}()

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || s.opts.Exec == nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func(cmd string, pty bool) {
				var stderr io.Writer = ch.Stderr()
				if pty {
					stderr = ch
				}
				code := s.opts.Exec(cmd, ch, ch, stderr)
				finish(code)
			}(payload.Command, hasPTY)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || s.opts.SFTPRoot == "" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.opts.SFTPRoot))
				if err != nil {
					ch.Close()
					return
				}
				server.Serve()
				server.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	ch.Close()
}

// EchoShell writes a "$ " prompt and echoes each line back.
func EchoShell(_ string, ch io.ReadWriter) {
	io.WriteString(ch, "$ ")
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// OTP returns a keyboard-interactive callback that asks one question and
// accepts code as the answer.
func OTP(question, code string) func(ssh.ConnMetadata, ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
		answers, err := client("", "", []string{question}, []bool{false})
		if err != nil {
			return nil, err
		}
		if len(answers) == 1 && answers[0] == code {
			return &ssh.Permissions{}, nil
		}
		return nil, errors.New("wrong code")
	}
}
