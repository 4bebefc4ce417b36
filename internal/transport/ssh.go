package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	// DefaultKeepAlive is how often keepalive@openssh.com requests are sent.
	DefaultKeepAlive = 10 * time.Second

	// defaultDialTimeout bounds the TCP dial, not the handshake. The handshake
	// is bounded by the caller's context because interactive prompts may keep
	// it open for minutes.
	defaultDialTimeout = 30 * time.Second
)

// SSHProvider connects over SSH.
type SSHProvider struct {
	log zerolog.Logger
}

// NewSSHProvider creates an SSHProvider.
func NewSSHProvider() *SSHProvider {
	return &SSHProvider{log: log.With().Str("component", "transport").Logger()}
}

// Connect dials cfg.Addr (through cfg.Proxy when set), performs the SSH
// handshake and authentication, and starts the keepalive loop.
func (p *SSHProvider) Connect(ctx context.Context, cfg Config) (Handle, error) {
	clientCfg, err := ClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	addr := cfg.Addr()

	netConn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	type handshakeResult struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	ch := make(chan handshakeResult, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
		ch <- handshakeResult{c, chans, reqs, err}
	}()

	var res handshakeResult
	select {
	case <-ctx.Done():
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
	case res = <-ch:
	}
	if res.err != nil {
		netConn.Close()
		return nil, classifyHandshakeError(addr, res.err)
	}

	client := ssh.NewClient(res.conn, res.chans, res.reqs)
	h := newSSHHandle(client, cfg, p.log.With().Str("addr", addr).Logger())

	if cfg.AgentForward && cfg.Agent != nil {
		if err := agent.ForwardToAgent(client, cfg.Agent); err != nil {
			h.log.Warn().Err(err).Msg("agent forwarding unavailable")
		} else {
			h.agentForward = true
		}
	}
	if cfg.X11Display != "" {
		if x11chans := client.HandleChannelOpen("x11"); x11chans != nil {
			go h.serveX11(x11chans, cfg.X11Display)
		}
	}

	go h.watch()
	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}
	if keepAlive > 0 {
		go h.keepalive(keepAlive)
	}

	h.log.Debug().Str("user", cfg.Username).Msg("ssh connected")
	return h, nil
}

// ClientConfig builds the x/crypto client configuration for cfg.
func ClientConfig(cfg Config) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if len(cfg.PrivateKey) > 0 {
		signer, err := ParsePrivateKey(cfg.PrivateKey, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Agent != nil {
		auth = append(auth, ssh.PublicKeysCallback(cfg.Agent.Signers))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.Interactive != nil {
		answer := cfg.Interactive
		auth = append(auth, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			// Servers may send informational rounds with no questions.
			if len(questions) == 0 {
				return []string{}, nil
			}
			prompts := make([]Prompt, len(questions))
			for i, q := range questions {
				prompts[i] = Prompt{Text: q, Echo: i < len(echos) && echos[i]}
			}
			return answer(name, instruction, prompts)
		}))
	}
	if len(auth) == 0 {
		return nil, errors.New("no valid authentication method provided")
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	c := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		ClientVersion:   cfg.ClientVersion,
		Timeout:         cfg.DialTimeout,
	}
	if cfg.LegacyAlgorithms {
		AppendLegacyAlgorithms(c)
	}
	return c, nil
}

func classifyHandshakeError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return fmt.Errorf("ssh handshake with %s: %w: %v", addr, ErrAuthentication, err)
	}
	return fmt.Errorf("ssh handshake with %s: %w", addr, err)
}

// sshHandle is a live SSH client connection.
type sshHandle struct {
	client *ssh.Client
	cfg    Config
	log    zerolog.Logger

	agentForward bool

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newSSHHandle(client *ssh.Client, cfg Config, logger zerolog.Logger) *sshHandle {
	return &sshHandle{
		client: client,
		cfg:    cfg,
		log:    logger,
		done:   make(chan struct{}),
	}
}

func (h *sshHandle) finish(err error) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// watch blocks until the transport ends.
func (h *sshHandle) watch() {
	err := h.client.Wait()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		h.finish(err)
		return
	}
	h.finish(nil)
}

// keepalive sends periodic keepalive requests and tears the connection down
// on the first failure so Done fires for every dependent.
func (h *sshHandle) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if _, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				h.log.Warn().Err(err).Msg("keepalive failed, closing connection")
				h.finish(fmt.Errorf("keepalive failed: %w", err))
				h.client.Close()
				return
			}
		}
	}
}

func (h *sshHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *sshHandle) Done() <-chan struct{} { return h.done }

func (h *sshHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *sshHandle) Close() error {
	err := h.client.Close()
	h.finish(nil)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// newSession opens a session channel, giving up when ctx ends.
func (h *sshHandle) newSession(ctx context.Context) (*ssh.Session, error) {
	if !h.Alive() {
		return nil, ErrClosed
	}
	type result struct {
		s   *ssh.Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := h.client.NewSession()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open ssh session: %w", r.err)
		}
		if h.agentForward {
			if err := agent.RequestAgentForwarding(r.s); err != nil {
				h.log.Debug().Err(err).Msg("agent forwarding request refused")
			}
		}
		return r.s, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.s != nil {
				r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

func (h *sshHandle) OpenShell(ctx context.Context, opts ShellOptions) (Stream, error) {
	opts = opts.Defaults()
	session, err := h.newSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, ptyModes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	forwarded := false
	if opts.DisplayForward {
		forwarded = requestX11(session)
		h.log.Debug().Bool("accepted", forwarded).Msg("x11 forwarding requested")
	}

	stream, err := attach(session)
	if err != nil {
		return nil, err
	}
	stream.displayForwarded = forwarded
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return stream, nil
}

func (h *sshHandle) OpenExec(ctx context.Context, command string, opts *ShellOptions) (Stream, error) {
	session, err := h.newSession(ctx)
	if err != nil {
		return nil, err
	}
	if opts != nil {
		o := opts.Defaults()
		if err := session.RequestPty(o.Term, o.Rows, o.Cols, ptyModes); err != nil {
			session.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}
	stream, err := attach(session)
	if err != nil {
		return nil, err
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return stream, nil
}

func (h *sshHandle) OpenFileChannel(ctx context.Context) (FileChannel, error) {
	if !h.Alive() {
		return nil, ErrClosed
	}
	type result struct {
		c   *sftp.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := sftp.NewClient(h.client)
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open sftp subsystem: %w", r.err)
		}
		return &sftpChannel{client: r.c}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// sshStream adapts an ssh.Session to Stream.
type sshStream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	displayForwarded bool
	closeOnce        sync.Once
}

func attach(session *ssh.Session) (*sshStream, error) {
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return &sshStream{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (s *sshStream) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *sshStream) Stderr() io.Reader           { return s.stderr }
func (s *sshStream) DisplayForwarded() bool      { return s.displayForwarded }

// Resize forwards a window-change request. Note the argument order of
// WindowChange is (rows, cols).
func (s *sshStream) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshStream) Wait() (*ExitStatus, error) {
	return exitStatus(s.session.Wait())
}

func (s *sshStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

func exitStatus(err error) (*ExitStatus, error) {
	if err == nil {
		return &ExitStatus{Code: 0}, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitStatus{Code: exitErr.ExitStatus(), Signal: exitErr.Signal()}, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return nil, nil
	}
	return nil, err
}

type x11Request struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

func requestX11(session *ssh.Session) bool {
	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return false
	}
	ok, err := session.SendRequest("x11-req", true, ssh.Marshal(&x11Request{
		AuthProtocol: "MIT-MAGIC-COOKIE-1",
		AuthCookie:   hex.EncodeToString(cookie),
	}))
	return err == nil && ok
}

// serveX11 bridges forwarded X11 channels to the local display socket.
func (h *sshHandle) serveX11(chans <-chan ssh.NewChannel, display string) {
	sock := x11Socket(display)
	for nc := range chans {
		local, err := net.Dial("unix", sock)
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, "x11 display unavailable")
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			local.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go func() {
			defer ch.Close()
			defer local.Close()
			go io.Copy(ch, local)
			io.Copy(local, ch)
		}()
	}
}

// x11Socket maps ":0" or "localhost:1.0" to the display's unix socket.
func x11Socket(display string) string {
	n := display
	if i := strings.LastIndex(n, ":"); i >= 0 {
		n = n[i+1:]
	}
	if i := strings.Index(n, "."); i >= 0 {
		n = n[:i]
	}
	if n == "" {
		n = "0"
	}
	return "/tmp/.X11-unix/X" + n
}
