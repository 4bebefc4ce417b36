package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

const (
	defaultKeepAlive     = 10 * time.Second
	defaultDialTimeout   = 15 * time.Second
	defaultRetryDelay    = 100 * time.Millisecond
	defaultProbeTimeout  = 30 * time.Second
	defaultSweepInterval = time.Minute
)

// Options configures a Manager.
type Options struct {
	// SSH creates connections for ssh and bastion sessions.
	SSH transport.Provider
	// Local creates local pseudo-terminal sessions. Nil disables them.
	Local transport.Provider
	Sink  events.Sink

	// Product and Version make up the client identification string.
	Product string
	Version string

	LegacyAlgorithms bool
	KeepAlive        time.Duration
	DialTimeout      time.Duration
	HostKeyCallback  ssh.HostKeyCallback
	AgentSocket      string
	X11Display       string

	InteractiveTimeout time.Duration
	RetryDelay         time.Duration
	ProbeTimeout       time.Duration
	SweepInterval      time.Duration

	Audit   *sshaudit.Auditor
	Metrics *Metrics
}

// BastionExecutor runs commands on bastion sessions, where exec channels
// are not available.
type BastionExecutor interface {
	Exec(ctx context.Context, id, command string) (*ExecResult, error)
}

// ReleaseHook is called with the session id when a session leaves its
// connection, before the connection is closed.
type ReleaseHook func(id string)

type session struct {
	id      string
	kind    Kind
	conn    *Connection
	host    string
	user    string
	started time.Time

	// Set by the probe. probeHandle is the probe's own connection and is
	// nil when the probe ran over the shared handle.
	files       transport.FileChannel
	filesErr    string
	probed      bool
	probeHandle transport.Handle
	probeCancel context.CancelFunc

	terminalState string
}

// Manager owns every connection and the sessions attached to them.
// Interactive-verified connections are pooled by host, port and user so
// later sessions to the same endpoint skip the prompt.
type Manager struct {
	opts    Options
	sink    events.Sink
	auth    *Authenticator
	audit   *sshaudit.Auditor
	metrics *Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	dialing  map[string]*Connection
	pool     map[string]*PoolEntry
	hooks    []ReleaseHook
	bastion  BastionExecutor

	states   *stateTracker
	eventLog *eventLog

	cron *cron.Cron
}

// NewManager creates a Manager. Call Start to run the pool sweeper.
func NewManager(opts Options) *Manager {
	if opts.SSH == nil {
		opts.SSH = transport.NewSSHProvider()
	}
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if opts.Product == "" {
		opts.Product = "sessiond"
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Manager{
		opts:     opts,
		sink:     opts.Sink,
		auth:     NewAuthenticator(opts.Sink, opts.InteractiveTimeout),
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		log:      log.With().Str("component", "sshproxy").Logger(),
		sessions: make(map[string]*session),
		dialing:  make(map[string]*Connection),
		pool:     make(map[string]*PoolEntry),
		states:   newStateTracker(),
		eventLog: newEventLog(),
	}
}

// Authenticator returns the keyboard-interactive machine, which the
// boundary adapter answers prompts through.
func (m *Manager) Authenticator() *Authenticator { return m.auth }

// AddReleaseHook registers fn to run whenever a session is released.
func (m *Manager) AddReleaseHook(fn ReleaseHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// SetBastionExecutor routes Exec on bastion sessions to b.
func (m *Manager) SetBastionExecutor(b BastionExecutor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bastion = b
}

// Connect attaches req.ID to a connection, reusing a pooled one when
// possible. An existing session with the same id is disconnected first.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = KindSSH
	}
	if _, ok := m.lookup(req.ID); ok {
		m.release(req.ID, "replaced by new connect")
	}

	if req.Kind == KindLocal {
		return m.connectLocal(ctx, req)
	}
	if req.Host == "" {
		return nil, sessionerr.New(sessionerr.InvalidRequest, "connect", "host is empty")
	}

	id := req.ID
	key := PoolKey(req.Host, req.port(), req.Username)
	m.states.setState(id, StateConnecting, "connect requested")

	if !req.DisableReuse {
		if conn := m.acquire(id, key, req); conn != nil {
			return m.attached(req, conn), nil
		}
	}

	if req.Credentials.empty() {
		return nil, m.fail(req, sessionerr.New(sessionerr.AuthenticationFailure, "connect", "no valid authentication method provided"))
	}

	cfg, closeAgent, err := m.transportConfig(req)
	if err != nil {
		return nil, m.fail(req, err)
	}
	conn := &Connection{Addr: cfg.Addr(), User: req.Username, refs: map[string]struct{}{id: {}}}
	m.mu.Lock()
	m.dialing[id] = conn
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.dialing[id] == conn {
			delete(m.dialing, id)
		}
		m.mu.Unlock()
	}()
	if !req.DisableInteractive {
		cfg.Interactive = m.prompter(ctx, id, conn)
	}

	m.auth.begin(id)
	var h transport.Handle
	// Every dial spends at most one interactive attempt, so the first dial
	// plus MaxInteractiveAttempts-1 retries covers the whole budget.
	backoff := retry.WithMaxRetries(MaxInteractiveAttempts-1, retry.NewConstant(m.opts.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		h, err = m.opts.SSH.Connect(ctx, cfg)
		if err == nil {
			m.auth.Resolve(id, true)
			return nil
		}
		if terminal := m.auth.Terminal(id); terminal != nil {
			return terminal
		}
		if errors.Is(err, transport.ErrAuthentication) && m.auth.Prompted(id) {
			if terminal := m.auth.reject(id); terminal != nil {
				m.eventLog.logEvent(id, EventAuthFailed, "interactive attempts exhausted")
				return terminal
			}
			m.auth.begin(id)
			m.eventLog.logEvent(id, EventAuthFailed, "interactive response rejected")
			m.log.Info().Str("id", id).Int("attempts", m.auth.Attempts(id)).Msg("interactive authentication rejected, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if closeAgent != nil {
			closeAgent()
		}
		m.auth.Forget(id)
		conn.setAuth(AuthFailed)
		return nil, m.fail(req, classifyConnectError(err))
	}

	interactive := m.auth.Prompted(id)
	conn.Handle = h
	conn.closer = h.Close
	conn.setAuth(AuthVerified)
	if closeAgent != nil {
		conn.closer = func() error {
			err := h.Close()
			closeAgent()
			return err
		}
	}

	s := &session{id: id, kind: req.Kind, conn: conn, host: conn.Addr, user: req.Username, started: time.Now()}
	m.mu.Lock()
	if interactive {
		conn.Key = key
		m.pool[key] = &PoolEntry{Conn: conn, Sessions: map[string]struct{}{id: {}}, InteractiveVerified: true}
		m.metrics.PoolSize.Set(float64(len(m.pool)))
	}
	m.sessions[id] = s
	m.metrics.Sessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	go m.watch(conn)

	if interactive {
		m.eventLog.logEvent(id, EventAuthSucceeded, "")
	}
	m.states.setState(id, StateConnected, "connected")
	m.eventLog.logEvent(id, EventConnected, conn.Addr)
	m.audit.LogConnection(id, conn.Addr, req.Username, false)
	m.metrics.Connects.WithLabelValues("new").Inc()
	m.log.Info().Str("id", id).Str("addr", logutil.SanitizeForLog(conn.Addr)).Bool("pooled", interactive).Msg("connection established")

	m.startProbe(s, &cfg)
	return &ConnectResult{ID: id, Status: "connected", Message: "Connection successful"}, nil
}

// acquire attaches id to the live pooled connection for key. A dead or
// unverified entry is purged and nil is returned.
func (m *Manager) acquire(id, key string, req ConnectRequest) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pool[key]
	if !ok {
		return nil
	}
	if !e.InteractiveVerified || !e.Conn.Handle.Alive() {
		delete(m.pool, key)
		m.metrics.PoolEvictions.Inc()
		m.metrics.PoolSize.Set(float64(len(m.pool)))
		m.eventLog.logEvent(id, EventPoolEvicted, key)
		return nil
	}
	conn := e.Conn
	e.Sessions[id] = struct{}{}
	conn.mu.Lock()
	conn.refs[id] = struct{}{}
	conn.mu.Unlock()
	m.sessions[id] = &session{id: id, kind: req.Kind, conn: conn, host: conn.Addr, user: req.Username, started: time.Now()}
	m.metrics.Sessions.Set(float64(len(m.sessions)))
	return conn
}

func (m *Manager) attached(req ConnectRequest, conn *Connection) *ConnectResult {
	id := req.ID
	m.states.setState(id, StateConnected, "reused pooled connection")
	m.eventLog.logEvent(id, EventReused, conn.Key)
	m.audit.LogConnection(id, conn.Addr, req.Username, true)
	m.metrics.Connects.WithLabelValues("reused").Inc()
	m.log.Info().Str("id", id).Str("key", logutil.SanitizeForLog(conn.Key)).Msg("reusing pooled connection")

	if s, ok := m.lookup(id); ok {
		m.startProbe(s, nil)
	}
	return &ConnectResult{ID: id, Status: "connected", Message: "Connection successful (reused)", Reused: true}
}

func (m *Manager) connectLocal(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if m.opts.Local == nil {
		return nil, sessionerr.New(sessionerr.InvalidRequest, "connect", "local sessions are disabled")
	}
	id := req.ID
	m.states.setState(id, StateConnecting, "local connect requested")
	h, err := m.opts.Local.Connect(ctx, transport.Config{})
	if err != nil {
		return nil, m.fail(req, sessionerr.Wrap(sessionerr.TransportError, "connect", err))
	}
	conn := &Connection{Handle: h, Addr: "local", User: req.Username, auth: AuthVerified, refs: map[string]struct{}{id: {}}, closer: h.Close}
	s := &session{id: id, kind: KindLocal, conn: conn, host: "local", user: req.Username, started: time.Now()}

	m.mu.Lock()
	m.sessions[id] = s
	m.metrics.Sessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	go m.watch(conn)
	m.states.setState(id, StateConnected, "local")
	m.eventLog.logEvent(id, EventConnected, "local")
	m.audit.LogConnection(id, "local", req.Username, false)
	m.metrics.Connects.WithLabelValues("new").Inc()

	m.startProbe(s, nil)
	return &ConnectResult{ID: id, Status: "connected", Message: "Connection successful"}, nil
}

// transportConfig builds the provider configuration for req. The returned
// closer, when non-nil, releases the agent socket.
func (m *Manager) transportConfig(req ConnectRequest) (transport.Config, func() error, error) {
	cfg := transport.Config{
		Host:             req.Host,
		Port:             req.port(),
		Username:         req.Username,
		Password:         req.Password,
		Passphrase:       req.Passphrase,
		Proxy:            req.Proxy,
		ClientVersion:    transport.ClientIdent(m.opts.Product, m.opts.Version, req.IdentToken),
		LegacyAlgorithms: m.opts.LegacyAlgorithms,
		HostKeyCallback:  m.opts.HostKeyCallback,
		KeepAlive:        m.opts.KeepAlive,
		DialTimeout:      m.opts.DialTimeout,
		X11Display:       m.opts.X11Display,
	}
	if req.PrivateKey != "" {
		cfg.PrivateKey = []byte(req.PrivateKey)
	}
	if !req.UseAgent {
		return cfg, nil, nil
	}
	ag, closeAgent, err := transport.DialAgent(m.opts.AgentSocket)
	if err != nil {
		if req.Password == "" && req.PrivateKey == "" {
			return cfg, nil, sessionerr.Wrapf(sessionerr.AuthenticationFailure, "connect", "ssh agent unavailable", err)
		}
		m.log.Warn().Err(err).Str("id", req.ID).Msg("ssh agent unavailable, continuing without it")
		return cfg, nil, nil
	}
	cfg.Agent = ag
	cfg.AgentForward = req.AgentForward
	return cfg, closeAgent, nil
}

// prompter wraps the authenticator's prompt callback with state tracking.
func (m *Manager) prompter(ctx context.Context, id string, conn *Connection) transport.InteractiveFunc {
	answer := m.auth.Prompter(ctx, id)
	return func(name, instruction string, prompts []transport.Prompt) ([]string, error) {
		conn.setAuth(AuthAwaitingInteractive)
		defer conn.setAuth(AuthPending)
		m.states.setState(id, StateAwaitingInteractive, "server requested keyboard-interactive")
		m.eventLog.logEvent(id, EventAuthPrompted, logutil.SanitizeForLog(promptSummary(prompts)))
		m.metrics.AuthPrompts.Inc()
		answers, err := answer(name, instruction, prompts)
		if err == nil {
			m.states.setState(id, StateConnecting, "interactive response sent")
		}
		return answers, err
	}
}

func classifyConnectError(err error) error {
	var se *sessionerr.Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, transport.ErrAuthentication) {
		return sessionerr.Wrapf(sessionerr.AuthenticationFailure, "connect", "authentication failed", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return sessionerr.Wrapf(sessionerr.Timeout, "connect", "connect cancelled", err)
	}
	return sessionerr.Wrap(sessionerr.TransportError, "connect", err)
}

func (m *Manager) fail(req ConnectRequest, err error) error {
	m.states.setState(req.ID, StateFailed, err.Error())
	m.eventLog.logEvent(req.ID, EventConnectFailed, logutil.SanitizeForLog(err.Error()))
	m.audit.LogConnectionFailed(req.ID, PoolKey(req.Host, req.port(), req.Username), req.Username, err.Error())
	m.metrics.Connects.WithLabelValues("failed").Inc()
	m.log.Warn().Err(err).Str("id", req.ID).Str("host", logutil.SanitizeForLog(req.Host)).Msg("connect failed")
	return err
}

// watch tears down every session of conn once its transport ends.
func (m *Manager) watch(conn *Connection) {
	<-conn.Handle.Done()

	m.mu.Lock()
	if conn.Key != "" {
		if e, ok := m.pool[conn.Key]; ok && e.Conn == conn {
			delete(m.pool, conn.Key)
			m.metrics.PoolEvictions.Inc()
			m.metrics.PoolSize.Set(float64(len(m.pool)))
		}
	}
	var ids []string
	for id, s := range m.sessions {
		if s.conn == conn {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.eventLog.logEvent(id, EventPoolEvicted, "transport closed")
		m.release(id, "transport closed")
	}
}

// Disconnect releases the session. The connection is closed when no other
// session uses it.
func (m *Manager) Disconnect(id string) Result {
	if !m.release(id, "disconnect requested") {
		return Result{Status: "warning", Message: "No active connection"}
	}
	return Result{Status: "success", Message: "Disconnected"}
}

// Terminate releases the session after a fatal stream condition, such as a
// bastion menu reached after exit.
func (m *Manager) Terminate(id, reason string) {
	m.release(id, reason)
}

func (m *Manager) release(id, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	conn := s.conn
	conn.mu.Lock()
	delete(conn.refs, id)
	last := len(conn.refs) == 0
	conn.mu.Unlock()
	if conn.Key != "" {
		if e, ok := m.pool[conn.Key]; ok && e.Conn == conn {
			delete(e.Sessions, id)
			if last {
				delete(m.pool, conn.Key)
			}
		}
	}
	hooks := make([]ReleaseHook, len(m.hooks))
	copy(hooks, m.hooks)
	probeCancel, files, probeHandle := s.probeCancel, s.files, s.probeHandle
	s.files, s.probeHandle = nil, nil
	m.metrics.Sessions.Set(float64(len(m.sessions)))
	m.metrics.PoolSize.Set(float64(len(m.pool)))
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
	if probeCancel != nil {
		probeCancel()
	}
	if files != nil {
		files.Close()
	}
	if probeHandle != nil {
		probeHandle.Close()
	}
	if last {
		conn.setAuth(AuthPending)
		if err := conn.closer(); err != nil {
			m.log.Debug().Err(err).Str("id", id).Msg("close connection")
		}
	}

	m.auth.Forget(id)
	m.states.setState(id, StateDisconnected, reason)
	m.eventLog.logEvent(id, EventDisconnected, reason)
	m.audit.LogDisconnection(id, s.host, s.user, reason, time.Since(s.started).Milliseconds())
	m.log.Info().Str("id", id).Str("reason", reason).Bool("closed", last).Msg("session released")
	return true
}

// AuthState reports the authentication state of the connection id is
// attached to or currently dialing.
func (m *Manager) AuthState(id string) (AuthState, bool) {
	m.mu.Lock()
	conn, ok := m.dialing[id]
	if s, attached := m.sessions[id]; attached {
		conn, ok = s.conn, true
	}
	m.mu.Unlock()
	if !ok {
		return AuthPending, false
	}
	return conn.Auth(), true
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Handle returns the transport handle the session is attached to.
func (m *Manager) Handle(id string) (transport.Handle, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, "session", fmt.Sprintf("no active connection for %s", id))
	}
	return s.conn.Handle, nil
}

// SessionKind returns the kind of the session, if it exists.
func (m *Manager) SessionKind(id string) (Kind, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return "", false
	}
	return s.kind, true
}

// Connection returns the connection a session is attached to.
func (m *Manager) Connection(id string) (*Connection, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, false
	}
	return s.conn, true
}

// Sessions returns the ids of all attached sessions.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// FileChannel returns the probed file channel of a session.
func (m *Manager) FileChannel(id string) (transport.FileChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.files == nil {
		return nil, sessionerr.New(sessionerr.ChannelUnavailable, "sftp", "sftp not connected")
	}
	return s.files, nil
}

// SFTPStatus reports whether the session has a file channel, with the probe
// error when it does not.
func (m *Manager) SFTPStatus(id string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, "no active connection"
	}
	if s.files != nil {
		return true, ""
	}
	if !s.probed {
		return false, "probe in progress"
	}
	return false, s.filesErr
}

// FileChannels lists the sessions with a file channel.
func (m *Manager) FileChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.files != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// RecordCommand stores a command typed into a session.
func (m *Manager) RecordCommand(id, command string) error {
	s, ok := m.lookup(id)
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "record-command", "no active connection")
	}
	m.eventLog.logEvent(id, EventCommand, logutil.SanitizeForLog(command))
	return m.audit.RecordCommand(id, s.host, command, time.Now())
}

// RecordTerminalState stores an opaque UI terminal state for a session.
func (m *Manager) RecordTerminalState(id, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return sessionerr.New(sessionerr.NotFound, "record-terminal-state", "no active connection")
	}
	s.terminalState = state
	return nil
}

// TerminalState returns the last state recorded for a session.
func (m *Manager) TerminalState(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.terminalState
	}
	return ""
}

// Close stops the sweeper and releases every session.
func (m *Manager) Close() {
	m.Stop()
	for _, id := range m.Sessions() {
		m.release(id, "shutdown")
	}
}
