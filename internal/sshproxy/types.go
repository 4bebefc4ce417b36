package sshproxy

import (
	"fmt"
	"sync"

	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

// Kind selects how a session reaches its target.
type Kind string

const (
	KindSSH     Kind = "ssh"
	KindBastion Kind = "bastion"
	KindLocal   Kind = "local"
)

// Credentials are the authentication inputs of a connect request.
type Credentials struct {
	Password     string `json:"password,omitempty"`
	PrivateKey   string `json:"privateKey,omitempty"`
	Passphrase   string `json:"passphrase,omitempty"`
	UseAgent     bool   `json:"useAgent,omitempty"`
	AgentForward bool   `json:"agentForward,omitempty"`
}

func (c Credentials) empty() bool {
	return c.Password == "" && c.PrivateKey == "" && !c.UseAgent
}

// ConnectRequest asks for a session to be attached to a connection.
type ConnectRequest struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"sshType,omitempty"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Credentials
	Proxy *transport.ProxyConfig `json:"proxyConfig,omitempty"`
	// IdentToken is appended to the client identification as _t=<token>.
	IdentToken string `json:"identToken,omitempty"`

	// DisableInteractive stops keyboard-interactive from being offered.
	DisableInteractive bool `json:"disableInteractive,omitempty"`
	// DisableReuse forces a new connection even when the pool holds one.
	DisableReuse bool `json:"disableReuse,omitempty"`
}

func (r ConnectRequest) port() int {
	if r.Port == 0 {
		return 22
	}
	return r.Port
}

// ConnectResult is returned by a successful connect.
type ConnectResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Reused  bool   `json:"reused"`
}

// Result is the status/message pair returned by operations that never fail
// across the boundary.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ExecResult is the outcome of a one-shot command.
type ExecResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	ExitSignal string `json:"exitSignal,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SystemInfo is the parsed output of the system info script.
type SystemInfo struct {
	OSVersion    string `json:"osVersion"`
	DefaultShell string `json:"defaultShell"`
	HomeDir      string `json:"homeDir"`
	Hostname     string `json:"hostName"`
	Username     string `json:"userName"`
	SudoAllowed  bool   `json:"sudoPermission"`
}

// AuthState is the authentication state of a Connection.
type AuthState int

const (
	AuthPending AuthState = iota
	AuthAwaitingInteractive
	AuthVerified
	AuthFailed
)

// PoolKey identifies reusable connections.
func PoolKey(host string, port int, user string) string {
	return fmt.Sprintf("%s:%d:%s", host, port, user)
}

// Connection is one live transport shared by one or more sessions.
type Connection struct {
	Handle transport.Handle
	// Key is the pool key, empty when the connection is not pooled.
	Key  string
	Addr string
	User string

	mu     sync.Mutex
	auth   AuthState
	caps   events.Capabilities
	refs   map[string]struct{}
	closer func() error
}

// Auth returns the connection's authentication state.
func (c *Connection) Auth() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *Connection) setAuth(st AuthState) {
	c.mu.Lock()
	c.auth = st
	c.mu.Unlock()
}

// Capabilities returns the last probe snapshot.
func (c *Connection) Capabilities() events.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *Connection) setCapabilities(caps events.Capabilities) {
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
}

// PoolEntry is a connection verified through keyboard-interactive auth,
// kept for reuse by later sessions to the same endpoint.
type PoolEntry struct {
	Conn                *Connection
	Sessions            map[string]struct{}
	InteractiveVerified bool
}

// PoolInfo is a snapshot of a pool entry.
type PoolInfo struct {
	Key      string   `json:"key"`
	Sessions []string `json:"sessions"`
	Alive    bool     `json:"alive"`
}
