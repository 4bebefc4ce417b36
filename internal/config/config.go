// Package config loads sessiond settings from the environment.
//
// Variables use the SESSIOND_ prefix, e.g. SESSIOND_LISTEN_ADDR. A .env file
// is read first when present; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "SESSIOND"

type Settings struct {
	ListenAddr string   `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8420"`
	AuthToken  string   `envconfig:"AUTH_TOKEN" default:""`
	AllowedIPs []string `envconfig:"ALLOWED_IPS" default:""`

	TLSEnabled  bool   `envconfig:"TLS_ENABLED" default:"false"`
	TLSCertFile string `envconfig:"TLS_CERT_FILE" default:""`
	TLSKeyFile  string `envconfig:"TLS_KEY_FILE" default:""`

	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	ProfilesPath string `envconfig:"PROFILES_PATH" default:""`

	LogPath   string `envconfig:"LOG_PATH" default:""`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Connection settings
	ProductName        string        `envconfig:"PRODUCT_NAME" default:"sessiond"`
	LegacyAlgorithms   bool          `envconfig:"LEGACY_ALGORITHMS" default:"true"`
	StrictHostKeys     bool          `envconfig:"STRICT_HOST_KEYS" default:"false"`
	KnownHostsPath     string        `envconfig:"KNOWN_HOSTS" default:""`
	AgentSocket        string        `envconfig:"AGENT_SOCKET" default:""`
	X11Display         string        `envconfig:"X11_DISPLAY" default:""`
	KeepAlive          time.Duration `envconfig:"KEEPALIVE" default:"30s"`
	DialTimeout        time.Duration `envconfig:"DIAL_TIMEOUT" default:"20s"`
	InteractiveTimeout time.Duration `envconfig:"INTERACTIVE_TIMEOUT" default:"300s"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`

	// Local sessions
	LocalEnabled bool   `envconfig:"LOCAL_ENABLED" default:"true"`
	LocalShell   string `envconfig:"LOCAL_SHELL" default:""`

	// Terminal session settings
	TerminalScrollback int  `envconfig:"TERMINAL_SCROLLBACK" default:"1000"`
	TerminalRecording  bool `envconfig:"TERMINAL_RECORDING" default:"false"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

// Load reads envFile (when it exists) and then the environment into Cfg.
// An empty envFile means ".env".
func Load(envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Validate checks values envconfig cannot.
func (s *Settings) Validate() error {
	switch s.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format %q (want console or json)", s.LogFormat)
	}
	if s.InteractiveTimeout <= 0 {
		return errors.New("interactive timeout must be positive")
	}
	if s.TerminalScrollback < 0 {
		return errors.New("terminal scrollback must not be negative")
	}
	return nil
}

// TLSFiles returns the certificate and key paths of the listener.
func (s *Settings) TLSFiles() (cert, key string) {
	cert, key = s.TLSCertFile, s.TLSKeyFile
	if cert == "" {
		cert = filepath.Join(s.DataPath, "tls.crt")
	}
	if key == "" {
		key = filepath.Join(s.DataPath, "tls.key")
	}
	return cert, key
}

// Database returns the audit database path.
func (s *Settings) Database() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "sessiond.db")
}
