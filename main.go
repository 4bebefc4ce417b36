// Package main is the entrypoint for the sessiond daemon.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluk-w/claworc/sessiond/internal/bastion"
	"github.com/gluk-w/claworc/sessiond/internal/bus"
	"github.com/gluk-w/claworc/sessiond/internal/config"
	"github.com/gluk-w/claworc/sessiond/internal/crypto"
	"github.com/gluk-w/claworc/sessiond/internal/database"
	"github.com/gluk-w/claworc/sessiond/internal/handlers"
	"github.com/gluk-w/claworc/sessiond/internal/logging"
	"github.com/gluk-w/claworc/sessiond/internal/middleware"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
	"github.com/gluk-w/claworc/sessiond/internal/sshfiles"
	"github.com/gluk-w/claworc/sessiond/internal/sshproxy"
	"github.com/gluk-w/claworc/sessiond/internal/sshterminal"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var envFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "sessiond - remote terminal session daemon",
	Long: `sessiond keeps SSH, bastion and local terminal sessions for a UI process.

The UI talks to it over a WebSocket message bus: connect, open shells,
run commands and move files. Configuration comes from SESSIOND_*
environment variables and an optional .env file.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path of an optional .env file")

	serveCmd.Flags().String("listen", "", "Listen address (overrides SESSIOND_LISTEN_ADDR)")
	keygenCmd.Flags().StringP("out", "o", "", "Private key path; the public key is written next to it with .pub")
	keygenCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 key pair for key authentication",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		pub, priv, err := transport.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(out), 0700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(out, priv, 0600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(out+".pub", pub, 0644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key pair written to %s and %s.pub\n", out, out)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := config.Load(envFile); err != nil {
		return err
	}
	cfg := config.Cfg
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}

	if err := logging.Init(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Path: cfg.LogPath}); err != nil {
		return err
	}
	defer logging.Close()

	allowed, err := middleware.ParseAllowedIPs(cfg.AllowedIPs)
	if err != nil {
		return fmt.Errorf("SESSIOND_ALLOWED_IPS: %w", err)
	}
	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.Database())
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close(db)
	auditor := sshaudit.NewAuditor(db, cfg.AuditRetentionDays)

	hostKeys, err := transport.HostKeyCallback(cfg.StrictHostKeys, cfg.KnownHostsPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	broadcaster := bus.NewBroadcaster()
	var local transport.Provider
	if cfg.LocalEnabled {
		local = transport.NewLocalProvider(cfg.LocalShell)
	}
	agentSocket := cfg.AgentSocket
	if agentSocket == "" {
		agentSocket = os.Getenv("SSH_AUTH_SOCK")
	}

	mgr := sshproxy.NewManager(sshproxy.Options{
		SSH:                transport.NewSSHProvider(),
		Local:              local,
		Sink:               broadcaster,
		Product:            cfg.ProductName,
		Version:            version,
		LegacyAlgorithms:   cfg.LegacyAlgorithms,
		KeepAlive:          cfg.KeepAlive,
		DialTimeout:        cfg.DialTimeout,
		HostKeyCallback:    hostKeys,
		AgentSocket:        agentSocket,
		X11Display:         cfg.X11Display,
		InteractiveTimeout: cfg.InteractiveTimeout,
		SweepInterval:      cfg.SweepInterval,
		Audit:              auditor,
		Metrics:            sshproxy.NewMetrics(reg),
	})

	mux := sshterminal.New(mgr, sshterminal.Options{
		Sink:           broadcaster,
		ScrollbackSize: cfg.TerminalScrollback,
		Record:         cfg.TerminalRecording,
		Audit:          auditor,
		Metrics:        sshterminal.NewMetrics(reg),
	})
	layer := bastion.New(bastion.ShellOpener(mgr), bastion.Options{})
	mux.SetInterceptor(layer)
	mgr.SetBastionExecutor(layer)
	mgr.AddReleaseHook(mux.CloseSession)
	mgr.AddReleaseHook(layer.Release)

	files := sshfiles.NewEngine(mgr, sshfiles.Options{Audit: auditor, Metrics: sshfiles.NewMetrics(reg)})

	dispatcher := bus.NewDispatcher(mgr, mux, files)
	dispatcher.SetProfiles(profiles)

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start pool sweeper: %w", err)
	}

	server := handlers.NewServer(handlers.Options{
		Dispatcher:  dispatcher,
		Broadcaster: broadcaster,
		Sessions:    mgr,
		Auditor:     auditor,
		DB:          db,
		Gatherer:    reg,
		Metrics:     handlers.NewMetrics(reg),
		AuthToken:   cfg.AuthToken,
		AllowedIPs:  allowed,
		Version:     version,
	})
	if cfg.AuthToken == "" {
		log.Warn().Msg("SESSIOND_AUTH_TOKEN is not set, the bus accepts any local client")
	}

	var tlsCert *tls.Certificate
	if cfg.TLSEnabled {
		certFile, keyFile := cfg.TLSFiles()
		if tlsCert, err = crypto.LoadOrGenerate(certFile, keyFile); err != nil {
			return err
		}
	}

	return serve(cmd.Context(), cfg.ListenAddr, server.Router(), tlsCert, mgr)
}

func serve(ctx context.Context, addr string, h http.Handler, cert *tls.Certificate, mgr *sshproxy.Manager) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cert != nil {
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}, MinVersion: tls.VersionTLS12}
	}

	if ctx == nil {
		ctx = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", version).Bool("tls", cert != nil).Msg("Server starting")
		var err error
		if cert != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-sigCtx.Done():
	case err := <-errc:
		mgr.Close()
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("Shutting down...")

	mgr.Stop()
	mgr.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}
