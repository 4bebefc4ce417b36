package sshproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

// commandListScript prints every command, builtin and alias the remote
// shell knows, one per line.
const commandListScript = `sh -c 'if command -v bash >/dev/null 2>&1; then bash -lc "compgen -A builtin; compgen -A command"; bash -ic "compgen -A alias" 2>/dev/null; else IFS=:; for d in $PATH; do [ -d "$d" ] || continue; for f in "$d"/*; do [ -x "$f" ] && printf "%s\\n" "${f##*/}"; done; done; fi' | sort -u`

const sudoCheckScript = `sudo -n true 2>/dev/null && echo true || echo false`

const systemInfoScript = `uname -a | sed 's/^/OS_VERSION:/' && echo "DEFAULT_SHELL:$SHELL" && echo "HOME_DIR:$HOME" && hostname | sed 's/^/HOSTNAME:/' && whoami | sed 's/^/USERNAME:/' && (sudo -n true 2>/dev/null && echo "SUDO_CHECK:has sudo permission" || echo "SUDO_CHECK:no sudo permission")`

// startProbe runs the capability probe in the background. With cfg set a
// second connection is opened for it; otherwise the session's own handle
// is used.
func (m *Manager) startProbe(s *session, cfg *transport.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
	m.mu.Lock()
	s.probeCancel = cancel
	m.mu.Unlock()

	if s.kind == KindBastion {
		go func() {
			defer cancel()
			m.finishProbe(s, nil, events.Capabilities{SFTPError: "file channel not available on bastion sessions"}, nil)
		}()
		return
	}

	go func() {
		defer cancel()
		start := time.Now()

		h := s.conn.Handle
		var own transport.Handle
		if cfg != nil {
			pc := *cfg
			pc.Interactive = m.auth.Replayer(s.id)
			pc.AgentForward = false
			pc.X11Display = ""
			ph, err := m.opts.SSH.Connect(ctx, pc)
			if err != nil {
				m.log.Warn().Err(err).Str("id", s.id).Msg("probe connection failed")
				m.finishProbe(s, nil, events.Capabilities{SFTPError: err.Error()}, nil)
				return
			}
			h, own = ph, ph
		}

		caps, files := probe(ctx, h)
		m.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
		m.finishProbe(s, files, caps, own)
	}()
}

// probe checks the file channel, the command list and sudo in parallel.
// Each check records its own failure, so none of them aborts the others.
func probe(ctx context.Context, h transport.Handle) (events.Capabilities, transport.FileChannel) {
	var (
		caps  events.Capabilities
		files transport.FileChannel
		g     errgroup.Group
	)
	g.Go(func() error {
		fc, err := h.OpenFileChannel(ctx)
		if err == nil {
			if _, err = fc.ReadDir("."); err != nil {
				fc.Close()
			}
		}
		if err != nil {
			caps.SFTPError = err.Error()
			return nil
		}
		files = fc
		caps.SFTPAvailable = true
		return nil
	})
	g.Go(func() error {
		stdout, stderr, _, err := runCommand(ctx, h, commandListScript)
		if err != nil || stderr != "" {
			return nil
		}
		caps.AvailableCommands = splitLines(stdout)
		return nil
	})
	g.Go(func() error {
		stdout, _, _, err := runCommand(ctx, h, sudoCheckScript)
		caps.SudoAvailable = err == nil && strings.TrimSpace(stdout) == "true"
		return nil
	})
	g.Wait()
	if caps.AvailableCommands == nil {
		caps.AvailableCommands = []string{}
	}
	return caps, files
}

// finishProbe stores the probe outcome and publishes connect:data once. If
// the session went away meanwhile, the probe's resources are closed.
func (m *Manager) finishProbe(s *session, files transport.FileChannel, caps events.Capabilities, own transport.Handle) {
	m.mu.Lock()
	current, ok := m.sessions[s.id]
	live := ok && current == s
	if live {
		s.files = files
		s.filesErr = caps.SFTPError
		s.probed = true
		s.probeHandle = own
	}
	m.mu.Unlock()

	m.auth.DropCached(s.id)
	if !live {
		if files != nil {
			files.Close()
		}
		if own != nil {
			own.Close()
		}
		return
	}

	s.conn.setCapabilities(caps)
	m.sink.Publish(events.Event{Type: events.ConnectData, ID: s.id, Payload: caps})
	m.eventLog.logEvent(s.id, EventProbeCompleted, fmt.Sprintf("sftp=%t sudo=%t commands=%d", caps.SFTPAvailable, caps.SudoAvailable, len(caps.AvailableCommands)))
	m.log.Debug().Str("id", s.id).Bool("sftp", caps.SFTPAvailable).Bool("sudo", caps.SudoAvailable).Msg("probe completed")
}

// runCommand executes command on an exec channel and collects both output
// streams.
func runCommand(ctx context.Context, h transport.Handle, command string) (string, string, *transport.ExitStatus, error) {
	st, err := h.OpenExec(ctx, command, nil)
	if err != nil {
		return "", "", nil, err
	}
	defer st.Close()

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdout, st)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, st.Stderr())
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case <-ctx.Done():
		st.Close()
		// The copies own the buffers until they return.
		<-done
		return stdout.String(), stderr.String(), nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), stderr.String(), nil, err
		}
	}
	status, err := st.Wait()
	return stdout.String(), stderr.String(), status, err
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Exec runs a one-shot command. Failures are reported in the result.
func (m *Manager) Exec(ctx context.Context, id, command string) *ExecResult {
	s, ok := m.lookup(id)
	if !ok {
		return &ExecResult{Success: false, Error: "No active connection"}
	}

	if s.kind == KindBastion {
		m.mu.Lock()
		b := m.bastion
		m.mu.Unlock()
		if b == nil {
			return &ExecResult{Success: false, Error: "bastion exec unavailable"}
		}
		res, err := b.Exec(ctx, id, command)
		if res == nil {
			res = &ExecResult{}
		}
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		m.recordExec(s, command, "bastion", res)
		return res
	}

	stdout, stderr, status, err := runCommand(ctx, s.conn.Handle, command)
	res := &ExecResult{Success: true, Stdout: stdout, Stderr: stderr}
	if status != nil {
		res.ExitCode = status.Code
		res.ExitSignal = status.Signal
	}
	if err != nil {
		res.Success = false
		res.Error = sessionerr.Wrap(sessionerr.RemoteOperationError, "exec", err).Error()
	}
	m.recordExec(s, command, string(s.kind), res)
	return res
}

func (m *Manager) recordExec(s *session, command, kind string, res *ExecResult) {
	outcome := "success"
	if !res.Success {
		outcome = "error"
	}
	m.metrics.Execs.WithLabelValues(kind, outcome).Inc()
	m.audit.LogCommand(s.id, s.host, command, fmt.Sprintf("success=%t exit=%d", res.Success, res.ExitCode))
	m.log.Debug().Str("id", s.id).Str("command", logutil.SanitizeForLog(command)).Int("exit", res.ExitCode).Msg("exec finished")
}

// SystemInfo describes the remote host.
func (m *Manager) SystemInfo(ctx context.Context, id string) (*SystemInfo, error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, sessionerr.New(sessionerr.NotFound, "system-info", "No active connection")
	}
	stdout, stderr, _, err := runCommand(ctx, s.conn.Handle, systemInfoScript)
	if err != nil {
		return nil, sessionerr.Wrap(sessionerr.RemoteOperationError, "system-info", err)
	}
	if strings.TrimSpace(stderr) != "" {
		return nil, sessionerr.New(sessionerr.RemoteOperationError, "system-info", strings.TrimSpace(stderr))
	}
	return parseSystemInfo(stdout), nil
}

func parseSystemInfo(out string) *SystemInfo {
	info := &SystemInfo{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "OS_VERSION":
			info.OSVersion = value
		case "DEFAULT_SHELL":
			info.DefaultShell = value
		case "HOME_DIR":
			info.HomeDir = value
		case "HOSTNAME":
			info.Hostname = value
		case "USERNAME":
			info.Username = value
		case "SUDO_CHECK":
			info.SudoAllowed = value == "has sudo permission"
		}
	}
	return info
}
