package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LocalProvider runs shells on this machine under a pseudo-terminal.
type LocalProvider struct {
	// Shell is the program started by OpenShell. Defaults to $SHELL, then
	// /bin/sh.
	Shell string
	log   zerolog.Logger
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider(shell string) *LocalProvider {
	return &LocalProvider{Shell: shell, log: log.With().Str("component", "transport.local").Logger()}
}

func (p *LocalProvider) Connect(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shell := p.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	return &localHandle{shell: shell, log: p.log, done: make(chan struct{})}, nil
}

type localHandle struct {
	shell string
	log   zerolog.Logger

	mu      sync.Mutex
	streams []*localStream
	done    chan struct{}
	once    sync.Once
}

func (h *localHandle) OpenShell(ctx context.Context, opts ShellOptions) (Stream, error) {
	return h.start(ctx, exec.Command(h.shell), &opts)
}

func (h *localHandle) OpenExec(ctx context.Context, command string, opts *ShellOptions) (Stream, error) {
	return h.start(ctx, exec.Command("/bin/sh", "-c", command), opts)
}

func (h *localHandle) start(ctx context.Context, cmd *exec.Cmd, opts *ShellOptions) (Stream, error) {
	if !h.Alive() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &localStream{cmd: cmd, waited: make(chan struct{})}
	if opts != nil {
		o := opts.Defaults()
		cmd.Env = append(os.Environ(), "TERM="+o.Term)
		f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(o.Rows), Cols: uint16(o.Cols)})
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
		}
		s.pty = f
		s.r, s.w = f, f
		s.stderr = eofReader{}
	} else {
		// os.Pipe keeps the read ends open across cmd.Wait, which the
		// reaper calls as soon as the process exits.
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			outR.Close()
			outW.Close()
			return nil, err
		}
		cmd.Stdout, cmd.Stderr = outW, errW
		err = cmd.Start()
		outW.Close()
		errW.Close()
		if err != nil {
			outR.Close()
			errR.Close()
			return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
		}
		s.r, s.w, s.stderr = outR, stdin, errR
		s.closers = []io.Closer{outR, errR}
	}
	go s.reap()

	h.mu.Lock()
	h.streams = append(h.streams, s)
	h.mu.Unlock()
	return s, nil
}

// OpenFileChannel serves the local filesystem.
func (h *localHandle) OpenFileChannel(ctx context.Context) (FileChannel, error) {
	if !h.Alive() {
		return nil, ErrClosed
	}
	return localFiles{}, nil
}

func (h *localHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *localHandle) Done() <-chan struct{} { return h.done }
func (h *localHandle) Err() error            { return nil }

func (h *localHandle) Close() error {
	h.once.Do(func() {
		h.mu.Lock()
		streams := h.streams
		h.streams = nil
		h.mu.Unlock()
		for _, s := range streams {
			s.Close()
		}
		close(h.done)
	})
	return nil
}

type localStream struct {
	cmd    *exec.Cmd
	pty    *os.File
	r      io.Reader
	w      io.Writer
	stderr io.Reader

	closers []io.Closer

	waited  chan struct{}
	waitErr error
	once    sync.Once
}

func (s *localStream) reap() {
	s.waitErr = s.cmd.Wait()
	close(s.waited)
}

func (s *localStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	// Linux reports EIO on the pty master once the child side is gone.
	if err != nil && s.pty != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (s *localStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *localStream) Stderr() io.Reader           { return s.stderr }

func (s *localStream) Resize(cols, rows int) error {
	if s.pty == nil {
		return ErrUnsupported
	}
	return pty.Setsize(s.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (s *localStream) Wait() (*ExitStatus, error) {
	<-s.waited
	if s.waitErr == nil {
		return &ExitStatus{Code: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		return &ExitStatus{Code: exitErr.ExitCode()}, nil
	}
	return nil, s.waitErr
}

func (s *localStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			select {
			case <-s.waited:
			default:
				s.cmd.Process.Kill()
			}
		}
		if s.pty != nil {
			s.pty.Close()
		}
		for _, c := range s.closers {
			c.Close()
		}
	})
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// localFiles is a FileChannel over the os package.
type localFiles struct{}

func (localFiles) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := os.Lstat(p + string(os.PathSeparator) + e.Name())
		if err != nil {
			continue
		}
		infos = append(infos, fi)
	}
	return infos, nil
}

func (localFiles) Stat(p string) (os.FileInfo, error)     { return os.Stat(p) }
func (localFiles) Mkdir(p string) error                   { return os.Mkdir(p, 0o755) }
func (localFiles) Chmod(p string, mode os.FileMode) error { return os.Chmod(p, mode) }
func (localFiles) Remove(p string) error                  { return os.Remove(p) }
func (localFiles) Rename(o, n string) error               { return os.Rename(o, n) }
func (localFiles) Close() error                           { return nil }

func (localFiles) Create(p string) (io.WriteCloser, error) { return os.Create(p) }
func (localFiles) Open(p string) (io.ReadCloser, error)    { return os.Open(p) }
