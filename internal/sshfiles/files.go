package sshfiles

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

// slowThreshold marks operations worth a warning in the log.
const slowThreshold = 500 * time.Millisecond

// Channels resolves a session id to its probed file channel.
type Channels interface {
	FileChannel(id string) (transport.FileChannel, error)
}

// Entry is one directory listing row.
type Entry struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	IsDir   bool   `json:"isDir"`
	IsLink  bool   `json:"isLink"`
	Mode    string `json:"mode"`
	ModTime string `json:"modTime"`
	Size    int64  `json:"size"`
}

// Options configures an Engine.
type Options struct {
	Audit   *sshaudit.Auditor
	Metrics *Metrics
}

// Engine performs file operations over the sessions' file channels.
type Engine struct {
	channels Channels
	audit    *sshaudit.Auditor
	metrics  *Metrics
	log      zerolog.Logger
}

// NewEngine creates an Engine.
func NewEngine(channels Channels, opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Engine{
		channels: channels,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		log:      log.With().Str("component", "sshfiles").Logger(),
	}
}

// done logs and counts a finished operation.
func (e *Engine) done(id, op, target string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	e.metrics.Ops.WithLabelValues(op, outcome).Inc()

	ev := e.log.Debug()
	if elapsed > slowThreshold {
		ev = e.log.Warn().Bool("slow", true)
	}
	if err != nil {
		ev = e.log.Warn().Err(err)
	}
	ev.Str("id", id).Str("op", op).Str("path", logutil.SanitizeForLog(target)).Dur("elapsed", elapsed).Msg("file operation finished")
	if err == nil && op != "list" {
		e.audit.LogFileOperation(id, op, target)
	}
}

// UniqueRemoteName returns name, or the first free "name.N" (N = 1, 2, ...)
// when dir already holds an entry with that name. With isDir only
// directories count as taken.
func UniqueRemoteName(fc transport.FileChannel, dir, name string, isDir bool) (string, error) {
	infos, err := fc.ReadDir(dir)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(infos))
	for _, fi := range infos {
		if isDir && !fi.IsDir() {
			continue
		}
		taken[fi.Name()] = true
	}
	final := name
	for n := 1; taken[final]; n++ {
		final = name + "." + strconv.Itoa(n)
	}
	return final, nil
}

// UploadFile copies a local file into remoteDir under a collision-free name
// and returns the remote path.
func (e *Engine) UploadFile(id, remoteDir, localPath string) (remote string, err error) {
	start := time.Now()
	defer func() { e.done(id, "upload", remote, start, err) }()

	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", sessionerr.Wrapf(sessionerr.InvalidRequest, "file:upload", "Upload failed", err)
	}
	name, err := UniqueRemoteName(fc, remoteDir, filepath.Base(localPath), false)
	if err != nil {
		return "", sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:upload", "Upload failed", err)
	}
	remote = path.Join(remoteDir, name)
	if err := e.put(fc, localPath, remote); err != nil {
		return "", sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:upload", "Upload failed", err)
	}
	return remote, nil
}

func (e *Engine) put(fc transport.FileChannel, localPath, remote string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := fc.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	e.metrics.Bytes.WithLabelValues("upload").Add(float64(n))
	if err != nil {
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return nil
}

// DownloadFile copies a remote file to localPath, replacing it.
func (e *Engine) DownloadFile(id, remotePath, localPath string) (err error) {
	start := time.Now()
	defer func() { e.done(id, "download", remotePath, start, err) }()

	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return err
	}
	src, err := fc.Open(remotePath)
	if err != nil {
		return sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:download", "Download failed", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return sessionerr.Wrapf(sessionerr.InvalidRequest, "file:download", "Download failed", err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	e.metrics.Bytes.WithLabelValues("download").Add(float64(n))
	if err != nil {
		return sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:download", "Download failed", err)
	}
	return nil
}

// CheckDeletePath rejects paths that must never be deleted: empty or blank
// paths, a bare "*" and the root directory.
func CheckDeletePath(p string) error {
	t := strings.TrimSpace(p)
	if t == "" || t == "*" || p == "/" {
		return sessionerr.New(sessionerr.PathRejected, "file:delete", "Illegal path, cannot be deleted")
	}
	return nil
}

// DeleteFile removes a remote file.
func (e *Engine) DeleteFile(id, remotePath string) (err error) {
	if err := CheckDeletePath(remotePath); err != nil {
		e.log.Warn().Str("id", id).Str("path", logutil.SanitizeForLog(remotePath)).Msg("rejected delete")
		return err
	}
	start := time.Now()
	defer func() { e.done(id, "delete", remotePath, start, err) }()

	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return err
	}
	if err := fc.Remove(remotePath); err != nil {
		return sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:delete", "Delete failed", err)
	}
	return nil
}

// UploadDirectory copies localDir into remoteDir under a collision-free
// directory name, recursing into subdirectories. Entries are transferred in
// name order and the first failure aborts the upload.
func (e *Engine) UploadDirectory(id, remoteDir, localDir string) (remote string, err error) {
	start := time.Now()
	defer func() { e.done(id, "upload-dir", remote, start, err) }()

	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return "", err
	}
	remote, err = e.uploadDir(fc, remoteDir, localDir, map[string]bool{})
	if err != nil {
		return "", sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:upload-dir", "Upload failed", err)
	}
	return remote, nil
}

// uploadDir follows symlinks. seen holds the resolved directories on the
// current branch so a link back to an ancestor fails instead of looping.
func (e *Engine) uploadDir(fc transport.FileChannel, remoteDir, localDir string, seen map[string]bool) (string, error) {
	resolved, err := filepath.EvalSymlinks(localDir)
	if err != nil {
		return "", err
	}
	if seen[resolved] {
		return "", fmt.Errorf("symlink cycle at %s", localDir)
	}
	seen[resolved] = true
	defer delete(seen, resolved)

	name, err := UniqueRemoteName(fc, remoteDir, filepath.Base(localDir), true)
	if err != nil {
		return "", err
	}
	target := path.Join(remoteDir, name)
	if err := fc.Mkdir(target); err != nil && !mkdirExists(err) {
		return "", fmt.Errorf("mkdir %s: %w", target, err)
	}
	if err := fc.Chmod(target, 0o755); err != nil {
		e.log.Debug().Err(err).Str("path", target).Msg("chmod after mkdir failed")
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return "", err
	}
	for _, ent := range entries {
		local := filepath.Join(localDir, ent.Name())
		fi, err := os.Stat(local)
		if err != nil {
			return "", err
		}
		if fi.IsDir() {
			if _, err := e.uploadDir(fc, target, local, seen); err != nil {
				return "", err
			}
			continue
		}
		if err := e.put(fc, local, path.Join(target, ent.Name())); err != nil {
			return "", err
		}
	}
	return target, nil
}

// mkdirExists reports a mkdir failure that leaves a usable directory. SFTP
// servers answer an existing path with the generic failure code.
func mkdirExists(err error) bool {
	if errors.Is(err, os.ErrExist) {
		return true
	}
	code, ok := transport.StatusCode(err)
	return ok && code == transport.StatusFailure
}

// Rename moves oldPath to newPath. Equal paths are a no-op.
func (e *Engine) Rename(id, oldPath, newPath string) (err error) {
	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return err
	}
	if oldPath == newPath {
		return nil
	}
	start := time.Now()
	defer func() { e.done(id, "rename", oldPath+" -> "+newPath, start, err) }()

	if err := fc.Rename(oldPath, newPath); err != nil {
		return sessionerr.Wrap(sessionerr.RemoteOperationError, "file:rename", err)
	}
	return nil
}

// ParseMode parses an octal permission string such as "755" or "0644".
func ParseMode(mode string) (os.FileMode, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(mode), 8, 32)
	if err != nil {
		return 0, sessionerr.Wrapf(sessionerr.InvalidRequest, "file:chmod", fmt.Sprintf("invalid mode %q", mode), err)
	}
	return os.FileMode(v), nil
}

// Chmod sets the permissions of remotePath. With recursive the mode is then
// applied depth-first, in name order, to every descendant of a directory.
func (e *Engine) Chmod(id, remotePath, mode string, recursive bool) (err error) {
	m, err := ParseMode(mode)
	if err != nil {
		return err
	}
	start := time.Now()
	defer func() { e.done(id, "chmod", remotePath, start, err) }()

	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return err
	}
	if err := fc.Chmod(remotePath, m); err != nil {
		return sessionerr.Wrap(sessionerr.RemoteOperationError, "file:chmod", err)
	}
	if !recursive {
		return nil
	}
	fi, err := fc.Stat(remotePath)
	if err != nil {
		return sessionerr.Wrap(sessionerr.RemoteOperationError, "file:chmod", err)
	}
	if !fi.IsDir() {
		return nil
	}
	if err := chmodTree(fc, remotePath, m); err != nil {
		return sessionerr.Wrap(sessionerr.RemoteOperationError, "file:chmod", err)
	}
	return nil
}

func chmodTree(fc transport.FileChannel, dir string, mode os.FileMode) error {
	infos, err := fc.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		p := path.Join(dir, fi.Name())
		if err := fc.Chmod(p, mode); err != nil {
			return err
		}
		if fi.IsDir() {
			if err := chmodTree(fc, p, mode); err != nil {
				return err
			}
		}
	}
	return nil
}

// listErrors maps SFTP status codes to the reason shown for a failed
// listing.
var listErrors = map[uint32]string{
	transport.StatusNoSuchFile:       "No such file or directory",
	transport.StatusPermissionDenied: "Permission denied",
	transport.StatusFailure:          "Operation failed",
	transport.StatusBadMessage:       "Bad message format",
	transport.StatusNoConnection:     "No connection",
	transport.StatusConnectionLost:   "Connection lost",
	transport.StatusOpUnsupported:    "Operation not supported",
}

// ListError renders a failed listing of dir.
func ListError(dir string, err error) error {
	reason := err.Error()
	if code, ok := transport.StatusCode(err); ok {
		if r, ok := listErrors[code]; ok {
			reason = r
		}
	}
	return sessionerr.Wrapf(sessionerr.RemoteOperationError, "file:list",
		fmt.Sprintf("cannot open directory '%s': %s", dir, reason), err)
}

// List returns the entries of a remote directory.
func (e *Engine) List(id, dir string) (entries []Entry, err error) {
	start := time.Now()
	defer func() { e.done(id, "list", dir, start, err) }()

	fc, err := e.channels.FileChannel(id)
	if err != nil {
		return nil, err
	}
	infos, err := fc.ReadDir(dir)
	if err != nil {
		return nil, ListError(dir, err)
	}

	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	entries = make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:    fi.Name(),
			Path:    prefix + fi.Name(),
			IsDir:   fi.IsDir(),
			IsLink:  fi.Mode()&os.ModeSymlink != 0,
			Mode:    "0" + strconv.FormatUint(uint64(fi.Mode().Perm()), 8),
			ModTime: fi.ModTime().UTC().Format(time.DateTime),
			Size:    fi.Size(),
		})
	}
	return entries, nil
}
