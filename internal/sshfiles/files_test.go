package sshfiles

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"

	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/transport"
)

// pipeConn joins one half of two io.Pipes into a ReadWriteCloser.
type pipeConn struct {
	io.Reader
	io.WriteCloser
	r io.Closer
}

func (c pipeConn) Close() error {
	c.r.Close()
	return c.WriteCloser.Close()
}

// newSFTP serves the local filesystem over an in-memory SFTP session.
func newSFTP(t *testing.T) transport.FileChannel {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	server, err := sftp.NewServer(pipeConn{Reader: c2sR, WriteCloser: s2cW, r: c2sR})
	if err != nil {
		t.Fatalf("sftp server: %v", err)
	}
	go server.Serve()

	client, err := sftp.NewClientPipe(s2cR, c2sW)
	if err != nil {
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return transport.NewSFTPChannel(client)
}

type channels map[string]transport.FileChannel

func (c channels) FileChannel(id string) (transport.FileChannel, error) {
	fc, ok := c[id]
	if !ok {
		return nil, sessionerr.New(sessionerr.ChannelUnavailable, "file", "sftp not connected")
	}
	return fc, nil
}

// recorder wraps a channel, logging mutations and failing creates of names
// listed in failCreate.
type recorder struct {
	transport.FileChannel
	mu         sync.Mutex
	ops        []string
	failCreate map[string]bool
}

func (r *recorder) log(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recorder) Chmod(p string, mode os.FileMode) error {
	r.log("chmod " + filepath.Base(p))
	return r.FileChannel.Chmod(p, mode)
}

func (r *recorder) Create(p string) (io.WriteCloser, error) {
	if r.failCreate[filepath.Base(p)] {
		return nil, errors.New("disk full")
	}
	r.log("create " + filepath.Base(p))
	return r.FileChannel.Create(p)
}

func (r *recorder) Remove(p string) error {
	r.log("remove " + p)
	return r.FileChannel.Remove(p)
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(b)
}

func newEngine(t *testing.T) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{FileChannel: newSFTP(t)}
	return NewEngine(channels{"s1": rec}, Options{}), rec
}

func TestUploadFileAvoidsCollisions(t *testing.T) {
	e, _ := newEngine(t)
	remote := t.TempDir()
	local := filepath.Join(t.TempDir(), "report.txt")
	writeFile(t, local, "v1")
	writeFile(t, filepath.Join(remote, "report.txt"), "existing")

	for i, want := range []string{"report.txt.1", "report.txt.2"} {
		got, err := e.UploadFile("s1", remote, local)
		if err != nil {
			t.Fatalf("upload %d: %v", i, err)
		}
		if got != filepath.Join(remote, want) {
			t.Errorf("upload %d: got %s, want %s", i, got, want)
		}
	}
	if readFile(t, filepath.Join(remote, "report.txt")) != "existing" {
		t.Error("existing file overwritten")
	}
	if readFile(t, filepath.Join(remote, "report.txt.2")) != "v1" {
		t.Error("uploaded content mismatch")
	}
}

func TestUploadFileMissingLocal(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.UploadFile("s1", t.TempDir(), "/does/not/exist")
	if err == nil || !strings.HasPrefix(err.Error(), "Upload failed") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestUniqueRemoteNameDirsOnly(t *testing.T) {
	fc := newSFTP(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "data"), "a file")
	if err := os.Mkdir(filepath.Join(dir, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		isDir bool
		want  string
	}{
		{"data", true, "data"},
		{"data", false, "data.1"},
		{"logs", true, "logs.1"},
		{"fresh", false, "fresh"},
	}
	for _, tt := range tests {
		got, err := UniqueRemoteName(fc, dir, tt.name, tt.isDir)
		if err != nil {
			t.Fatalf("UniqueRemoteName: %v", err)
		}
		if got != tt.want {
			t.Errorf("UniqueRemoteName(%q, dir=%v) = %q, want %q", tt.name, tt.isDir, got, tt.want)
		}
	}
}

func TestDownloadFile(t *testing.T) {
	e, _ := newEngine(t)
	remote := filepath.Join(t.TempDir(), "notes.md")
	writeFile(t, remote, "# notes")
	local := filepath.Join(t.TempDir(), "notes.md")
	writeFile(t, local, "stale")

	if err := e.DownloadFile("s1", remote, local); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if readFile(t, local) != "# notes" {
		t.Error("local file not replaced")
	}

	err := e.DownloadFile("s1", remote+".missing", local)
	if !sessionerr.Is(err, sessionerr.RemoteOperationError) {
		t.Errorf("expected remote error, got %v", err)
	}
}

func TestDeleteFileGuard(t *testing.T) {
	e, rec := newEngine(t)
	for _, p := range []string{"", "   ", "*", " * ", "/"} {
		err := e.DeleteFile("s1", p)
		if !sessionerr.Is(err, sessionerr.PathRejected) {
			t.Errorf("DeleteFile(%q) = %v, want PathRejected", p, err)
		}
	}
	if len(rec.ops) != 0 {
		t.Errorf("channel touched: %v", rec.ops)
	}

	target := filepath.Join(t.TempDir(), "old.log")
	writeFile(t, target, "x")
	if err := e.DeleteFile("s1", target); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("file still present")
	}
}

func TestUploadDirectory(t *testing.T) {
	e, rec := newEngine(t)
	src := filepath.Join(t.TempDir(), "site")
	writeFile(t, filepath.Join(src, "index.html"), "<h1>")
	writeFile(t, filepath.Join(src, "assets", "app.js"), "js")
	writeFile(t, filepath.Join(src, "assets", "img", "logo.svg"), "svg")
	remote := t.TempDir()
	if err := os.Mkdir(filepath.Join(remote, "site"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := e.UploadDirectory("s1", remote, src)
	if err != nil {
		t.Fatalf("UploadDirectory: %v", err)
	}
	if got != filepath.Join(remote, "site.1") {
		t.Errorf("target = %s", got)
	}
	if readFile(t, filepath.Join(got, "assets", "img", "logo.svg")) != "svg" {
		t.Error("nested file missing")
	}
	fi, err := os.Stat(filepath.Join(got, "assets"))
	if err != nil || fi.Mode().Perm() != 0o755 {
		t.Errorf("directory mode = %v, %v", fi.Mode().Perm(), err)
	}

	var creates []string
	for _, op := range rec.ops {
		if strings.HasPrefix(op, "create ") {
			creates = append(creates, strings.TrimPrefix(op, "create "))
		}
	}
	if strings.Join(creates, ",") != "app.js,logo.svg,index.html" {
		t.Errorf("transfer order = %v", creates)
	}
}

func TestUploadDirectoryFollowsSymlinks(t *testing.T) {
	e, _ := newEngine(t)
	root := t.TempDir()
	shared := filepath.Join(root, "shared")
	writeFile(t, filepath.Join(shared, "lib.js"), "lib")
	src := filepath.Join(root, "app")
	writeFile(t, filepath.Join(src, "main.js"), "main")
	if err := os.Symlink(shared, filepath.Join(src, "vendor")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	remote := t.TempDir()

	got, err := e.UploadDirectory("s1", remote, src)
	if err != nil {
		t.Fatalf("UploadDirectory: %v", err)
	}
	fi, err := os.Lstat(filepath.Join(got, "vendor"))
	if err != nil || !fi.IsDir() {
		t.Fatalf("vendor = %v, %v", fi, err)
	}
	if readFile(t, filepath.Join(got, "vendor", "lib.js")) != "lib" {
		t.Error("linked directory contents missing")
	}
}

func TestUploadDirectoryRejectsSymlinkCycle(t *testing.T) {
	e, _ := newEngine(t)
	src := filepath.Join(t.TempDir(), "loop")
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	if err := os.Symlink(src, filepath.Join(src, "self")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := e.UploadDirectory("s1", t.TempDir(), src)
	if err == nil || !strings.Contains(err.Error(), "symlink cycle") {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadDirectoryAbortsOnFirstError(t *testing.T) {
	e, rec := newEngine(t)
	rec.failCreate = map[string]bool{"b.txt": true}
	src := filepath.Join(t.TempDir(), "batch")
	for _, n := range []string{"a.txt", "b.txt", "c.txt"} {
		writeFile(t, filepath.Join(src, n), n)
	}
	remote := t.TempDir()

	_, err := e.UploadDirectory("s1", remote, src)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected failure, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(remote, "batch", "a.txt")); err != nil {
		t.Error("a.txt should have been transferred")
	}
	if _, err := os.Stat(filepath.Join(remote, "batch", "c.txt")); !os.IsNotExist(err) {
		t.Error("c.txt transferred after the failure")
	}
}

func TestMkdirExists(t *testing.T) {
	if !mkdirExists(&sftp.StatusError{Code: transport.StatusFailure}) {
		t.Error("failure code should be tolerated")
	}
	if !mkdirExists(os.ErrExist) {
		t.Error("ErrExist should be tolerated")
	}
	if mkdirExists(os.ErrPermission) {
		t.Error("permission denied must not be tolerated")
	}
}

func TestRename(t *testing.T) {
	e, _ := newEngine(t)
	dir := t.TempDir()
	from, to := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	writeFile(t, from, "x")

	if err := e.Rename("s1", from, from); err != nil {
		t.Fatalf("same-path rename: %v", err)
	}
	if err := e.Rename("s1", from, to); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if readFile(t, to) != "x" {
		t.Error("rename lost content")
	}
}

func TestChmodRecursiveOrder(t *testing.T) {
	e, rec := newEngine(t)
	root := filepath.Join(t.TempDir(), "tree")
	writeFile(t, filepath.Join(root, "a", "x"), "")
	writeFile(t, filepath.Join(root, "b"), "")

	if err := e.Chmod("s1", root, "750", true); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if got := strings.Join(rec.ops, ","); got != "chmod tree,chmod a,chmod x,chmod b" {
		t.Errorf("order = %s", got)
	}
	fi, _ := os.Stat(filepath.Join(root, "a", "x"))
	if fi.Mode().Perm() != 0o750 {
		t.Errorf("mode = %o", fi.Mode().Perm())
	}
}

func TestChmodNonRecursive(t *testing.T) {
	e, rec := newEngine(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "inner"), "")

	if err := e.Chmod("s1", root, "0700", false); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if len(rec.ops) != 1 {
		t.Errorf("ops = %v", rec.ops)
	}
	if err := e.Chmod("s1", root, "rwx", false); !sessionerr.Is(err, sessionerr.InvalidRequest) {
		t.Errorf("expected invalid mode, got %v", err)
	}
}

func TestList(t *testing.T) {
	e, _ := newEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "f.txt"), "hello")
	os.Chmod(filepath.Join(dir, "f.txt"), 0o640)
	mtime := time.Date(2024, 3, 9, 17, 4, 5, 0, time.UTC)
	os.Chtimes(filepath.Join(dir, "f.txt"), mtime, mtime)
	os.Mkdir(filepath.Join(dir, "sub"), 0o755)
	os.Symlink("f.txt", filepath.Join(dir, "ln"))

	entries, err := e.List("s1", dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byName := map[string]Entry{}
	for _, ent := range entries {
		byName[ent.Name] = ent
	}
	f := byName["f.txt"]
	if f.Path != dir+"/f.txt" || f.Mode != "0640" || f.Size != 5 || f.ModTime != "2024-03-09 17:04:05" || f.IsDir {
		t.Errorf("file entry = %+v", f)
	}
	if !byName["sub"].IsDir {
		t.Error("sub should be a directory")
	}
	if !byName["ln"].IsLink {
		t.Error("ln should be a link")
	}
}

func TestListMissingDirectory(t *testing.T) {
	e, _ := newEngine(t)
	dir := filepath.Join(t.TempDir(), "gone")
	_, err := e.List("s1", dir)
	want := "cannot open directory '" + dir + "': No such file or directory"
	if err == nil || !strings.HasPrefix(err.Error(), want) {
		t.Errorf("got %v, want prefix %q", err, want)
	}
}

func TestListErrorCodes(t *testing.T) {
	tests := map[uint32]string{
		2: "No such file or directory",
		3: "Permission denied",
		4: "Operation failed",
		5: "Bad message format",
		6: "No connection",
		7: "Connection lost",
		8: "Operation not supported",
	}
	for code, reason := range tests {
		err := ListError("/srv", &sftp.StatusError{Code: code})
		var se *sessionerr.Error
		if !errors.As(err, &se) {
			t.Fatalf("code %d: not a session error", code)
		}
		if se.Msg != "cannot open directory '/srv': "+reason {
			t.Errorf("code %d: %q", code, se.Msg)
		}
	}

	err := ListError("/srv", errors.New("weird failure"))
	var se *sessionerr.Error
	errors.As(err, &se)
	if se.Msg != "cannot open directory '/srv': weird failure" {
		t.Errorf("unknown code message = %q", se.Msg)
	}
}

func TestNoChannel(t *testing.T) {
	e := NewEngine(channels{}, Options{})
	_, err := e.List("nope", "/")
	if !sessionerr.Is(err, sessionerr.ChannelUnavailable) || !strings.Contains(err.Error(), "sftp not connected") {
		t.Errorf("unexpected error %v", err)
	}
}
