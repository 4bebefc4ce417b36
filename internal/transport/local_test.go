package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExec(t *testing.T) {
	h, err := NewLocalProvider("/bin/sh").Connect(context.Background(), Config{})
	require.NoError(t, err)
	defer h.Close()

	s, err := h.OpenExec(context.Background(), "echo out; echo err >&2; exit 4", nil)
	require.NoError(t, err)
	out, _ := io.ReadAll(s)
	errOut, _ := io.ReadAll(s.Stderr())
	status, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, "err\n", string(errOut))
	assert.Equal(t, 4, status.Code)
}

func TestLocalPTYExec(t *testing.T) {
	h, err := NewLocalProvider("/bin/sh").Connect(context.Background(), Config{})
	require.NoError(t, err)
	defer h.Close()

	s, err := h.OpenExec(context.Background(), "printf ok", &ShellOptions{Cols: 100, Rows: 30})
	require.NoError(t, err)
	out, _ := io.ReadAll(s)
	assert.Contains(t, string(out), "ok")
	assert.NoError(t, s.Resize(90, 20))
}

func TestLocalFiles(t *testing.T) {
	dir := t.TempDir()
	h, err := NewLocalProvider("").Connect(context.Background(), Config{})
	require.NoError(t, err)
	fc, err := h.OpenFileChannel(context.Background())
	require.NoError(t, err)

	w, err := fc.Create(filepath.Join(dir, "f"))
	require.NoError(t, err)
	io.WriteString(w, "data")
	require.NoError(t, w.Close())

	entries, err := fc.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].Size())

	_, err = fc.ReadDir(filepath.Join(dir, "nope"))
	code, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, StatusNoSuchFile, code)
	assert.ErrorIs(t, err, os.ErrNotExist)

	h.Close()
	_, err = h.OpenFileChannel(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
