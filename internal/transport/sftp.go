package transport

import (
	"errors"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// SFTP status codes (draft-ietf-secsh-filexfer-02, section 7).
const (
	StatusNoSuchFile       uint32 = 2
	StatusPermissionDenied uint32 = 3
	StatusFailure          uint32 = 4
	StatusBadMessage       uint32 = 5
	StatusNoConnection     uint32 = 6
	StatusConnectionLost   uint32 = 7
	StatusOpUnsupported    uint32 = 8
)

// sftpChannel adapts *sftp.Client to FileChannel.
type sftpChannel struct {
	client *sftp.Client
}

// NewSFTPChannel wraps an existing SFTP client.
func NewSFTPChannel(c *sftp.Client) FileChannel {
	return &sftpChannel{client: c}
}

func (c *sftpChannel) ReadDir(p string) ([]os.FileInfo, error) { return c.client.ReadDir(p) }
func (c *sftpChannel) Stat(p string) (os.FileInfo, error)      { return c.client.Stat(p) }
func (c *sftpChannel) Mkdir(p string) error                    { return c.client.Mkdir(p) }
func (c *sftpChannel) Chmod(p string, mode os.FileMode) error  { return c.client.Chmod(p, mode) }
func (c *sftpChannel) Remove(p string) error                   { return c.client.Remove(p) }
func (c *sftpChannel) Rename(o, n string) error                { return c.client.Rename(o, n) }
func (c *sftpChannel) Close() error                            { return c.client.Close() }

func (c *sftpChannel) Create(p string) (io.WriteCloser, error) {
	return c.client.Create(p)
}

func (c *sftpChannel) Open(p string) (io.ReadCloser, error) {
	return c.client.Open(p)
}

// StatusCode extracts the SFTP status code carried by err. The sftp client
// turns codes 2 and 3 into os.ErrNotExist and os.ErrPermission, so those
// are mapped back.
func StatusCode(err error) (uint32, bool) {
	if err == nil {
		return 0, false
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return StatusNoSuchFile, true
	case errors.Is(err, os.ErrPermission):
		return StatusPermissionDenied, true
	}
	return 0, false
}
