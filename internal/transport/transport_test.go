package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sessiond/internal/sshtest"
)

func TestClientIdent(t *testing.T) {
	assert.Equal(t, "SSH-2.0-sessiond_1.2.0", ClientIdent("sessiond", "1.2.0", ""))
	assert.Equal(t, "SSH-2.0-sessiond_1.2.0_t=abc", ClientIdent("sessiond", "1.2.0", "abc"))
	assert.Equal(t, "SSH-2.0-my_tool_1.0_beta", ClientIdent("my tool", "1.0-beta", ""))
	assert.Equal(t, "SSH-2.0-sessiond_unknown", ClientIdent("", "", ""))
}

func TestAppendLegacyAlgorithms(t *testing.T) {
	cfg := &ssh.ClientConfig{}
	AppendLegacyAlgorithms(cfg)

	supported := ssh.SupportedAlgorithms()
	require.GreaterOrEqual(t, len(cfg.KeyExchanges), len(supported.KeyExchanges))
	assert.Equal(t, supported.KeyExchanges, cfg.KeyExchanges[:len(supported.KeyExchanges)], "defaults stay first")
	assert.Contains(t, cfg.KeyExchanges, "diffie-hellman-group14-sha1")
	assert.Contains(t, cfg.HostKeyAlgorithms, "ssh-rsa")

	seen := map[string]bool{}
	for _, k := range cfg.KeyExchanges {
		assert.False(t, seen[k], "duplicate %s", k)
		seen[k] = true
	}
}

func TestClientConfigRequiresAuth(t *testing.T) {
	_, err := ClientConfig(Config{Host: "h", Username: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid authentication method")
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := ParsePrivateKey(priv, "")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(string(pub)), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))))

	_, err = ParsePrivateKey([]byte("not a key"), "")
	assert.Error(t, err)
}

func TestConfigAddr(t *testing.T) {
	assert.Equal(t, "example.com:22", Config{Host: "example.com"}.Addr())
	assert.Equal(t, "[::1]:2222", Config{Host: "::1", Port: 2222}.Addr())
}

func TestSSHConnectPasswordExec(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{
		User:     "alice",
		Password: "secret",
		Exec: func(cmd string, _ io.Reader, stdout, stderr io.Writer) int {
			io.WriteString(stdout, "ran:"+cmd)
			io.WriteString(stderr, "warn")
			return 3
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := NewSSHProvider().Connect(ctx, Config{
		Host: srv.Host, Port: srv.Port, Username: "alice", Password: "secret",
		ClientVersion: ClientIdent("sessiond", "test", ""),
		KeepAlive:     -1,
	})
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, h.Alive())
	assert.Eventually(t, func() bool {
		v := srv.ClientVersions()
		return len(v) == 1 && v[0] == "SSH-2.0-sessiond_test"
	}, 2*time.Second, 10*time.Millisecond)

	s, err := h.OpenExec(ctx, "uname", nil)
	require.NoError(t, err)
	out, _ := io.ReadAll(s)
	errOut, _ := io.ReadAll(s.Stderr())
	status, err := s.Wait()
	require.NoError(t, err)
	assert.Equal(t, "ran:uname", string(out))
	assert.Equal(t, "warn", string(errOut))
	require.NotNil(t, status)
	assert.Equal(t, 3, status.Code)
}

func TestSSHConnectWrongPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "secret"})

	_, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "bob", Password: "nope", KeepAlive: -1,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthentication), "got %v", err)
}

func TestSSHKeyboardInteractive(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Interactive: sshtest.OTP("Code: ", "123456")})

	var got []Prompt
	h, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "carol", KeepAlive: -1,
		Interactive: func(name, instruction string, prompts []Prompt) ([]string, error) {
			got = prompts
			return []string{"123456"}, nil
		},
	})
	require.NoError(t, err)
	defer h.Close()
	require.Len(t, got, 1)
	assert.Equal(t, "Code: ", got[0].Text)
	assert.False(t, got[0].Echo)
}

func TestSSHKeyboardInteractiveAbort(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Interactive: sshtest.OTP("Code: ", "123456")})

	aborted := errors.New("cancelled by user")
	_, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "carol", KeepAlive: -1,
		Interactive: func(string, string, []Prompt) ([]string, error) {
			return nil, aborted
		},
	})
	require.Error(t, err)
}

func TestSSHShellAndResize(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	h, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "pw", KeepAlive: -1,
	})
	require.NoError(t, err)
	defer h.Close()

	s, err := h.OpenShell(context.Background(), ShellOptions{})
	require.NoError(t, err)
	defer s.Close()

	r := bufio.NewReader(s)
	prompt := make([]byte, 2)
	_, err = io.ReadFull(r, prompt)
	require.NoError(t, err)
	assert.Equal(t, "$ ", string(prompt))

	_, err = s.Write([]byte("hello\n"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	require.NoError(t, s.Resize(120, 40))
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "resize:120x40\n", line)
}

func TestSSHDoneOnDrop(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})
	h, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "pw", KeepAlive: -1,
	})
	require.NoError(t, err)

	srv.DropConnections()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after drop")
	}
	assert.False(t, h.Alive())
	_, err = h.OpenExec(context.Background(), "true", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSSHFileChannel(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0o644))

	srv := sshtest.Start(t, sshtest.Options{Password: "pw", SFTPRoot: root})
	h, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "pw", KeepAlive: -1,
	})
	require.NoError(t, err)
	defer h.Close()

	fc, err := h.OpenFileChannel(context.Background())
	require.NoError(t, err)
	defer fc.Close()

	entries, err := fc.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name())

	_, err = fc.ReadDir(filepath.Join(root, "missing"))
	code, ok := StatusCode(err)
	require.True(t, ok, "err %v", err)
	assert.Equal(t, StatusNoSuchFile, code)
}

func TestHTTPConnectProxy(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "pw"})

	sawAuth := make(chan string, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			c.Close()
			return
		}
		sawAuth <- req.Header.Get("Proxy-Authorization")
		upstream, err := net.Dial("tcp", req.Host)
		if err != nil {
			io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			c.Close()
			return
		}
		io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
		go io.Copy(upstream, br)
		io.Copy(c, upstream)
	}()

	port := ln.Addr().(*net.TCPAddr).Port

	h, err := NewSSHProvider().Connect(context.Background(), Config{
		Host: srv.Host, Port: srv.Port, Username: "u", Password: "pw", KeepAlive: -1,
		Proxy: &ProxyConfig{Type: "http", Host: "127.0.0.1", Port: port, Username: "p", Password: "q"},
	})
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, "Basic cDpx", <-sawAuth)
}

func TestX11Socket(t *testing.T) {
	assert.Equal(t, "/tmp/.X11-unix/X0", x11Socket(":0"))
	assert.Equal(t, "/tmp/.X11-unix/X1", x11Socket("localhost:1.0"))
	assert.Equal(t, "/tmp/.X11-unix/X0", x11Socket(""))
}
