package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// GenerateKeyPair generates an ED25519 key pair and returns the OpenSSH
// public key and the PEM-encoded private key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), privateKeyPEM, nil
}

// ParsePrivateKey parses a PEM-encoded private key, decrypting it with
// passphrase when one is given.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(privateKeyPEM)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("parse private key: passphrase required")
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// HostKeyCallback returns a known_hosts backed callback when any of the
// candidate files exist. With no file it fails when strict is set and
// otherwise accepts any host key.
func HostKeyCallback(strict bool, candidates ...string) (ssh.HostKeyCallback, error) {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		candidates = append(candidates, filepath.Join(home, ".ssh", "known_hosts"))
	}

	var existing []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			existing = append(existing, c)
		}
	}

	if len(existing) > 0 {
		cb, err := knownhosts.New(existing...)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	}
	if strict {
		return nil, errors.New("ssh host key verification required: no known_hosts file found")
	}
	log.Warn().Str("component", "transport").Msg("no known_hosts file found, host keys are not verified")
	return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
}

// DialAgent connects to the SSH agent listening on socket, falling back to
// SSH_AUTH_SOCK. The returned closer releases the socket.
func DialAgent(socket string) (agent.ExtendedAgent, func() error, error) {
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, nil, errors.New("ssh agent socket not configured")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ssh agent: %w", err)
	}
	return agent.NewClient(conn), conn.Close, nil
}
