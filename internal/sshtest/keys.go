package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/ssh"
)

func hostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// NewClientKey returns a fresh client key signer and its public key.
func NewClientKey() (ssh.Signer, ssh.PublicKey, error) {
	signer, err := hostKey()
	if err != nil {
		return nil, nil, err
	}
	return signer, signer.PublicKey(), nil
}
