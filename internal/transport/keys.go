package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const keyComment = "wharf"

// EnsureKey loads the private key at path, generating an ed25519 key pair
// (path and path+".pub") when none exists yet. created reports whether a
// new key was written.
func EnsureKey(path string) (signer ssh.Signer, created bool, err error) {
	if strings.TrimSpace(path) == "" {
		return nil, false, errors.New("key path is required")
	}
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err = ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("parse key %s: %w", path, err)
		}
		return signer, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, false, fmt.Errorf("marshal key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path+".pub", authorizedLine(sshPub), 0o644); err != nil {
		return nil, false, err
	}
	signer, err = ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, false, err
	}
	return signer, true, nil
}

// AuthorizedKey returns the authorized_keys line for the key at path,
// generating the key first if needed. This is what an operator pastes
// into `dokku ssh-keys:add`.
func AuthorizedKey(path string) (string, error) {
	signer, _, err := EnsureKey(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(authorizedLine(signer.PublicKey()))), nil
}

func authorizedLine(pub ssh.PublicKey) []byte {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	return []byte(line + " " + keyComment + "\n")
}
