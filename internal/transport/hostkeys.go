package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeys verifies server host keys against a known_hosts file. Hosts seen
// for the first time are trusted and appended; a changed key is rejected.
type HostKeys struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	check ssh.HostKeyCallback
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// NewHostKeys opens (creating if necessary) the known_hosts file at path.
func NewHostKeys(path string, logger *slog.Logger) (*HostKeys, error) {
	if path == "" {
		return nil, errors.New("known_hosts path is required")
	}
	if logger == nil {
		logger = discardLogger
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()
	h := &HostKeys{path: path, logger: logger}
	if err := h.reloadLocked(); err != nil {
		return nil, err
	}
	return h, nil
}

// Callback returns the ssh.HostKeyCallback to plug into a ClientConfig.
func (h *HostKeys) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		err := h.check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		if err := h.appendLocked(hostname, key); err != nil {
			return fmt.Errorf("persist host key for %s: %w", hostname, err)
		}
		h.logger.Info("trusted new host key", "host", hostname, "type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}
}

func (h *HostKeys) appendLocked(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return h.reloadLocked()
}

func (h *HostKeys) reloadLocked() error {
	cb, err := knownhosts.New(h.path)
	if err != nil {
		return fmt.Errorf("load known_hosts: %w", err)
	}
	h.check = cb
	return nil
}
