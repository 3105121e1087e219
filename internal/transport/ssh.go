package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig holds connection parameters for the dokku host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string
	DialTimeout    time.Duration
	// ChunkSize bounds a single read from the session streams.
	ChunkSize int
}

func (c *SSHConfig) setDefaults() {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.User == "" {
		c.User = "dokku"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1024
	}
}

// SSH runs each command in a fresh SSH connection and session.
type SSH struct {
	cfg      SSHConfig
	signer   ssh.Signer
	hostKeys *HostKeys
	logger   *slog.Logger
}

// NewSSH loads (or generates) key material and the known_hosts store.
func NewSSH(cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	cfg.setDefaults()
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("ssh host is required")
	}
	if logger == nil {
		logger = discardLogger
	}
	signer, created, err := EnsureKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Warn("generated new ssh key; add it with dokku ssh-keys:add", "path", cfg.KeyPath+".pub")
	}
	hostKeys, err := NewHostKeys(cfg.KnownHostsPath, logger)
	if err != nil {
		return nil, err
	}
	return &SSH{cfg: cfg, signer: signer, hostKeys: hostKeys, logger: logger}, nil
}

func (s *SSH) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *SSH) String() string {
	return fmt.Sprintf("ssh://%s@%s", s.cfg.User, s.addr())
}

// Exec implements Executor.
func (s *SSH) Exec(ctx context.Context, command string, sink Sink) (int, error) {
	if sink == nil {
		sink = Discard
	}
	addr := s.addr()
	client, err := s.dial(ctx)
	if err != nil {
		return -1, err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return -1, wrap("session", addr, err)
	}
	defer session.Close()
	stdout, err := session.StdoutPipe()
	if err != nil {
		return -1, wrap("stdout", addr, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return -1, wrap("stderr", addr, err)
	}
	if err := session.Start(command); err != nil {
		return -1, wrap("start", addr, err)
	}

	var mu sync.Mutex
	emit := func(stream string, data []byte) {
		mu.Lock()
		sink(stream, data)
		mu.Unlock()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, StreamStdout, stdout, s.cfg.ChunkSize, emit)
	go pump(&wg, StreamStderr, stderr, s.cfg.ChunkSize, emit)
	wg.Wait()

	code, err := sessionExitStatus(session.Wait())
	if err != nil {
		if ctx.Err() != nil {
			return -1, wrap("exec", addr, ctx.Err())
		}
		return -1, wrap("exec", addr, err)
	}
	s.logger.Debug("ssh command finished", "addr", addr, "exit", code)
	return code, nil
}

func (s *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	addr := s.addr()
	cfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: s.hostKeys.Callback(),
		Timeout:         s.cfg.DialTimeout,
	}
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrap("dial", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isAuthFailure(err) {
			return nil, &Error{Op: "auth", Target: addr, Err: fmt.Errorf("%w: %v", ErrAuth, err)}
		}
		return nil, wrap("handshake", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func sessionExitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func pump(wg *sync.WaitGroup, stream string, r io.Reader, size int, emit func(string, []byte)) {
	defer wg.Done()
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			emit(stream, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}
