package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Options configures the Auto executor.
type Options struct {
	SSH SSHConfig
	// DaemonSocket is the hostd unix socket. It is used in preference to
	// SSH when the socket exists.
	DaemonSocket string
}

// Auto picks the daemon socket when one is present and SSH otherwise. The
// choice is made once, on first use, and kept for the life of the process.
type Auto struct {
	opts   Options
	logger *slog.Logger

	once   sync.Once
	exec   Executor
	err    error
	daemon *Daemon
}

func NewAuto(opts Options, logger *slog.Logger) *Auto {
	if logger == nil {
		logger = discardLogger
	}
	return &Auto{opts: opts, logger: logger}
}

func (a *Auto) resolve() (Executor, error) {
	a.once.Do(func() {
		if socketPresent(a.opts.DaemonSocket) {
			d, err := NewDaemon(a.opts.DaemonSocket)
			if err == nil {
				a.logger.Info("using hostd socket", "socket", a.opts.DaemonSocket)
				a.daemon = d
				a.exec = d
				return
			}
			a.logger.Warn("hostd socket unusable, falling back to ssh", "socket", a.opts.DaemonSocket, "err", err)
		}
		s, err := NewSSH(a.opts.SSH, a.logger)
		if err != nil {
			a.err = err
			return
		}
		a.logger.Info("using ssh transport", "target", s.String())
		a.exec = s
	})
	return a.exec, a.err
}

// Exec implements Executor.
func (a *Auto) Exec(ctx context.Context, command string, sink Sink) (int, error) {
	exec, err := a.resolve()
	if err != nil {
		return -1, err
	}
	return exec.Exec(ctx, command, sink)
}

func (a *Auto) String() string {
	exec, err := a.resolve()
	if err != nil {
		return "auto(unavailable)"
	}
	return exec.String()
}

// Close releases the daemon connection if one was opened.
func (a *Auto) Close() error {
	if a.daemon != nil {
		return a.daemon.Close()
	}
	return nil
}

func socketPresent(path string) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSocket != 0
}
