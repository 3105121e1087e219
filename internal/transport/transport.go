// Package transport executes single command lines against the dokku host.
//
// Every Executor runs exactly one command per Exec call, forwards output
// chunks to the caller's Sink as they arrive and returns the remote exit
// status. A non-zero exit status is a normal result; only failures of the
// channel itself (dial, handshake, authentication, broken stream) are
// returned as errors.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Stream names passed to a Sink.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Sink receives output chunks in arrival order. Chunks of one stream are
// ordered; there is no ordering between stdout and stderr.
type Sink func(stream string, data []byte)

// Executor runs one command line and reports its exit status.
type Executor interface {
	Exec(ctx context.Context, command string, sink Sink) (int, error)
	String() string
}

// ErrAuth marks authentication failures. They are never retried.
var ErrAuth = errors.New("authentication failed")

// Error is a failure of the command channel, as opposed to a command that
// ran and exited non-zero.
type Error struct {
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Target: target, Err: err}
}

// Discard is a Sink that drops all output.
func Discard(string, []byte) {}
