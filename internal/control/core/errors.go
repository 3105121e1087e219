package core

import (
	"errors"
	"fmt"

	"github.com/antonkrylov/wharf/internal/control/runner"
	"github.com/antonkrylov/wharf/internal/transport"
)

var (
	// ErrNotFound is returned for unknown task handles.
	ErrNotFound = errors.New("not found")
	// ErrTimedOut is returned only by the bounded health check.
	ErrTimedOut = errors.New("timed out")
)

// CommandFailedError is a command that ran and exited non-zero.
type CommandFailedError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("%q exited with status %d", e.Command, e.ExitCode)
}

// Kind is the outcome class of an error returned by Core.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindCommandFailed
	KindTransport
	KindTimedOut
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindCommandFailed:
		return "command_failed"
	case KindTransport:
		return "transport"
	case KindTimedOut:
		return "timed_out"
	default:
		return "other"
	}
}

// Classify maps err onto a Kind so callers can switch instead of chaining
// errors.As calls.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	if errors.Is(err, ErrTimedOut) {
		return KindTimedOut
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	var cmdErr *CommandFailedError
	if errors.As(err, &cmdErr) {
		return KindCommandFailed
	}
	var seqErr *runner.CommandFailedError
	if errors.As(err, &seqErr) {
		return KindCommandFailed
	}
	var tErr *transport.Error
	if errors.As(err, &tErr) {
		return KindTransport
	}
	return KindOther
}
