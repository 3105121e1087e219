package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/antonkrylov/wharf/internal/hostd/hostdapi"
)

// Daemon runs commands through a hostd process listening on a local socket.
// The gRPC connection is shared by all calls; each command is its own stream.
type Daemon struct {
	target string
	conn   grpc.ClientConnInterface
	closer io.Closer
}

// NewDaemon prepares a client for the unix socket at path. No connection
// is attempted until the first Exec.
func NewDaemon(path string) (*Daemon, error) {
	target := "unix:" + path
	if filepath.IsAbs(path) {
		target = "unix://" + path
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, wrap("dial", path, err)
	}
	return &Daemon{target: path, conn: conn, closer: conn}, nil
}

// NewDaemonConn wraps an existing connection.
func NewDaemonConn(conn grpc.ClientConnInterface, label string) *Daemon {
	return &Daemon{target: label, conn: conn}
}

func (d *Daemon) String() string {
	return fmt.Sprintf("hostd://%s", d.target)
}

// Close releases the underlying connection.
func (d *Daemon) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// Exec implements Executor.
func (d *Daemon) Exec(ctx context.Context, command string, sink Sink) (int, error) {
	if sink == nil {
		sink = Discard
	}
	stream, err := hostdapi.OpenExec(ctx, d.conn, command)
	if err != nil {
		return -1, wrap("exec", d.target, err)
	}
	for {
		msg := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return -1, wrap("recv", d.target, err)
		}
		name, data, err := hostdapi.DecodeChunk(msg)
		if err != nil {
			return -1, wrap("decode", d.target, err)
		}
		if len(data) > 0 {
			sink(name, data)
		}
	}
	code, err := hostdapi.ExitCode(stream.Trailer())
	if err != nil {
		return -1, wrap("exec", d.target, err)
	}
	return code, nil
}
