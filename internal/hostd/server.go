package hostd

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/wharf/internal/hostd/hostdapi"
	"github.com/antonkrylov/wharf/internal/transport"
)

// Server implements hostdapi.CommandServer on top of any executor.
type Server struct {
	exec   transport.Executor
	logger *slog.Logger
}

// NewServer wires an executor into a gRPC service implementation.
func NewServer(exec transport.Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = discard
	}
	return &Server{exec: exec, logger: logger}
}

// Register attaches the command service to srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&hostdapi.ServiceDesc, s)
}

// Exec streams the command's output and reports the exit status in the
// trailer.
func (s *Server) Exec(command string, stream grpc.ServerStream) error {
	if strings.TrimSpace(command) == "" {
		return status.Error(codes.InvalidArgument, "command is required")
	}
	var (
		mu      sync.Mutex
		sendErr error
	)
	forward := func(name string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		if sendErr != nil {
			return
		}
		sendErr = stream.SendMsg(hostdapi.EncodeChunk(name, data))
	}
	code, err := s.exec.Exec(stream.Context(), command, forward)
	if err != nil {
		if stream.Context().Err() != nil {
			return status.FromContextError(stream.Context().Err()).Err()
		}
		s.logger.Error("command failed to run", "command", command, "err", err)
		return status.Errorf(codes.Internal, "exec: %v", err)
	}
	if sendErr != nil {
		s.logger.Warn("forward output failed", "command", command, "err", sendErr)
		return sendErr
	}
	stream.SetTrailer(hostdapi.ExitTrailer(code))
	s.logger.Info("command finished", "command", command, "exit", code)
	return nil
}

// Listen opens the unix socket at path, replacing a stale socket file left
// by a previous run.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, errors.New("refusing to replace non-socket file " + path)
		}
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o660); err != nil {
		lis.Close()
		return nil, err
	}
	return lis, nil
}
