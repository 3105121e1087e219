package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	cliconfig "github.com/antonkrylov/wharf/internal/cli/config"
	"github.com/antonkrylov/wharf/internal/hostd"
)

func main() {
	var (
		socketPath = flag.String("socket", "/var/run/wharf/hostd.sock", "unix socket to serve on (WHARF_DAEMON_SOCKET)")
		dokkuBin   = flag.String("dokku", hostd.DefaultCommand, "dokku binary the command lines are passed to (WHARF_HOSTD_DOKKU)")
		workdir    = flag.String("workdir", "", "working directory of commands (defaults to the daemon's)")
		logJSON    = flag.Bool("log-json", false, "emit logs as JSON")
	)
	var env stringSliceFlag
	flag.Var(&env, "env", "KEY=VALUE added to the command environment; repeatable")
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if *logJSON {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)

	if os.Getenv("WHARF_DAEMON_SOCKET") != "" && !flagSet("socket") {
		*socketPath = os.Getenv("WHARF_DAEMON_SOCKET")
	}
	cliconfig.ApplyEnvFallback(workdir, "WHARF_HOSTD_WORKDIR")
	if os.Getenv("WHARF_HOSTD_DOKKU") != "" && !flagSet("dokku") {
		*dokkuBin = os.Getenv("WHARF_HOSTD_DOKKU")
	}

	local := &hostd.Local{
		Command: *dokkuBin,
		Dir:     *workdir,
		Env:     env,
		Logger:  logger,
	}
	grpcServer := grpc.NewServer()
	hostd.NewServer(local, logger).Register(grpcServer)
	reflection.Register(grpcServer)

	lis, err := hostd.Listen(*socketPath)
	if err != nil {
		logger.Error("listen", "socket", *socketPath, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down hostd")
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
	}()

	logger.Info("hostd ready", "socket", *socketPath, "dokku", *dokkuBin)
	if err := grpcServer.Serve(lis); err != nil {
		logger.Error("grpc serve", "err", err)
		os.Exit(1)
	}
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
