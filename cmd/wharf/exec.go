package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/wharf/internal/transport"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var (
		host    string
		port    int
		user    string
		socket  string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "exec <command> [args...]",
		Short: "Run one dokku command directly and stream its output",
		Example: `  wharf exec apps:list
  wharf exec --host dokku.example.com config my-app`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := loadDokku(root.configPath)
			if err != nil {
				return err
			}
			if host != "" {
				d.Host = host
			}
			if port != 0 {
				d.Port = port
			}
			if user != "" {
				d.User = user
			}
			if socket != "" {
				d.DaemonSocket = socket
			}
			opts, err := d.TransportOptions()
			if err != nil {
				return err
			}
			if opts.SSH.Host == "" && opts.DaemonSocket == "" {
				return fmt.Errorf("no dokku host configured (use --host, WHARF_DOKKU_HOST or the config file)")
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			exec := transport.NewAuto(opts, logger)
			defer exec.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			command := strings.Join(args, " ")
			printer := newOutputPrinter(os.Stdout, os.Stderr, term.IsTerminal(int(os.Stdout.Fd())))
			start := time.Now()
			code, err := exec.Exec(ctx, command, printer.Sink)
			if err != nil {
				printer.Status(command, false, err.Error(), time.Since(start))
				return err
			}
			if code != 0 {
				printer.Status(command, false, fmt.Sprintf("exit %d", code), time.Since(start))
				return &exitError{code: code}
			}
			if verbose {
				printer.Status(command, true, exec.String(), time.Since(start))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "dokku host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "SSH port")
	cmd.Flags().StringVar(&user, "user", "", "SSH user (default dokku)")
	cmd.Flags().StringVar(&socket, "socket", "", "hostd socket, used instead of SSH when present")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log transport details and print a status line")
	return cmd
}

func newKeygenCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print the public key dokku must trust, creating the key pair if needed",
		Long: `Prints the wharf public key in authorized_keys format. Install it on the
dokku host with:

  wharf keygen | ssh root@dokku.example.com dokku ssh-keys:add wharf`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := loadDokku(root.configPath)
			if err != nil {
				return err
			}
			opts, err := d.TransportOptions()
			if err != nil {
				return err
			}
			line, err := transport.AuthorizedKey(opts.SSH.KeyPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}
}
