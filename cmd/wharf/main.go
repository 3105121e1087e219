package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/wharf/internal/cli/config"
	"github.com/antonkrylov/wharf/internal/client"
)

type rootOptions struct {
	server      string
	timeout     time.Duration
	configPath  string
	contextName string
	conn        *client.Connection
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.server, r.timeout)
	if err != nil {
		return err
	}
	r.conn = resolved
	return nil
}

func (r *rootOptions) client() (*client.Client, error) {
	return client.New(r.conn, nil)
}

// exitError carries a remote exit status out of RunE.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "wharf",
		Short:         "CLI for dokku hosts and the wharf dashboard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("WHARF_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to wharf config file (default $HOME/.wharf/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "wharf-web URL (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "request timeout; defaults to config or 30s")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// only the task commands talk to wharf-web
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "task" {
				return opts.prepare()
			}
		}
		return nil
	}

	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newKeygenCmd(opts))
	rootCmd.AddCommand(newTaskCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadDokku reads the dokku section of the config, then applies WHARF_*
// variables to whatever it leaves empty.
func loadDokku(configPath string) (cliconfig.Dokku, error) {
	cfg, err := cliconfig.Load(configPath)
	if err != nil {
		return cliconfig.Dokku{}, err
	}
	var d cliconfig.Dokku
	if cfg != nil {
		d = cfg.Dokku
	}
	d.ApplyEnv()
	return d, nil
}
