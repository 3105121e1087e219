package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/wharf/internal/cli/config"
	"github.com/antonkrylov/wharf/internal/client"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			look, _ := exec.LookPath("wharf")
			fmt.Fprintf(out, "wharf_executable=%s\n", strings.TrimSpace(exe))
			if look != "" {
				fmt.Fprintf(out, "wharf_on_path=%s\n", look)
				absExe, _ := filepath.EvalSymlinks(exe)
				absLook, _ := filepath.EvalSymlinks(look)
				if absExe != "" && absLook != "" && absExe != absLook {
					fmt.Fprintln(out, "warning=you_are_not_running_the_same_wharf_as_on_PATH")
				}
			}
			fmt.Fprintf(out, "wharf_home=%s\n", cliconfig.DefaultConfigDir())

			fmt.Fprintf(out, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err)
				return nil
			}
			fmt.Fprintf(out, "config_present=%t\n", cfg != nil)
			if cfg != nil {
				printContexts(out, cfg)
			}

			d, _ := loadDokku(root.configPath)
			opts, err := d.TransportOptions()
			if err != nil {
				fmt.Fprintf(out, "transport_error=%s\n", err)
				return nil
			}
			fmt.Fprintf(out, "dokku_host=%s\n", opts.SSH.Host)
			fmt.Fprintf(out, "ssh_key=%s present=%t\n", opts.SSH.KeyPath, fileExists(opts.SSH.KeyPath))
			fmt.Fprintf(out, "known_hosts=%s present=%t\n", opts.SSH.KnownHostsPath, fileExists(opts.SSH.KnownHostsPath))
			if opts.DaemonSocket != "" {
				fmt.Fprintf(out, "daemon_socket=%s present=%t\n", opts.DaemonSocket, fileExists(opts.DaemonSocket))
			}

			conn, err := client.ResolveConnection(root.configPath, root.contextName, root.server, root.timeout)
			if err != nil {
				fmt.Fprintf(out, "server_error=%s\n", err)
				return nil
			}
			fmt.Fprintf(out, "server=%s\n", conn.Server)
			c, err := client.New(conn, nil)
			if err != nil {
				fmt.Fprintf(out, "server_error=%s\n", err)
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), conn.Timeout)
			defer cancel()
			if err := c.Status(ctx); err != nil {
				fmt.Fprintf(out, "server_status=%s\n", err)
				return nil
			}
			fmt.Fprintln(out, "server_status=ok")
			return nil
		},
	}
}

func printContexts(out io.Writer, cfg *cliconfig.Config) {
	fmt.Fprintf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
	names := make([]string, 0, len(cfg.Contexts))
	for k := range cfg.Contexts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cfg.Contexts[name]
		if c == nil {
			continue
		}
		fmt.Fprintf(out, "context=%s server=%s timeout=%s\n", name, strings.TrimSpace(c.Server), c.Timeout())
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
