package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/wharf/internal/web/api"
)

func newTaskCmd(root *rootOptions) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Task operations against wharf-web",
	}
	taskCmd.AddCommand(newTaskSubmitCmd(root))
	taskCmd.AddCommand(newTaskWaitCmd(root))
	taskCmd.AddCommand(newTaskLogsCmd(root))
	taskCmd.AddCommand(newTaskListCmd(root))
	return taskCmd
}

func newTaskSubmitCmd(root *rootOptions) *cobra.Command {
	var (
		owner       string
		description string
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "submit <command> [command...]",
		Short: "Submit dokku commands as one task; each argument is one command line",
		Example: `  wharf task submit --owner my-app "ps:rebuild my-app"
  wharf task submit --wait "postgres:create db" "postgres:link db my-app"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			sub, err := c.Submit(ctx, api.SubmitRequest{Commands: args, Description: description, Owner: owner})
			cancel()
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), sub.TaskID)
				return nil
			}
			fmt.Fprintf(os.Stderr, "task %s submitted\n", sub.TaskID)
			if err := waitTask(cmd.Context(), root, sub.TaskID); err != nil {
				return err
			}
			// One step of the wait route records the outcome in the history.
			ctx, cancel = context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			d, err := c.Decide(ctx, sub)
			if err != nil {
				return err
			}
			if d.Message != "" {
				fmt.Fprintln(os.Stderr, d.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "app the task concerns; empty for a global task")
	cmd.Flags().StringVar(&description, "description", "", "description shown in the task history")
	cmd.Flags().BoolVar(&wait, "wait", false, "stream output until the task finishes")
	return cmd
}

func newTaskWaitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <task-id>",
		Short: "Stream a task's output until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitTask(cmd.Context(), root, args[0])
		},
	}
}

// waitTask polls at the pace the server asks for. The exit status follows
// the task's.
func waitTask(ctx context.Context, root *rootOptions, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := root.client()
	if err != nil {
		return err
	}
	printer := newOutputPrinter(os.Stdout, os.Stderr, term.IsTerminal(int(os.Stdout.Fd())))
	start := time.Now()
	st, err := c.Wait(ctx, id, printer.Write)
	if err != nil {
		return err
	}
	label := "task " + id
	if st.Description != "" {
		label = st.Description
	}
	if st.State != "succeeded" {
		printer.Status(label, false, st.Error, time.Since(start))
		code := st.ExitCode
		if code <= 0 {
			code = 1
		}
		return &exitError{code: code}
	}
	printer.Status(label, true, "", time.Since(start))
	return nil
}

func newTaskLogsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Print a task's recorded output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			v, err := c.Log(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task %s (%s)\n", v.TaskID, v.Description)
			if v.Owner != "" {
				fmt.Fprintf(out, "  Owner: %s\n", v.Owner)
			}
			if !v.Created.IsZero() {
				fmt.Fprintf(out, "  Created: %s\n", v.Created.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "  Outcome: %s\n", outcome(v))
			if v.Expired {
				fmt.Fprintln(out, "  Output: <expired>")
				return nil
			}
			fmt.Fprintln(out)
			fmt.Fprint(out, v.Output)
			return nil
		},
	}
}

func outcome(v api.LogView) string {
	switch {
	case v.Success == nil && v.State != "":
		return v.State
	case v.Success == nil:
		return "unknown"
	case *v.Success:
		return "succeeded"
	default:
		return "failed"
	}
}

func newTaskListCmd(root *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks held by the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), root.conn.Timeout)
			defer cancel()
			list, err := c.Tasks(ctx, owner)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK ID\tOWNER\tSTATE\tEXIT\tCREATED\tDESCRIPTION")
			for _, t := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", t.ID, t.Owner, t.State, t.ExitCode, t.Created.Format(time.RFC3339), t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only tasks of this app")
	return cmd
}
