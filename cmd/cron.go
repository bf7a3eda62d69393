package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs on a running gateway",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Jobs []cron.Job `json:"jobs"`
			}
			if err := client.Call(cmd.Context(), protocol.MethodCronList, nil, &out); err != nil {
				return err
			}
			if len(out.Jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, j := range out.Jobs {
				next := "-"
				if j.State.NextRunAtMs > 0 {
					next = time.UnixMilli(j.State.NextRunAtMs).Format(time.RFC3339)
				}
				fmt.Printf("%s  %-20s  %-8s  enabled=%-5t  next=%s\n",
					j.ID, j.Name, j.Schedule.Kind, j.Enabled, next)
			}
			return nil
		},
	}
}

func cronAddCmd() *cobra.Command {
	var (
		name     string
		expr     string
		every    time.Duration
		at       string
		text     string
		target   string
		wakeMode string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Example: `  openclaw cron add --name standup --cron "0 9 * * 1-5" --text "Post the standup summary"
  openclaw cron add --every 30m --text "Check the build queue"
  openclaw cron add --at 2026-09-01T09:00:00Z --text "Remind me about the renewal"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text is required")
			}

			job := cron.Job{
				Name:          name,
				Enabled:       true,
				SessionTarget: target,
				WakeMode:      wakeMode,
				Payload:       cron.Payload{Kind: cron.PayloadSystemEvent, Text: text},
			}
			if target == cron.TargetSession {
				job.Payload.Kind = cron.PayloadMessage
			}
			switch {
			case expr != "":
				job.Schedule = cron.Schedule{Kind: cron.ScheduleCron, Expr: expr}
			case every > 0:
				job.Schedule = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: every.Milliseconds()}
			case at != "":
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				job.Schedule = cron.Schedule{Kind: cron.ScheduleAt, AtMs: ts.UnixMilli()}
			default:
				return fmt.Errorf("one of --cron, --every, --at is required")
			}

			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			var out struct {
				Job cron.Job `json:"job"`
			}
			if err := client.Call(cmd.Context(), protocol.MethodCronAdd, job, &out); err != nil {
				return err
			}
			fmt.Printf("added %s\n", out.Job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&expr, "cron", "", "5-field cron expression")
	cmd.Flags().DurationVar(&every, "every", 0, "fixed interval (e.g. 30m)")
	cmd.Flags().StringVar(&at, "at", "", "one-shot fire time, RFC3339")
	cmd.Flags().StringVar(&text, "text", "", "what the job tells the agent (or sends)")
	cmd.Flags().StringVar(&target, "target", cron.TargetAgent, "agent|session|direct")
	cmd.Flags().StringVar(&wakeMode, "wake", "", "now|next-heartbeat")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]string{"id": strings.TrimSpace(args[0])}
			if err := client.Call(cmd.Context(), protocol.MethodCronRemove, params, nil); err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fire a job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dialGateway(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			params := map[string]string{"id": strings.TrimSpace(args[0])}
			if err := client.Call(cmd.Context(), protocol.MethodCronRun, params, nil); err != nil {
				return err
			}
			fmt.Println("triggered")
			return nil
		},
	}
}
