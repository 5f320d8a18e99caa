package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"inviter/internal/app"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the audit history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *app.Client) error {
				recs, err := c.Invites.JobStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no records yet (job pending or unknown)")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tATTEMPT\tSTATUS\tREASON\tACCOUNT\tTARGET\tCHANNEL")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
						r.At.Local().Format(time.DateTime), r.Attempt, r.Status, dash(r.Reason), dash(r.Account), r.Target, r.Channel)
				}
				return tw.Flush()
			})
		},
	}
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "batch <batch-id>",
		Short: "Print the progress of a bulk batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *app.Client) error {
				b, err := c.Invites.BatchProgress(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "batch %s channel=%s progress=%d/%d done=%t\n",
					b.ID, b.Channel, b.Progress, b.Total, b.Done())
				return nil
			})
		},
	}
}

func newDepthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "depth",
		Short: "Print the invite backlog and the alert threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(opts, func(c *app.Client) error {
				rep, err := c.Monitor.Check(cmd.Context())
				if err != nil {
					return err
				}
				state := "ok"
				if rep.Over {
					state = "over threshold"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "depth=%d threshold=%d %s\n", rep.Depth, rep.Threshold, state)
				return nil
			})
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
