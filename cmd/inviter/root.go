package main

import (
	"github.com/spf13/cobra"

	"inviter/internal/app"
	logx "inviter/pkg/logx"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "inviter",
		Short:         "Channel invite dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "./config.json", "path to config (json or yaml)")

	cmd.AddCommand(
		newWorkerCmd(opts),
		newEnqueueCmd(opts),
		newBulkCmd(opts),
		newStatusCmd(opts),
		newBatchCmd(opts),
		newDepthCmd(opts),
	)
	return cmd
}

// withClient opens the shared store and queue for a one-shot command.
func withClient(opts *rootOptions, fn func(c *app.Client) error) error {
	c, err := app.OpenClient(opts.configPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}
