package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inviter/internal/app"
)

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "enqueue <phone|@handle>",
		Short: "Queue one invite job and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(c *app.Client) error {
				id, err := c.Invites.EnqueueInvite(cmd.Context(), args[0], channel)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "target channel (default: invite.channel_username)")
	return cmd
}
