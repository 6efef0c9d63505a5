package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func handshakeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Establish a session, negotiating an auth key if none is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd.Context(), timeout)
			defer cancel()
			c, release, err := dial(ctx)
			if err != nil {
				return err
			}
			err = c.Connect(ctx)
			if err == nil {
				stats, _ := c.Stats()
				fmt.Fprintf(out, "session %016x %s\n", uint64(stats.SessionID), c.ConnectionState())
			}
			// The store is reopened below, so the client must be gone.
			release()
			if err != nil {
				return err
			}
			return printState()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}
