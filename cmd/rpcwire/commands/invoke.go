package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/rpcwire"
	"github.com/opd-ai/rpcwire/tl/schema"
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func invokeCmd() *cobra.Command {
	var (
		timeout time.Duration
		retries int
		follow  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invoke METHOD [JSON-ARGS]",
		Short: "Call a schema method and print the result as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte("{}")
			if len(args) == 2 {
				raw = []byte(args[1])
			}
			ctx, cancel := withTimeout(cmd.Context(), timeout*time.Duration(retries+1)+follow)
			defer cancel()
			c, release, err := dial(ctx)
			if err != nil {
				return err
			}
			defer release()

			params, err := c.Args(args[0], raw)
			if err != nil {
				return err
			}
			if follow > 0 {
				stop := c.Subscribe(func(ev rpcwire.Event) {
					printEvent(ev)
				})
				defer stop()
			}
			v, err := c.Invoke(ctx, args[0], params, rpcwire.InvokeOptions{Timeout: timeout, Retries: retries})
			if err != nil {
				return err
			}
			b, err := schema.MarshalValue(v)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(b))

			if follow > 0 {
				select {
				case <-time.After(follow):
				case <-ctx.Done():
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for each attempt")
	cmd.Flags().IntVar(&retries, "retries", 0, "resends with a fresh id after a timeout or a lost answer")
	cmd.Flags().DurationVar(&follow, "follow", 0, "keep printing pushes for this long after the result")
	return cmd
}

func printEvent(ev rpcwire.Event) {
	if ev.NewSession {
		fmt.Fprintf(out, "# new session (msg %d)\n", ev.MsgID)
		return
	}
	b, err := schema.MarshalValue(ev.Value)
	if err != nil {
		fmt.Fprintf(out, "# push %d: %v\n", ev.MsgID, err)
		return
	}
	fmt.Fprintf(out, "# push %d\n%s\n", ev.MsgID, b)
}
