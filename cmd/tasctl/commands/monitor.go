package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func monitorCmd() *cobra.Command {
	var includeCurrent bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream flow state-transition events",
		Long:  "Connects to the tasd daemon and streams state-transition events until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := client.WatchEvents(ctx, includeCurrent)
			if err != nil {
				return fmt.Errorf("watch events: %w", err)
			}
			defer stream.Close()

			for stream.Receive() {
				out, fmtErr := formatEvent(*stream.Msg(), outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Println(out)
			}

			if err := stream.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&includeCurrent, "current", false,
		"include current flows before streaming changes")

	return cmd
}
