package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func flowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Inspect fast-path flows",
	}

	cmd.AddCommand(flowListCmd())
	cmd.AddCommand(flowShowCmd())

	return cmd
}

func flowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every flow tracked across all fast-path cores",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			flows, err := client.ListFlows(context.Background())
			if err != nil {
				return fmt.Errorf("list flows: %w", err)
			}

			out, err := formatFlows(flows, outputFormat)
			if err != nil {
				return fmt.Errorf("format flows: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func flowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id>",
		Short: "Show details of a single flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("parse flow_id %q: %w", args[0], err)
			}

			flow, err := client.GetFlow(context.Background(), uint32(id))
			if err != nil {
				return fmt.Errorf("get flow: %w", err)
			}

			out, err := formatFlow(flow, outputFormat)
			if err != nil {
				return fmt.Errorf("format flow: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func appCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Inspect registered applications",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every registered application",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			apps, err := client.ListApps(context.Background())
			if err != nil {
				return fmt.Errorf("list apps: %w", err)
			}

			out, err := formatApps(apps, outputFormat)
			if err != nil {
				return fmt.Errorf("format apps: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	})
	return cmd
}

func listenerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Inspect slow-path listeners",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every slow-path listener",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			lns, err := client.ListListeners(context.Background())
			if err != nil {
				return fmt.Errorf("list listeners: %w", err)
			}

			out, err := formatListeners(lns, outputFormat)
			if err != nil {
				return fmt.Errorf("format listeners: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	})
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon-wide health summary",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			status, err := client.Status(context.Background())
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			out, err := formatStatus(status, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}
