// Package commands implements the tasctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client issues introspection RPCs against tasd, initialized in
	// PersistentPreRunE once --addr is known.
	client *introspectionClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's introspection RPC address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for tasctl.
var rootCmd = &cobra.Command{
	Use:   "tasctl",
	Short: "CLI client for the tasd acceleration daemon",
	Long:  "tasctl communicates with the tasd daemon via ConnectRPC to inspect flows, listeners, applications, and daemon status.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newIntrospectionClient(http.DefaultClient, "http://"+serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50051",
		"tasd introspection RPC address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(appCmd())
	rootCmd.AddCommand(listenerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
