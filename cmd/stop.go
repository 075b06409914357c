// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Otus daemon",
	Long: `Stop the Otus daemon gracefully.

This command sends a shutdown command to the running daemon via Unix Domain
Socket. The daemon closes the control socket, drains the message bus and
every aggregator shard, flushes the persistence sink, and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped successfully")
	return nil
}
