// Package cmd implements CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the Otus daemon for its overall status.

Shows: hostname, uptime, number of running aggregator shards and bus
endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd)
	},
}

func runStatus(cmd *cobra.Command) error {
	result, err := cli.Query(cmd.Context(), "daemon_status")
	if err != nil {
		return fmt.Errorf("failed to query daemon status: %w", err)
	}

	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(resultJSON))
	return nil
}
