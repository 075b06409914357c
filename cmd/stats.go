// Package cmd implements CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the Otus daemon for runtime statistics.

Shows: hostname, the total number of started aggregator workers, and the
message bus endpoint count.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd)
	},
}

func runStats(cmd *cobra.Command) error {
	result, err := cli.Query(cmd.Context(), "daemon_stats")
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}

	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(resultJSON))
	return nil
}
