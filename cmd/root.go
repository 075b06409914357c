// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/daemon"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "otus",
	Short: "Otus - passive VoIP correlation engine and observability daemon",
	Long: `Otus passively correlates SIP signaling and RTP-R quality reports into
call and session records, enriched with SDP pushed from registered agents,
and reports them to a document store or other backends.

Features:
  - SIP transaction/call aggregation and RTP-R session aggregation
  - Agent registry with SDP push over UDP
  - Local control: CLI via Unix Domain Socket
  - Flexible deployment: physical, VM, container`,
	Version:           "0.1.0",
	PersistentPreRunE: ensureDaemonAndConnect,
	PersistentPostRun: closeClient,
}

// ensureDaemonAndConnect makes sure a daemon is listening on socketPath
// (auto-spawning one if not) and installs a control-plane client, except
// for commands that manage the daemon process itself.
func ensureDaemonAndConnect(cmd *cobra.Command, args []string) error {
	switch cmd.Name() {
	case "daemon":
		return nil
	case "start":
		if cmd.Flag("foreground") != nil && cmd.Flag("foreground").Value.String() == "true" {
			return nil
		}
	}

	if err := daemon.EnsureDaemonRunning(socketPath, "/var/run/otus.pid", configFile); err != nil {
		return fmt.Errorf("failed to ensure daemon: %w", err)
	}

	cli = newUDSClient(socketPath)
	return nil
}

func closeClient(cmd *cobra.Command, args []string) {
	if cli != nil {
		cli.Close()
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/otus/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/otus.sock",
		"daemon socket path")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
}
