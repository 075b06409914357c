// Package cmd implements CLI commands.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/daemon"
	"firestige.xyz/otus/internal/log"
)

// daemonCmd runs the otus daemon in the foreground: the message bus, every
// correlation engine shard (SIP transaction, SIP call, RTP-R session, SDP
// registry) and the control socket, until a shutdown signal or command
// arrives.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run Otus daemon in foreground",
	Long: `Run the Otus daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Start the message bus and every correlation engine shard
     (SIP transaction, SIP call, RTP-R session, SDP registry)
  4. Handle signals and control commands for graceful shutdown/reload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var daemonPidFile string

func init() {
	daemonCmd.Flags().StringVarP(&daemonPidFile, "pidfile", "p", "/var/run/otus.pid", "PID file path")
}

func runDaemon() error {
	d, err := daemon.New(configFile, socketPath, daemonPidFile)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}

	if err := d.Run(); err != nil {
		log.GetLogger().WithError(err).Warn("cmd: daemon exited with error")
		return err
	}
	return nil
}
