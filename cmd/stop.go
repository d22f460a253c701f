package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the fortid daemon",
		Long: `Stop the fortid daemon.

Every active session is disconnected first: tunnel clients are
terminated and routes and DNS entries are reverted before the daemon
exits.`,
		Aliases: []string{"shutdown", "quit"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			response, err := daemon.SendCommand("STOP")
			if err != nil {
				slog.Warn("Daemon is not running")
				return
			}
			response.LogMessages()

			if err := daemon.WaitForDaemonStop(); err != nil {
				slog.Warn("Daemon did not shut down within timeout, but stop command was sent")
				return
			}
			slog.Debug("Daemon shutdown confirmed")
		},
	}
}
