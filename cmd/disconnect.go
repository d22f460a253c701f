package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewDisconnectCommand() *cobra.Command {
	disconnectCmd := &cobra.Command{
		Use:               "disconnect [profile]",
		Aliases:           []string{"d", "down"},
		Short:             "Disconnect a VPN session",
		Long:              `Disconnect the named session, or every active session when no profile is given.`,
		Args:              cobra.RangeArgs(0, 1),
		ValidArgsFunction: activeProfileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			command := "DISCONNECT"
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				// Typically means the daemon was not running in the first place
				slog.Error("Could not connect to daemon. Nothing to disconnect.")
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}

	return disconnectCmd
}
