package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewReconnectCommand() *cobra.Command {
	reconnectCmd := &cobra.Command{
		Use:               "reconnect <profile>",
		Aliases:           []string{"r"},
		Short:             "Reconnect a VPN session (disconnect then connect)",
		Long:              `Tear the named session down and dial it again with the current configuration.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]
			daemon.EnsureDaemonIsRunning()
			daemon.CheckVersionMismatch()

			response, err := daemon.SendStreamingCommand("RECONNECT "+name, logProgress)
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}

	return reconnectCmd
}
