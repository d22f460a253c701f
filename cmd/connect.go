package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewConnectCommand() *cobra.Command {
	connectCmd := &cobra.Command{
		Use:               "connect <profile>",
		Aliases:           []string{"c", "up"},
		Short:             "Connect a VPN session",
		Long:              `Connect the named profile, starting the daemon first if needed.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]
			daemon.EnsureDaemonIsRunning()
			daemon.CheckVersionMismatch()

			response, err := daemon.SendStreamingCommand("CONNECT "+name, logProgress)
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

	return connectCmd
}

// logProgress relays streamed progress frames through the client logger.
func logProgress(message, status string) {
	switch status {
	case daemon.StatusWarn:
		slog.Warn(message)
	case daemon.StatusError:
		slog.Error(message)
	default:
		slog.Info(message)
	}
}
