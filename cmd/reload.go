package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewReloadCommand() *cobra.Command {
	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the daemon configuration",
		Long: `Re-read the configuration file without restarting the daemon.

Active sessions keep the settings they were started with; new connects
and reconnects pick up the new configuration. Sending SIGHUP to the
daemon does the same thing, as does editing the file (it is watched).`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("RELOAD")
			if err != nil {
				slog.Error("Daemon is not running. Use 'fortid start' instead.")
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}

	return reloadCmd
}
