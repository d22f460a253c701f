package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the fortid daemon",
		Long: `Start the fortid daemon in the background.

The daemon manages VPN sessions and keeps running until explicitly
stopped with 'fortid stop'. Commands like 'fortid connect' start it
automatically; this command exists for init scripts and for starting
it ahead of time.

If the daemon is already running, this command reports its version.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err == nil {
				response, _ := daemon.SendCommand("VERSION")
				if response.Data != nil {
					if versionData, ok := response.Data.(map[string]interface{}); ok {
						if version, ok := versionData["version"].(string); ok {
							slog.Info(fmt.Sprintf("Daemon is already running (version %s)", version))
							return
						}
					}
				}
				slog.Info("Daemon is already running")
				return
			}

			slog.Info("Starting fortid daemon...")
			daemonCmd, err := daemon.StartDaemon()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				return
			}

			if err := daemon.WaitForDaemon(daemonCmd); err != nil {
				slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				return
			}

			slog.Info("Daemon started successfully")
		},
	}
}
