package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewRestartCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the fortid daemon",
		Long: `Restart the fortid daemon.

Active sessions are disconnected during the restart and are not
reconnected automatically; run 'fortid connect' afterwards. This is the
way to pick up a new fortid binary after an upgrade.

For configuration changes alone, 'fortid reload' keeps sessions up.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := daemon.SendCommand("STATUS"); err != nil {
				if !quiet {
					slog.Error("Daemon is not running. Use 'fortid start' instead.")
				}
				return
			}

			if !quiet {
				slog.Info("Restarting daemon...")
			}

			if _, err := daemon.SendCommand("STOP"); err != nil {
				if !quiet {
					slog.Error(fmt.Sprintf("Failed to stop daemon: %v", err))
				}
				return
			}

			if err := daemon.WaitForDaemonStop(); err != nil {
				if !quiet {
					slog.Warn(fmt.Sprintf("Daemon stop verification failed: %v", err))
				}
			}

			daemonCmd, err := daemon.StartDaemon()
			if err != nil {
				if !quiet {
					slog.Error(fmt.Sprintf("Failed to start daemon: %v", err))
				}
				return
			}

			if err := daemon.WaitForDaemon(daemonCmd); err != nil {
				if !quiet {
					slog.Error(fmt.Sprintf("Daemon failed to start: %v", err))
				}
				return
			}

			if !quiet {
				slog.Info("Daemon restarted successfully")
			}
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress output")

	return cmd
}
