package cmd

import (
	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

// NewDaemonCommand runs the daemon in the foreground. Useful under a
// process supervisor (systemd, launchd) or when debugging.
func NewDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:    "daemon",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			d.Run()
		},
	}

	return daemonCmd
}
