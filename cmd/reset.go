package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

func NewResetCommand() *cobra.Command {
	resetCmd := &cobra.Command{
		Use:   "reset [profile]",
		Short: "Reset reconnect retry counters",
		Long: `Reset the retry counter for one session, or for all of them.

A session waiting out a reconnect countdown retries immediately. Useful
after fixing the network instead of waiting for the next backoff step.

Connected sessions are unaffected.`,
		Args:              cobra.RangeArgs(0, 1),
		ValidArgsFunction: activeProfileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			daemon.CheckVersionMismatch()

			command := "RESET"
			if len(args) == 1 {
				command += " " + args[0]
			}
			response, err := daemon.SendCommand(command)
			if err != nil {
				slog.Error("Could not connect to daemon. Is fortid running?")
				os.Exit(1)
			}
			response.LogMessages()
			if response.HasErrors() {
				os.Exit(1)
			}
		},
	}

	return resetCmd
}
