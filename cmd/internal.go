package cmd

import (
	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
)

// NewInternalCommand is the entry point the CLI forks when it starts the
// daemon in the background.
func NewInternalCommand() *cobra.Command {
	internalCmd := &cobra.Command{
		Use:    "internal-daemon-start",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New()
			d.Run()
		},
	}

	return internalCmd
}
