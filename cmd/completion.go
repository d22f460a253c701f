package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/daemon"
)

// profileCompletionFunc completes profile names from the loaded
// configuration.
func profileCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if core.Config == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return core.Config.ProfileNames(), cobra.ShellCompDirectiveNoFileComp
}

// activeProfileCompletionFunc asks the daemon for its status and completes
// only profiles with a live session.
func activeProfileCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	response, err := daemon.SendCommand("STATUS")
	if err != nil {
		// Daemon not running means nothing to disconnect
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	jsonBytes, _ := json.Marshal(response.Data)
	report := daemon.StatusReport{}
	json.Unmarshal(jsonBytes, &report)

	var active []string
	for _, snap := range report.Sessions {
		if snap.State.Active() {
			active = append(active, snap.Profile)
		}
	}
	return active, cobra.ShellCompDirectiveNoFileComp
}
