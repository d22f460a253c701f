package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/daemon"
	"go.fortid.dev/fortid/internal/session"
)

func NewStatusCommand() *cobra.Command {
	var showAll bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and all VPN sessions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand("STATUS")
			if err != nil {
				slog.Warn("No sessions (daemon is not running).")
				return
			}

			jsonBytes, _ := json.Marshal(response.Data)
			report := daemon.StatusReport{}
			json.Unmarshal(jsonBytes, &report)

			format, _ := cmd.Flags().GetString("format")
			switch format {
			case "text":
				printStatusText(report, showAll)
			case "json":
				fmt.Println(string(jsonBytes))
			default:
				slog.Error("unknown format")
				os.Exit(1)
			}
		},
	}
	statusCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	statusCmd.Flags().BoolVarP(&showAll, "all", "a", false, "Include configured profiles without a session")

	return statusCmd
}

func printStatusText(report daemon.StatusReport, showAll bool) {
	fmt.Printf("Daemon %s (PID %d), up since %s\n",
		core.FormatVersion(report.Version), report.PID, humanize.Time(report.StartedAt))

	known := make(map[string]bool, len(report.Sessions))
	for _, snap := range report.Sessions {
		known[snap.Profile] = true
	}

	if len(report.Sessions) == 0 && !showAll {
		configured := 0
		if core.Config != nil {
			configured = len(core.Config.Profiles)
		}
		fmt.Printf("No sessions. %d profile(s) configured; use `fortid connect <profile>`.\n", configured)
		return
	}

	fmt.Println("Sessions:")
	now := time.Now()
	for _, snap := range report.Sessions {
		fmt.Println(formatSessionLine(snap, now))
	}

	if showAll && core.Config != nil {
		for _, name := range core.Config.ProfileNames() {
			if known[name] {
				continue
			}
			p := core.Config.Profiles[name]
			fmt.Println(formatSessionLine(session.Snapshot{
				Profile: name,
				State:   session.StateIdle,
				Gateway: p.Address(),
				Auth:    p.Auth,
			}, now))
		}
	}
}

// formatSessionLine renders one session as a status row. The shape varies
// by state: connected rows show tunnel facts, reconnecting rows show the
// countdown, terminal rows show how the session ended.
func formatSessionLine(snap session.Snapshot, now time.Time) string {
	line := fmt.Sprintf("  - %-12s %-14s %s", snap.Profile, snap.State, snap.Gateway)

	switch snap.State {
	case session.StateConnected:
		if snap.Interface != "" {
			line += fmt.Sprintf("  %s", snap.Interface)
		}
		if snap.VirtualIP != "" {
			line += fmt.Sprintf(" %s", snap.VirtualIP)
		}
		line += fmt.Sprintf("  up %s", snap.Uptime(now).Round(time.Second))
		if snap.PartialRouting {
			line += "  [partial routing]"
		}
	case session.StateReconnecting:
		if snap.MaxRetries > 0 {
			line += fmt.Sprintf("  retry %d/%d", snap.Attempt, snap.MaxRetries)
		} else {
			line += fmt.Sprintf("  retry %d", snap.Attempt)
		}
		if snap.NextRetryIn > 0 {
			line += fmt.Sprintf(" in %ds", snap.NextRetryIn)
		}
		if snap.LastError != "" {
			line += fmt.Sprintf(" (%s)", snap.LastError)
		}
	case session.StateFailed, session.StateDisconnected:
		if snap.LastError != "" {
			line += fmt.Sprintf("  %s", snap.LastError)
		}
	}

	return line
}
