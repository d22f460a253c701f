package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/daemon"
	"go.fortid.dev/fortid/internal/db"
)

func NewEventsCommand() *cobra.Command {
	var limit int
	var daemonEvents bool

	eventsCmd := &cobra.Command{
		Use:     "events [profile]",
		Aliases: []string{"history"},
		Short:   "Show recent session events from the journal",
		Long: `Show recent session events recorded by the daemon: transitions,
warnings, and orphan sweeps. Without a profile, events for every
profile are shown. With --daemon, daemon lifecycle events (starts,
stops, config reloads) are shown instead.`,
		Args:              cobra.RangeArgs(0, 1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			profile := "-"
			if len(args) == 1 {
				profile = args[0]
			}
			if daemonEvents {
				if len(args) == 1 {
					slog.Error("--daemon cannot be combined with a profile name")
					os.Exit(1)
				}
				profile = "@daemon"
			}

			response, err := daemon.SendCommand(fmt.Sprintf("EVENTS %s %d", profile, limit))
			if err != nil {
				slog.Error("Could not connect to daemon. Is fortid running?")
				os.Exit(1)
			}
			if response.HasErrors() {
				response.LogMessages()
				os.Exit(1)
			}

			jsonBytes, _ := json.Marshal(response.Data)
			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				fmt.Println(string(jsonBytes))
				return
			}

			if daemonEvents {
				var events []db.DaemonEvent
				if err := json.Unmarshal(jsonBytes, &events); err != nil {
					slog.Error(fmt.Sprintf("Failed to parse events: %v", err))
					os.Exit(1)
				}
				if len(events) == 0 {
					fmt.Println("No daemon events recorded.")
					return
				}
				for _, ev := range events {
					fmt.Println(formatDaemonEventLine(ev))
				}
				return
			}

			var events []db.SessionEvent
			if err := json.Unmarshal(jsonBytes, &events); err != nil {
				slog.Error(fmt.Sprintf("Failed to parse events: %v", err))
				os.Exit(1)
			}
			if len(events) == 0 {
				fmt.Println("No events recorded.")
				return
			}
			for _, ev := range events {
				fmt.Println(formatEventLine(ev))
			}
		},
	}

	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events to show")
	eventsCmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
	eventsCmd.Flags().BoolVar(&daemonEvents, "daemon", false, "Show daemon lifecycle events instead of session events")

	return eventsCmd
}

// formatEventLine renders one journal entry, newest-first order preserved.
func formatEventLine(ev db.SessionEvent) string {
	when := ev.Timestamp.Local().Format(time.DateTime)

	line := fmt.Sprintf("%s (%s)  %-12s %s", when, humanize.Time(ev.Timestamp), ev.Profile, ev.EventType)
	if ev.Class != "" {
		line += fmt.Sprintf(" [%s]", ev.Class)
	}
	if ev.Details != "" {
		line += fmt.Sprintf(": %s", ev.Details)
	}
	return line
}

func formatDaemonEventLine(ev db.DaemonEvent) string {
	when := ev.Timestamp.Local().Format(time.DateTime)

	line := fmt.Sprintf("%s (%s)  %s", when, humanize.Time(ev.Timestamp), ev.EventType)
	if ev.Details != "" {
		line += fmt.Sprintf(": %s", ev.Details)
	}
	return line
}
