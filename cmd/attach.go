package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/daemon"
)

func NewAttachCommand() *cobra.Command {
	var lines int

	attachCmd := &cobra.Command{
		Use:   "attach <profile>",
		Short: "Follow one session's event feed",
		Long: `Attach to a session and stream its events in real-time: state
transitions, tunnel client output, and reconnect countdowns.

Useful for watching a SAML sign-in complete, or a reconnect ladder tick
down after a network drop.

Press Ctrl+C to detach; the session keeps running.

For daemon-level logs across all sessions, use 'fortid logs' instead.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			profile := args[0]

			if _, err := daemon.SendCommand("STATUS"); err != nil {
				slog.Error("Daemon is not running. Use 'fortid connect' to start a session.")
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			conn, err := net.Dial("unix", core.GetSocketPath())
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to connect to daemon: %v", err))
				os.Exit(1)
			}
			defer conn.Close()

			command := fmt.Sprintf("ATTACH %s %d\n", profile, lines)
			if _, err := conn.Write([]byte(command)); err != nil {
				slog.Error(fmt.Sprintf("Failed to send ATTACH command: %v", err))
				os.Exit(1)
			}

			done := make(chan bool)
			go func() {
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						if err != io.EOF {
							// Normal disconnect, nothing to report
						}
						done <- true
						return
					}
					fmt.Print(line)
				}
			}()

			select {
			case <-sigChan:
				fmt.Println("\nDetached.")
			case <-done:
				fmt.Println("Daemon closed the stream.")
			}
		},
	}

	attachCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of buffered events to replay on attach")

	return attachCmd
}
