package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var statePath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:           "fortid",
		Short:         "fortid - Fortinet SSL-VPN session manager",
		Long:          `fortid manages Fortinet SSL-VPN sessions through a background daemon driving openfortivpn.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose > 0 {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.DateTime,
			})))

			return core.InitializeConfig(configPath, statePath)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "",
		"config directory (default ~/"+core.BaseDirName+")")
	rootCmd.PersistentFlags().StringVar(&statePath, "state-path", "",
		"state directory for logs and the event journal (default ~/"+core.StateDirName+")")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewConnectCommand(),
		NewDisconnectCommand(),
		NewReconnectCommand(),
		NewStatusCommand(),
		NewAttachCommand(),
		NewLogsCommand(),
		NewEventsCommand(),
		NewPasswordCommand(),
		NewResetCommand(),
		NewReloadCommand(),
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewVersionCommand(),
		NewDaemonCommand(),
		NewInternalCommand(),
	)

	return rootCmd
}
