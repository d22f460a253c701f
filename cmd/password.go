package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.fortid.dev/fortid/internal/core"
	"go.fortid.dev/fortid/internal/vault"
)

func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage stored VPN passwords",
		Long: `Store, delete, and list VPN passwords. Secrets live in the system
keyring (Keychain on macOS, Secret Service on Linux) and are handed to
the tunnel client on stdin, never on the command line.`,
	}

	var forP12 bool

	setCmd := &cobra.Command{
		Use:               "set <profile>",
		Short:             "Store a password for a profile",
		Long:              `Prompt for a password and store it for the named profile. With --p12 the secret is stored as the profile's PKCS#12 passphrase instead.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			if forP12 {
				key = vault.P12Key(key)
			}

			password, err := vault.PromptAndConfirmPassword(key)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}
			if err := vault.SetPassword(key, password); err != nil {
				slog.Error(fmt.Sprintf("Failed to store password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password stored securely for %q", key))
		},
	}
	setCmd.Flags().BoolVar(&forP12, "p12", false, "Store the PKCS#12 passphrase instead of the login password")

	var deleteP12 bool

	deleteCmd := &cobra.Command{
		Use:               "delete <profile>",
		Aliases:           []string{"del", "remove", "rm"},
		Short:             "Delete a stored password for a profile",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: profileCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			if deleteP12 {
				key = vault.P12Key(key)
			}

			if err := vault.DeletePassword(key); err != nil {
				slog.Error(fmt.Sprintf("Failed to delete password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password deleted for %q", key))
		},
	}
	deleteCmd.Flags().BoolVar(&deleteP12, "p12", false, "Delete the PKCS#12 passphrase instead of the login password")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List profiles with stored passwords",
		Long:    `List configured profiles that have a password in the system keyring.`,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if core.Config == nil || len(core.Config.Profiles) == 0 {
				slog.Info("No profiles configured")
				return
			}

			stored := []string{}
			for _, name := range core.Config.ProfileNames() {
				if vault.HasPassword(name) {
					stored = append(stored, name)
				}
				if vault.HasPassword(vault.P12Key(name)) {
					stored = append(stored, vault.P12Key(name))
				}
			}

			if len(stored) == 0 {
				slog.Info("No stored passwords found")
				return
			}

			fmt.Println("Profiles with stored passwords:")
			for _, name := range stored {
				fmt.Printf("  - %s\n", name)
			}
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd, listCmd)
	return passwordCmd
}
