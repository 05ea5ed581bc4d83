package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/visorcraft/idlehands/pkg/idlehands/engine"
)

// newConfigCmd creates the `idlehands config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage IdleHands configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(), newConfigVaultSetCmd(), newConfigProfilesCmd())
	return cmd
}

// newConfigProfilesCmd creates the `idlehands config profiles` group,
// wrapping SettingsManager's custom tool-profile store (settings.yaml,
// separate from config.yaml since profiles change far less often than
// model/provider settings).
func newConfigProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List or manage custom tool profiles",
	}
	cmd.AddCommand(newConfigProfilesListCmd(), newConfigProfilesDeleteCmd())
	return cmd
}

func newConfigProfilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and custom tool profiles",
		RunE: func(_ *cobra.Command, _ []string) error {
			sm := engine.NewSettingsManager()
			for _, p := range sm.ListProfilesInfo() {
				kind := "custom"
				if p.Builtin {
					kind = "builtin"
				}
				fmt.Printf("%-12s %-8s %s\n", p.Name, kind, p.Description)
			}
			return nil
		},
	}
}

func newConfigProfilesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a custom tool profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			sm := engine.NewSettingsManager()
			return sm.DeleteProfile(args[0])
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml in the current directory",
		RunE: func(_ *cobra.Command, _ []string) error {
			const target = "config.yaml"
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("%s already exists", target)
			}
			return engine.SaveConfigToFile(engine.DefaultConfig(), target)
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Printf("name:  %s\n", cfg.Name)
			fmt.Printf("model: %s\n", cfg.Model)
			fmt.Printf("api:   %s (provider=%s)\n", cfg.API.BaseURL, cfg.API.Provider)
			fmt.Printf("credentials: %s\n", engine.CredentialStatus(cfg))
			return nil
		},
	}
}

func newConfigVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vault-set [api-key]",
		Short: "Store an API key in the OS keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			logger := slog.Default()
			if !engine.KeyringAvailable() {
				return fmt.Errorf("OS keyring is not available on this system")
			}
			apiKey := ""
			if len(args) == 1 {
				apiKey = args[0]
			} else {
				key, err := engine.ReadSecret("API key: ")
				if err != nil {
					return err
				}
				apiKey = key
			}
			if apiKey == "" {
				return fmt.Errorf("no API key provided")
			}
			return engine.MigrateKeyToKeyring(apiKey, logger)
		},
	}
}
