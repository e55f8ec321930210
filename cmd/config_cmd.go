package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/internal/session"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration (secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
				os.Exit(1)
			}

			data, _ := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			_, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Default()

			name, err := promptString("Bot name", "", cfg.Bot.Name, nil)
			if err != nil {
				return err
			}
			cfg.Bot.Name = name

			port, err := promptString("Dashboard port", "", strconv.Itoa(cfg.Gateway.Port), func(s string) error {
				n, err := strconv.Atoi(s)
				if err != nil || n <= 0 || n > 65535 {
					return errors.New("enter a port between 1 and 65535")
				}
				return nil
			})
			if err != nil {
				return err
			}
			cfg.Gateway.Port, _ = strconv.Atoi(port)

			token, err := promptString("Dashboard token", "Leave empty to keep the dashboard open", "", nil)
			if err != nil {
				return err
			}
			cfg.Gateway.Token = token

			usePairing, err := promptConfirm("Log in with a pairing code instead of a QR code?", false)
			if err != nil {
				return err
			}
			if usePairing {
				cc := cfg.Session.DefaultCountryCode
				phone, err := promptString("Phone number", "International format, e.g. 6281234567890", "", func(s string) error {
					_, err := session.NormalizePhone(s, cc)
					return err
				})
				if err != nil {
					return err
				}
				cfg.Session.PairingNumber, _ = session.NormalizePhone(phone, cc)
			}

			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			if dir := filepath.Dir(cfgPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("Config written to %s. Start the bot with `knightbot serve`.\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
