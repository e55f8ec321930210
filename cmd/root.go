// Package cmd implements the knightbot command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/internal/config"
)

const defaultConfigName = "knightbot.json5"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "knightbot",
	Short: "WhatsApp bot with a web dashboard",
	Long: "knightbot keeps a WhatsApp session alive, answers chat commands and " +
		"serves a dashboard for QR and pairing-code login.\n\n" +
		"Running it without a subcommand starts the server.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadDotEnv()
		setupLogging()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $KNIGHTBOT_CONFIG or ./"+defaultConfigName+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads .env from the working directory if present. Variables
// already set in the environment win.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if env := os.Getenv("KNIGHTBOT_LOG_LEVEL"); env != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(env))); err != nil {
			fmt.Fprintf(os.Stderr, "warning: KNIGHTBOT_LOG_LEVEL=%q: %v\n", env, err)
		}
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if os.Getenv("KNIGHTBOT_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// resolveConfigPath returns --config, then $KNIGHTBOT_CONFIG, then the
// default file in the working directory.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("KNIGHTBOT_CONFIG"); env != "" {
		return config.ExpandHome(env)
	}
	return filepath.Join(".", defaultConfigName)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
