package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/internal/store"
	"github.com/knightbot/knightbot/internal/store/backends"
	"github.com/knightbot/knightbot/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("knightbot doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Storage:")
	dataDir := cfg.Storage.ResolvedDataDir()
	fmt.Printf("    %-12s %s", "Data dir:", dataDir)
	if _, err := os.Stat(dataDir); err != nil {
		fmt.Println(" (NOT FOUND, created on serve)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("    %-12s %s\n", "Session:", cfg.Session.CredentialsDialect)
	checkUserStore(ctx, cfg)

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s\n", "Listen:", cfg.Gateway.Addr())
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s %s\n", "Token:", "(none, dashboard is open)")
	} else {
		fmt.Printf("    %-12s %s\n", "Token:", "set")
	}
	if isGatewayReachable(cfg) {
		fmt.Printf("    %-12s %s\n", "Server:", "running")
	} else {
		fmt.Printf("    %-12s %s\n", "Server:", "not running")
	}

	fmt.Println()
	fmt.Println("  Telemetry:")
	if cfg.Telemetry.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "OTLP:", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Printf("    %-12s %s\n", "OTLP:", "disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkUserStore(ctx context.Context, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s, err := backends.OpenUsers(ctx, store.StoreConfig{
		Backend:  cfg.Storage.UsersBackend,
		Path:     cfg.Storage.ResolvedUsersPath(),
		DSN:      cfg.Storage.UsersDSN,
		RedisURL: cfg.Storage.RedisURL,
	})
	if err != nil {
		fmt.Printf("    %-12s %s: %v\n", "Users:", cfg.Storage.UsersBackend, err)
		return
	}
	defer s.Close()
	n, err := s.Count(ctx)
	if err != nil {
		fmt.Printf("    %-12s %s: %v\n", "Users:", cfg.Storage.UsersBackend, err)
		return
	}
	fmt.Printf("    %-12s %s (%d users)\n", "Users:", cfg.Storage.UsersBackend, n)
}
