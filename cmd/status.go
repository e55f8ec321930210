package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/pkg/protocol"
)

func statusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session status of the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := gatewayRPC(protocol.MethodStatusGet, nil)
			if err != nil {
				return err
			}
			if jsonOut {
				fmt.Println(string(payload))
				return nil
			}
			var snap status.Snapshot
			if err := json.Unmarshal(payload, &snap); err != nil {
				return fmt.Errorf("parse status: %w", err)
			}
			printSnapshot(snap, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw status JSON")
	return cmd
}

func printSnapshot(snap status.Snapshot, now time.Time) {
	fmt.Printf("  State:     %s (since %s)\n", stateStyle(snap.State).Render(string(snap.State)),
		now.Sub(snap.LastTransitionAt).Truncate(time.Second))
	if snap.Identity != nil {
		fmt.Printf("  Account:   %s %s\n", snap.Identity.ID, snap.Identity.Name)
	}
	if snap.PairingCode != "" {
		fmt.Printf("  Pairing:   %s for +%s\n", snap.PairingCode, snap.PairingNumber)
	}
	if snap.QRPayload != "" {
		fmt.Println("  QR:        waiting for scan (open the dashboard or run with printQr)")
	}
	if snap.LastError != "" {
		fmt.Printf("  Error:     %s (%s)\n", snap.LastError, snap.ErrorLabel)
	}
	fmt.Printf("  Messages:  %d\n", snap.Stats.MessagesProcessed)
	fmt.Printf("  Users:     %d\n", snap.Stats.UsersSeen)
	fmt.Printf("  Uptime:    %s\n", now.Sub(snap.Stats.StartedAt).Truncate(time.Second))
}

var (
	styleOK   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	styleWait = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	styleBad  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func stateStyle(s status.ConnectionState) lipgloss.Style {
	switch s {
	case status.StateConnected:
		return styleOK
	case status.StateError, status.StateLoggedOut, status.StateDisconnected:
		return styleBad
	default:
		return styleWait
	}
}
