package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/pkg/protocol"
)

const pairCLIWait = 60 * time.Second

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair [phone]",
		Short: "Request a pairing code from the running server",
		Long: "Request an 8-character pairing code for phone and wait for it. " +
			"Enter the code on the phone under Linked devices > Link with phone number.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cc := cfg.Session.DefaultCountryCode

			var phone string
			if len(args) == 1 {
				phone = args[0]
			} else {
				phone, err = promptString("Phone number",
					"International format, e.g. 6281234567890", cfg.Session.PairingNumber,
					func(s string) error {
						_, err := session.NormalizePhone(s, cc)
						return err
					})
				if err != nil {
					return err
				}
			}
			number, err := session.NormalizePhone(phone, cc)
			if err != nil {
				return err
			}

			g, err := dialGateway(cfg)
			if err != nil {
				return err
			}
			defer g.Close()

			if _, _, err := g.call(protocol.MethodPairingRequest, map[string]string{"phoneNumber": number}, 30*time.Second); err != nil {
				return err
			}
			fmt.Printf("Pairing requested for +%s, waiting for the code...\n", number)

			snap, err := waitPairing(g, number, time.Now().Add(pairCLIWait))
			if err != nil {
				return err
			}
			fmt.Printf("\n  Pairing code: %s\n\n", snap.PairingCode)
			fmt.Println("On the phone: Linked devices > Link a device > Link with phone number instead.")
			return nil
		},
	}
}

// waitPairing reads status events until the code for number is issued or
// the request fails.
func waitPairing(g *gatewayConn, number string, deadline time.Time) (status.Snapshot, error) {
	for {
		raw, err := g.nextEvent(protocol.EventStatus, deadline)
		if err != nil {
			return status.Snapshot{}, fmt.Errorf("waiting for pairing code: %w", err)
		}
		var snap status.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			continue
		}
		switch {
		case snap.State == status.StateAwaitingPairingInput && snap.PairingNumber == number && snap.PairingCode != "":
			return snap, nil
		case snap.State == status.StateError && snap.ErrorKind == status.ErrorPairing:
			return snap, errors.New("pairing failed: " + snap.LastError)
		case snap.State == status.StateLoggedOut:
			return snap, errors.New("session logged out before the code was issued")
		}
	}
}
