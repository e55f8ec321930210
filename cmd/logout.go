package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/pkg/protocol"
)

func logoutCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Log the running server out of WhatsApp and delete its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := promptConfirm("Log out and delete the stored session?", false)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Cancelled.")
					return nil
				}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			g, err := dialGateway(cfg)
			if err != nil {
				return err
			}
			defer g.Close()
			if _, _, err := g.call(protocol.MethodSessionLogout, nil, 45*time.Second); err != nil {
				return err
			}
			fmt.Println("Logged out. Run `knightbot pair` or scan a new QR code to link again.")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
