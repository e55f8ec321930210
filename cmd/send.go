package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/pkg/protocol"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <to> <message...>",
		Short: "Send a text message through the running server",
		Long:  "to is a phone number in international format or a full chat id (e.g. 1203...@g.us for groups).",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if _, err := gatewayRPC(protocol.MethodMessageSend, map[string]string{
				"to":      args[0],
				"message": text,
			}); err != nil {
				return err
			}
			fmt.Println("Sent.")
			return nil
		},
	}
}
