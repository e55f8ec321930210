package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/knightbot/knightbot/pkg/protocol"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("knightbot %s (protocol %d, %s %s/%s)\n",
				Version, protocol.ProtocolVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
