package commands

import (
	"fmt"

	"github.com/mosaicnetworks/ddp/src/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd returns the command that prints the version
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}
