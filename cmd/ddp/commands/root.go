package commands

import (
	"github.com/mosaicnetworks/ddp/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

func init() {
	RootCmd.AddCommand(
		NewServeCmd(),
		NewCallCmd(),
		NewWatchCmd(),
		NewVersionCmd(),
	)
}

// RootCmd is the root command for ddp
var RootCmd = &cobra.Command{
	Use:              "ddp",
	Short:            "DDP server and client",
	TraverseChildren: true,
}
