package cmd

import (
	"fmt"

	"github.com/nostr-archive/archiver/src/utils/build_info"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s (built %s)\n", build_info.Version, build_info.BuildDate)
	},
}
