package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/trace-processor/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version of trace-processor.",
	Long:  `Prints the version of trace-processor.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nFull: %s\n",
			version.Short(), version.GetGitCommit(), version.FullWithPlatform())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
