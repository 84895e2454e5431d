package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luxfi/perpvault/pkg/api"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "vaultd", api.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
