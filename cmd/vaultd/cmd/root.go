package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Leveraged trading vault daemon",
	Long: `vaultd runs a pooled liquidity vault: liquidity providers deposit assets for a
synthetic unit, traders swap against the pool and open leveraged long or short positions,
and keepers liquidate positions whose margin is exhausted.

Prices come from a polled reference feed blended with a signed fast feed.`,
	SilenceUsage: true,
}

var configPath string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vaultd.yaml", "path to config file")
}
