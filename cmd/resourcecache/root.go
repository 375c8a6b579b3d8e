package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "resourcecache",
	Short: "Load files into a byte-budgeted resource cache backed by a block pool.",
	Long: `resourcecache loads files into pooled memory blocks, keeps them in a ` +
		`byte-budgeted cache, and runs heartbeat instruments such as the process ` +
		`memory checker.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/resourcecache.yaml", "path to configuration file")
}
