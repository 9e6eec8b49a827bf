package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kumo",
	Short: "Move a virtual machine's boot disk between clouds",
	Long: `kumo migrates a virtual machine from one cloud provider to another by
exporting its boot disk, converting it locally and importing it as a new
server on the destination. Supported providers are amazon, google and
microsoft. Settings are read from the config file at CONFIG_PATH.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
