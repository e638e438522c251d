// Package cli defines the msgbridge command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "msgbridge",
	Short: "Multi-tenant messaging gateway",
	Long: `msgbridge bridges tenant messaging sessions to the WhatsApp-style
platform: official cloud API first, socket transport as fallback.

Running without a subcommand starts the gateway, same as 'msgbridge serve'.`,
	Run: func(c *cobra.Command, args []string) {
		serveCmd.Run(c, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
