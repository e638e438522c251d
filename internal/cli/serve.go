package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/msgbridge/msgbridge/internal/bootstrap"
	log "github.com/msgbridge/msgbridge/internal/logging"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the msgbridge gateway",
	Long: `Start the messaging gateway.

Loads the configuration, restores previously connected tenant sessions,
and serves the admin API until interrupted.`,
	Run: func(c *cobra.Command, args []string) {
		log.SetupBaseLogger()

		err := bootstrap.Run(cfgFile, servePort)
		if errors.Is(err, bootstrap.ErrShutdownTimeout) {
			log.Errorf("shutdown deadline exceeded, exiting")
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("Failed to start gateway: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
