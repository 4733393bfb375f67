package cmd

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"terminal-recon/internal/app"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the webhook edge relay",
	Long: `relay answers every gateway request with an immediate 200 and forwards
POST bodies to relay.target in the background, retrying on the relay.delays
schedule.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// The relay needs no database.
		memoryStore = true
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		r, err := app.Relay(ctx, cfg, nil, logger)
		if err != nil {
			return err
		}
		gin.SetMode(gin.ReleaseMode)
		return r.Run(ctx, cfg.Relay.Listen)
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}
