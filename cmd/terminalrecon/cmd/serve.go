package cmd

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"terminal-recon/internal/app"
	"terminal-recon/internal/database/migrate"
)

var (
	serveMigrate bool
	serveSweep   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveMigrate && a.DB != nil {
			if err := migrate.Run(a.DB.DB()); err != nil {
				return err
			}
		}
		if serveSweep {
			go a.Sweeper.Run(ctx)
		}

		gin.SetMode(gin.ReleaseMode)
		return a.Server().Run(ctx, cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before serving")
	serveCmd.Flags().BoolVar(&serveSweep, "sweep", true, "run the reconciliation sweep in the background")
	rootCmd.AddCommand(serveCmd)
}
