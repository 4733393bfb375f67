// Package cmd provides the terminal-recon CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"terminal-recon/internal/app"
	"terminal-recon/internal/config"
)

var (
	cfgFile     string
	memoryStore bool
	mockGateway bool
)

var rootCmd = &cobra.Command{
	Use:   "terminal-recon",
	Short: "Card terminal payment reconciliation service",
	Long: `terminal-recon publishes card-present charges to a cloud terminal,
reconciles the gateway's webhooks against local sales and finalizes each
sale at most once per invoice attempt.

Configuration is read from terminal-recon.yaml in the current directory or
/etc/terminal-recon/, from .env, and from TERMINAL_RECON_* variables.
Example: TERMINAL_RECON_SERVER_ADDR=:9090

Commands:
  serve     Run the HTTP API and the reconciliation sweep
  relay     Run the webhook edge relay
  sweep     Run one reconciliation sweep and print the report
  migrate   Apply or roll back database migrations`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./terminal-recon.yaml)")
	rootCmd.PersistentFlags().BoolVar(&memoryStore, "memory", false, "keep all state in memory instead of postgres")
	rootCmd.PersistentFlags().BoolVar(&mockGateway, "mock-gateway", false, "use the in-process mock terminal gateway")
}

// loadConfig applies CLI flag overrides before validation.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	if err := config.LoadDotenv(); err != nil {
		return nil, zerolog.Nop(), err
	}
	v := config.NewViper(cfgFile)
	if memoryStore {
		v.Set("database.memory", true)
	}
	if mockGateway {
		v.Set("gateway.mock", true)
	}
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Info().Str("file", used).Msg("loaded config file")
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
