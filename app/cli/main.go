package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"experimenter/app/bootstrap"
	"experimenter/pkg/config"
	"experimenter/pkg/logger"
	"experimenter/pkg/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "experimenter",
	Short: "Operator tooling for the experiment publication service",
	Long: `experimenter runs one-off operations against the experiment database
and the remote settings record store.

Configuration is read from the environment and an optional .env file,
the same way the HTTP server reads it.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(targetingCmd)
}

// loadApp builds the full service graph for commands that need it.
func loadApp() (*config.Config, *bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.App.Environment)
	metrics.Init()

	app, err := bootstrap.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, app, nil
}
