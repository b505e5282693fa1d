package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sitemedic/sitemedic/internal/config"
	"github.com/sitemedic/sitemedic/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the full orchestrator: queue workers, the cron scheduler,
and the control-plane HTTP server. Configuration comes from the
environment, with optional YAML overrides via --overrides.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if overrideFile != "" {
			if err := cfg.ApplyOverridesFile(overrideFile); err != nil {
				return fmt.Errorf("applying overrides: %w", err)
			}
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		o, err := orchestrator.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return o.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
