package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitemedic/sitemedic/internal/config"
	"github.com/sitemedic/sitemedic/internal/retention"
	"github.com/sitemedic/sitemedic/internal/storage"
)

var (
	purgeDays       int
	purgeTable      string
	purgeDryRun     bool
	purgeConfirm    bool
	purgeMaxRecords int64
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run a retention purge directly",
	Long: `Run a bounded purge against the operational tables without going
through the queue. Dry-run by default; pass --execute to delete.
HIGH and CRITICAL risk purges additionally require --confirm.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx := context.Background()
		poolCfg := storage.DefaultConfig()
		poolCfg.URL = cfg.DatabaseURL
		pool, err := storage.Connect(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connecting database: %w", err)
		}
		defer pool.Close()

		coordinator := retention.NewCoordinator(pool, logger)
		result, err := coordinator.Execute(ctx, retention.PurgeRequest{
			RetentionDays: purgeDays,
			TableName:     purgeTable,
			MaxRecords:    purgeMaxRecords,
			DryRun:        purgeDryRun,
			CreateBackup:  true,
			VerifyAfter:   true,
			Confirmed:     purgeConfirm,
			ExecutedBy:    "cli",
			Reason:        "manual purge",
		})
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		mode := "EXECUTE"
		if result.DryRun {
			mode = "DRY RUN"
		}
		fmt.Printf("\n%s (%s)\n", cyan("=== Purge Report ==="), mode)
		fmt.Printf("Cutoff: %s\n\n", result.CutoffDate.Format("2006-01-02 15:04:05"))

		for _, tr := range result.Tables {
			riskText := string(tr.Risk)
			switch tr.Risk {
			case retention.RiskHigh:
				riskText = yellow(riskText)
			case retention.RiskCritical:
				riskText = red(riskText)
			}
			fmt.Printf("  %-24s matched %-8d purged %-8d risk %s\n",
				tr.Table, tr.Matched, tr.Purged, riskText)
		}
		fmt.Printf("\nTotal purged: %d\n", result.Total)

		if result.DryRun {
			fmt.Fprintln(os.Stderr, "\nDry run only. Re-run with --execute to delete.")
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().IntVar(&purgeDays, "days", 3, "retention window in days (1-7)")
	purgeCmd.Flags().StringVar(&purgeTable, "table", "", "restrict the purge to one table")
	purgeCmd.Flags().Int64Var(&purgeMaxRecords, "max-records", 0, "cap on rows deleted per table")
	purgeCmd.Flags().BoolVar(&purgeConfirm, "confirm", false, "confirm HIGH/CRITICAL risk purges")

	var execute bool
	purgeCmd.Flags().BoolVar(&execute, "execute", false, "actually delete instead of dry-run")
	purgeDryRun = true
	purgeCmd.PreRun = func(cmd *cobra.Command, args []string) {
		purgeDryRun = !execute
	}

	rootCmd.AddCommand(purgeCmd)
}
