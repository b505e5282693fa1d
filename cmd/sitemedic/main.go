// sitemedic is the auto-healing orchestrator for managed WordPress
// fleets: it watches sites, runs bounded remediation pipelines, and
// keeps operational data within retention policy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	debugLogging bool
	overrideFile string
)

var rootCmd = &cobra.Command{
	Use:   "sitemedic",
	Short: "WordPress auto-healing orchestrator",
	Long: `sitemedic remediates unhealthy WordPress sites automatically.

Incidents flow through a bounded state machine (discovery, baseline,
backup, fix, verify) guarded by circuit breakers and flapping
prevention. Aged operational data is purged under auditable retention
policies.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&overrideFile, "overrides", "", "path to a YAML overrides file")
}

// newLogger builds the process logger.
func newLogger() (*zap.Logger, error) {
	if debugLogging {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
