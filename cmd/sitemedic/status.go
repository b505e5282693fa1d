package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sitemedic/sitemedic/internal/queue"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status of a running orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + statusAddr + "/jobs/queues/stats")
		if err != nil {
			return fmt.Errorf("reaching orchestrator at %s: %w", statusAddr, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("orchestrator returned %s", resp.Status)
		}

		var stats map[string]queue.Stats
		if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
			return fmt.Errorf("decoding stats: %w", err)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== SiteMedic Queues ==="))

		names := make([]string, 0, len(stats))
		for name := range stats {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			s := stats[name]
			state := green("●")
			if s.Paused {
				state = yellow("⏸")
			} else if s.Failed > 20 {
				state = red("●")
			}
			fmt.Printf("  %s %s\n", state, name)
			fmt.Printf("    waiting %-6d active %-6d delayed %-6d\n", s.Waiting, s.Active, s.Delayed)
			fmt.Printf("    %s\n", gray(fmt.Sprintf("completed %d, failed %d", s.Completed, s.Failed)))
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "localhost:8080", "orchestrator control-plane address")
	rootCmd.AddCommand(statusCmd)
}
