package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

type statusReport struct {
	Total          int                        `json:"total"`
	StatusCounts   map[harvest.TaskStatus]int `json:"status_counts"`
	FailureReasons map[string]int             `json:"failure_reasons"`
}

// newSummaryCmd creates the 'summary' subcommand, which reports task state.
func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print task counts by status and failure reasons",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			repo := appInstance.Store()
			counts, err := repo.CountTasksByStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("count tasks: %w", err)
			}
			reasons, err := repo.ListFailureReasons(cmd.Context())
			if err != nil {
				return fmt.Errorf("list failure reasons: %w", err)
			}
			report := statusReport{StatusCounts: counts, FailureReasons: reasons}
			for _, n := range counts {
				report.Total += n
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}
