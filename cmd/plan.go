package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

type planPreview struct {
	Version harvest.PlanVersion `json:"plan"`
	Tasks   []harvest.Task      `json:"tasks"`
}

// newPlanCmd creates the 'plan' subcommand, which enumerates the configured
// catalog over plan.date_range_start..plan.date_range_end and persists the tasks.
func newPlanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate the task plan for the configured date range",
		Long: `Enumerates every active catalog endpoint over the configured date range
and stores one task per (endpoint, bucket, variant). Re-running with the same
inputs is idempotent: existing tasks keep their status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPlanCommand(cmd, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without persisting it")
	return cmd
}

func runPlanCommand(cmd *cobra.Command, dryRun bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req, err := appInstance.PlanRequest()
	if err != nil {
		return err
	}
	gen := appInstance.PlanGenerator()

	if dryRun {
		p, err := gen.Preview(req)
		if err != nil {
			return fmt.Errorf("preview plan: %w", err)
		}
		return writeJSON(cmd.OutOrStdout(), planPreview{Version: p.Version, Tasks: p.Tasks})
	}

	version, err := gen.Generate(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("generate plan: %w", err)
	}
	return writeJSON(cmd.OutOrStdout(), version)
}
