package cmd

import (
	"github.com/spf13/cobra"
)

// newReapCmd creates the 'reap' subcommand.
func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Return tasks with expired leases to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reclaimed, err := appInstance.Reaper().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"reclaimed": reclaimed})
		},
	}
}
