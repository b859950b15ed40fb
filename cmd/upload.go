package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newUploadCmd creates the 'upload' subcommand, a single archival pass.
func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Archive pending content records once",
		Long: `Uploads up to archive.batch_size content records whose upload is still
pending. Without archive credentials the records are marked skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			uploader, err := appInstance.Uploader(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := uploader.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("upload pending content: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}
