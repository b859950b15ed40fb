package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/app"
)

type runFlags struct {
	runID        string
	untilDrained bool
	reap         bool
	upload       bool
}

// newRunCmd creates the 'run' subcommand, which starts an extraction run.
func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction workers",
		Long: `Starts worker.count workers that lease pending tasks, page through the
remote API and commit each page. With --until-drained the run ends once no
task can be claimed; otherwise it runs until interrupted. The run summary is
printed as JSON on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtraction(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "identifier for this run (generated when empty)")
	cmd.Flags().BoolVar(&flags.untilDrained, "until-drained", false, "exit once no task can be claimed")
	cmd.Flags().BoolVar(&flags.reap, "reap", true, "run the lease reaper alongside the workers")
	cmd.Flags().BoolVar(&flags.upload, "upload", true, "run the archival uploader alongside the workers")
	return cmd
}

func runExtraction(cmd *cobra.Command, flags runFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatch, err := appInstance.Dispatcher(ctx, app.RunOptions{
		RunID:        flags.runID,
		UntilDrained: flags.untilDrained,
		WithReaper:   flags.reap,
		WithUploader: flags.upload,
	}, nil)
	if err != nil {
		return err
	}

	summary, runErr := dispatch.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run extraction: %w", runErr)
	}

	// Workers stop the background uploader as soon as they drain; flush
	// whatever they left pending with the same uploader and clients.
	if flags.upload && flags.untilDrained && ctx.Err() == nil {
		uploader, err := appInstance.Uploader(ctx)
		if err != nil {
			return err
		}
		stats, err := uploader.Drain(ctx)
		if err != nil {
			appInstance.Logger().Warn("final upload pass failed", zap.Error(err))
		} else {
			appInstance.Logger().Info("final upload pass",
				zap.Int("listed", stats.Listed),
				zap.Int("uploaded", stats.Uploaded),
				zap.Int("failed", stats.Failed),
				zap.Int("skipped", stats.Skipped),
			)
		}
	}
	return writeJSON(cmd.OutOrStdout(), summary)
}
