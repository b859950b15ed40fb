package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/opendata-harvester/internal/app"
)

// ServeOptions selects what runs next to the HTTP query API.
type ServeOptions struct {
	Workers         bool
	ShutdownTimeout time.Duration
}

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	opts := ServeOptions{ShutdownTimeout: 10 * time.Second}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API and run workers, reaper and uploader",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, appInstance, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Workers, "workers", true, "run extraction workers next to the API")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", opts.ShutdownTimeout, "graceful shutdown timeout")
	return cmd
}

// Serve runs the HTTP query API, plus the worker fleet with its reaper and
// uploader when opts.Workers is set, until ctx is done or one of them fails.
func Serve(ctx context.Context, appInstance *app.App, opts ServeOptions) error {
	logger := appInstance.Logger()
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.Workers {
		dispatch, err := appInstance.Dispatcher(gctx, app.RunOptions{WithReaper: true, WithUploader: true}, nil)
		if err != nil {
			return err
		}
		g.Go(func() error {
			logger.Info("dispatcher started")
			_, err := dispatch.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run dispatcher: %w", err)
			}
			return nil
		})
	}

	srv := appInstance.HTTPServer()
	g.Go(func() error {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}
