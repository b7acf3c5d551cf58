package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobs-archiver/internal/api"
	"github.com/JakeFAU/jobs-archiver/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the archive and run trigger over HTTP",
		Long: `Starts the HTTP server exposing /healthz, /metrics and the /v1 archive and
run endpoints. With --every, an incremental run is also triggered on that interval.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), every)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "interval between scheduled runs (0 disables scheduling)")
	return cmd
}

func (c *cli) serve(ctx context.Context, every time.Duration) error {
	a, err := newApp(ctx, c.cfg, c.logger, app.Options{RuntimeMetrics: true})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			c.logger.Warn("failed to close services", zap.Error(cerr))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	server := api.NewServer(a.Runner(), a.Metrics(), c.logger.Named("api"), api.Options{
		APIKey:     c.cfg.Server.APIKey,
		RunContext: gctx,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		c.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		c.logger.Info("shutting down http server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	if every > 0 {
		g.Go(func() error {
			schedule(gctx, every, a.Runner(), c.logger.Named("scheduler"))
			return nil
		})
	}
	return g.Wait()
}

// schedule triggers an incremental run every interval until ctx is done.
// Run failures and overlaps with HTTP-triggered runs are logged and skipped.
func schedule(ctx context.Context, every time.Duration, runs api.RunService, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := runs.Run(ctx, "")
			switch {
			case errors.Is(err, app.ErrRunInProgress):
				logger.Info("skipping scheduled run, another run is in progress")
			case errors.Is(err, app.ErrRunnerClosed):
				return
			case err != nil:
				logger.Error("scheduled run failed", zap.String("run_id", summary.RunID), zap.Error(err))
			}
		}
	}
}
