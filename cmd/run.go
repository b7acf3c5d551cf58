package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/app"
	"github.com/JakeFAU/jobs-archiver/internal/crawler"
)

func newRunCmd(c *cli) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one crawl, merge and save cycle",
		Long: `Loads the archive, crawls the job board, merges new listings, applies the
retention window and saves the archive. Mid-crawl fetch failures still save the
partial results and exit 0. With --full, a failure on page 1 exits non-zero.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runOnce(cmd.Context(), full)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "walk every page instead of stopping at known listings")
	return cmd
}

func (c *cli) runOnce(ctx context.Context, full bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, c.cfg, c.logger, app.Options{})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			c.logger.Warn("failed to close services", zap.Error(cerr))
		}
	}()

	var mode crawler.Mode
	if full {
		mode = crawler.ModeFull
	}
	summary, runErr := a.Runner().Run(ctx, mode)

	if err := a.ExportMetrics(ctx); err != nil {
		c.logger.Warn("metrics export failed", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("run %s: %w", summary.RunID, runErr)
	}
	return nil
}
