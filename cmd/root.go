// Package cmd defines and implements the CLI commands for the jobarchiver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobs-archiver/internal/app"
	"github.com/JakeFAU/jobs-archiver/internal/config"
	"github.com/JakeFAU/jobs-archiver/internal/logging"
	"github.com/JakeFAU/jobs-archiver/internal/telemetry"
)

// cli carries state shared between the root command and its subcommands.
type cli struct {
	cfgFile string
	envFile string
	cfg     config.Config
	logger  *zap.Logger
	tracing *telemetry.Provider
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = app.New

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	var full bool

	cmd := &cobra.Command{
		Use:   "jobarchiver",
		Short: "Incrementally archive job listings from a paginated job board.",
		Long: `jobarchiver walks a paginated job board from page 1, stops at the first
listing it has already archived, merges the new listings into the archive,
drops listings past the retention window, and saves the result.

Running without a subcommand is the same as "jobarchiver run".`,
		SilenceUsage: true,

		// Runs after flags are parsed but before any subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runOnce(cmd.Context(), full)
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	cmd.Flags().BoolVar(&full, "full", false, "walk every page instead of stopping at known listings")

	cmd.AddCommand(newRunCmd(c))
	cmd.AddCommand(newServeCmd(c))
	return cmd, c
}

// init loads the dotenv file, configuration, logger and tracer provider.
func (c *cli) init(ctx context.Context) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	zap.ReplaceGlobals(logger)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			ProjectID:   cfg.Tracing.ProjectID,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		c.tracing = tp
	}
	return nil
}

func (c *cli) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.tracing.Shutdown(ctx); err != nil && c.logger != nil {
		c.logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, c := newRootCmd()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		logger := c.logger
		if logger == nil {
			logger = zap.NewExample()
		}
		logger.Error("command execution failed", zap.Error(err))
	}
	c.shutdown()
	if err != nil {
		stop()
		os.Exit(1)
	}
}
