package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/batchpilot/internal/config"
	"github.com/kiranshivaraju/batchpilot/pkg/models"
	"github.com/spf13/cobra"
)

type runOptions struct {
	dryRun  bool
	verbose bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single orchestration cycle and exit",
		Long: `run submits pending jobs and reconciles in-flight ones exactly once,
then exits. Use it from cron or a Kubernetes CronJob instead of serve's loop.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "list the jobs the cycle would pick up without submitting or polling")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level regardless of LOG_LEVEL")
	return cmd
}

func runOnce(parent context.Context, opts runOptions) error {
	var overrides []func(*config.Config)
	if opts.verbose {
		overrides = append(overrides, verboseLogging)
	}
	cfg, logger, err := loadConfig(overrides...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.dryRun {
		return preview(ctx, a.driver, logger)
	}

	res, err := a.driver.Run(ctx)
	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}
	if res.SubmitErrors > 0 || res.CheckErrors > 0 {
		logger.Warn("cycle finished with errors",
			"submit_errors", res.SubmitErrors, "check_errors", res.CheckErrors)
	}
	return nil
}

func verboseLogging(cfg *config.Config) {
	cfg.Log.Level = "debug"
}

// previewer is the part of *engine.Driver a dry run needs.
type previewer interface {
	Preview(ctx context.Context) (pending, processing []*models.Job, err error)
}

func preview(ctx context.Context, p previewer, logger *slog.Logger) error {
	pending, processing, err := p.Preview(ctx)
	if err != nil {
		return fmt.Errorf("dry run: %w", err)
	}
	for _, j := range pending {
		logger.Debug("would submit", "job_id", j.ID, "requests", j.TotalRequests)
	}
	for _, j := range processing {
		logger.Debug("would check", "job_id", j.ID, "external_job_id", j.ExternalJobID)
	}
	logger.Info("dry run", "pending", len(pending), "processing", len(processing))
	return nil
}
