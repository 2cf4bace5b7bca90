package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/batchpilot/internal/api"
	"github.com/kiranshivaraju/batchpilot/internal/api/handler"
	mw "github.com/kiranshivaraju/batchpilot/internal/api/middleware"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var noDriver bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the orchestration loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), !noDriver)
		},
	}
	cmd.Flags().BoolVar(&noDriver, "no-driver", false, "serve the API only; leave cycles to a separate `run` invocation")
	return cmd
}

func serve(parent context.Context, withDriver bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("config loaded", "env", cfg.Server.Env, "driver", withDriver)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs := handler.NewJobs(a.store, a.engine, a.cache, a.archive, logger)
	router := api.NewRouter(api.Dependencies{
		RateLimit:      mw.NewRateLimit(a.cache, cfg.Server.RateLimitPerMinute),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,

		HealthHandler: handler.NewHealthHandler(a.store, a.cache),
		StatsHandler:  handler.NewStatsHandler(a.store),

		CreateJob: jobs.CreateJob,
		ListJobs:  jobs.ListJobs,
		GetJob:    jobs.GetJob,
		UpdateJob: jobs.UpdateJob,
		DeleteJob: jobs.DeleteJob,

		AddRequests:   jobs.AddRequests,
		ListRequests:  jobs.ListRequests,
		GetRequest:    jobs.GetRequest,
		ListResponses: jobs.ListResponses,

		SubmitJob:   jobs.Submit,
		CheckJob:    jobs.Check,
		JobStatus:   jobs.Status,
		GetArtifact: jobs.Artifact,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual submit and check wait on the provider
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var wg sync.WaitGroup
	if withDriver {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("driver loop started", "interval", cfg.Batch.Interval)
			a.driver.Loop(ctx, cfg.Batch.Interval)
			logger.Info("driver loop stopped")
		}()
	}

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()

	logger.Info("server stopped gracefully")
	return nil
}
