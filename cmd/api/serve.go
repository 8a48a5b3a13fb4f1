package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kb-assistant/backend/internal/api"
	"github.com/kb-assistant/backend/internal/maintenance"
	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/middleware/ratelimit"
	"github.com/kb-assistant/backend/pkg/config"
	appLogger "github.com/kb-assistant/backend/pkg/logger"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var development bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, development)
		},
	}
	cmd.Flags().BoolVar(&development, "dev", false, "relax security headers and log every request")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, development bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting knowledge assistant API server")
	metrics.Init()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}

	var scheduler *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		scheduler = maintenance.NewScheduler(5*time.Minute, svc.jobs(cfg)...)
		scheduler.Start(context.WithoutCancel(ctx))
	}

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: cfg.Server.RateLimitPerMinute})

	app := api.NewApp(api.Config{
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		MaxQueryLength: cfg.Server.MaxQueryLength,
		RequestLogging: development,
		Development:    development,
	}, svc.engine, limiter, map[string]api.Pinger{
		"sqlite": svc.db,
		"redis":  svc.redis,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Server shutting down gracefully...")
	case err = <-errCh:
		appLogger.Error("Server stopped unexpectedly", zap.Error(err))
	}

	if shutdownErr := app.ShutdownWithTimeout(10 * time.Second); shutdownErr != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(shutdownErr))
	}
	if scheduler != nil {
		scheduler.Stop()
	}
	limiter.Stop()
	svc.Close()

	appLogger.Info("Server stopped")
	return err
}
