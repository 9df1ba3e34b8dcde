package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/sms-dispatch/internal/api"
	"github.com/LeventeLantos/sms-dispatch/internal/config"
	"github.com/LeventeLantos/sms-dispatch/internal/queue"
	"github.com/LeventeLantos/sms-dispatch/internal/quota"
	"github.com/LeventeLantos/sms-dispatch/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue workers and background schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			setupLogger(cfg.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override SERVER_ADDRESS")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var sweeper scheduler.Sweeper
	if s, ok := a.limiter.(scheduler.Sweeper); ok {
		sweeper = s
	}
	maint, err := scheduler.New("queue-maintenance", cfg.Queue.MaintenanceInterval,
		scheduler.Maintenance([]*queue.Queue{a.sms, a.bulk}, sweeper, cfg.Queue.Retention))
	if err != nil {
		return err
	}

	resets, err := quota.NewResetScheduler(a.quota, cfg.Quota.DailyResetCron, cfg.Quota.MonthlyResetCron, cfg.Quota.Location)
	if err != nil {
		return err
	}

	a.engine.Start(ctx)
	maint.Start()
	resets.Start()

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(a.engine, maint))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.Server.Address, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	resets.Stop(shutdownCtx)
	maint.Stop()
	a.engine.Stop(shutdownCtx)

	slog.Info("dispatch stopped")
	return serveErr
}
