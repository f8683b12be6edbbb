package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/themeexport/themeexport/internal/api"
	"github.com/themeexport/themeexport/internal/queue"
	"github.com/themeexport/themeexport/internal/schedule"
)

const settingsReloadInterval = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background workers and the export scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	a, err := newApp(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	if err := cfg.RequireAPIKeys(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Background processing: asynq over Redis when configured, the
	// in-process queue otherwise.
	var dispatcher queue.Dispatcher
	if a.rdb != nil {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		d := queue.NewAsynqDispatcher(redisOpt, "")
		defer d.Close()
		srv := queue.NewServer(redisOpt, cfg.Concurrency, "")
		if err := srv.Start(queue.NewServeMux(a.proc, d)); err != nil {
			return fmt.Errorf("asynq server: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			srv.Shutdown()
			return nil
		})
		dispatcher = d
	} else {
		q := queue.New(a.proc, cfg.Concurrency, cfg.QueueSize)
		q.Start(ctx)
		dispatcher = q
	}
	if err := queue.Recover(ctx, a.jobs, dispatcher); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if cfg.StuckAfter > 0 {
		queue.StartMaintenance(ctx, a.proc, cfg.MaintenanceInterval, cfg.StuckAfter)
	}

	sched, err := a.scheduler(ctx)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	g.Go(func() error {
		watchSchedule(ctx, a, sched)
		return nil
	})

	mux := http.NewServeMux()
	h := api.NewHandler(a.proc, api.Options{
		Dispatcher:   dispatcher,
		Hub:          a.hub,
		Settings:     a.settings,
		History:      a.history,
		DefaultTheme: cfg.DefaultTheme,
	})
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("themeexport listening", "addr", cfg.ListenAddr, "version", version)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// watchSchedule re-applies the stored schedule when it changes, so that
// `export schedule set` takes effect on a running server.
func watchSchedule(ctx context.Context, a *app, sched *schedule.Scheduler) {
	ticker := time.NewTicker(settingsReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := a.settings.Load(ctx)
			if err != nil {
				slog.Error("reload settings", "error", err)
				continue
			}
			if reflect.DeepEqual(sched.Config(), st.Schedule) {
				continue
			}
			if err := a.applySchedule(ctx, sched, st); err != nil {
				slog.Error("apply stored schedule", "error", err)
			}
		}
	}
}
