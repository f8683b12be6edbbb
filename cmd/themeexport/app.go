package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/themeexport/themeexport/internal/config"
	"github.com/themeexport/themeexport/internal/database"
	"github.com/themeexport/themeexport/internal/history"
	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/monitor"
	"github.com/themeexport/themeexport/internal/processor"
	"github.com/themeexport/themeexport/internal/queue"
	"github.com/themeexport/themeexport/internal/schedule"
	"github.com/themeexport/themeexport/internal/settings"
	"github.com/themeexport/themeexport/internal/webhook"
)

const redisPrefix = "themeexport:"

// app holds everything a command needs, built from one Config.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	rdb      *redis.Client
	jobs     job.Store
	history  *history.SQLiteStore
	settings *settings.SQLiteStore
	hub      *queue.Hub
	fs       afero.Fs
	proc     *processor.Processor
	notify   processor.MultiNotifier
	webhook  *webhook.Notifier
	sentry   *monitor.SentryNotifier
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	a := &app{cfg: cfg, hub: queue.NewHub(), fs: fs}
	a.db, err = database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	cleaner := &job.ArchiveCleaner{Fs: fs}
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		a.jobs = job.NewRedisStore(a.rdb, redisPrefix, cleaner)
	} else {
		a.jobs, err = job.NewSQLiteStore(a.db, cleaner)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("job store: %w", err)
		}
	}

	if a.history, err = history.NewSQLiteStore(a.db); err != nil {
		a.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	if a.settings, err = settings.NewSQLiteStore(a.db); err != nil {
		a.Close()
		return nil, fmt.Errorf("settings store: %w", err)
	}

	a.notify = processor.MultiNotifier{a.hub}
	if cfg.WebhookURL != "" {
		if a.webhook, err = webhook.New(ctx, cfg.WebhookURL); err != nil {
			a.Close()
			return nil, err
		}
		a.notify = append(a.notify, a.webhook)
	}
	if cfg.SentryDSN != "" {
		host, _ := os.Hostname()
		if a.sentry, err = monitor.New(monitor.Options{DSN: cfg.SentryDSN, ServerName: host, Release: version}); err != nil {
			a.Close()
			return nil, err
		}
		a.notify = append(a.notify, a.sentry)
	}

	a.proc = a.newProcessor()
	return a, nil
}

// newProcessor builds a processor from the current config.
func (a *app) newProcessor() *processor.Processor {
	return processor.New(a.jobs, processor.Options{
		SourceFs:   a.fs,
		ArchiveFs:  a.fs,
		ThemesDir:  a.cfg.ThemesDir,
		ExportDir:  a.cfg.ExportDir,
		BatchSize:  a.cfg.BatchSize,
		StepBudget: a.cfg.StepBudget,
		LeaseTTL:   a.cfg.LeaseTTL,
		StuckAfter: a.cfg.StuckAfter,
		Notifier:   a.notify,
		History:    a.history,
	})
}

// scheduler returns a scheduler loaded with the stored schedule. It is
// not started.
func (a *app) scheduler(ctx context.Context) (*schedule.Scheduler, error) {
	st, err := a.settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	s := schedule.NewScheduler(a.proc, a.history, a.cfg.Location, a.cfg.DefaultTheme)
	if err := a.applySchedule(ctx, s, st); err != nil {
		return nil, fmt.Errorf("stored schedule: %w", err)
	}
	return s, nil
}

// applySchedule applies st.Schedule and saves back what the scheduler
// filled in, such as a weekly anchor.
func (a *app) applySchedule(ctx context.Context, s *schedule.Scheduler, st settings.Settings) error {
	applied, err := s.Apply(st.Schedule)
	if err != nil {
		return err
	}
	if reflect.DeepEqual(applied, st.Schedule) {
		return nil
	}
	st.Schedule = applied
	if _, err := a.settings.Save(ctx, st); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (a *app) secret() []byte { return []byte(a.cfg.SettingsSecret) }

// Close flushes notifiers and releases connections.
func (a *app) Close() {
	if a.webhook != nil {
		a.webhook.Wait()
	}
	if a.sentry != nil {
		a.sentry.Flush(2 * time.Second)
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("close database", "error", err)
		}
	}
}
