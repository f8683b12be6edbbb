package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/processor"
)

// HistoryPruner deletes history entries completed before a cutoff.
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneResult counts what a retention pass removed.
type PruneResult struct {
	Jobs    int   `json:"jobs"`
	History int64 `json:"history"`
}

// Scheduler runs scheduled exports on a cron driver and applies retention.
type Scheduler struct {
	proc         *processor.Processor
	history      HistoryPruner
	loc          *time.Location
	defaultTheme string
	now          func() time.Time

	cron  *cron.Cron
	mu    sync.Mutex
	cfg   Config
	entry cron.EntryID
}

// NewScheduler returns a stopped scheduler. defaultTheme is exported when
// the schedule names none.
func NewScheduler(proc *processor.Processor, history HistoryPruner, loc *time.Location, defaultTheme string) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := slogLogger{}
	return &Scheduler{
		proc:         proc,
		history:      history,
		loc:          loc,
		defaultTheme: defaultTheme,
		now:          time.Now,
		cfg:          Default(),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start begins firing scheduled runs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the driver and waits for a running export to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Apply validates cfg and replaces the active schedule. On error the
// previous schedule stays in effect. A weekly schedule without an anchor
// is anchored to now. The stored form of cfg is returned.
func (s *Scheduler) Apply(cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.Frequency == Weekly && cfg.Anchor == 0 {
		cfg.Anchor = s.now().Unix()
	}
	if cfg.Exclusions == nil {
		cfg.Exclusions = []string{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.cfg = cfg
	if cfg.Frequency != Disabled {
		s.entry = s.cron.Schedule(Rule{Config: cfg, Location: s.loc}, cron.FuncJob(s.fire))
	}
	slog.Info("schedule applied", "frequency", cfg.Frequency, "run_time", cfg.RunTime,
		"retention_days", cfg.RetentionDays, "next_run", NextRun(cfg, s.now(), s.loc))
	return cfg, nil
}

// Config returns the active schedule.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Next returns the next scheduled run, or the zero time when disabled.
func (s *Scheduler) Next() time.Time {
	return NextRun(s.Config(), s.now(), s.loc)
}

func (s *Scheduler) fire() {
	if _, err := s.RunNow(context.Background()); err != nil {
		slog.Error("scheduled export", "error", err)
	}
}

// RunNow creates an export from the active schedule, drives it to a
// terminal state, then applies retention.
func (s *Scheduler) RunNow(ctx context.Context) (*job.Job, error) {
	cfg := s.Config()
	theme := cfg.Theme
	if theme == "" {
		theme = s.defaultTheme
	}

	j, err := s.proc.Create(ctx, processor.CreateRequest{
		Theme:      theme,
		Exclusions: cfg.Exclusions,
		Origin:     job.OriginSchedule,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduled export: %w", err)
	}
	j, err = s.proc.Run(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("run scheduled export: %w", err)
	}

	if _, err := s.Prune(ctx, cfg.RetentionDays); err != nil {
		slog.Error("retention prune", "error", err)
	}
	return j, nil
}

// Prune deletes finished jobs, their archives and history entries older
// than retentionDays. Zero disables pruning.
func (s *Scheduler) Prune(ctx context.Context, retentionDays int) (PruneResult, error) {
	var res PruneResult
	if retentionDays <= 0 {
		return res, nil
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	old, err := s.proc.Store().List(ctx, job.Filter{
		Statuses:      []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCancelled},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return res, fmt.Errorf("list expired jobs: %w", err)
	}
	for _, j := range old {
		if _, err := s.proc.Delete(ctx, j.ID); err != nil {
			return res, fmt.Errorf("delete expired job %s: %w", j.ID, err)
		}
		res.Jobs++
	}

	if s.history != nil {
		n, err := s.history.DeleteBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune history: %w", err)
		}
		res.History = n
	}
	slog.Info("retention prune", "retention_days", retentionDays, "jobs", res.Jobs, "history", res.History)
	return res, nil
}

// slogLogger forwards cron's logging to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
