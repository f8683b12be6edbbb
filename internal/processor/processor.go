// Package processor drives export jobs through their lifecycle: it creates
// jobs, advances them one bounded batch per Step, and handles cancellation,
// stale detection and deletion.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/themeexport/themeexport/internal/archive"
	"github.com/themeexport/themeexport/internal/enumerate"
	"github.com/themeexport/themeexport/internal/exclusion"
	"github.com/themeexport/themeexport/internal/job"
)

// ErrBusy is returned by Step when another worker holds the job's lease.
var ErrBusy = errors.New("job is being processed elsewhere")

// ErrInvalidTheme is returned by Create for an unusable theme name.
var ErrInvalidTheme = errors.New("invalid theme name")

const (
	defaultBatchSize = 50
	defaultLeaseTTL  = 2 * time.Minute
	filterCacheSize  = 64
)

// Notifier receives every persisted change to a job.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job)
}

// HistoryRecorder stores a summary of each job that reaches a terminal state.
type HistoryRecorder interface {
	RecordJob(ctx context.Context, j *job.Job) error
}

// SizeFunc reports the size of the finished archive at path.
type SizeFunc func(path string) (int64, error)

// Options configures a Processor. Zero values fall back to defaults.
type Options struct {
	SourceFs   afero.Fs
	ArchiveFs  afero.Fs
	ThemesDir  string
	ExportDir  string
	BatchSize  int
	StepBudget time.Duration
	LeaseTTL   time.Duration
	StuckAfter time.Duration
	SizeOf     SizeFunc
	Notifier   Notifier
	History    HistoryRecorder
	Now        func() time.Time
}

type Processor struct {
	store      job.Store
	sourceFs   afero.Fs
	archiveFs  afero.Fs
	themesDir  string
	exportDir  string
	batchSize  int
	stepBudget time.Duration
	leaseTTL   time.Duration
	stuckAfter time.Duration
	sizeOf     SizeFunc
	notifier   Notifier
	history    HistoryRecorder
	now        func() time.Time
	owner      string
	filters    *lru.Cache[string, *exclusion.Filter]
}

// New returns a Processor backed by store.
func New(store job.Store, opts Options) *Processor {
	p := &Processor{
		store:      store,
		sourceFs:   opts.SourceFs,
		archiveFs:  opts.ArchiveFs,
		themesDir:  opts.ThemesDir,
		exportDir:  opts.ExportDir,
		batchSize:  opts.BatchSize,
		stepBudget: opts.StepBudget,
		leaseTTL:   opts.LeaseTTL,
		stuckAfter: opts.StuckAfter,
		sizeOf:     opts.SizeOf,
		notifier:   opts.Notifier,
		history:    opts.History,
		now:        opts.Now,
		owner:      "processor-" + uuid.NewString(),
	}
	if p.sourceFs == nil {
		p.sourceFs = afero.NewOsFs()
	}
	if p.archiveFs == nil {
		p.archiveFs = afero.NewOsFs()
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.leaseTTL <= 0 {
		p.leaseTTL = defaultLeaseTTL
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sizeOf == nil {
		p.sizeOf = func(path string) (int64, error) {
			return archive.Size(p.archiveFs, path)
		}
	}
	// Only errors on a non-positive size.
	p.filters, _ = lru.New[string, *exclusion.Filter](filterCacheSize)
	return p
}

// Store returns the job store the processor writes to.
func (p *Processor) Store() job.Store { return p.store }

// ArchiveFs returns the filesystem holding export archives.
func (p *Processor) ArchiveFs() afero.Fs { return p.archiveFs }

// CreateRequest describes a new export.
type CreateRequest struct {
	Theme string
	// Exclusions is raw user input: a string or a list of strings.
	Exclusions any
	User       string
	UserName   string
	Origin     job.Origin
}

// Create enumerates the theme once, persists a queued job and points the
// requesting user's active export at it.
func (p *Processor) Create(ctx context.Context, req CreateRequest) (*job.Job, error) {
	theme := strings.TrimSpace(req.Theme)
	if theme == "" || theme == "." || theme == ".." || strings.ContainsAny(theme, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTheme, req.Theme)
	}

	patterns := exclusion.Sanitize(req.Exclusions)
	root := filepath.Join(p.themesDir, theme)
	tasks, err := enumerate.Build(p.sourceFs, root, p.filterFor(patterns))
	if err != nil {
		return nil, fmt.Errorf("enumerate theme %s: %w", theme, err)
	}

	now := p.now()
	id := uuid.NewString()
	name := fmt.Sprintf("%s-%s-%s.zip", theme, now.Format("20060102-150405"), id[:8])
	origin := req.Origin
	if origin == "" {
		origin = job.OriginWeb
	}
	j := &job.Job{
		ID:            id,
		Status:        job.StatusQueued,
		Theme:         theme,
		SourceRoot:    root,
		Tasks:         tasks,
		TotalItems:    len(tasks),
		ZipPath:       filepath.Join(p.exportDir, name),
		ZipFileName:   name,
		Exclusions:    patterns,
		CreatedAt:     now.Unix(),
		UpdatedAt:     now.Unix(),
		CreatedBy:     req.User,
		CreatedByName: req.UserName,
		CreatedVia:    origin,
	}
	if err := p.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	if req.User != "" {
		if err := p.store.SetUserPointer(ctx, req.User, j.ID); err != nil {
			return nil, fmt.Errorf("set active job: %w", err)
		}
	}

	slog.Info("export created", "job_id", j.ID, "theme", theme, "tasks", len(tasks), "origin", origin)
	p.notify(ctx, j)
	return j, nil
}

func (p *Processor) filterFor(patterns []string) *exclusion.Filter {
	if len(patterns) == 0 {
		return nil
	}
	key := strings.Join(patterns, "\x00")
	if f, ok := p.filters.Get(key); ok {
		return f
	}
	f := exclusion.Compile(patterns)
	p.filters.Add(key, f)
	return f
}

// Step advances the job by one batch and reports whether work remains.
// Job failures are recorded on the job itself; the returned error is
// reserved for store failures and ErrBusy.
func (p *Processor) Step(ctx context.Context, id string) (bool, error) {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j.Status.IsTerminal() {
		return false, nil
	}

	ok, err := p.store.AcquireLease(ctx, id, p.owner, p.leaseTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, ErrBusy
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), id, p.owner); err != nil {
			slog.Warn("release lease", "job_id", id, "error", err)
		}
	}()

	// Reload under the lease: a previous holder may have advanced or
	// finished the job.
	j, err = p.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	if j.Status == job.StatusQueued {
		j.Status = job.StatusProcessing
	}

	w, err := archive.Open(p.archiveFs, j.ZipPath, j.DirectoriesAdded)
	if err != nil {
		return false, p.fail(ctx, j, archive.CodeOf(err), fmt.Sprintf("unable to open archive: %v", err))
	}

	start := p.now()
	for n := 0; j.Cursor < len(j.Tasks) && n < p.batchSize; n++ {
		if p.stepBudget > 0 && n > 0 && p.now().Sub(start) >= p.stepBudget {
			break
		}
		t := j.Tasks[j.Cursor]
		if err := p.apply(w, j.SourceRoot, t); err != nil {
			w.Abort()
			return false, p.fail(ctx, j, archive.CodeOf(err), fmt.Sprintf("failed to add %s %q: %v", t.Kind, t.Dest, err))
		}
		j.Cursor++
		j.ProcessedItems = j.Cursor
	}

	if err := w.Close(); err != nil {
		return false, p.fail(ctx, j, archive.CodeOf(err), fmt.Sprintf("unable to write archive: %v", err))
	}
	j.DirectoriesAdded = w.Directories()
	j.Touch(p.now())

	more := j.Cursor < len(j.Tasks)
	if !more {
		size, err := p.sizeOf(j.ZipPath)
		if err != nil {
			slog.Error("archive size lookup", "job_id", j.ID, "path", j.ZipPath, "error", err)
			return false, p.fail(ctx, j, job.FailureSizeUnavailable, "unable to determine archive size")
		}
		j.ZipFileSize = size
		j.Message = "export completed"
		j.Finish(job.StatusCompleted, p.now())
	}

	if err := p.store.Put(ctx, j); err != nil {
		if rejected(err) {
			// Cancelled or deleted while this batch was running.
			p.settleRejected(ctx, j)
			return false, nil
		}
		return false, fmt.Errorf("save job %s: %w", j.ID, err)
	}

	slog.Info("export step", "job_id", j.ID, "processed", j.ProcessedItems, "total", j.TotalItems, "status", j.Status)
	if j.Status.IsTerminal() {
		p.record(ctx, j)
	}
	p.notify(ctx, j)
	return more, nil
}

func (p *Processor) apply(w *archive.Writer, root string, t job.Task) error {
	switch t.Kind {
	case job.TaskDirectory:
		_, err := w.AddDirectory(t.Dest)
		return err
	case job.TaskFile:
		return w.AddFile(p.sourceFs, filepath.Join(root, filepath.FromSlash(t.Source)), t.Dest)
	default:
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

// fail records a terminal failure and deletes whatever archive exists.
// The archive is kept when the stored job finished first.
func (p *Processor) fail(ctx context.Context, j *job.Job, code job.FailureCode, msg string) error {
	j.ZipFileSize = 0
	j.Fail(code, msg, p.now())
	if err := p.store.Put(ctx, j); err != nil {
		if rejected(err) {
			p.settleRejected(ctx, j)
			return nil
		}
		return fmt.Errorf("save failed job %s: %w", j.ID, err)
	}
	p.removeArchive(j)
	slog.Warn("export failed", "job_id", j.ID, "code", code, "message", msg)
	p.record(ctx, j)
	p.notify(ctx, j)
	return nil
}

// rejected reports whether a Put lost to a concurrent terminal write or
// delete.
func rejected(err error) bool {
	return errors.Is(err, job.ErrImmutable) || errors.Is(err, job.ErrNotFound)
}

// settleRejected removes j's archive unless the stored record is a
// completed export that owns it.
func (p *Processor) settleRejected(ctx context.Context, j *job.Job) {
	cur, err := p.store.Get(ctx, j.ID)
	if err == nil && cur.Status == job.StatusCompleted {
		return
	}
	if err != nil && !errors.Is(err, job.ErrNotFound) {
		slog.Error("reload rejected job", "job_id", j.ID, "error", err)
		return
	}
	p.removeArchive(j)
}

func (p *Processor) removeArchive(j *job.Job) {
	if j.ZipPath == "" {
		return
	}
	if err := p.archiveFs.Remove(j.ZipPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("remove export archive", "job_id", j.ID, "path", j.ZipPath, "error", err)
	}
}

func (p *Processor) record(ctx context.Context, j *job.Job) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordJob(ctx, j); err != nil {
		slog.Error("record export history", "job_id", j.ID, "error", err)
	}
}

func (p *Processor) notify(ctx context.Context, j *job.Job) {
	if p.notifier != nil {
		p.notifier.Notify(ctx, j)
	}
}

// Run steps the job until no work remains, waiting out lease contention.
func (p *Processor) Run(ctx context.Context, id string) (*job.Job, error) {
	wait := 100 * time.Millisecond
	for {
		more, err := p.Step(ctx, id)
		switch {
		case errors.Is(err, ErrBusy):
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			if wait < 2*time.Second {
				wait *= 2
			}
			continue
		case err != nil:
			return nil, err
		}
		if !more {
			return p.store.Get(ctx, id)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Cancel stops an active job and deletes its partial archive. A job that
// already finished is returned together with job.ErrTerminal.
func (p *Processor) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, job.ErrTerminal
	}

	j.Message = "export cancelled"
	j.Finish(job.StatusCancelled, p.now())
	if err := p.store.Put(ctx, j); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, err
		}
		if errors.Is(err, job.ErrImmutable) {
			cur, gerr := p.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return cur, job.ErrTerminal
		}
		return nil, fmt.Errorf("save job %s: %w", id, err)
	}
	p.removeArchive(j)

	slog.Info("export cancelled", "job_id", j.ID)
	p.record(ctx, j)
	p.notify(ctx, j)
	return j, nil
}

// Status returns the job, first failing it with code timeout when it has
// made no progress within the stuck window.
func (p *Processor) Status(ctx context.Context, id string) (*job.Job, error) {
	j, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.isStale(j) {
		if err := p.failStale(ctx, j); err != nil {
			return nil, err
		}
		return p.store.Get(ctx, id)
	}
	return j, nil
}

// Active returns the user's current job, or job.ErrNotFound.
func (p *Processor) Active(ctx context.Context, user string) (*job.Job, error) {
	id, err := p.store.GetUserPointer(ctx, user)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, job.ErrNotFound
	}
	return p.Status(ctx, id)
}

// isStale reports whether a processing job has stopped making progress.
// Queued jobs wait for a worker and never time out.
func (p *Processor) isStale(j *job.Job) bool {
	if p.stuckAfter <= 0 || j.Status != job.StatusProcessing {
		return false
	}
	return p.now().Sub(time.Unix(j.UpdatedAt, 0)) > p.stuckAfter
}

func (p *Processor) failStale(ctx context.Context, j *job.Job) error {
	since := time.Unix(j.UpdatedAt, 0).UTC().Format(time.RFC3339)
	return p.fail(ctx, j, job.FailureTimeout, "no progress since "+since)
}

// FailStuck fails every processing job whose last update is older than
// olderThan and returns how many were failed.
func (p *Processor) FailStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := p.store.List(ctx, job.Filter{
		Statuses:      []job.Status{job.StatusProcessing},
		UpdatedBefore: p.now().Add(-olderThan),
	})
	if err != nil {
		return 0, fmt.Errorf("list stuck jobs: %w", err)
	}
	n := 0
	for _, j := range jobs {
		if err := p.failStale(ctx, j); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.Warn("failed stuck exports", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Delete removes the job and its archive. The bool reports whether the
// archive is gone.
func (p *Processor) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := p.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	slog.Info("export deleted", "job_id", id, "archive_removed", removed)
	return removed, nil
}

// MultiNotifier fans a job change out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, j *job.Job) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, j)
		}
	}
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, j *job.Job)

func (f NotifierFunc) Notify(ctx context.Context, j *job.Job) { f(ctx, j) }
