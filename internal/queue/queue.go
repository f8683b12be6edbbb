// Package queue runs export jobs in the background and fans their
// progress out to SSE subscribers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/processor"
)

// Dispatcher schedules background processing of a job.
type Dispatcher interface {
	Enqueue(jobID string) error
}

// SSEEvent represents a Server-Sent Events event.
type SSEEvent struct {
	Event string // "status", "result"
	Data  string // JSON string
}

// Hub fans job updates out to subscribers. It implements
// processor.Notifier.
type Hub struct {
	subs map[string][]chan SSEEvent
	mu   sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan SSEEvent)}
}

// Subscribe creates a buffered SSE channel for a job and returns it.
func (h *Hub) Subscribe(jobID string) chan SSEEvent {
	ch := make(chan SSEEvent, 64)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes an SSE channel from the map.
func (h *Hub) Unsubscribe(jobID string, ch chan SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// notify may still be ranging over the old slice under RLock, so
	// build a new one instead of shifting in place.
	chans := h.subs[jobID]
	kept := make([]chan SSEEvent, 0, len(chans))
	for _, c := range chans {
		if c != ch {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(h.subs, jobID)
		return
	}
	h.subs[jobID] = kept
}

// Notify publishes a status event, or a final result event that closes
// every subscription once the job is terminal.
func (h *Hub) Notify(_ context.Context, j *job.Job) {
	data, err := json.Marshal(j.View())
	if err != nil {
		slog.Error("sse: encode job", "job_id", j.ID, "error", err)
		return
	}
	if j.Status.IsTerminal() {
		h.notifyAndClose(j.ID, SSEEvent{Event: "result", Data: string(data)})
		return
	}
	h.notify(j.ID, SSEEvent{Event: "status", Data: string(data)})
}

// notify sends an event to all subscribers of a job without blocking.
// The read lock is held while sending so notifyAndClose cannot close a
// channel underneath it.
func (h *Hub) notify(jobID string, event SSEEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes all channels for the job.
func (h *Hub) notifyAndClose(jobID string, event SSEEvent) {
	h.mu.Lock()
	chans := h.subs[jobID]
	delete(h.subs, jobID)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}

// Queue manages the in-process job queue and workers.
type Queue struct {
	jobs        chan string
	proc        *processor.Processor
	concurrency int
}

// New creates a Queue holding up to size pending jobs.
func New(proc *processor.Processor, concurrency, size int) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		jobs:        make(chan string, size),
		proc:        proc,
		concurrency: concurrency,
	}
}

// Enqueue adds a job ID to the queue. Returns an error if the queue is full.
func (q *Queue) Enqueue(jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", jobID)
	}
}

// Start launches the workers as goroutines.
func (q *Queue) Start(ctx context.Context) {
	for range q.concurrency {
		go q.runWorker(ctx)
	}
}

// Recover re-enqueues on d every job left queued or processing by a
// previous run.
func Recover(ctx context.Context, store job.Store, d Dispatcher) error {
	jobs, err := store.List(ctx, job.Filter{Statuses: []job.Status{job.StatusQueued, job.StatusProcessing}})
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, j := range jobs {
		if err := d.Enqueue(j.ID); err != nil {
			slog.Error("recovery: enqueue job", "job_id", j.ID, "error", err)
		}
	}
	if len(jobs) > 0 {
		slog.Info("recovery: re-enqueued jobs", "count", len(jobs))
	}
	return nil
}

// StartMaintenance fails jobs that made no progress within stuckAfter,
// checking every interval until ctx is done.
func StartMaintenance(ctx context.Context, proc *processor.Processor, interval, stuckAfter time.Duration) {
	if stuckAfter <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := proc.FailStuck(ctx, stuckAfter); err != nil {
					slog.Error("maintenance: fail stuck jobs", "error", err)
				}
			}
		}
	}()
}

// runWorker is a worker loop: dequeues jobs and processes them.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-q.jobs:
			q.processJob(ctx, jobID)
		}
	}
}

func (q *Queue) processJob(ctx context.Context, jobID string) {
	j, err := q.proc.Run(ctx, jobID)
	if err != nil {
		slog.Error("worker: run job", "job_id", jobID, "error", err)
		return
	}
	slog.Info("worker: job finished", "job_id", jobID, "status", j.Status)
}
