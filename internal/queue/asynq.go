package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/processor"
)

// TaskStep is the asynq task type for one processing step.
const TaskStep = "export:step"

const busyRetryDelay = 5 * time.Second

type stepPayload struct {
	JobID string `json:"job_id"`
}

// AsynqDispatcher ticks jobs through Redis-backed asynq tasks, one task per
// step.
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
}

// NewAsynqDispatcher returns a dispatcher enqueueing on queue ("default"
// when empty).
func NewAsynqDispatcher(redisOpt asynq.RedisClientOpt, queue string) *AsynqDispatcher {
	if queue == "" {
		queue = "default"
	}
	return &AsynqDispatcher{client: asynq.NewClient(redisOpt), queue: queue}
}

func (d *AsynqDispatcher) Enqueue(jobID string) error {
	return d.enqueue(jobID)
}

// EnqueueIn schedules the next step of jobID after delay.
func (d *AsynqDispatcher) EnqueueIn(jobID string, delay time.Duration) error {
	return d.enqueue(jobID, asynq.ProcessIn(delay))
}

func (d *AsynqDispatcher) enqueue(jobID string, opts ...asynq.Option) error {
	payload, err := json.Marshal(stepPayload{JobID: jobID})
	if err != nil {
		return err
	}
	opts = append(opts, asynq.Queue(d.queue), asynq.MaxRetry(3))
	if _, err := d.client.Enqueue(asynq.NewTask(TaskStep, payload), opts...); err != nil {
		return fmt.Errorf("enqueue step for job %s: %w", jobID, err)
	}
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// StepHandler runs one Step per task and enqueues the next while work
// remains.
func StepHandler(proc *processor.Processor, d *AsynqDispatcher) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p stepPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode step payload: %v: %w", err, asynq.SkipRetry)
		}
		more, err := proc.Step(ctx, p.JobID)
		switch {
		case errors.Is(err, processor.ErrBusy):
			return d.EnqueueIn(p.JobID, busyRetryDelay)
		case errors.Is(err, job.ErrNotFound):
			slog.Warn("asynq: step for unknown job", "job_id", p.JobID)
			return nil
		case err != nil:
			return err
		}
		if more {
			return d.Enqueue(p.JobID)
		}
		return nil
	}
}

// NewServer returns an asynq server logging through slog.
func NewServer(redisOpt asynq.RedisClientOpt, concurrency int, queue string) *asynq.Server {
	if queue == "" {
		queue = "default"
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{},
	})
}

// NewServeMux registers StepHandler.
func NewServeMux(proc *processor.Processor, d *AsynqDispatcher) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskStep, StepHandler(proc, d))
	return mux
}

// asynqLogger forwards asynq's logging to slog.
type asynqLogger struct{}

func (asynqLogger) Debug(args ...any) { slog.Debug(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Info(args ...any)  { slog.Info(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Warn(args ...any)  { slog.Warn(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Error(args ...any) { slog.Error(fmt.Sprint(args...), "component", "asynq") }
func (asynqLogger) Fatal(args ...any) {
	slog.Error(fmt.Sprint(args...), "component", "asynq", "fatal", true)
}
