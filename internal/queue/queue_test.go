package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/spf13/afero"

	"github.com/themeexport/themeexport/internal/database"
	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/processor"
)

func newProcessor(t *testing.T, notifier processor.Notifier) *processor.Processor {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	src := afero.NewMemMapFs()
	for _, p := range []string{"/themes/demo/style.css", "/themes/demo/parts/header.html", "/themes/demo/parts/footer.html"} {
		if err := afero.WriteFile(src, p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	out := afero.NewMemMapFs()
	store, err := job.NewSQLiteStore(db, &job.ArchiveCleaner{Fs: out})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return processor.New(store, processor.Options{
		SourceFs:  src,
		ArchiveFs: out,
		ThemesDir: "/themes",
		ExportDir: "/exports",
		BatchSize: 1,
		Notifier:  notifier,
	})
}

func pollUntil(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHub_StatusThenResult(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("j1")

	h.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusProcessing, ProcessedItems: 1, TotalItems: 2})
	h.Notify(context.Background(), &job.Job{ID: "j2", Status: job.StatusProcessing})
	h.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusCompleted, ProcessedItems: 2, TotalItems: 2})

	var got []SSEEvent
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].Event != "status" || got[1].Event != "result" {
		t.Fatalf("events = %+v, want status then result", got)
	}
	var v job.View
	if err := json.Unmarshal([]byte(got[1].Data), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Progress != 100 || v.Status != job.StatusCompleted {
		t.Errorf("result view = %+v", v)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("j1")
	b := h.Subscribe("j1")
	h.Unsubscribe("j1", a)
	h.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusQueued})

	select {
	case ev := <-a:
		t.Errorf("unsubscribed channel received %+v", ev)
	default:
	}
	if ev := <-b; ev.Event != "status" {
		t.Errorf("event = %+v, want status", ev)
	}
	h.Unsubscribe("j1", b)
	if len(h.subs) != 0 {
		t.Errorf("subs = %v, want empty", h.subs)
	}
}

func TestHub_ConcurrentStatusAndResult(t *testing.T) {
	h := NewHub()
	subs := make([]chan SSEEvent, 500)
	for i := range subs {
		subs[i] = h.Subscribe("j1")
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusProcessing})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusCancelled})
	}()
	wg.Wait()

	for i, ch := range subs {
		for range ch {
		}
		if _, ok := <-ch; ok {
			t.Fatalf("subscriber %d still open after result", i)
		}
	}
	if len(h.subs) != 0 {
		t.Errorf("subs = %v, want empty", h.subs)
	}
}

func TestQueue_RunsJobs(t *testing.T) {
	hub := NewHub()
	proc := newProcessor(t, hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(proc, 2, 10)
	q.Start(ctx)

	j, err := proc.Create(ctx, processor.CreateRequest{Theme: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ch := hub.Subscribe(j.ID)
	if err := q.Enqueue(j.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var last SSEEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, open := <-ch:
			if !open {
				done = true
				break
			}
			last = ev
		case <-timeout:
			t.Fatal("job did not finish")
		}
	}
	if last.Event != "result" {
		t.Errorf("last event = %+v, want result", last)
	}
	got, _ := proc.Store().Get(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestQueue_Full(t *testing.T) {
	q := New(newProcessor(t, nil), 1, 1)
	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("b"); err == nil {
		t.Error("Enqueue on a full queue succeeded")
	}
}

type recordingDispatcher struct{ ids []string }

func (r *recordingDispatcher) Enqueue(id string) error {
	r.ids = append(r.ids, id)
	return nil
}

func TestRecover(t *testing.T) {
	proc := newProcessor(t, nil)
	ctx := context.Background()

	active, err := proc.Create(ctx, processor.CreateRequest{Theme: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	done, _ := proc.Create(ctx, processor.CreateRequest{Theme: "demo"})
	if _, err := proc.Run(ctx, done.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	d := &recordingDispatcher{}
	if err := Recover(ctx, proc.Store(), d); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(d.ids) != 1 || d.ids[0] != active.ID {
		t.Errorf("recovered = %v, want [%s]", d.ids, active.ID)
	}
}

func TestStartMaintenance(t *testing.T) {
	proc := newProcessor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waiting, err := proc.Create(ctx, processor.CreateRequest{Theme: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	j, err := proc.Create(ctx, processor.CreateRequest{Theme: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := proc.Step(ctx, j.ID); err != nil {
		t.Fatalf("Step: %v", err)
	}
	// Anything not updated in the last nanosecond counts as stuck.
	StartMaintenance(ctx, proc, 10*time.Millisecond, time.Nanosecond)

	pollUntil(t, 3*time.Second, func() bool {
		got, err := proc.Store().Get(ctx, j.ID)
		return err == nil && got.FailureCode == job.FailureTimeout
	})
	if got, _ := proc.Store().Get(ctx, waiting.ID); got.Status != job.StatusQueued {
		t.Errorf("queued job status = %q, want queued", got.Status)
	}
}

func TestAsynqDispatcher_DrivesJobToCompletion(t *testing.T) {
	s := miniredis.RunT(t)
	redisOpt := asynq.RedisClientOpt{Addr: s.Addr()}

	proc := newProcessor(t, nil)
	d := NewAsynqDispatcher(redisOpt, "")
	defer d.Close()

	srv := NewServer(redisOpt, 2, "")
	go func() { _ = srv.Run(NewServeMux(proc, d)) }()
	defer srv.Shutdown()

	ctx := context.Background()
	j, err := proc.Create(ctx, processor.CreateRequest{Theme: "demo"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Enqueue(j.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	pollUntil(t, 10*time.Second, func() bool {
		got, err := proc.Store().Get(ctx, j.ID)
		return err == nil && got.Status == job.StatusCompleted
	})
}

func TestStepHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := StepHandler(newProcessor(t, nil), nil)
	err := h(context.Background(), asynq.NewTask(TaskStep, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
}

func TestStepHandler_UnknownJob(t *testing.T) {
	h := StepHandler(newProcessor(t, nil), nil)
	payload, _ := json.Marshal(stepPayload{JobID: "missing"})
	if err := h(context.Background(), asynq.NewTask(TaskStep, payload)); err != nil {
		t.Errorf("error = %v, want nil for unknown job", err)
	}
}
