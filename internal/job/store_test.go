package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func makeJob(id string, created int64) *Job {
	return &Job{
		ID:         id,
		Status:     StatusQueued,
		Theme:      "twentytwentyfour",
		Tasks:      []Task{{Kind: TaskFile, Source: "style.css", Dest: "style.css"}},
		TotalItems: 1,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

// runStoreTests exercises behaviour every Store implementation must share.
func runStoreTests(t *testing.T, newStore func(t *testing.T, fs afero.Fs) Store) {
	t.Run("PutAndGet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		j := makeJob("job-1", 100)
		j.Exclusions = []string{"*.log"}
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != j.ID || got.Theme != j.Theme || got.Status != StatusQueued {
			t.Errorf("Get = %+v, want %+v", got, j)
		}
		if len(got.Tasks) != 1 || got.Tasks[0].Dest != "style.css" {
			t.Errorf("Tasks = %+v, want one style.css task", got.Tasks)
		}
		if len(got.Exclusions) != 1 || got.Exclusions[0] != "*.log" {
			t.Errorf("Exclusions = %v, want [*.log]", got.Exclusions)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t, afero.NewMemMapFs())
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		j := makeJob("job-2", 100)
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		j.Status = StatusProcessing
		j.Cursor = 1
		j.ProcessedItems = 1
		if err := s.Put(ctx, j); err != nil {
			t.Fatalf("second Put: %v", err)
		}
		got, err := s.Get(ctx, "job-2")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != StatusProcessing || got.ProcessedItems != 1 {
			t.Errorf("Get = (%q, %d), want (processing, 1)", got.Status, got.ProcessedItems)
		}
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		j := makeJob("job-3", 100)
		j.Finish(StatusCompleted, time.Unix(200, 0))
		j.ProcessedItems = 1
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		j.Status = StatusProcessing
		if err := s.Put(ctx, j); !errors.Is(err, ErrImmutable) {
			t.Fatalf("Put over terminal error = %v, want ErrImmutable", err)
		}
		got, _ := s.Get(ctx, "job-3")
		if got.Status != StatusCompleted {
			t.Errorf("Status = %q after rejected Put, want completed", got.Status)
		}
	})

	t.Run("PutRejectsInvalid", func(t *testing.T) {
		s := newStore(t, afero.NewMemMapFs())
		j := makeJob("job-4", 100)
		j.ProcessedItems = 5
		if err := s.Create(context.Background(), j); err == nil {
			t.Error("Create accepted processed_items > total_items")
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		j := makeJob("job-5", 100)
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		dup := makeJob("job-5", 999)
		dup.Theme = "other"
		if err := s.Create(ctx, dup); !errors.Is(err, ErrExists) {
			t.Fatalf("second Create error = %v, want ErrExists", err)
		}
		got, _ := s.Get(ctx, "job-5")
		if got.Theme != j.Theme || got.CreatedAt != 100 {
			t.Errorf("Get = (%q, %d), want the first record", got.Theme, got.CreatedAt)
		}
	})

	t.Run("PutMissingIsNotFound", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		j := makeJob("job-6", 100)
		j.Finish(StatusCompleted, time.Unix(200, 0))
		j.ProcessedItems = 1
		if err := s.Put(ctx, j); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Put error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, "job-6"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Put error = %v, want ErrNotFound", err)
		}
		all, err := s.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 0 {
			t.Errorf("List = %d jobs, want none", len(all))
		}
	})

	t.Run("PutAfterDeleteIsNotFound", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		j := makeJob("job-7", 100)
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.Delete(ctx, "job-7"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		j.Status = StatusProcessing
		if err := s.Put(ctx, j); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Put after Delete error = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, "job-7"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteRemovesArchive", func(t *testing.T) {
		ctx := context.Background()
		fs := afero.NewMemMapFs()
		s := newStore(t, fs)

		j := makeJob("job-5", 100)
		j.ZipPath = "/exports/job-5.zip"
		if err := afero.WriteFile(fs, j.ZipPath, []byte("PK"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		j.ProcessedItems = 1
		j.Finish(StatusCompleted, time.Unix(200, 0))
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.SetUserPointer(ctx, "alice", j.ID); err != nil {
			t.Fatalf("SetUserPointer: %v", err)
		}

		removed, err := s.Delete(ctx, j.ID)
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if !removed {
			t.Error("Delete reported archive not removed")
		}
		if ok, _ := afero.Exists(fs, j.ZipPath); ok {
			t.Error("archive still exists after Delete")
		}
		if _, err := s.Get(ctx, j.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
		}
		if id, _ := s.GetUserPointer(ctx, "alice"); id != "" {
			t.Errorf("pointer = %q after Delete, want empty", id)
		}
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		s := newStore(t, afero.NewMemMapFs())
		if _, err := s.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete error = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteReportsUnlinkFailure", func(t *testing.T) {
		ctx := context.Background()
		fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
		s := newStore(t, fs)

		j := makeJob("job-6", 100)
		j.ZipPath = "/exports/job-6.zip"
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
		removed, err := s.Delete(ctx, j.ID)
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if removed {
			t.Error("Delete reported archive removed on read-only fs")
		}
		if _, err := s.Get(ctx, j.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("record survived Delete: %v", err)
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		a := makeJob("a", 100)
		b := makeJob("b", 200)
		b.Status = StatusProcessing
		c := makeJob("c", 300)
		c.ProcessedItems = 1
		c.Finish(StatusCompleted, time.Unix(400, 0))
		for _, j := range []*Job{a, b, c} {
			if err := s.Create(ctx, j); err != nil {
				t.Fatalf("Create %s: %v", j.ID, err)
			}
		}

		all, err := s.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
			t.Errorf("List order = %v, want [c b a]", ids(all))
		}

		active, err := s.List(ctx, Filter{Statuses: []Status{StatusQueued, StatusProcessing}})
		if err != nil {
			t.Fatalf("List active: %v", err)
		}
		if len(active) != 2 {
			t.Errorf("active = %v, want [b a]", ids(active))
		}

		old, err := s.List(ctx, Filter{UpdatedBefore: time.Unix(250, 0)})
		if err != nil {
			t.Fatalf("List old: %v", err)
		}
		if len(old) != 2 || old[0].ID != "b" {
			t.Errorf("old = %v, want [b a]", ids(old))
		}

		limited, err := s.List(ctx, Filter{Limit: 1})
		if err != nil {
			t.Fatalf("List limited: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("limited = %v, want 1 entry", ids(limited))
		}
	})

	t.Run("UserPointer", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		if id, err := s.GetUserPointer(ctx, "bob"); err != nil || id != "" {
			t.Fatalf("GetUserPointer = (%q, %v), want empty", id, err)
		}
		if err := s.SetUserPointer(ctx, "bob", "first"); err != nil {
			t.Fatalf("SetUserPointer: %v", err)
		}
		if err := s.SetUserPointer(ctx, "bob", "second"); err != nil {
			t.Fatalf("SetUserPointer: %v", err)
		}
		if id, _ := s.GetUserPointer(ctx, "bob"); id != "second" {
			t.Errorf("pointer = %q, want second", id)
		}
		if err := s.ClearUserPointer(ctx, "bob"); err != nil {
			t.Fatalf("ClearUserPointer: %v", err)
		}
		if id, _ := s.GetUserPointer(ctx, "bob"); id != "" {
			t.Errorf("pointer = %q after clear, want empty", id)
		}
	})

	t.Run("Lease", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, afero.NewMemMapFs())

		ok, err := s.AcquireLease(ctx, "job", "worker-1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first AcquireLease = (%v, %v), want true", ok, err)
		}
		if ok, _ := s.AcquireLease(ctx, "job", "worker-2", time.Minute); ok {
			t.Error("second owner acquired a held lease")
		}
		if ok, _ := s.AcquireLease(ctx, "job", "worker-1", time.Minute); !ok {
			t.Error("owner could not extend its own lease")
		}
		if err := s.ReleaseLease(ctx, "job", "worker-2"); err != nil {
			t.Fatalf("ReleaseLease by non-owner: %v", err)
		}
		if ok, _ := s.AcquireLease(ctx, "job", "worker-2", time.Minute); ok {
			t.Error("non-owner release freed the lease")
		}
		if err := s.ReleaseLease(ctx, "job", "worker-1"); err != nil {
			t.Fatalf("ReleaseLease: %v", err)
		}
		if ok, _ := s.AcquireLease(ctx, "job", "worker-2", time.Minute); !ok {
			t.Error("lease not available after release")
		}
	})
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
