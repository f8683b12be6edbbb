package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrImmutable is returned by Put when the stored record is already terminal.
	ErrImmutable = errors.New("job is in a terminal state")
	// ErrTerminal is returned when an operation needs an active job.
	ErrTerminal = errors.New("job already finished")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("job already exists")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}

// Store persists job records keyed by id.
type Store interface {
	Get(ctx context.Context, id string) (*Job, error)
	// Create inserts a new record, or returns ErrExists.
	Create(ctx context.Context, j *Job) error
	// Put overwrites the stored record for j.ID. It never inserts: a
	// missing record yields ErrNotFound and a terminal one ErrImmutable.
	Put(ctx context.Context, j *Job) error
	// Delete removes the record and its archive. The bool is false when the
	// archive could not be unlinked; that failure is reported to the
	// cleaner's error hook rather than returned.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns jobs ordered by created_at DESC.
	List(ctx context.Context, f Filter) ([]*Job, error)

	SetUserPointer(ctx context.Context, user, id string) error
	// GetUserPointer returns "" when the user has no active job.
	GetUserPointer(ctx context.Context, user string) (string, error)
	ClearUserPointer(ctx context.Context, user string) error

	// AcquireLease grants owner exclusive processing rights on id for ttl.
	// Re-acquiring an unexpired lease by the same owner extends it.
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
}

func matches(f Filter, j *Job) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.UpdatedBefore.IsZero() && j.UpdatedAt >= f.UpdatedBefore.Unix() {
		return false
	}
	return true
}
