package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore is a SQLite-backed implementation of Store. Each job is kept
// as one JSON document; status and timestamps are duplicated into columns
// for filtering.
type SQLiteStore struct {
	db      *sql.DB
	cleaner *ArchiveCleaner
	now     func() time.Time
}

// NewSQLiteStore runs migrations on db and returns a store. A nil cleaner
// removes archives from the OS filesystem.
func NewSQLiteStore(db *sql.DB, cleaner *ArchiveCleaner) (*SQLiteStore, error) {
	if cleaner == nil {
		cleaner = DefaultCleaner()
	}
	s := &SQLiteStore{db: db, cleaner: cleaner, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status     ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);

		CREATE TABLE IF NOT EXISTS user_pointers (
			user_id TEXT PRIMARY KEY,
			job_id  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS job_leases (
			job_id     TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j := &Job{}
	if err := json.Unmarshal([]byte(data), j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	data, err := encode(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, j.ID, j.Status, j.CreatedAt, j.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job %s: %w", j.ID, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, j *Job) error {
	data, err := encode(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, data = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, j.Status, j.UpdatedAt, data, j.ID,
		StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, j.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("put job %s: %w", j.ID, err)
	}
	return ErrImmutable
}

func encode(j *Job) (string, error) {
	if err := j.Validate(); err != nil {
		return "", fmt.Errorf("put job: %w", err)
	}
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return string(data), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_pointers WHERE job_id = ?`, id); err != nil {
		return false, fmt.Errorf("clear pointers for job %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE job_id = ?`, id); err != nil {
		return false, fmt.Errorf("clear lease for job %s: %w", id, err)
	}
	return s.cleaner.Remove(j), nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	query := `SELECT data FROM jobs`
	var args []any
	var where []string
	if len(f.Statuses) > 0 {
		in := ""
		for i, st := range f.Statuses {
			if i > 0 {
				in += ", "
			}
			in += "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+in+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, f.UpdatedBefore.Unix())
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j := &Job{}
		if err := json.Unmarshal([]byte(data), j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) SetUserPointer(ctx context.Context, user, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_pointers (user_id, job_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET job_id = excluded.job_id
	`, user, id)
	if err != nil {
		return fmt.Errorf("set pointer for user %s: %w", user, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserPointer(ctx context.Context, user string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT job_id FROM user_pointers WHERE user_id = ?`, user).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pointer for user %s: %w", user, err)
	}
	return id, nil
}

func (s *SQLiteStore) ClearUserPointer(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_pointers WHERE user_id = ?`, user); err != nil {
		return fmt.Errorf("clear pointer for user %s: %w", user, err)
	}
	return nil
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_leases (job_id, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			owner      = excluded.owner,
			expires_at = excluded.expires_at
		WHERE job_leases.expires_at <= ? OR job_leases.owner = excluded.owner
	`, id, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease on job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease on job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_leases WHERE job_id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("release lease on job %s: %w", id, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
