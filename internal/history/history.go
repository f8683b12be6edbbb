// Package history keeps a summary of every finished export and builds
// reports over it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/themeexport/themeexport/internal/job"
)

// Entry summarizes one finished export.
type Entry struct {
	ID          int64           `json:"id"`
	JobID       string          `json:"job_id"`
	Theme       string          `json:"theme"`
	Result      job.Status      `json:"result"`
	Origin      job.Origin      `json:"origin"`
	User        string          `json:"user,omitempty"`
	ZipFileName string          `json:"zip_file_name,omitempty"`
	ZipFileSize int64           `json:"zip_file_size"`
	Exclusions  []string        `json:"exclusions"`
	Message     string          `json:"message,omitempty"`
	FailureCode job.FailureCode `json:"failure_code,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	CompletedAt int64           `json:"completed_at"`
	// Duration is in seconds.
	Duration int64 `json:"duration"`
}

// FromJob builds the entry for a terminal job.
func FromJob(j *job.Job) Entry {
	excl := j.Exclusions
	if excl == nil {
		excl = []string{}
	}
	completed := j.CompletedAt
	if completed == 0 {
		completed = j.UpdatedAt
	}
	dur := completed - j.CreatedAt
	if dur < 0 {
		dur = 0
	}
	return Entry{
		JobID:       j.ID,
		Theme:       j.Theme,
		Result:      j.Status,
		Origin:      j.CreatedVia,
		User:        j.CreatedBy,
		ZipFileName: j.ZipFileName,
		ZipFileSize: j.ZipFileSize,
		Exclusions:  excl,
		Message:     j.Message,
		FailureCode: j.FailureCode,
		CreatedAt:   j.CreatedAt,
		CompletedAt: completed,
		Duration:    dur,
	}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Result job.Status
	Origin job.Origin
	Limit  int
}

// SQLiteStore persists history entries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore runs migrations on db and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS export_history (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id        TEXT NOT NULL UNIQUE,
			theme         TEXT NOT NULL,
			result        TEXT NOT NULL,
			origin        TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL DEFAULT '',
			zip_file_name TEXT NOT NULL DEFAULT '',
			zip_file_size INTEGER NOT NULL DEFAULT 0,
			exclusions    TEXT NOT NULL DEFAULT '[]',
			message       TEXT NOT NULL DEFAULT '',
			failure_code  TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			completed_at  INTEGER NOT NULL,
			duration      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_history_completed_at ON export_history(completed_at);
		CREATE INDEX IF NOT EXISTS idx_history_result       ON export_history(result);
	`)
	return err
}

// Record stores e. Recording the same job twice keeps the first entry.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	excl, err := json.Marshal(e.Exclusions)
	if err != nil {
		return fmt.Errorf("encode exclusions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO export_history
			(job_id, theme, result, origin, user_id, zip_file_name, zip_file_size,
			 exclusions, message, failure_code, created_at, completed_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING
	`, e.JobID, e.Theme, e.Result, e.Origin, e.User, e.ZipFileName, e.ZipFileSize,
		string(excl), e.Message, e.FailureCode, e.CreatedAt, e.CompletedAt, e.Duration)
	if err != nil {
		return fmt.Errorf("record history for job %s: %w", e.JobID, err)
	}
	return nil
}

// RecordJob stores the entry for a terminal job.
func (s *SQLiteStore) RecordJob(ctx context.Context, j *job.Job) error {
	return s.Record(ctx, FromJob(j))
}

// List returns entries ordered by completion time, newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, job_id, theme, result, origin, user_id, zip_file_name, zip_file_size,
		exclusions, message, failure_code, created_at, completed_at, duration
		FROM export_history WHERE 1 = 1`
	var args []any
	if f.Result != "" {
		query += " AND result = ?"
		args = append(args, f.Result)
	}
	if f.Origin != "" {
		query += " AND origin = ?"
		args = append(args, f.Origin)
	}
	query += " ORDER BY completed_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var excl string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Theme, &e.Result, &e.Origin, &e.User,
			&e.ZipFileName, &e.ZipFileSize, &excl, &e.Message, &e.FailureCode,
			&e.CreatedAt, &e.CompletedAt, &e.Duration); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal([]byte(excl), &e.Exclusions); err != nil {
			return nil, fmt.Errorf("decode exclusions: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// DeleteBefore removes entries completed before cutoff.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM export_history WHERE completed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
