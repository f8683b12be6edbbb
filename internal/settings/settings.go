// Package settings stores service settings and moves them between
// installations as signed packages.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/themeexport/themeexport/internal/exclusion"
	"github.com/themeexport/themeexport/internal/schedule"
)

type Settings struct {
	DefaultExclusions []string        `json:"default_exclusions"`
	Schedule          schedule.Config `json:"schedule"`
	PortablePatterns  bool            `json:"portable_patterns"`
}

// Default returns the settings of a fresh install.
func Default() Settings {
	return Settings{DefaultExclusions: []string{}, Schedule: schedule.Default()}
}

// Normalize sanitizes exclusion lists and validates the schedule.
func (s Settings) Normalize() (Settings, error) {
	s.DefaultExclusions = exclusion.Sanitize(s.DefaultExclusions)
	s.Schedule.Exclusions = exclusion.Sanitize(s.Schedule.Exclusions)
	if s.Schedule.Frequency == "" {
		s.Schedule.Frequency = schedule.Disabled
	}
	if s.Schedule.RunTime == "" {
		s.Schedule.RunTime = "00:00"
	}
	if err := s.Schedule.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

const optionName = "settings"

// SQLiteStore keeps the settings as one JSON option row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore runs migrations on db and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS options (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Load returns the stored settings, or Default when none were saved.
func (s *SQLiteStore) Load(ctx context.Context) (Settings, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE name = ?`, optionName).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	st := Default()
	if err := json.Unmarshal([]byte(value), &st); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return st, nil
}

// Save normalizes and stores st. Invalid settings leave the stored row
// untouched.
func (s *SQLiteStore) Save(ctx context.Context, st Settings) (Settings, error) {
	st, err := st.Normalize()
	if err != nil {
		return Settings{}, err
	}
	value, err := json.Marshal(st)
	if err != nil {
		return Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO options (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, optionName, string(value))
	if err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return st, nil
}

// Import verifies a package and saves its settings when the signature
// holds. On a mismatch the decoded snapshot is still returned, together
// with ErrSignatureMismatch, and nothing is saved.
func (s *SQLiteStore) Import(ctx context.Context, data, secret []byte) (*ImportResult, error) {
	res, err := Import(data, secret)
	if err != nil {
		return res, err
	}
	saved, err := s.Save(ctx, res.Settings)
	if err != nil {
		return res, err
	}
	res.Settings = saved
	res.Applied = true
	return res, nil
}
