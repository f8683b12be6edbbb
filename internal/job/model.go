package job

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailureCode is the machine-readable reason recorded on a failed job.
type FailureCode string

const (
	FailureSourceMissing        FailureCode = "source_missing"
	FailureWriteError           FailureCode = "write_error"
	FailureSizeUnavailable      FailureCode = "size_unavailable"
	FailureTimeout              FailureCode = "timeout"
	FailureSignatureMismatch    FailureCode = "signature_mismatch"
	FailureInvalidConfiguration FailureCode = "invalid_configuration"
)

// Origin records which surface started a job.
type Origin string

const (
	OriginWeb      Origin = "web"
	OriginCLI      Origin = "cli"
	OriginSchedule Origin = "schedule"
)

type TaskKind string

const (
	TaskDirectory TaskKind = "directory"
	TaskFile      TaskKind = "file"
)

// Task is one unit of archive work. Source is relative to the job's
// SourceRoot; Dest is the slash-separated entry name inside the archive.
type Task struct {
	Kind   TaskKind `json:"kind"`
	Source string   `json:"source"`
	Dest   string   `json:"dest"`
}

type Job struct {
	ID               string          `json:"id"`
	Status           Status          `json:"status"`
	Theme            string          `json:"theme"`
	SourceRoot       string          `json:"source_root"`
	Tasks            []Task          `json:"tasks"`
	Cursor           int             `json:"cursor"`
	ProcessedItems   int             `json:"processed_items"`
	TotalItems       int             `json:"total_items"`
	DirectoriesAdded map[string]bool `json:"directories_added,omitempty"`
	ZipPath          string          `json:"zip_path,omitempty"`
	ZipFileName      string          `json:"zip_file_name,omitempty"`
	ZipFileSize      int64           `json:"zip_file_size,omitempty"`
	Exclusions       []string        `json:"exclusions"`
	Message          string          `json:"message,omitempty"`
	FailureCode      FailureCode     `json:"failure_code,omitempty"`
	CreatedAt        int64           `json:"created_at"`
	UpdatedAt        int64           `json:"updated_at"`
	CompletedAt      int64           `json:"completed_at,omitempty"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedByName    string          `json:"created_by_name,omitempty"`
	CreatedVia       Origin          `json:"created_via,omitempty"`
}

// Progress returns the completion percentage in the range 0-100.
func (j *Job) Progress() int {
	if j.TotalItems <= 0 {
		if j.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	p := j.ProcessedItems * 100 / j.TotalItems
	if p > 100 {
		p = 100
	}
	return p
}

// Remaining returns the tasks not yet consumed by the processor.
func (j *Job) Remaining() []Task {
	if j.Cursor >= len(j.Tasks) {
		return nil
	}
	return j.Tasks[j.Cursor:]
}

// Touch sets UpdatedAt to now.
func (j *Job) Touch(now time.Time) {
	j.UpdatedAt = now.Unix()
}

// Finish moves the job into a terminal status.
func (j *Job) Finish(status Status, now time.Time) {
	j.Status = status
	j.UpdatedAt = now.Unix()
	j.CompletedAt = now.Unix()
}

// Fail marks the job failed with a machine code and a human-readable message.
func (j *Job) Fail(code FailureCode, msg string, now time.Time) {
	j.FailureCode = code
	j.Message = msg
	j.Finish(StatusFailed, now)
}

// Validate checks the record before it is persisted.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id must not be empty")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if j.TotalItems < 0 || j.ProcessedItems < 0 {
		return errors.New("item counters must not be negative")
	}
	if j.ProcessedItems > j.TotalItems {
		return fmt.Errorf("processed_items %d exceeds total_items %d", j.ProcessedItems, j.TotalItems)
	}
	if j.Cursor < 0 || j.Cursor > len(j.Tasks) {
		return fmt.Errorf("cursor %d out of range for %d tasks", j.Cursor, len(j.Tasks))
	}
	return nil
}

// View is the job shape exposed to HTTP and CLI clients.
type View struct {
	ID             string      `json:"id"`
	Status         Status      `json:"status"`
	Theme          string      `json:"theme"`
	Progress       int         `json:"progress"`
	ProcessedItems int         `json:"processed_items"`
	TotalItems     int         `json:"total_items"`
	Message        string      `json:"message"`
	FailureCode    FailureCode `json:"failure_code"`
	ZipPath        string      `json:"zip_path"`
	ZipFileName    string      `json:"zip_file_name"`
	ZipFileSize    int64       `json:"zip_file_size"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
	CompletedAt    int64       `json:"completed_at"`
	Exclusions     []string    `json:"exclusions"`
	CreatedBy      string      `json:"created_by,omitempty"`
	CreatedVia     Origin      `json:"created_via,omitempty"`
}

func (j *Job) View() View {
	excl := j.Exclusions
	if excl == nil {
		excl = []string{}
	}
	return View{
		ID:             j.ID,
		Status:         j.Status,
		Theme:          j.Theme,
		Progress:       j.Progress(),
		ProcessedItems: j.ProcessedItems,
		TotalItems:     j.TotalItems,
		Message:        j.Message,
		FailureCode:    j.FailureCode,
		ZipPath:        j.ZipPath,
		ZipFileName:    j.ZipFileName,
		ZipFileSize:    j.ZipFileSize,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
		Exclusions:     excl,
		CreatedBy:      j.CreatedBy,
		CreatedVia:     j.CreatedVia,
	}
}
