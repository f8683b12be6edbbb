package job

import (
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/afero"
)

// ArchiveCleaner removes the archive file backing a deleted job.
type ArchiveCleaner struct {
	Fs afero.Fs
	// OnError receives unlink failures. Defaults to an slog error.
	OnError func(jobID, path string, err error)
}

// DefaultCleaner removes archives from the OS filesystem.
func DefaultCleaner() *ArchiveCleaner {
	return &ArchiveCleaner{Fs: afero.NewOsFs()}
}

// Remove unlinks the job's archive. A missing file counts as removed.
func (c *ArchiveCleaner) Remove(j *Job) bool {
	if c == nil || j == nil || j.ZipPath == "" {
		return true
	}
	fs := c.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	err := fs.Remove(j.ZipPath)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return true
	}
	if c.OnError != nil {
		c.OnError(j.ID, j.ZipPath, err)
	} else {
		slog.Error("remove export archive", "job_id", j.ID, "path", j.ZipPath, "error", err)
	}
	return false
}
