package history

import (
	"time"

	"github.com/themeexport/themeexport/internal/job"
)

type Report struct {
	GeneratedAt int64 `json:"generated_at"`
	// WindowDays limits the report to recent entries; 0 covers everything.
	WindowDays        int                `json:"window_days"`
	Total             int                `json:"total"`
	ByResult          map[job.Status]int `json:"by_result"`
	ByOrigin          map[job.Origin]int `json:"by_origin"`
	SuccessRate       float64            `json:"success_rate"`
	AverageDuration   float64            `json:"average_duration"`
	TotalArchiveBytes int64              `json:"total_archive_bytes"`
	Latest            []Entry            `json:"latest"`
}

// BuildReport aggregates entries (newest first) completed within the last
// windowDays. limit caps Latest.
func BuildReport(entries []Entry, windowDays int, now time.Time, limit int) Report {
	r := Report{
		GeneratedAt: now.Unix(),
		WindowDays:  windowDays,
		ByResult:    map[job.Status]int{},
		ByOrigin:    map[job.Origin]int{},
		Latest:      []Entry{},
	}
	var cutoff int64
	if windowDays > 0 {
		cutoff = now.AddDate(0, 0, -windowDays).Unix()
	}

	var durations int64
	for _, e := range entries {
		if e.CompletedAt < cutoff {
			continue
		}
		r.Total++
		r.ByResult[e.Result]++
		origin := e.Origin
		if origin == "" {
			origin = job.OriginWeb
		}
		r.ByOrigin[origin]++
		durations += e.Duration
		if e.Result == job.StatusCompleted {
			r.TotalArchiveBytes += e.ZipFileSize
		}
		if limit <= 0 || len(r.Latest) < limit {
			r.Latest = append(r.Latest, e)
		}
	}
	if r.Total > 0 {
		r.SuccessRate = float64(r.ByResult[job.StatusCompleted]) * 100 / float64(r.Total)
		r.AverageDuration = float64(durations) / float64(r.Total)
	}
	return r
}
