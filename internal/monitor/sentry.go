// Package monitor reports failed exports to Sentry.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/themeexport/themeexport/internal/job"
)

// Options configures the Sentry client. An empty DSN yields a notifier
// whose events are dropped.
type Options struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string

	// Transport overrides the HTTP transport, mostly for tests.
	Transport sentry.Transport
}

// SentryNotifier captures one Sentry message per failed job. Other
// transitions are ignored.
type SentryNotifier struct {
	hub *sentry.Hub
}

// New builds a notifier with its own client and hub, leaving the global
// Sentry hub untouched.
func New(opts Options) (*SentryNotifier, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		ServerName:  opts.ServerName,
		Transport:   opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}
	return &SentryNotifier{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Notify implements processor.Notifier.
func (n *SentryNotifier) Notify(_ context.Context, j *job.Job) {
	if j.Status != job.StatusFailed {
		return
	}
	n.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(map[string]string{
			"job_id":       j.ID,
			"theme":        j.Theme,
			"failure_code": string(j.FailureCode),
			"origin":       string(j.CreatedVia),
		})
		scope.SetExtras(map[string]any{
			"processed_items": j.ProcessedItems,
			"total_items":     j.TotalItems,
			"zip_file_name":   j.ZipFileName,
		})
		scope.SetFingerprint([]string{"export-failed", string(j.FailureCode)})
		if id := n.hub.CaptureMessage(fmt.Sprintf("export %s failed: %s", j.ID, j.Message)); id != nil {
			slog.Debug("reported export failure", "job_id", j.ID, "event_id", string(*id))
		}
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (n *SentryNotifier) Flush(timeout time.Duration) bool {
	return n.hub.Flush(timeout)
}
