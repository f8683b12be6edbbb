// Package webhook posts export lifecycle events to a configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/themeexport/themeexport/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Event is the JSON body posted for a finished export.
type Event struct {
	Event string   `json:"event"`
	JobID string   `json:"job_id"`
	Job   job.View `json:"job"`
}

// Notifier posts an Event whenever a job reaches a terminal state.
type Notifier struct {
	url          string
	ctx          context.Context
	client       *http.Client
	allowPrivate bool
	wg           sync.WaitGroup
}

// New returns a Notifier for callbackURL. ctx bounds retries; cancel it on
// shutdown.
func New(ctx context.Context, callbackURL string) (*Notifier, error) {
	if _, err := url.Parse(callbackURL); err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	return &Notifier{
		url:    callbackURL,
		ctx:    ctx,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Notify sends terminal job states; other updates are ignored.
func (n *Notifier) Notify(_ context.Context, j *job.Job) {
	if !j.Status.IsTerminal() {
		return
	}
	payload, err := json.Marshal(Event{Event: "export." + string(j.Status), JobID: j.ID, Job: j.View()})
	if err != nil {
		slog.Error("webhook: encode event", "job_id", j.ID, "error", err)
		return
	}
	if !n.allowPrivate {
		if err := validateURL(n.url); err != nil {
			slog.Warn("webhook: rejected callback URL", "url", n.url, "error", err)
			return
		}
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(payload)
	}()
}

// Wait blocks until in-flight deliveries finish or give up.
func (n *Notifier) Wait() { n.wg.Wait() }

// validateURL blocks non-HTTPS schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if n.ctx.Err() != nil {
			return
		}
		err := post(n.ctx, n.client, n.url, payload)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", n.url, "error", err)
		if attempt < retryAttempts {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(jitter(attempt)):
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", n.url)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt) // base * 2^attempt
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func post(ctx context.Context, client *http.Client, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "themeexport-webhook/1")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
