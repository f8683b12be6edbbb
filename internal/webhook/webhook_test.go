package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/themeexport/themeexport/internal/job"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://192.168.1.1/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (AWS metadata)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestJitter_Bounds(t *testing.T) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		limit := retryBase * (1 << attempt)
		if limit > retryCap {
			limit = retryCap
		}
		for range 20 {
			if d := jitter(attempt); d < 0 || d >= limit {
				t.Fatalf("jitter(%d) = %v, want [0, %v)", attempt, d, limit)
			}
		}
	}
}

func TestNotifier_DeliversTerminalEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n, err := New(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.allowPrivate = true

	n.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusProcessing})
	n.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusCompleted, ZipFileName: "demo.zip"})
	n.Wait()

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Event != "export.completed" || got[0].JobID != "j1" || got[0].Job.ZipFileName != "demo.zip" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestNotifier_RejectsPrivateURL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	n, err := New(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Notify(context.Background(), &job.Job{ID: "j1", Status: job.StatusFailed})
	n.Wait()
	if hits != 0 {
		t.Errorf("loopback webhook received %d requests, want 0", hits)
	}
}
