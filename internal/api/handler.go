package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/themeexport/themeexport/internal/enumerate"
	"github.com/themeexport/themeexport/internal/history"
	"github.com/themeexport/themeexport/internal/job"
	"github.com/themeexport/themeexport/internal/processor"
	"github.com/themeexport/themeexport/internal/queue"
	"github.com/themeexport/themeexport/internal/settings"
)

// SettingsLoader supplies the default exclusions for requests that send none.
type SettingsLoader interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// HistoryLister reads finished exports.
type HistoryLister interface {
	List(ctx context.Context, f history.Filter) ([]history.Entry, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	proc         *processor.Processor
	dispatcher   queue.Dispatcher
	hub          *queue.Hub
	settings     SettingsLoader
	history      HistoryLister
	defaultTheme string
	now          func() time.Time
}

// Options wires the optional collaborators of a Handler. A nil Dispatcher
// leaves jobs to be advanced through the step endpoint.
type Options struct {
	Dispatcher   queue.Dispatcher
	Hub          *queue.Hub
	Settings     SettingsLoader
	History      HistoryLister
	DefaultTheme string
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(proc *processor.Processor, opts Options) *Handler {
	return &Handler{
		proc:         proc,
		dispatcher:   opts.Dispatcher,
		hub:          opts.Hub,
		settings:     opts.Settings,
		history:      opts.History,
		defaultTheme: opts.DefaultTheme,
		now:          time.Now,
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/exports", h.CreateExport)
	mux.HandleFunc("GET /api/v1/exports", h.ListExports)
	mux.HandleFunc("GET /api/v1/exports/active", h.ActiveExport)
	mux.HandleFunc("GET /api/v1/exports/{id}", h.GetExport)
	mux.HandleFunc("POST /api/v1/exports/{id}/step", h.StepExport)
	mux.HandleFunc("POST /api/v1/exports/{id}/cancel", h.CancelExport)
	mux.HandleFunc("DELETE /api/v1/exports/{id}", h.DeleteExport)
	mux.HandleFunc("GET /api/v1/exports/{id}/download", h.DownloadExport)
	mux.HandleFunc("GET /api/v1/exports/{id}/sse", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/history", h.ListHistory)
	mux.HandleFunc("GET /api/v1/history/report", h.HistoryReport)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

type createRequest struct {
	Theme string `json:"theme"`
	// Exclusions is a string or a list of strings; absent means the
	// configured defaults.
	Exclusions json.RawMessage `json:"exclusions"`
}

// CreateExport handles POST /api/v1/exports and responds 202 with the
// queued job.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.Theme == "" {
		req.Theme = h.defaultTheme
	}

	var exclusions any
	if len(req.Exclusions) == 0 || string(req.Exclusions) == "null" {
		if h.settings != nil {
			st, err := h.settings.Load(r.Context())
			if err != nil {
				slog.Error("load settings", "error", err)
				writeError(w, http.StatusInternalServerError, "internal", "failed to load settings")
				return
			}
			exclusions = st.DefaultExclusions
		}
	} else {
		_ = json.Unmarshal(req.Exclusions, &exclusions)
		switch exclusions.(type) {
		case string, []any:
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", "exclusions must be a string or a list of strings")
			return
		}
	}

	j, err := h.proc.Create(r.Context(), processor.CreateRequest{
		Theme:      req.Theme,
		Exclusions: exclusions,
		User:       UserFromContext(r.Context()),
		UserName:   UserFromContext(r.Context()),
		Origin:     job.OriginWeb,
	})
	switch {
	case errors.Is(err, processor.ErrInvalidTheme):
		writeError(w, http.StatusBadRequest, "invalid_theme", err.Error())
		return
	case errors.Is(err, enumerate.ErrSourceMissing):
		writeError(w, http.StatusNotFound, string(job.FailureSourceMissing), err.Error())
		return
	case err != nil:
		slog.Error("create export", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create export")
		return
	}

	if h.dispatcher != nil {
		if err := h.dispatcher.Enqueue(j.ID); err != nil {
			slog.Error("enqueue export", "job_id", j.ID, "error", err)
			if _, cerr := h.proc.Cancel(r.Context(), j.ID); cerr != nil {
				slog.Error("cancel unqueued export", "job_id", j.ID, "error", cerr)
			}
			writeError(w, http.StatusServiceUnavailable, "queue_full", "failed to enqueue export")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": j.ID, "job": j.View()})
}

// ListExports handles GET /api/v1/exports. The optional status parameter
// may be repeated.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.Filter{Limit: parseIntParam(q.Get("limit"), 20)}
	for _, s := range q["status"] {
		st := job.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}

	jobs, err := h.proc.Store().List(r.Context(), f)
	if err != nil {
		slog.Error("list exports", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list exports")
		return
	}

	views := make([]job.View, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exports": views,
		"total":   len(views),
		"limit":   f.Limit,
	})
}

// ActiveExport handles GET /api/v1/exports/active and returns the calling
// user's most recent export.
func (h *Handler) ActiveExport(w http.ResponseWriter, r *http.Request) {
	j, err := h.proc.Active(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.writeLookupError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j.View()})
}

// GetExport handles GET /api/v1/exports/{id}.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.proc.Status(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j.View()})
}

// StepExport handles POST /api/v1/exports/{id}/step: one synchronous
// batch for clients that drive the export by polling.
func (h *Handler) StepExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	more, err := h.proc.Step(r.Context(), id)
	if errors.Is(err, processor.ErrBusy) {
		writeError(w, http.StatusConflict, "busy", "export is being processed, retry later")
		return
	}
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	j, err := h.proc.Store().Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j.View(), "more": more})
}

// CancelExport handles POST /api/v1/exports/{id}/cancel. A finished job
// yields 409 along with its final state.
func (h *Handler) CancelExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.proc.Cancel(r.Context(), id)
	if errors.Is(err, job.ErrTerminal) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "export already finished",
			"code":  "terminal",
			"job":   j.View(),
		})
		return
	}
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": j.View()})
}

// DeleteExport handles DELETE /api/v1/exports/{id}, cancelling the job
// first when it is still running.
func (h *Handler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.proc.Store().Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	if !j.Status.IsTerminal() {
		if _, err := h.proc.Cancel(r.Context(), id); err != nil && !errors.Is(err, job.ErrTerminal) {
			h.writeLookupError(w, err, id)
			return
		}
	}
	removed, err := h.proc.Delete(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	if !removed {
		slog.Warn("archive not removed", "job_id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadExport handles GET /api/v1/exports/{id}/download.
func (h *Handler) DownloadExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := h.proc.Store().Get(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}
	if j.Status != job.StatusCompleted {
		writeError(w, http.StatusConflict, "not_ready", fmt.Sprintf("export is %s", j.Status))
		return
	}

	fs := h.proc.ArchiveFs()
	f, err := fs.Open(j.ZipPath)
	if err != nil {
		slog.Error("open archive", "job_id", id, "path", j.ZipPath, "error", err)
		writeError(w, http.StatusGone, "archive_missing", "archive is no longer available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to stat archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", j.ZipFileName))
	http.ServeContent(w, r, j.ZipFileName, info.ModTime(), f)
}

// ListHistory handles GET /api/v1/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "history is not enabled")
		return
	}
	q := r.URL.Query()
	entries, err := h.history.List(r.Context(), history.Filter{
		Result: job.Status(q.Get("result")),
		Origin: job.Origin(q.Get("origin")),
		Limit:  parseIntParam(q.Get("limit"), 50),
	})
	if err != nil {
		slog.Error("list history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HistoryReport handles GET /api/v1/history/report.
func (h *Handler) HistoryReport(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "not_found", "history is not enabled")
		return
	}
	q := r.URL.Query()
	entries, err := h.history.List(r.Context(), history.Filter{})
	if err != nil {
		slog.Error("list history", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list history")
		return
	}
	window := parseIntParam(q.Get("window"), 30)
	limit := parseIntParam(q.Get("limit"), 10)
	writeJSON(w, http.StatusOK, history.BuildReport(entries, window, h.now(), limit))
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// writeLookupError maps store errors onto responses. Unknown ids are a
// typed 404, never a 500.
func (h *Handler) writeLookupError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, job.ErrNotFound) {
		msg := "export not found"
		if id == "" {
			msg = "no active export"
		}
		writeError(w, http.StatusNotFound, "not_found", msg)
		return
	}
	slog.Error("export request", "job_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
