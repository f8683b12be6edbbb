package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseKeepalive = 15 * time.Second

// StreamSSE handles GET /api/v1/exports/{id}/sse.
// It streams progress events until the export finishes or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	if h.hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "event streaming is not enabled")
		return
	}

	id := r.PathValue("id")

	// Subscribe before reading the job so no transition falls in between.
	ch := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(id, ch)

	j, err := h.proc.Status(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, err, id)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already terminal, send the result event and close immediately.
	if j.Status.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j.View())
		return
	}

	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", j.View())

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
