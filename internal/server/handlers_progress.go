package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/canopy-eco/canopy/internal/lifecycle"
	"github.com/canopy-eco/canopy/internal/model"
	"github.com/canopy-eco/canopy/internal/progress"
)

// HandleProgress handles GET /v1/analyses/{id}/progress (SSE).
// Streams progress snapshots until the analysis settles or the client
// disconnects. Each change is one "progress" event; stream-level failures
// are sent as a final "error" event before the stream closes.
func (h *Handlers) HandleProgress(watcher *progress.Watcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.analysisID(w, r)
		if !ok {
			return
		}

		// Fail fast with a regular 404 before committing to the SSE
		// content type.
		if _, err := h.mgr.Get(r.Context(), id); err != nil {
			if errors.Is(err, lifecycle.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "analysis not found")
				return
			}
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load analysis")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Disable the server's WriteTimeout for this long-lived connection.
		// Without this, idle SSE connections are killed after WriteTimeout.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		events := watcher.Watch(r.Context(), id)

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				if ev.Err != nil {
					writeSSE(w, "error", map[string]string{"message": ev.Err.Error()})
					flusher.Flush()
					return
				}
				if err := writeSSE(w, "progress", ev.Progress); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// writeSSE writes one named SSE event with a JSON payload.
func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
