// Package handlers provides the HTTP API handlers: the virtual-download
// interceptor plus the task/queue/history endpoints.
package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bilimux/bilimux/internal/pipeline"
	"github.com/bilimux/bilimux/internal/pipeline/core"
)

// StreamHandler serves /streams/{uuid}/{filename}: the interceptor that
// consumes a registered virtual download exactly once and streams the
// pipeline's output as the response body.
type StreamHandler struct {
	registry *pipeline.Registry
	logger   *slog.Logger
}

// NewStreamHandler creates the interceptor handler.
func NewStreamHandler(registry *pipeline.Registry, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{registry: registry, logger: logger}
}

// Register mounts the raw streaming route on the chi router. This stays a
// plain chi handler: a streamed, sizeless body does not fit a typed
// response model.
func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/streams/{uuid}/{filename}", h.serve)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}

	entry, ok := h.registry.Take(id)
	if !ok {
		// Consumed, evicted, or never registered: entries are one-shot.
		http.NotFound(w, r)
		return
	}

	filename := url.PathEscape(entry.Filename)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Type", contentTypeFor(entry.Filename))
	if entry.Mode == core.ModeRaw {
		if size := entry.Pipeline.RawSize(entry.Kind); size > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
	}

	h.logger.Info("streaming virtual download",
		slog.String("uuid", id.String()),
		slog.String("filename", entry.Filename),
		slog.String("mode", string(entry.Mode)),
	)

	if err := entry.Pipeline.Transfer(r.Context(), &flushWriter{w: w}, entry.Kind); err != nil {
		// The response may be half-written; cancelling the pipeline is all
		// that is left to do. Client disconnects land here too.
		entry.Pipeline.Cancel()
		h.logger.Warn("stream transfer aborted",
			slog.String("uuid", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// flushWriter flushes after every chunk so the consumer sees bytes as the
// pipeline emits them.
type flushWriter struct {
	w http.ResponseWriter
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

// contentTypeFor maps an output filename to its response content type.
func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".mp4"):
		return "video/mp4"
	case strings.HasSuffix(filename, ".m4a"):
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
