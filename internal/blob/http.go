package blob

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// MediaPrefix is the URL prefix under which stored blobs are served.
const MediaPrefix = "/media/"

// Recorder receives upload accounting.
type Recorder interface {
	RecordUpload(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpload(int) {}

// API serves uploads and media downloads backed by a Store.
type API struct {
	store    Store
	maxBytes int64
	recorder Recorder
	logger   *slog.Logger
}

// APIOption configures an API.
type APIOption func(*API)

// WithRecorder sets the upload recorder.
func WithRecorder(r Recorder) APIOption {
	return func(a *API) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) APIOption {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAPI creates handlers that accept bodies up to maxBytes.
func NewAPI(store Store, maxBytes int64, opts ...APIOption) *API {
	a := &API{
		store:    store,
		maxBytes: maxBytes,
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "blob"))
	return a
}

type uploadResponse struct {
	URL string `json:"url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Upload stores the raw request body and answers {"url": "/media/<id>"}.
func (a *API) Upload(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, a.maxBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload exceeds size limit"})
			return
		}
		a.logger.Warn("failed to read upload body", slog.Any("error", err))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	b, err := a.store.Put(r.Context(), r.Header.Get("Content-Type"), data)
	if err != nil {
		a.logger.Error("failed to store upload", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to store upload"})
		return
	}
	a.recorder.RecordUpload(len(data))
	a.logger.Info("upload stored", slog.String("id", b.ID), slog.Int64("size", b.Size))

	writeJSON(w, http.StatusOK, uploadResponse{URL: MediaPrefix + b.ID})
}

// Media serves a stored blob. The id is taken from the {id} path value.
func (a *API) Media(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !ValidID(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}

	b, err := a.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
			return
		}
		a.logger.Error("failed to load blob", slog.String("id", id), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load blob"})
		return
	}

	contentType := b.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "sandbox")
	if !inlineSafe(contentType) {
		w.Header().Set("Content-Disposition", "attachment")
	}
	http.ServeContent(w, r, "", b.Created, bytes.NewReader(b.Data))
}

// inlineSafe reports whether a browser may render contentType in place
// without running script on the relay's origin.
func inlineSafe(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "text/plain", "application/octet-stream":
		return true
	case "image/svg+xml":
		return false
	}
	major, _, _ := strings.Cut(mediaType, "/")
	switch major {
	case "image", "audio", "video":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
