package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/catchsync/internal/connectivity"
	"github.com/kalambet/catchsync/internal/engine"
	"github.com/kalambet/catchsync/internal/remote"
	"github.com/kalambet/catchsync/internal/storage"
	"github.com/kalambet/catchsync/internal/trigger"
)

const (
	maxCaptureBodySize = 512 << 20 // photos plus one video
	maxMemoryForm      = 32 << 20
	maxCacheValueSize  = 4 << 20
)

type AppDeps struct {
	Engine *engine.Engine
	Token  string
	// MetricsHandler serves /metrics when non-nil.
	MetricsHandler http.Handler
}

// NewAppHandler returns the local HTTP surface. /health and /metrics are
// served without authentication; everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/captures", handleSubmitCapture(deps))
		r.Get("/captures", handleListCaptures(deps))
		r.Get("/captures/{id}", handleGetCapture(deps))
		r.Post("/captures/{id}/retry", handleRetryCapture(deps))
		r.Delete("/captures/{id}", handleDiscardCapture(deps))

		r.Get("/sync", handleSyncStatus(deps))
		r.Post("/sync", handleSyncNow(deps))
		r.Post("/lifecycle", handleLifecycle(deps))
		r.Put("/connectivity", handleSetConnectivity(deps))

		r.Get("/storage", handleStorageSize(deps))
		r.Delete("/storage", handleClearStorage(deps))

		r.Get("/cache/{key}", handleGetCache(deps))
		r.Put("/cache/{key}", handlePutCache(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MediaView describes an engine-owned media copy.
type MediaView struct {
	Kind        storage.MediaKind `json:"kind"`
	ContentType string            `json:"content_type,omitempty"`
	Size        int64             `json:"size"`
}

// CaptureView is the wire form of an undelivered capture.
type CaptureView struct {
	LocalID     string          `json:"local_id"`
	Status      storage.Status  `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Exhausted   bool            `json:"exhausted"`
	LastError   string          `json:"last_error,omitempty"`
	Priority    int             `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Media       []MediaView     `json:"media"`
}

func newCaptureView(rec storage.PendingRecord, withPayload bool) CaptureView {
	v := CaptureView{
		LocalID:     rec.LocalID,
		Status:      rec.Status,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Exhausted:   rec.Exhausted(),
		LastError:   rec.LastError,
		Priority:    rec.Priority,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		Media:       make([]MediaView, len(rec.Media)),
	}
	if withPayload {
		v.Payload = rec.Payload
	}
	for i, m := range rec.Media {
		v.Media[i] = MediaView{Kind: m.Kind, ContentType: m.ContentType, Size: m.Size}
	}
	return v
}

// handleSubmitCapture accepts a multipart capture: a JSON "payload" field,
// an optional "priority" and the files under "photos" and "video". Uploads
// are staged in a temporary directory that is removed once the engine has
// made its own copies.
func handleSubmitCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCaptureBodySize)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(maxMemoryForm); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		payload := r.FormValue("payload")
		if payload == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload is required")
			return
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &fields); err != nil || fields == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload must be a JSON object")
			return
		}

		priority := 0
		if raw := r.FormValue("priority"); raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil || p < 1 || p > 5 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "priority must be between 1 and 5")
				return
			}
			priority = p
		}

		if len(r.MultipartForm.File[remote.FieldVideo]) > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most one video is allowed")
			return
		}

		staging, err := os.MkdirTemp("", "catchsync-upload-*")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "staging upload: %v", err)
			return
		}
		defer os.RemoveAll(staging)

		var media []storage.MediaSource
		for _, part := range []struct {
			field string
			kind  storage.MediaKind
		}{
			{remote.FieldPhotos, storage.MediaPhoto},
			{remote.FieldVideo, storage.MediaVideo},
		} {
			for i, fh := range r.MultipartForm.File[part.field] {
				src, err := stageUpload(staging, part.field, i, fh)
				if err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "staging upload: %v", err)
					return
				}
				media = append(media, storage.MediaSource{
					Path:        src,
					Kind:        part.kind,
					ContentType: fh.Header.Get("Content-Type"),
				})
			}
		}

		id, err := deps.Engine.Enqueue([]byte(payload), media, priority)
		if err != nil {
			storeError(w, err, "capture")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"local_id": id})
	}
}

func stageUpload(dir, field string, i int, fh *multipart.FileHeader) (string, error) {
	in, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer in.Close()

	path := filepath.Join(dir, field+"_"+strconv.Itoa(i)+filepath.Ext(filepath.Base(fh.Filename)))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", err
	}
	return path, out.Close()
}

func handleListCaptures(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)
		offset := parseIntParam(r, "offset", 0, 1<<30)

		records, err := deps.Engine.Records()
		if err != nil {
			storeError(w, err, "captures")
			return
		}

		total := len(records)
		if offset > total {
			offset = total
		}
		end := min(offset+limit, total)

		views := make([]CaptureView, 0, end-offset)
		for _, rec := range records[offset:end] {
			views = append(views, newCaptureView(rec, false))
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"total":    total,
			"captures": views,
		})
	}
}

func handleGetCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Engine.Record(chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, err, "capture")
			return
		}
		writeJSON(w, http.StatusOK, newCaptureView(rec, true))
	}
}

func handleRetryCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.Retry(chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "capture")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDiscardCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.Discard(chi.URLParam(r, "id")); err != nil {
			storeError(w, err, "capture")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Engine.Status()
		if err != nil {
			storeError(w, err, "status")
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleSyncNow runs a sync pass and reports its result. The pass is not
// tied to the request: a disconnecting client does not interrupt delivery.
func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Engine.Sync(context.WithoutCancel(r.Context()))
		if err != nil {
			storeError(w, err, "sync")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type lifecycleRequest struct {
	State string `json:"state"`
}

func handleLifecycle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req lifecycleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		l, err := trigger.ParseLifecycle(req.State)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		deps.Engine.Lifecycle(context.WithoutCancel(r.Context()), l)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var st connectivity.State
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		deps.Engine.SetConnectivity(st)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStorageSize(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, err := deps.Engine.StorageSize()
		if err != nil {
			storeError(w, err, "storage")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"bytes": size})
	}
}

// handleClearStorage wipes everything the engine holds. It is refused while
// a sync is running.
func handleClearStorage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.ClearAll(); err != nil {
			if errors.Is(err, engine.ErrSyncInProgress) {
				httpError(w, http.StatusConflict, "conflict", "%v", err)
				return
			}
			storeError(w, err, "storage")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := deps.Engine.CacheGet(chi.URLParam(r, "key"))
		if err != nil {
			storeError(w, err, "cache entry")
			return
		}
		w.Header().Set("Last-Modified", entry.CachedAt.Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/json")
		w.Write(entry.Value)
	}
}

func handlePutCache(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxCacheValueSize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		if !json.Valid(body) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cache value must be valid JSON")
			return
		}
		if err := deps.Engine.CacheSet(chi.URLParam(r, "key"), body); err != nil {
			storeError(w, err, "cache entry")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}
