package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/italolelis/offline_downloader/internal/download"
	"github.com/italolelis/offline_downloader/internal/logctx"
	"github.com/italolelis/offline_downloader/internal/telemetry"
)

// QueueService is the coordinator surface the API drives.
type QueueService interface {
	Add(ctx context.Context, item *download.Item) error
	Remove(ctx context.Context, id string) (bool, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Reorder(ctx context.Context, ids []string) error
	PauseAll(ctx context.Context)
	ResumeAll(ctx context.Context)
	IsPaused() bool
}

// StateReader is the read side of the state store the API renders from.
type StateReader interface {
	Get(id string) *download.Item
	GetAll() []*download.Item
	GetByState(states ...download.State) []*download.Item
	ClearByState(ctx context.Context, states ...download.State) ([]string, error)
}

// DownloadResource is the wire representation of one download.
type DownloadResource struct {
	ID              string            `json:"id"`
	Type            download.Type     `json:"type"`
	State           download.State    `json:"state"`
	URI             string            `json:"uri"`
	Title           string            `json:"title,omitempty"`
	ProgressPercent float64           `json:"progress_percent"`
	BytesDownloaded int64             `json:"bytes_downloaded"`
	TotalBytes      int64             `json:"total_bytes"`
	DownloadSpeed   int64             `json:"download_speed"`
	RemainingTime   int64             `json:"remaining_time"`
	RetryCount      int               `json:"retry_count"`
	Error           string            `json:"error,omitempty"`
	FileURI         string            `json:"file_uri,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func newDownloadResource(item *download.Item) DownloadResource {
	return DownloadResource{
		ID:              item.ID,
		Type:            item.Type,
		State:           item.State,
		URI:             item.URI,
		Title:           item.Title,
		ProgressPercent: item.Stats.ProgressPercent,
		BytesDownloaded: item.Stats.BytesDownloaded,
		TotalBytes:      item.Stats.TotalBytes,
		DownloadSpeed:   item.Stats.DownloadSpeed,
		RemainingTime:   item.Stats.RemainingTime,
		RetryCount:      item.Stats.RetryCount,
		Error:           item.Stats.Error,
		FileURI:         item.FileURI,
		Metadata:        item.Metadata,
		CreatedAt:       item.CreatedAt,
	}
}

// AddDownloadRequest is the payload for creating a download.
type AddDownloadRequest struct {
	ID         string            `json:"id,omitempty"`
	Type       download.Type     `json:"type"`
	URI        string            `json:"uri"`
	Title      string            `json:"title,omitempty"`
	ProfileIDs []string          `json:"profile_ids,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ReorderRequest is the payload for reordering the queue.
type ReorderRequest struct {
	IDs []string `json:"ids"`
}

// ClearRequest is the payload for bulk removal by state.
type ClearRequest struct {
	States []download.State `json:"states"`
}

// QueueHandler serves the download queue API.
type QueueHandler struct {
	username  string
	password  string
	queue     QueueService
	state     StateReader
	telemetry *telemetry.Telemetry
}

// NewQueueHandler creates a new queue API handler.
func NewQueueHandler(username, password string, queue QueueService, state StateReader, t *telemetry.Telemetry) *QueueHandler {
	return &QueueHandler{
		username:  username,
		password:  password,
		queue:     queue,
		state:     state,
		telemetry: t,
	}
}

func (h *QueueHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleAdd)
		r.Get("/", h.HandleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleRemove)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
			r.Post("/restart", h.HandleRestart)
		})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.HandleQueueStatus)
		r.Post("/reorder", h.HandleReorder)
		r.Post("/pause", h.HandlePauseAll)
		r.Post("/resume", h.HandleResumeAll)
		r.Post("/clear", h.HandleClear)
	})

	return r
}

// HandleAdd creates a new download and enqueues it.
func (h *QueueHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req AddDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URI == "" {
		http.Error(w, "uri is required", http.StatusBadRequest)

		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if req.Type == "" {
		req.Type = download.TypeBinary
	}

	item := &download.Item{
		ID:         req.ID,
		Type:       req.Type,
		URI:        req.URI,
		Title:      req.Title,
		ProfileIDs: req.ProfileIDs,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now(),
	}

	if err := h.queue.Add(r.Context(), item); err != nil {
		h.renderError(w, r, err)

		return
	}

	logger.Info("download added", "download_id", item.ID, "type", item.Type)

	h.renderJSON(w, r, http.StatusCreated, newDownloadResource(item))
}

// HandleList lists downloads, optionally filtered by ?state=.
func (h *QueueHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var items []*download.Item

	if state := r.URL.Query().Get("state"); state != "" {
		items = h.state.GetByState(download.State(state))
	} else {
		items = h.state.GetAll()
	}

	resources := make([]DownloadResource, len(items))
	for i, item := range items {
		resources[i] = newDownloadResource(item)
	}

	h.renderJSON(w, r, http.StatusOK, map[string]any{"downloads": resources})
}

// HandleGet renders one download.
func (h *QueueHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item := h.state.Get(chi.URLParam(r, "id"))
	if item == nil {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	h.renderJSON(w, r, http.StatusOK, newDownloadResource(item))
}

// HandleRemove deletes a download and its local data. A download locked by a
// concurrent removal yields 409 so the client can retry.
func (h *QueueHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	removed, err := h.queue.Remove(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)

		return
	}

	if !removed {
		http.Error(w, "download is busy, retry later", http.StatusConflict)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePause suspends one download.
func (h *QueueHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.renderError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleResume continues one paused download.
func (h *QueueHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.renderError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleRestart re-runs a failed or cancelled download from scratch.
func (h *QueueHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Restart(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.renderError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleQueueStatus summarizes the queue.
func (h *QueueHandler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts := make(map[download.State]int)

	for _, item := range h.state.GetAll() {
		counts[item.State]++
	}

	h.renderJSON(w, r, http.StatusOK, map[string]any{
		"paused": h.queue.IsPaused(),
		"counts": counts,
	})
}

// HandleReorder moves the named downloads to the front of the queue.
func (h *QueueHandler) HandleReorder(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if err := h.queue.Reorder(r.Context(), req.IDs); err != nil {
		h.renderError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePauseAll suspends the whole queue.
func (h *QueueHandler) HandlePauseAll(w http.ResponseWriter, r *http.Request) {
	h.queue.PauseAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleResumeAll lifts the global pause.
func (h *QueueHandler) HandleResumeAll(w http.ResponseWriter, r *http.Request) {
	h.queue.ResumeAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleClear removes all downloads in the given states.
func (h *QueueHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if len(req.States) == 0 {
		http.Error(w, "states is required", http.StatusBadRequest)

		return
	}

	removed, err := h.state.ClearByState(r.Context(), req.States...)
	if err != nil {
		h.renderError(w, r, err)

		return
	}

	h.renderJSON(w, r, http.StatusOK, map[string]any{"removed": removed})
}

func (h *QueueHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *QueueHandler) renderJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// renderError maps domain errors onto HTTP status codes.
func (h *QueueHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	logger := logctx.LoggerFromContext(r.Context())

	var notFound *download.NotFoundError
	if errors.As(err, &notFound) {
		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	var duplicate *download.DuplicateIDError
	if errors.As(err, &duplicate) {
		http.Error(w, err.Error(), http.StatusConflict)

		return
	}

	var illegal *download.IllegalTransitionError
	if errors.As(err, &illegal) {
		http.Error(w, err.Error(), http.StatusConflict)

		return
	}

	logger.Error("request failed", "err", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
