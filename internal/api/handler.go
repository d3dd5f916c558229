package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/kv"
	"github.com/kalambet/shelf/internal/reqcache"
	"github.com/kalambet/shelf/internal/rowcache"
	"github.com/kalambet/shelf/internal/schedule"
	"github.com/kalambet/shelf/internal/storage"
)

// InventoryStore is the authoritative row store behind the API.
type InventoryStore interface {
	SaveInventoryItem(it storage.InventoryItem) error
	LoadInventoryItem(ctx context.Context, id string) (storage.InventoryItem, error)
	ListInventoryItems(limit int) ([]storage.InventoryItem, error)
	DeleteInventoryItem(id string) error
}

// AppDeps holds the collaborators behind the HTTP API. The caller owns every
// handle; the API never closes them.
type AppDeps struct {
	KV        kv.Store
	Inventory InventoryStore
	Tracker   *activity.Tracker
	Cache     *reqcache.Cache
	Token     string
	Logger    *slog.Logger // optional; defaults to slog.Default()
}

type handlers struct {
	AppDeps
	queue *schedule.Queue
}

// NewAppHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handlers{AppDeps: deps, queue: schedule.NewQueue(deps.KV)}

	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sessions", h.handleCreateSession)
		r.Get("/sessions/{token}", h.handleGetSession)
		r.Post("/sessions/{token}/touch", h.handleTouch)
		r.Put("/sessions/{token}/cart/{item}", h.handleSetCartItem)

		r.Get("/schedule", h.handleListSchedule)
		r.Post("/rows/{id}/schedule", h.handleScheduleRow)
		r.Delete("/rows/{id}/schedule", h.handleCancelRow)
		r.Get("/rows/{id}", h.handleGetRow)

		r.Get("/inventory", h.handleListInventory)
		r.Put("/inventory/{id}", h.handlePutInventory)
		r.Delete("/inventory/{id}", h.handleDeleteInventory)

		r.Get("/page", h.handlePage)
		r.Delete("/page", h.handleInvalidatePage)
		r.Put("/cache/exclusions/{item}", h.handleExcludeItem)
	})

	return r
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.KV.Ping(ctx); err != nil {
		httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- sessions ---

type sessionRequest struct {
	Identity string `json:"identity"`
	Item     string `json:"item"`
}

type sessionResponse struct {
	Token      string         `json:"token"`
	Identity   string         `json:"identity"`
	LastActive time.Time      `json:"last_active"`
	Viewed     []string       `json:"viewed"`
	Cart       map[string]int `json:"cart"`
}

func (h *handlers) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.Identity == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "identity is required")
		return
	}

	token := uuid.New().String()
	if err := h.Tracker.Touch(r.Context(), token, req.Identity, req.Item); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to create session: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (h *handlers) handleTouch(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	if req.Identity == "" {
		id, ok, err := h.Tracker.Identity(r.Context(), token)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check token: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		req.Identity = id
	}

	if err := h.Tracker.Touch(r.Context(), token, req.Identity, req.Item); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to record activity: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "touched"})
}

func (h *handlers) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	id, ok, err := h.Tracker.Identity(ctx, token)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to check token: %v", err)
		return
	}
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	resp := sessionResponse{Token: token, Identity: id}
	resp.LastActive, _, err = h.Tracker.LastActive(ctx, token)
	if err == nil {
		resp.Viewed, err = h.Tracker.Viewed(ctx, token)
	}
	if err == nil {
		resp.Cart, err = h.Tracker.Cart(ctx, token)
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to read session: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleSetCartItem(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	item := chi.URLParam(r, "item")

	var req struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	// A cart for an unknown token would never be reaped.
	_, ok, err := h.Tracker.Identity(r.Context(), token)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to check token: %v", err)
		return
	}
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}

	if err := h.Tracker.SetCartItem(r.Context(), token, item, req.Quantity); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to update cart: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "quantity": max(req.Quantity, 0)})
}

// --- schedule and cached rows ---

type jobResponse struct {
	RowID        string    `json:"row_id"`
	DueAt        time.Time `json:"due_at"`
	DelaySeconds float64   `json:"delay_seconds"`
	Cancelled    bool      `json:"cancelled,omitempty"`
}

func listJobs(ctx context.Context, q *schedule.Queue, limit int) ([]jobResponse, error) {
	jobs, err := q.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return describeJobs(ctx, q, jobs)
}

func describeJobs(ctx context.Context, q *schedule.Queue, jobs []schedule.Job) ([]jobResponse, error) {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		d, _, err := q.Delay(ctx, j.RowID)
		if err != nil {
			return nil, err
		}
		out = append(out, jobResponse{RowID: j.RowID, DueAt: j.DueAt.UTC(), DelaySeconds: d, Cancelled: d < 0})
	}
	return out, nil
}

func (h *handlers) handleListSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := parseIntParam(r, "limit", 50, 1000)

	var (
		jobs []jobResponse
		err  error
	)
	if r.URL.Query().Get("overdue") == "true" {
		var due []schedule.Job
		due, err = h.queue.Overdue(ctx, int64(limit))
		if err == nil {
			jobs, err = describeJobs(ctx, h.queue, due)
		}
	} else {
		jobs, err = listJobs(ctx, h.queue, limit)
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list schedule: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) handleScheduleRow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		DelaySeconds *float64 `json:"delay_seconds"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if req.DelaySeconds == nil || *req.DelaySeconds < 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "delay_seconds must be a non-negative number")
		return
	}

	if err := h.queue.Schedule(r.Context(), id, *req.DelaySeconds); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to schedule row: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"row_id": id, "delay_seconds": *req.DelaySeconds})
}

func (h *handlers) handleCancelRow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel row: %v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"row_id": id, "status": "cancelled"})
}

func (h *handlers) handleGetRow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	row, ok, err := rowcache.Read(r.Context(), h.KV, id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to read row: %v", err)
		return
	}
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "row %s has not been cached", id)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// --- inventory ---

func (h *handlers) handleListInventory(w http.ResponseWriter, r *http.Request) {
	items, err := h.Inventory.ListInventoryItems(parseIntParam(r, "limit", 20, 100))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to list inventory: %v", err)
		return
	}
	if items == nil {
		items = []storage.InventoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handlers) handlePutInventory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var item storage.InventoryItem
	if err := decodeBody(w, r, &item); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	if item.ID != "" && item.ID != id {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "body id %q does not match path", item.ID)
		return
	}
	item.ID = id
	item.UpdatedAt = time.Now().UTC()

	if err := h.Inventory.SaveInventoryItem(item); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to save item: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *handlers) handleDeleteInventory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.Inventory.DeleteInventoryItem(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "item not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to delete item: %v", err)
		return
	}

	// The cached copy stays until the worker observes the cancellation.
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		h.Logger.Warn("cancelling refresh for deleted item failed", "row_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- cached pages ---

func (h *handlers) handlePage(w http.ResponseWriter, r *http.Request) {
	request := r.URL.Query().Get("url")
	if request == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
		return
	}

	body, ok, err := h.Cache.Serve(r.Context(), request, h.renderPage)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, errNoItem) {
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
		return
	}
	if err != nil {
		httpError(w, http.StatusBadGateway, "api_error", "failed to render page: %v", err)
		return
	}
	if !ok {
		httpError(w, http.StatusNotFound, "not_found", "no page for %s", request)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (h *handlers) handleInvalidatePage(w http.ResponseWriter, r *http.Request) {
	request := r.URL.Query().Get("url")
	if request == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
		return
	}
	if _, err := reqcache.Key(request); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid url: %v", err)
		return
	}
	if err := h.Cache.Invalidate(r.Context(), request); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to invalidate page: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *handlers) handleExcludeItem(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	if err := h.Cache.Exclude(r.Context(), item); err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to exclude item: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"item": item, "status": "excluded"})
}

var errNoItem = errors.New("request names no item")

// renderPage is the response-compute function for cached pages: it renders
// the inventory item named by the request's item parameter.
func (h *handlers) renderPage(ctx context.Context, request string) (string, error) {
	u, err := url.Parse(request)
	if err != nil {
		return "", fmt.Errorf("parsing request: %w", err)
	}
	id := u.Query().Get(reqcache.ItemParam)
	if id == "" {
		return "", errNoItem
	}
	item, err := h.Inventory.LoadInventoryItem(ctx, id)
	if err != nil {
		return "", fmt.Errorf("loading item %s: %w", id, err)
	}
	b, err := json.Marshal(map[string]any{
		"item":        item,
		"rendered_at": time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
