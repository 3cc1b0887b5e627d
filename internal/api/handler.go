// Package api exposes the read side of the inventory plus the manual sync
// trigger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/avelio/fleetwatch/internal/domain"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Store interface {
	ListInventory(ctx context.Context, limit, offset int) ([]domain.DeviceInventoryRecord, error)
	ListRecentCorrelations(ctx context.Context, filter domain.CorrelationFilter) ([]domain.CorrelationLogEntry, error)
}

// Syncer runs an on-demand full sync; it backs POST /sync.
type Syncer interface {
	ManualSync(ctx context.Context) (int, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store  Store
	syncer Syncer // optional, nil = POST /sync returns 503
	db     HealthChecker
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// WithSyncer enables the manual sync endpoint.
func (h *Handler) WithSyncer(s Syncer) *Handler {
	h.syncer = s
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/inventory" && r.Method == http.MethodGet:
		h.listInventory(w, r)

	case path == "/correlations" && r.Method == http.MethodGet:
		h.listCorrelations(w, r)

	case path == "/sync" && r.Method == http.MethodPost:
		h.manualSync(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) listInventory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.store.ListInventory(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list inventory error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list inventory")
		return
	}

	resp := ListInventoryResponse{Devices: make([]DeviceResponse, len(records))}
	for i, rec := range records {
		resp.Devices[i] = DeviceResponse{
			DeviceID:              rec.DeviceID,
			DisplayName:           rec.DisplayName,
			LastSeenViaAPI:        formatTimePtr(rec.LastSeenViaAPI),
			LastSeenViaStream:     formatTimePtr(rec.LastSeenViaStream),
			ActiveViaAPI:          rec.ActiveViaAPI,
			ActiveViaStream:       rec.ActiveViaStream,
			LocationSampleCount:   rec.LocationSampleCount,
			LastExceptionCategory: rec.LastExceptionCategory,
			HealthScore:           rec.HealthScore,
			UpdatedAt:             formatTime(rec.UpdatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listCorrelations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := domain.CorrelationFilter{
		DeviceID: r.URL.Query().Get("device"),
		Search:   r.URL.Query().Get("q"),
		Limit:    limit,
		Offset:   offset,
	}

	entries, err := h.store.ListRecentCorrelations(r.Context(), filter)
	if err != nil {
		log.Printf("api: list correlations error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list correlations")
		return
	}

	resp := ListCorrelationsResponse{Correlations: make([]CorrelationResponse, len(entries))}
	for i, e := range entries {
		resp.Correlations[i] = CorrelationResponse{
			ID:            e.ID.String(),
			DeviceID:      e.DeviceID,
			Trigger:       string(e.Trigger),
			SourceEventID: e.SourceEventID,
			APISnapshot:   e.APISnapshot,
			APIStatus:     string(e.APIStatus),
			Result:        string(e.Result),
			Notes:         e.Notes,
			CreatedAt:     formatTime(e.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) manualSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync not available on this instance")
		return
	}

	devices, err := h.syncer.ManualSync(r.Context())
	if err != nil {
		log.Printf("api: manual sync error: %v", err)
		writeError(w, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{Devices: devices})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
