package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokenbucket/internal/bucket"
	"tokenbucket/internal/models"
	"tokenbucket/internal/storage"
	"tokenbucket/internal/version"

	"github.com/gorilla/mux"
)

// maxBodyBytes bounds request bodies; every body this API accepts is a
// handful of integers.
const maxBodyBytes = 4 << 10

// Handlers contains HTTP handlers for the tokenbucket API
type Handlers struct {
	engine         bucket.EngineInterface
	version        version.Info
	startedAt      time.Time
	reservedPrefix string
}

// HandlerOption configures optional handler behavior.
type HandlerOption func(*Handlers)

// WithReservedPrefix rejects bucket IDs starting with prefix. The HTTP rate
// limiter keeps its per-client buckets in the same store under that prefix,
// and API callers must not be able to drain or reconfigure them.
func WithReservedPrefix(prefix string) HandlerOption {
	return func(h *Handlers) {
		h.reservedPrefix = prefix
	}
}

// NewHandlers creates a new handlers instance
func NewHandlers(engine bucket.EngineInterface, ver version.Info, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		engine:    engine,
		version:   ver,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Limit decides whether the request's cost may be taken from a bucket.
// POST /api/v1/buckets/{id}/limit
//
// An admission that could not be recorded in the store is still reported as
// allowed, with recorded=false and an X-RateLimit-Recorded: false header.
func (h *Handlers) Limit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bucketID(w, r)
	if !ok {
		return
	}

	var req models.LimitRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	cost := req.EffectiveCost()

	decision, err := h.engine.Limit(r.Context(), id, cost)
	if err != nil && !bucket.IsPublish(err) {
		h.writeStoreError(w, r, err)
		return
	}

	resp := models.NewLimitResponse(id, cost, decision)
	w.Header().Set("X-RateLimit-Limit", strconv.FormatUint(decision.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatUint(decision.Remaining, 10))

	if err != nil {
		resp.Recorded = false
		resp.Error = "decision could not be recorded"
		w.Header().Set("X-RateLimit-Recorded", "false")
		h.writeJSONResponse(w, http.StatusOK, resp)
		return
	}

	if !decision.Allowed {
		if decision.Retryable {
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfterHeader(decision.RetryAfter), 10))
		}
		h.writeJSONResponse(w, http.StatusTooManyRequests, resp)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, resp)
}

// GetBucket returns a bucket refilled up to now without consuming from it.
// GET /api/v1/buckets/{id}
func (h *Handlers) GetBucket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bucketID(w, r)
	if !ok {
		return
	}

	snap, err := h.engine.Inspect(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, &models.BucketResponse{
		ID:          id,
		Tokens:      snap.State.Tokens,
		LastUpdated: snap.State.LastUpdated,
		AsOf:        snap.AsOf,
		Settings:    snap.Settings,
	})
}

// PutSettings stores the settings for one bucket.
// PUT /api/v1/buckets/{id}/settings
func (h *Handlers) PutSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.bucketID(w, r)
	if !ok {
		return
	}

	var req models.SettingsRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, r, http.StatusUnprocessableEntity, models.ErrorCodeValidation, err.Error())
		return
	}

	settings := req.Settings()
	if err := h.engine.Configure(r.Context(), id, settings); err != nil {
		if errors.Is(err, storage.ErrInvalidSettings) {
			h.writeErrorResponse(w, r, http.StatusUnprocessableEntity, models.ErrorCodeValidation, err.Error())
			return
		}
		h.writeStoreError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, &models.SettingsResponse{
		ID:        id,
		Settings:  settings,
		Message:   "Settings updated",
		UpdatedAt: time.Now().UTC(),
	})
}

// HealthCheck reports service and store health.
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version.Version
	response.Uptime = time.Since(h.startedAt).Round(time.Second).String()
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	status := http.StatusOK
	if err := h.engine.Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "Store health check failed", "error", err)
		response.Status = models.StatusUnhealthy
		response.AddComponent("storage", models.StatusUnhealthy, "Store is unreachable")
		status = http.StatusServiceUnavailable
	} else {
		response.AddComponent("storage", models.StatusHealthy, "Store is operational")
	}
	response.AddMetric("instance_id", h.version.InstanceID)

	h.writeJSONResponse(w, status, response)
}

// bucketID extracts and validates the {id} path variable.
func (h *Handlers) bucketID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if err := models.ValidateIdentifier(id); err != nil {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return "", false
	}
	if h.reservedPrefix != "" && strings.HasPrefix(id, h.reservedPrefix) {
		h.writeErrorResponse(w, r, http.StatusBadRequest, models.ErrorCodeInvalidRequest, "identifier uses a reserved prefix")
		return "", false
	}
	return id, true
}

// writeStoreError maps an engine failure to a response. Store trouble is a
// 503 so that callers can tell an outage apart from a denial.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "Bucket operation failed", "error", err)

	if errors.Is(err, storage.ErrUnavailable) || errors.Is(err, storage.ErrClosed) {
		h.writeErrorResponse(w, r, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Bucket store is unavailable")
		return
	}
	h.writeErrorResponse(w, r, http.StatusInternalServerError, models.ErrorCodeInternalError, "Bucket operation failed")
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more can be sent
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	errorResp := models.NewErrorResponse(message, errorCode)
	errorResp.RequestID = RequestIDFromContext(r.Context())
	h.writeJSONResponse(w, statusCode, errorResp)
}

// decodeBody decodes a JSON body into dst. An empty body is accepted only
// when allowEmpty is set.
func decodeBody(r *http.Request, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// retryAfterHeader rounds a wait up to whole seconds, at least one.
func retryAfterHeader(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
