package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tokenbucket/internal/bucket"
	"tokenbucket/internal/models"
	"tokenbucket/internal/storage"
	"tokenbucket/internal/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEngine implements bucket.EngineInterface for testing
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Limit(ctx context.Context, id string, cost uint64) (models.Decision, error) {
	args := m.Called(ctx, id, cost)
	return args.Get(0).(models.Decision), args.Error(1)
}

func (m *MockEngine) Inspect(ctx context.Context, id string) (bucket.Snapshot, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(bucket.Snapshot), args.Error(1)
}

func (m *MockEngine) Configure(ctx context.Context, id string, settings models.Settings) error {
	args := m.Called(ctx, id, settings)
	return args.Error(0)
}

func (m *MockEngine) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var testInfo = version.Info{Version: "v0.0.1-test", InstanceID: "instance-test"}

func newTestRouter(engine bucket.EngineInterface, opts ...RouteOption) http.Handler {
	return SetupRoutes(NewHandlers(engine, testInfo), opts...)
}

func serve(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func fetchError(id string) error {
	return &bucket.Error{Kind: bucket.KindFetch, ID: id, Err: fmt.Errorf("failed to get %q: %w: dial tcp: refused", id, storage.ErrUnavailable)}
}

func publishError(id string) error {
	return &bucket.Error{Kind: bucket.KindPublish, ID: id, Err: fmt.Errorf("failed to put state %q: %w: timeout", id, storage.ErrUnavailable)}
}

func TestHandlers_Limit_Allowed(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Limit", mock.Anything, "abc", uint64(3)).Return(models.Allow(7, 10), nil)

	rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", map[string]uint64{"cost": 3})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "7", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, rr.Header().Get("X-RateLimit-Recorded"))

	var resp models.LimitResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Recorded)
	assert.Equal(t, uint64(7), resp.Remaining)
	assert.Equal(t, uint64(3), resp.Cost)
	engine.AssertExpectations(t)
}

func TestHandlers_Limit_DefaultCost(t *testing.T) {
	for _, body := range []interface{}{nil, "{}"} {
		engine := &MockEngine{}
		engine.On("Limit", mock.Anything, "abc", uint64(1)).Return(models.Allow(0, 1), nil)

		rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", body)

		assert.Equal(t, http.StatusOK, rr.Code)
		engine.AssertExpectations(t)
	}
}

func TestHandlers_Limit_Denied(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Limit", mock.Anything, "abc", uint64(1)).Return(models.Deny(0, 10, 4*time.Second, true), nil)

	rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", nil)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "4", rr.Header().Get("Retry-After"))

	var resp models.LimitResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.False(t, resp.Allowed)
	assert.False(t, resp.Recorded)
	assert.True(t, resp.Retryable)
	assert.Equal(t, int64(4), resp.RetryAfterSeconds)
}

func TestHandlers_Limit_DeniedNotRetryable(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Limit", mock.Anything, "abc", uint64(50)).Return(models.Deny(10, 10, 0, false), nil)

	rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", `{"cost": 50}`)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Empty(t, rr.Header().Get("Retry-After"))

	var resp models.LimitResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.False(t, resp.Retryable)
	assert.Zero(t, resp.RetryAfterSeconds)
}

func TestHandlers_Limit_FetchFailure(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Limit", mock.Anything, "abc", uint64(1)).Return(models.Decision{}, fetchError("abc"))

	rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, models.ErrorCodeServiceUnavailable, resp.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandlers_Limit_PublishFailure(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Limit", mock.Anything, "abc", uint64(1)).Return(models.Allow(9, 10), publishError("abc"))

	rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "false", rr.Header().Get("X-RateLimit-Recorded"))

	var resp models.LimitResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.True(t, resp.Allowed)
	assert.False(t, resp.Recorded)
	assert.NotEmpty(t, resp.Error)
}

func TestHandlers_Limit_BadBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"cost":`},
		{"negative cost", `{"cost": -1}`},
		{"unknown field", `{"tokens": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			rr := serve(t, newTestRouter(engine), http.MethodPost, "/api/v1/buckets/abc/limit", tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			engine.AssertNotCalled(t, "Limit", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandlers_GetBucket(t *testing.T) {
	engine := &MockEngine{}
	settings := models.Settings{MaxTokens: 10, StartingTokens: 10, RefillRate: 1, RefillInterval: 1}
	engine.On("Inspect", mock.Anything, "abc").Return(bucket.Snapshot{
		State:    models.BucketState{LastUpdated: 100, Tokens: 6},
		Settings: settings,
		AsOf:     104,
	}, nil)

	rr := serve(t, newTestRouter(engine), http.MethodGet, "/api/v1/buckets/abc", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp models.BucketResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "abc", resp.ID)
	assert.Equal(t, uint64(6), resp.Tokens)
	assert.Equal(t, uint64(100), resp.LastUpdated)
	assert.Equal(t, uint64(104), resp.AsOf)
	assert.Equal(t, settings, resp.Settings)
}

func TestHandlers_GetBucket_StoreDown(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Inspect", mock.Anything, "abc").Return(bucket.Snapshot{}, fetchError("abc"))

	rr := serve(t, newTestRouter(engine), http.MethodGet, "/api/v1/buckets/abc", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandlers_PutSettings(t *testing.T) {
	engine := &MockEngine{}
	want := models.Settings{MaxTokens: 100, StartingTokens: 20, RefillRate: 5, RefillInterval: 60}
	engine.On("Configure", mock.Anything, "abc", want).Return(nil)

	rr := serve(t, newTestRouter(engine), http.MethodPut, "/api/v1/buckets/abc/settings", want)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp models.SettingsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, want, resp.Settings)
	engine.AssertExpectations(t)
}

func TestHandlers_PutSettings_Validation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing fields", `{"max_tokens": 10}`, http.StatusUnprocessableEntity},
		{"zero interval", `{"max_tokens": 10, "starting_tokens": 10, "refill_rate": 1, "refill_interval": 0}`, http.StatusUnprocessableEntity},
		{"empty body", ``, http.StatusBadRequest},
		{"not json", `max_tokens=10`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			rr := serve(t, newTestRouter(engine), http.MethodPut, "/api/v1/buckets/abc/settings", tt.body)

			assert.Equal(t, tt.status, rr.Code)
			engine.AssertNotCalled(t, "Configure", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandlers_PutSettings_StoreErrors(t *testing.T) {
	settings := models.Settings{MaxTokens: 1, StartingTokens: 1, RefillRate: 1, RefillInterval: 1}

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unavailable", &bucket.Error{Kind: bucket.KindConfigure, ID: "abc", Err: storage.ErrUnavailable}, http.StatusServiceUnavailable},
		{"rejected", &bucket.Error{Kind: bucket.KindConfigure, ID: "abc", Err: storage.ErrInvalidSettings}, http.StatusUnprocessableEntity},
		{"serialization", &bucket.Error{Kind: bucket.KindConfigure, ID: "abc", Err: storage.ErrSerialization}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &MockEngine{}
			engine.On("Configure", mock.Anything, "abc", settings).Return(tt.err)

			rr := serve(t, newTestRouter(engine), http.MethodPut, "/api/v1/buckets/abc/settings", settings)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestHandlers_HealthCheck(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Ping", mock.Anything).Return(nil)

	rr := serve(t, newTestRouter(engine), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	var resp models.HealthCheckResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, models.StatusHealthy, resp.Status)
	assert.Equal(t, "v0.0.1-test", resp.Version)
	assert.Equal(t, models.StatusHealthy, resp.Components["storage"].Status)
	assert.Equal(t, "instance-test", resp.Metrics["instance_id"])
}

func TestHandlers_HealthCheck_StoreDown(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Ping", mock.Anything).Return(storage.ErrUnavailable)

	rr := serve(t, newTestRouter(engine), http.MethodGet, "/api/v1/health", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var resp models.HealthCheckResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, models.StatusUnhealthy, resp.Status)
	assert.Equal(t, models.StatusUnhealthy, resp.Components["storage"].Status)
}

func TestHandlers_ReservedPrefix(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   interface{}
	}{
		{http.MethodPost, "/api/v1/buckets/http:127.0.0.1/limit", map[string]uint64{"cost": 3}},
		{http.MethodGet, "/api/v1/buckets/http:127.0.0.1", nil},
		{http.MethodPut, "/api/v1/buckets/http:127.0.0.1/settings", map[string]uint64{"max_tokens": 1000, "starting_tokens": 1000, "refill_rate": 1000, "refill_interval": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			engine := &MockEngine{}
			router := SetupRoutes(NewHandlers(engine, testInfo, WithReservedPrefix("http:")))

			rr := serve(t, router, tt.method, tt.path, tt.body)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			var resp models.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, models.ErrorCodeInvalidRequest, resp.Code)
			engine.AssertNotCalled(t, "Limit", mock.Anything, mock.Anything, mock.Anything)
			engine.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything)
			engine.AssertNotCalled(t, "Configure", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandlers_ReservedPrefix_OtherIDsPass(t *testing.T) {
	engine := &MockEngine{}
	engine.On("Limit", mock.Anything, "https-client", uint64(1)).Return(models.Allow(1, 2), nil)
	router := SetupRoutes(NewHandlers(engine, testInfo, WithReservedPrefix("http:")))

	rr := serve(t, router, http.MethodPost, "/api/v1/buckets/https-client/limit", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	engine.AssertExpectations(t)
}

func TestRetryAfterHeader(t *testing.T) {
	assert.Equal(t, int64(1), retryAfterHeader(0))
	assert.Equal(t, int64(1), retryAfterHeader(time.Second))
	assert.Equal(t, int64(2), retryAfterHeader(1100*time.Millisecond))
	assert.Equal(t, int64(3600), retryAfterHeader(time.Hour))
}
