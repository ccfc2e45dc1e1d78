package integration

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tokenbucket/internal/api"
	"tokenbucket/internal/bucket"
	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
	"tokenbucket/internal/observability"
	"tokenbucket/internal/ratelimit"
	"tokenbucket/internal/storage"
	"tokenbucket/internal/version"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests that exercise the service end-to-end over HTTP

var defaults = models.Settings{MaxTokens: 3, StartingTokens: 3, RefillRate: 1, RefillInterval: 10}

func storageConfigs(t *testing.T) map[string]models.StorageConfig {
	dir := t.TempDir()
	return map[string]models.StorageConfig{
		"memory": {Type: models.StorageTypeMemory},
		"json":   {Type: models.StorageTypeJSON, Path: filepath.Join(dir, "buckets.json")},
		"sqlite": {Type: models.StorageTypeSQLite, Database: models.DatabaseConfig{DSN: filepath.Join(dir, "buckets.db")}},
	}
}

type service struct {
	server *httptest.Server
	clock  *clock.ManualClock
	store  storage.Store
}

func newService(t *testing.T, cfg models.StorageConfig, opts ...api.RouteOption) *service {
	t.Helper()
	clk := clock.NewManualClockAt(1_700_000_000)

	store, err := storage.NewFactory(clk).Create(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	instrumented, err := observability.NewInstrumentedStore(store, cfg.Type)
	require.NoError(t, err)

	return newServiceOn(t, instrumented, clk, opts...)
}

func newServiceOn(t *testing.T, store storage.Store, clk *clock.ManualClock, opts ...api.RouteOption) *service {
	t.Helper()
	return newServiceWith(t, store, clk, nil, opts...)
}

func newServiceWith(t *testing.T, store storage.Store, clk *clock.ManualClock, handlerOpts []api.HandlerOption, opts ...api.RouteOption) *service {
	t.Helper()
	engine, err := bucket.NewEngine(store, defaults,
		bucket.WithClock(clk),
		bucket.WithOperationTimeout(time.Second),
	)
	require.NoError(t, err)

	handlers := api.NewHandlers(engine, version.GetInfo(), handlerOpts...)
	server := httptest.NewServer(api.SetupRoutes(handlers, opts...))
	t.Cleanup(server.Close)

	return &service{server: server, clock: clk, store: store}
}

func (s *service) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *service) limit(t *testing.T, id string, cost uint64) (*http.Response, models.LimitResponse) {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/buckets/"+id+"/limit", map[string]uint64{"cost": cost})
	var body models.LimitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestIntegration_ExhaustAndRefill(t *testing.T) {
	for name, cfg := range storageConfigs(t) {
		t.Run(name, func(t *testing.T) {
			svc := newService(t, cfg)

			for want := uint64(2); ; want-- {
				resp, body := svc.limit(t, "client-a", 1)
				require.Equal(t, http.StatusOK, resp.StatusCode)
				assert.True(t, body.Recorded)
				assert.Equal(t, want, body.Remaining)
				if want == 0 {
					break
				}
			}

			resp, body := svc.limit(t, "client-a", 1)
			assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
			assert.Equal(t, "10", resp.Header.Get("Retry-After"))
			assert.Equal(t, int64(10), body.RetryAfterSeconds)

			// Another identifier is unaffected
			resp, _ = svc.limit(t, "client-b", 1)
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			svc.clock.Advance(10 * time.Second)
			resp, body = svc.limit(t, "client-a", 1)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, uint64(0), body.Remaining)
		})
	}
}

func TestIntegration_CostAboveCapacity(t *testing.T) {
	svc := newService(t, models.StorageConfig{Type: models.StorageTypeMemory})

	resp, body := svc.limit(t, "big", 4)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, body.Retryable)
	assert.Empty(t, resp.Header.Get("Retry-After"))
}

func TestIntegration_SettingsLifecycle(t *testing.T) {
	for name, cfg := range storageConfigs(t) {
		t.Run(name, func(t *testing.T) {
			svc := newService(t, cfg)

			// Inspecting an unknown bucket shows the defaults without recording it
			resp := svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var view models.BucketResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
			assert.Equal(t, defaults, view.Settings)
			assert.Equal(t, uint64(3), view.Tokens)

			custom := models.Settings{MaxTokens: 100, StartingTokens: 100, RefillRate: 10, RefillInterval: 1}
			resp = svc.do(t, http.MethodPut, "/api/v1/buckets/tenant/settings", custom)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			_, body := svc.limit(t, "tenant", 40)
			assert.True(t, body.Allowed)
			assert.Equal(t, uint64(60), body.Remaining)
			assert.Equal(t, uint64(100), body.Limit)

			svc.clock.Advance(2 * time.Second)
			resp = svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
			assert.Equal(t, uint64(80), view.Tokens)
			assert.Equal(t, custom, view.Settings)

			resp = svc.do(t, http.MethodPut, "/api/v1/buckets/tenant/settings",
				map[string]uint64{"max_tokens": 1, "starting_tokens": 1, "refill_rate": 1, "refill_interval": 0})
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		})
	}
}

func TestIntegration_InstancesShareStore(t *testing.T) {
	clk := clock.NewManualClockAt(1_700_000_000)
	store, err := storage.NewSQLiteStore(storage.Config{
		Type:             models.StorageTypeSQLite,
		ConnectionString: filepath.Join(t.TempDir(), "shared.db"),
		Clock:            clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	a := newServiceOn(t, store, clk)
	b := newServiceOn(t, store, clk)

	for i := 0; i < 3; i++ {
		svc := a
		if i%2 == 1 {
			svc = b
		}
		resp, _ := svc.limit(t, "shared", 1)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, _ := a.limit(t, "shared", 1)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	resp, _ = b.limit(t, "shared", 1)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestIntegration_StoreOutage(t *testing.T) {
	svc := newService(t, models.StorageConfig{Type: models.StorageTypeMemory})
	require.NoError(t, svc.store.Close())

	resp := svc.do(t, http.MethodPost, "/api/v1/buckets/x/limit", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = svc.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIntegration_AdminRoutesRateLimited(t *testing.T) {
	clk := clock.NewManualClockAt(1_700_000_000)
	store, err := storage.NewMemoryStore(storage.Config{Clock: clk})
	require.NoError(t, err)

	guard, err := bucket.NewEngine(store, ratelimit.SettingsFor(60, 2), bucket.WithClock(clk))
	require.NoError(t, err)
	limiter := ratelimit.NewBucketLimiter(guard, "http:", clk)

	svc := newServiceOn(t, store, clk, api.WithRateLimiter(ratelimit.Middleware(limiter)))

	for i := 0; i < 2; i++ {
		resp := svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	}
	resp := svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Decisions are not charged against the guard
	r, _ := svc.limit(t, "tenant", 1)
	assert.Equal(t, http.StatusOK, r.StatusCode)

	clk.Advance(time.Second)
	resp = svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegration_ClientBucketsNotReachableThroughAPI(t *testing.T) {
	clk := clock.NewManualClockAt(1_700_000_000)
	store, err := storage.NewMemoryStore(storage.Config{Clock: clk})
	require.NoError(t, err)

	guard, err := bucket.NewEngine(store, ratelimit.SettingsFor(60, 2), bucket.WithClock(clk))
	require.NoError(t, err)
	limiter := ratelimit.NewBucketLimiter(guard, "http:", clk)

	svc := newServiceWith(t, store, clk,
		[]api.HandlerOption{api.WithReservedPrefix("http:")},
		api.WithRateLimiter(ratelimit.Middleware(limiter)),
	)

	// Draining this client's guard bucket through the decision endpoint
	resp := svc.do(t, http.MethodPost, "/api/v1/buckets/http:127.0.0.1/limit", map[string]uint64{"cost": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Widening it through the settings endpoint costs one admin request
	resp = svc.do(t, http.MethodPut, "/api/v1/buckets/http:127.0.0.1/settings",
		models.Settings{MaxTokens: 1000, StartingTokens: 1000, RefillRate: 1000, RefillInterval: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))

	resp = svc.do(t, http.MethodGet, "/api/v1/buckets/tenant", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
