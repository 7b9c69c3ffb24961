package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/internal/infra/transport/memory"
	"github.com/ahrav/renderwatch/internal/infra/transport/rest"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

type mockAPIMetrics struct {
	mu        sync.Mutex
	requests  map[string]int
	submitted map[tasks.JobKind]int
}

func newMockAPIMetrics() *mockAPIMetrics {
	return &mockAPIMetrics{requests: make(map[string]int), submitted: make(map[tasks.JobKind]int)}
}

func (m *mockAPIMetrics) IncRequestsTotal(_ context.Context, method, path string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[method+" "+path]++
}

func (m *mockAPIMetrics) ObserveRequestDuration(context.Context, string, string, time.Duration) {}

func (m *mockAPIMetrics) IncJobsSubmitted(_ context.Context, kind tasks.JobKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted[kind]++
}

func (m *mockAPIMetrics) requestCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[key]
}

func (m *mockAPIMetrics) submittedCount(kind tasks.JobKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted[kind]
}

type testEnv struct {
	backend *memory.Backend
	metrics *mockAPIMetrics
	client  *rest.Client
	url     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	backend := memory.NewBackend()
	metrics := newMockAPIMetrics()

	s := NewServer(DefaultConfig(), "test", backend, metrics, logger.Noop(), tracer)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	cfg := rest.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	client, err := rest.NewClient(cfg, logger.Noop(), tracer)
	require.NoError(t, err)

	return &testEnv{backend: backend, metrics: metrics, client: client, url: srv.URL}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["build"])
	assert.Eventually(t, func() bool {
		return env.metrics.requestCount("GET /v1/health") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestServer_ItemRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.SubmitItem(ctx, "project-1", "1", map[string]string{"prompt": "lighthouse"})
	require.NoError(t, err)
	assert.Equal(t, 1, env.metrics.submittedCount(tasks.JobKindItemGeneration))

	rec, err := env.client.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, rec.Status)

	require.NoError(t, env.backend.Advance(id, 37.4, "Rendering"))
	rec, err = env.client.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusRunning, rec.Status)
	assert.Equal(t, 37, rec.Progress)
	assert.Equal(t, "Rendering", rec.Message)

	require.NoError(t, env.backend.Complete(id, tasks.Result{URL: "memory://project-1/1.mp4"}))
	rec, err = env.client.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "memory://project-1/1.mp4", rec.Result.URL)

	items, err := env.client.FetchCompletedItems(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, tasks.ItemID("1"), items[0].ItemID)
	assert.Equal(t, id, items[0].JobID)
	assert.Eventually(t, func() bool {
		return env.metrics.requestCount("GET "+rest.RouteTaskStatus) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestServer_UnknownTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/api/tasks/missing/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	rec, err := env.client.FetchStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestServer_FailedJobCarriesError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.client.SubmitItem(ctx, "project-1", "2", nil)
	require.NoError(t, err)
	require.NoError(t, env.backend.Fail(id, "not enough credits", "insufficient_credits"))

	rec, err := env.client.FetchStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "insufficient_credits", rec.Error.Code)
}

func TestServer_CombineStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	post := func(body string) int {
		resp, err := http.Post(env.url+"/api/scopes/project-1/combine", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusConflict, post(`{"item_ids":["1"]}`))
	assert.Equal(t, http.StatusUnprocessableEntity, post(`{"item_ids":["1","2"]}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"item_ids":`))

	for _, item := range []tasks.ItemID{"1", "2"} {
		id, err := env.client.SubmitItem(ctx, "project-1", item, nil)
		require.NoError(t, err)
		require.NoError(t, env.backend.Complete(id, tasks.Result{URL: "u-" + item.String()}))
	}

	id, err := env.client.SubmitCombine(ctx, "project-1", []tasks.ItemID{"1", "2"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, env.metrics.submittedCount(tasks.JobKindAggregateCombination))

	_, err = env.client.SubmitCombine(ctx, "project-1", []tasks.ItemID{"1"})
	require.Error(t, err)
	assert.False(t, tasks.IsTransient(err))
}
