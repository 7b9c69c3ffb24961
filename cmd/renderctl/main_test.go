package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/renderwatch/internal/api"
	"github.com/ahrav/renderwatch/internal/domain/tasks"
	"github.com/ahrav/renderwatch/internal/infra/transport/memory"
	"github.com/ahrav/renderwatch/pkg/common/logger"
)

type testJobServer struct {
	backend  *memory.Backend
	url      string
	failures map[string]string
}

func startJobServer(t *testing.T, failures map[string]string) *testJobServer {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	backend := memory.NewBackend()

	ctx, cancel := context.WithCancel(context.Background())
	sim := memory.NewSimulator(backend, memory.SimulatorConfig{
		Tick:          5 * time.Millisecond,
		ItemStep:      25,
		AggregateStep: 34,
		Failures:      failures,
	}, logger.Noop(), tracer)
	go sim.Run(ctx)

	srv := httptest.NewServer(api.NewServer(api.DefaultConfig(), "test", backend, nil, logger.Noop(), tracer).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testJobServer{backend: backend, url: srv.URL, failures: failures}
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfig(t *testing.T, baseURL string) string {
	return writeTestFile(t, "renderwatch.yaml", fmt.Sprintf(`
log:
  level: error
transport:
  base_url: %s
  requests_per_second: 0
pipeline:
  item:
    poll_interval: 10ms
    max_total_wait: 10s
    backoff_ceiling: 50ms
  aggregate:
    poll_interval: 10ms
    max_total_wait: 10s
    backoff_ceiling: 50ms
    max_attempts: 2000
  reconcile_interval: 1h
`, baseURL))
}

const testManifest = `
scope_id: trailer
items:
  - id: "1"
    prompt: harbor at dawn
  - id: "2"
    prompt: gulls over the pier
  - id: "3"
    prompt: storm rolls in
  - id: "4"
    prompt: credits
    enabled: false
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRun_GeneratesAndCombines(t *testing.T) {
	js := startJobServer(t, map[string]string{"3": "renderer crashed"})

	out, err := execute(t, "run",
		"--config", testConfig(t, js.url),
		"--manifest", writeTestFile(t, "scenes.yaml", testManifest),
	)
	require.NoError(t, err, out)

	assert.Contains(t, out, "[item 1] done memory://trailer/1-")
	assert.Contains(t, out, "[item 2] done memory://trailer/2-")
	assert.Contains(t, out, "[item 3] error: Item 3 failed: renderer crashed")
	assert.Contains(t, out, "combine eligible: true")
	assert.Contains(t, out, "[combine] done memory://trailer/final-")
	assert.NotContains(t, out, "[item 4]")
	assert.Equal(t, 1, strings.Count(out, "[item 1] done"))
}

func TestRun_NoCombine(t *testing.T) {
	js := startJobServer(t, nil)

	out, err := execute(t, "run", "--no-combine",
		"--config", testConfig(t, js.url),
		"--manifest", writeTestFile(t, "scenes.yaml", testManifest),
	)
	require.NoError(t, err, out)
	assert.Contains(t, out, "[item 3] done")
	assert.NotContains(t, out, "[combine]")
}

func TestRun_ResumesCompletedItems(t *testing.T) {
	js := startJobServer(t, nil)
	ctx := context.Background()

	id, err := js.backend.SubmitItem(ctx, "trailer", "1", nil)
	require.NoError(t, err)
	require.NoError(t, js.backend.Complete(id, tasks.Result{URL: "memory://trailer/earlier.mp4"}))

	out, err := execute(t, "run",
		"--config", testConfig(t, js.url),
		"--manifest", writeTestFile(t, "scenes.yaml", testManifest),
	)
	require.NoError(t, err, out)

	assert.Contains(t, out, "[item 1] done memory://trailer/earlier.mp4")
	assert.NotContains(t, out, "[item 1]   0%")
	assert.Contains(t, out, "[combine] done")
}

func TestRun_SingleEligibleItemSkipsCombine(t *testing.T) {
	js := startJobServer(t, map[string]string{"2": "quota exhausted", "3": "renderer crashed"})

	out, err := execute(t, "run",
		"--config", testConfig(t, js.url),
		"--manifest", writeTestFile(t, "scenes.yaml", testManifest),
	)
	require.NoError(t, err, out)
	assert.Contains(t, out, "[item 2] error: Insufficient credits")
	assert.Contains(t, out, "combine skipped: 1 item(s) eligible")
}

func TestStatus(t *testing.T) {
	js := startJobServer(t, nil)
	ctx := context.Background()

	id, err := js.backend.SubmitItem(ctx, "default", "9", nil)
	require.NoError(t, err)
	require.NoError(t, js.backend.Complete(id, tasks.Result{URL: "memory://default/9.mp4"}))

	cfg := testConfig(t, js.url)

	out, err := execute(t, "status", "--config", cfg, id.String(), "missing")
	require.NoError(t, err)
	assert.Contains(t, out, string(tasks.StatusCompleted))
	assert.Contains(t, out, string(tasks.StatusNotFound))

	out, err = execute(t, "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "memory://default/9.mp4")
}

func TestRunTracker(t *testing.T) {
	tr := newRunTracker(map[tasks.ItemID]bool{"1": true, "2": true})

	assert.False(t, tr.finished("1"))
	assert.False(t, tr.finished("1"))
	assert.True(t, tr.finished("2"))
	assert.False(t, tr.finished("2"))
}

func TestRun_RequiresManifest(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest")
}
