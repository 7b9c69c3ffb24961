package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesServiceTraceAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "renderctl", func(context.Context) string { return "trace-1" })

	log.With("component", "poller").Info(context.Background(), "job completed", "job_id", "job-1")
	log.Debug(context.Background(), "filtered")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "job completed", lines[0]["msg"])
	assert.Equal(t, "renderctl", lines[0]["service"])
	assert.Equal(t, "poller", lines[0]["component"])
	assert.Equal(t, "job-1", lines[0]["job_id"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestLogger_EventsFirePerLevel(t *testing.T) {
	var (
		mu     sync.Mutex
		levels []Level
	)
	record := func(_ context.Context, r Record) {
		mu.Lock()
		defer mu.Unlock()
		levels = append(levels, r.Level)
	}

	var buf bytes.Buffer
	log := NewWithEvents(&buf, LevelDebug, "job-server", nil, Events{Warn: record, Error: record})
	ctx := context.Background()

	log.Info(ctx, "ignored by events")
	log.Warn(ctx, "slow response")
	log.With("k", "v").Error(ctx, "fetch failed")

	assert.Equal(t, []Level{LevelWarn, LevelError}, levels)
	assert.Len(t, decodeLines(t, &buf), 3)
}

func TestLogger_Metadata(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "job-server", nil, Events{}, map[string]string{
		"hostname": "node-1",
		"pod":      "",
	})
	log.Info(context.Background(), "started")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "node-1", lines[0]["hostname"])
	assert.NotContains(t, lines[0], "pod")
}

func TestLogger_NoopDropsEverything(t *testing.T) {
	log := Noop()
	assert.Same(t, log, log.With("a", 1))
	log.Error(context.Background(), "nothing")
}

func TestLoggerContext_MergesArgs(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelInfo, "renderctl", nil))
	lc.Add("run_id", "run-1")
	lc.Info(context.Background(), "item completed", "item_id", "3")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "run-1", lines[0]["run_id"])
	assert.Equal(t, "3", lines[0]["item_id"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
