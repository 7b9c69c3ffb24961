package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileLoader_DefaultsWithoutFile(t *testing.T) {
	cfg, err := NewFileLoader("").Load(context.Background())
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, want.Transport, cfg.Transport)
	assert.Equal(t, want.Pipeline, cfg.Pipeline)
	assert.Equal(t, want.Server, cfg.Server)
	assert.Equal(t, "default", cfg.ScopeID)
}

func TestFileLoader_FileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, "renderwatch.yaml", `
scope_id: project-7
log:
  level: debug
transport:
  base_url: http://studio.internal:9000
  requests_per_second: 2.5
pipeline:
  item:
    poll_interval: 1500ms
    not_found_grace: 5
  aggregate:
    max_attempts: 40
  reconcile_interval: 30s
`)
	t.Setenv("RENDERWATCH_PIPELINE_ITEM_MAX_TOTAL_WAIT", "2m")
	t.Setenv("RENDERWATCH_SCOPE_ID", "project-8")

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "project-8", cfg.ScopeID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://studio.internal:9000", cfg.Transport.BaseURL)
	assert.InDelta(t, 2.5, cfg.Transport.RequestsPerSecond, 1e-9)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pipeline.Item.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.Item.MaxTotalWait)
	assert.Equal(t, 5, cfg.Pipeline.Item.NotFoundGrace)
	assert.Equal(t, 40, cfg.Pipeline.Aggregate.MaxAttempts)
	assert.Equal(t, Default().Pipeline.Aggregate.PollInterval, cfg.Pipeline.Aggregate.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.ReconcileInterval)
}

func TestFileLoader_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad log level",
			content: "log:\n  level: loud\n",
			wantErr: "Config.Log.Level",
		},
		{
			name:    "zero poll interval",
			content: "pipeline:\n  item:\n    poll_interval: 0s\n",
			wantErr: "PollInterval",
		},
		{
			name:    "relative base url",
			content: "transport:\n  base_url: not a url\n",
			wantErr: "Config.Transport.BaseURL",
		},
		{
			name:    "telemetry without endpoint",
			content: "telemetry:\n  enabled: true\n  endpoint: \"\"\n",
			wantErr: "Config.Telemetry.Endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFileLoader(writeFile(t, "c.yaml", tt.content)).Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest(strings.NewReader(`
scope_id: trailer
items:
  - id: "1"
    prompt: harbor at dawn
  - id: "2"
    prompt: gulls
    enabled: false
    params:
      style: noir
`))
	require.NoError(t, err)

	assert.Equal(t, "trailer", m.ScopeID)
	require.Len(t, m.Items, 2)
	assert.True(t, m.Items[0].IsEnabled())
	assert.False(t, m.Items[1].IsEnabled())
	assert.Equal(t, map[string]string{"prompt": "gulls", "style": "noir"}, m.Items[1].SubmitParams())
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":         "",
		"no items":      "items: []\n",
		"duplicate ids": "items:\n  - id: a\n  - id: a\n",
		"missing id":    "items:\n  - prompt: x\n",
		"unknown field": "items:\n  - id: a\n    enable: true\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest(strings.NewReader(content))
			assert.Error(t, err)
		})
	}
}
