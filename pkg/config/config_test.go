package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "fifo", cfg.Scheduler)
	assert.Equal(t, 3, cfg.MaxTaskRetries)
	assert.Equal(t, 50, cfg.CompactThreshold)
	assert.Equal(t, time.Hour, cfg.ResumeMaxAge)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
scheduler: performance
max_task_retries: 5
heartbeat_interval: 10s
stall_threshold: 2m
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "performance", cfg.Scheduler)
	assert.Equal(t, 5, cfg.MaxTaskRetries)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.StallThreshold)
	// Unset fields keep their defaults
	assert.Equal(t, 50, cfg.CompactThreshold)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"unknown scheduler", "scheduler: magic"},
		{"bad compact threshold", "compact_threshold: 1"},
		{"empty listen addr", `listen_addr: ""`},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
