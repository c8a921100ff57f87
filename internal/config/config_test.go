package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SESSION_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8090", cfg.ServerAddress())
	assert.Equal(t, int64(10*1024*1024), cfg.MaxUploadSize)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.Equal(t, "http://localhost:8000", cfg.BackendURL)
	assert.Equal(t, DefaultSessionKey, cfg.SessionKey)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.False(t, cfg.AzureEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SESSION_DIR", dir)
	t.Setenv("SESSION_KEY", "octapulse")
	t.Setenv("PORT", " 9100 ")
	t.Setenv("BACKEND_URL", "https://analysis.example.com")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("RESULT_CACHE_TTL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.ServerAddress())
	assert.Equal(t, "https://analysis.example.com", cfg.BackendURL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.ResultCacheTTL, "invalid durations fall back to the default")
	assert.Equal(t, filepath.Join(dir, "octapulse.json"), cfg.SessionRecordPath())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"PORT": "70000"}},
		{"port not numeric", map[string]string{"PORT": "http"}},
		{"backend scheme", map[string]string{"BACKEND_URL": "ftp://backend"}},
		{"short token secret", map[string]string{"SESSION_TOKEN_SECRET": "short"}},
		{"session key with separator", map[string]string{"SESSION_KEY": "../escape"}},
		{"azure half configured", map[string]string{"AZURE_STORAGE_ACCOUNT": "acct"}},
		{"poll max below interval", map[string]string{"POLL_INTERVAL": "10s", "POLL_MAX_INTERVAL": "5s"}},
		{"upload size above backend limit", map[string]string{"MAX_UPLOAD_SIZE": "10485761"}},
		{"batch size above backend limit", map[string]string{"MAX_BATCH_SIZE": "101"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SESSION_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
