package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 20*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.SyncDebounce)
	assert.Equal(t, int64(50<<20), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSAllowedOrigins)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DESKGATE_PORT", "9000")
	t.Setenv("DESKGATE_IDLE_TIMEOUT", "0s")
	t.Setenv("DESKGATE_CORS_ALLOWED_ORIGINS", "http://a,http://b")
	t.Setenv("DESKGATE_REDIS_URL", "redis://cache")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Zero(t, cfg.IdleTimeout)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DESKGATE_PORT", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "invalid port")
}

func TestParseRedisAddr(t *testing.T) {
	tests := map[string]string{
		"redis://localhost:6379": "localhost:6379",
		"rediss://cache:6380/":   "cache:6380",
		"cache":                  "cache:6379",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseRedisAddr(in), in)
	}
}
