package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENV_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.AppEnv)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, ServiceSim, cfg.CallService)
	assert.Equal(t, 720*time.Hour, cfg.HistoryTTL)
	assert.True(t, cfg.IsDevelopment())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env.callctl")
	require.NoError(t, os.WriteFile(path, []byte("CALL_SERVICE=Baresip\nRING_TIMEOUT=5s\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() {
		_ = os.Unsetenv("CALL_SERVICE")
		_ = os.Unsetenv("RING_TIMEOUT")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ServiceBaresip, cfg.CallService)
	assert.Equal(t, 5*time.Second, cfg.RingTimeout)
}

func TestLoadMissingEnvFile(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "nope"))
	_, err := Load()
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("HISTORY_MAX", "7")

	cfg, err := New[Config]()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.AppEnv)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, 7, cfg.HistoryMax)
	assert.False(t, cfg.IsDevelopment())
}

func TestBadDurationFailsParse(t *testing.T) {
	t.Setenv("RING_TIMEOUT", "soon")
	_, err := New[Config]()
	assert.Error(t, err)
}

func TestValidateAccumulates(t *testing.T) {
	cfg, err := New[Config]()
	require.NoError(t, err)
	cfg.AppEnv = "staging"
	cfg.RingTimeout = 0
	cfg.CallService = "pots"
	cfg.RedisEnabled = true
	cfg.RedisAddr = ""

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "APP_ENV")
	assert.Contains(t, msg, "RING_TIMEOUT")
	assert.Contains(t, msg, "CALL_SERVICE")
	assert.Contains(t, msg, "REDIS_ADDR")
}
