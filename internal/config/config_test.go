package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, FramingSSE, cfg.Server.StreamFraming)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTokenTTL)
	assert.Equal(t, 720*time.Hour, cfg.Auth.RefreshTokenTTL)
	assert.Equal(t, 15, cfg.Agent.HistoryLimit)
	assert.Equal(t, time.Duration(0), cfg.Client.RequestTimeout)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadline.toml")
	require.NoError(t, InitConfig(path))

	t.Setenv("THREADLINE_SERVER__STREAM_FRAMING", "raw")
	t.Setenv("THREADLINE_AGENT__HISTORY_LIMIT", "4")
	t.Setenv("THREADLINE_CLIENT__REQUEST_TIMEOUT", "45s")
	t.Setenv("DATABASE_URL", "postgres://override/db")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, FramingRaw, cfg.Server.StreamFraming)
	assert.Equal(t, 4, cfg.Agent.HistoryLimit)
	assert.Equal(t, 45*time.Second, cfg.Client.RequestTimeout)
	assert.Equal(t, "postgres://override/db", cfg.Database.URL)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Jobs.Enabled)
	require.NoError(t, Validate(cfg))
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadline.toml")
	require.NoError(t, os.WriteFile(path, []byte("# mine"), 0644))
	assert.Error(t, InitConfig(path))
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.ErrorContains(t, Validate(cfg), "database url")

	cfg.Database.Store = StoreMemory
	assert.ErrorContains(t, Validate(cfg), "jwt_secret")

	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, Validate(cfg))

	cfg.Jobs.Enabled = true
	assert.ErrorContains(t, Validate(cfg), "jobs require")

	cfg.Jobs.Enabled = false
	cfg.Server.StreamFraming = "websocket"
	assert.ErrorContains(t, Validate(cfg), "unknown stream framing")
}

func TestValidateClient(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, ValidateClient(cfg))

	cfg.Client.BaseURL = "http://localhost:8888"
	assert.NoError(t, ValidateClient(cfg))

	cfg.Client.RequestTimeout = -time.Second
	assert.Error(t, ValidateClient(cfg))
}
