package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/constants"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeConfigFile(t, `{"database":{"path":"/tmp/gw.db"}}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultQueueWorkers, cfg.Queue.Workers)
	assert.Equal(t, constants.DefaultMaxRetryCount, cfg.Queue.MaxRetryCount)
	assert.Equal(t, constants.DefaultCacheExpirationSec, cfg.Provider.CacheExpirationSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_ExplicitValuesKept(t *testing.T) {
	path := writeConfigFile(t, `{
		"server": {"port": 9090},
		"database": {"path": "/tmp/gw.db"},
		"queue": {"workers": 8, "maxRetryCount": 5}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 5, cfg.Queue.MaxRetryCount)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	path := writeConfigFile(t, `{"database":{"path":"/tmp/original.db"}}`)

	t.Setenv("CHATGATEWAY_DB_PATH", "/tmp/override.db")
	t.Setenv("CHATGATEWAY_PORT", "7070")
	t.Setenv("CHATGATEWAY_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_MissingDBPath(t *testing.T) {
	path := writeConfigFile(t, `{"server":{"port":8082}}`)

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrMissingDBPath)
}

func TestLoadConfig_MalformedJSON(t *testing.T) {
	path := writeConfigFile(t, `{"server":`)

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadPlatformDefaults(t *testing.T) {
	t.Setenv("FEISHU_APP_ID", "cli_env")
	t.Setenv("FEISHU_APP_SECRET", "env_secret")

	d, err := LoadPlatformDefaults()
	require.NoError(t, err)

	cfg := d.ProviderConfig("feishu")
	require.NotNil(t, cfg)
	assert.True(t, cfg.IsEnabled)
	assert.Contains(t, cfg.ConfigData, "cli_env")

	// Nothing in the environment for slack.
	assert.Nil(t, d.ProviderConfig("slack"))
	assert.Nil(t, d.ProviderConfig("telegram"))
}
