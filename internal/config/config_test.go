package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BOLUS_TEST_DB", "/tmp/bolus-test.db")
	path := writeConfig(t, `
server:
  port: 9100
storage:
  database_path: ${BOLUS_TEST_DB}
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, "/tmp/bolus-test.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "0.0.0.0:9100", cfg.Addr())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_LeavesValidationToCaller(t *testing.T) {
	path := writeConfig(t, "server:\n  transport: stdio\n  port: 0\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "unsupported transport")

	cfg.Server.Transport = "http"
	assert.ErrorContains(t, cfg.Validate(), "invalid port")

	cfg.Server.Port = 9300
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOLUS_HOST", "127.0.0.1")
	t.Setenv("BOLUS_PORT", "9200")
	t.Setenv("BOLUS_DB_PATH", "env.db")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := LoadFromEnv()
	assert.Equal(t, "127.0.0.1:9200", cfg.Addr())
	assert.Equal(t, "env.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromEnv_BadPortFallsBack(t *testing.T) {
	t.Setenv("BOLUS_PORT", "eighty")
	cfg := LoadFromEnv()
	assert.Equal(t, DefaultPort, cfg.Server.Port)
}

func TestLoadOrEnv_FallbackToEnv(t *testing.T) {
	t.Setenv("BOLUS_DB_PATH", "fallback.db")
	cfg, err := LoadOrEnv(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "fallback.db", cfg.Storage.DatabasePath)
}

func TestLoadOrEnv_BrokenFileIsError(t *testing.T) {
	path := writeConfig(t, "server: [unterminated")
	_, err := LoadOrEnv(path)
	assert.ErrorContains(t, err, "failed to parse")
}
