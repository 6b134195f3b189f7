package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagsFixFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  transport: stdio\n  port: 0\n"), 0o600))

	flags := serveCmd.Flags()
	configPath = path
	t.Cleanup(func() {
		configPath = "config.yaml"
		for _, name := range []string{"port", "transport"} {
			flags.Lookup(name).Changed = false
		}
		port, transport = 0, ""
	})

	_, err := loadConfig(serveCmd)
	require.ErrorContains(t, err, "unsupported transport")

	require.NoError(t, flags.Set("transport", "http"))
	require.NoError(t, flags.Set("port", "9400"))

	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9400, cfg.Server.Port)
}
