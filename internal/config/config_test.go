package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7824, cfg.Port)
	assert.Equal(t, 7825, cfg.GatewayPort)
	assert.Equal(t, 5173, cfg.DevPort)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaURL)
	assert.Equal(t, "llama3.1:8b", cfg.RefineModel)
	assert.Equal(t, "qwen2.5-coder:14b", cfg.BuildModel)
	assert.Equal(t, 3, cfg.MaxFixAttempts)
	assert.False(t, cfg.CancelOnDisconnect)
	assert.NotEmpty(t, cfg.SessionSecret, "secret should be generated when unset")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEV_PORT", "4000")
	t.Setenv("MAX_FIX_ATTEMPTS", "5")
	t.Setenv("SESSION_SECRET", "fixed")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.DevPort)
	assert.Equal(t, 5, cfg.MaxFixAttempts)
	assert.Equal(t, "fixed", cfg.SessionSecret)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("zero concurrent runs", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENT_RUNS", "0")
		_, err := Load()
		require.Error(t, err)
	})
	t.Run("zero fix attempts", func(t *testing.T) {
		t.Setenv("MAX_FIX_ATTEMPTS", "0")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestServeArgvExpandsPort(t *testing.T) {
	cfg := &Config{DevPort: 5173, ServeCmd: "npm run dev -- --port {port} --host"}
	assert.Equal(t, []string{"npm", "run", "dev", "--", "--port", "5173", "--host"}, cfg.ServeArgv())
}

func TestCommandSplitting(t *testing.T) {
	cfg := &Config{InstallCmd: "  npm   install "}
	assert.Equal(t, []string{"npm", "install"}, cfg.InstallArgv())
}

func TestDevServerURL(t *testing.T) {
	cfg := &Config{DevPort: 5173}
	assert.Equal(t, "http://localhost:5173", cfg.DevServerURL())
}
