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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "file", cfg.Storage.Driver)
	assert.Equal(t, "agentrun.db", cfg.Storage.Path)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, 1, cfg.Executor.MaxParallel)
	assert.Equal(t, "cron.json", cfg.CronStore)
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrun.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are allowed
		server: { addr: ":9999", auth_token: "tok" },
		storage: { driver: "memory" },
		llm: { model: "gpt-4o", timeout_seconds: 30 },
		executor: { llm_params: true, max_parallel: 4 },
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "tok", cfg.Server.AuthToken)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout())
	assert.True(t, cfg.Executor.LLMParams)
	assert.Equal(t, 4, cfg.Executor.MaxParallel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTRUN_ADDR", ":7777")
	t.Setenv("AGENTRUN_STORAGE_DRIVER", "memory")
	t.Setenv("AGENTRUN_LLM_MODEL", "env-model")
	t.Setenv("AGENTRUN_EXECUTOR_MAX_PARALLEL", "8")
	t.Setenv("AGENTRUN_PLUGIN_WATCH", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, 8, cfg.Executor.MaxParallel)
	assert.True(t, cfg.Plugins.Watch)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("AGENTRUN_STORAGE_DRIVER", "cassandra")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{ server: `), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
