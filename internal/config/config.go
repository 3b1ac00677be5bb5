// Package config loads runtime configuration from an optional JSON5
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Redis    RedisConfig    `json:"redis"`
	LLM      LLMConfig      `json:"llm"`
	Executor ExecutorConfig `json:"executor"`
	Plugins  PluginsConfig  `json:"plugins"`
	Tracing  TracingConfig  `json:"tracing"`
	// Workspace is the working directory handed to local tools.
	Workspace string `json:"workspace"`
	// CronStore is the JSON file persisting scheduled plan runs.
	CronStore string `json:"cron_store"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// AuthToken, when set, requires a matching bearer token on every
	// request except /health.
	AuthToken string `json:"auth_token"`
}

type StorageConfig struct {
	// Driver selects the task store: "postgres", "file", or "memory".
	Driver string `json:"driver"`
	// DSN is the postgres connection string.
	DSN string `json:"dsn"`
	// Path is the sqlite database file for the file driver.
	Path string `json:"path"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LLMConfig struct {
	BaseURL           string  `json:"base_url"`
	APIKey            string  `json:"api_key"`
	Model             string  `json:"model"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

// Timeout returns the per-call timeout, zero meaning the client default.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type ExecutorConfig struct {
	// LLMParams derives tool parameters through a secondary model turn
	// instead of statically from the plan.
	LLMParams   bool `json:"llm_params"`
	MaxParallel int  `json:"max_parallel"`
	ToolRetries int  `json:"tool_retries"`
}

type PluginsConfig struct {
	// Dir holds MCP server manifests (*.json, *.json5).
	Dir string `json:"dir"`
	// Watch hot-reloads plugins when manifests change.
	Watch bool `json:"watch"`
}

type TracingConfig struct {
	// Endpoint is the OTLP HTTP collector, host:port. Empty disables
	// export.
	Endpoint string `json:"endpoint"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":8080"},
		Storage:   StorageConfig{Driver: "file", Path: "agentrun.db"},
		LLM:       LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Executor:  ExecutorConfig{MaxParallel: 1},
		Plugins:   PluginsConfig{Dir: "plugins"},
		Workspace: ".",
		CronStore: "cron.json",
	}
}

// Load reads the file at path (if it exists), then applies AGENTRUN_*
// environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Storage.Driver != "postgres" && cfg.Storage.Driver != "file" && cfg.Storage.Driver != "memory" {
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("AGENTRUN_ADDR", &cfg.Server.Addr)
	envStr("AGENTRUN_AUTH_TOKEN", &cfg.Server.AuthToken)
	envStr("AGENTRUN_STORAGE_DRIVER", &cfg.Storage.Driver)
	envStr("AGENTRUN_STORAGE_DSN", &cfg.Storage.DSN)
	envStr("AGENTRUN_STORAGE_PATH", &cfg.Storage.Path)
	envStr("AGENTRUN_REDIS_ADDR", &cfg.Redis.Addr)
	envStr("AGENTRUN_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("AGENTRUN_REDIS_DB", &cfg.Redis.DB)
	envStr("AGENTRUN_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envStr("AGENTRUN_LLM_API_KEY", &cfg.LLM.APIKey)
	envStr("AGENTRUN_LLM_MODEL", &cfg.LLM.Model)
	envInt("AGENTRUN_LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds)
	envBool("AGENTRUN_EXECUTOR_LLM_PARAMS", &cfg.Executor.LLMParams)
	envInt("AGENTRUN_EXECUTOR_MAX_PARALLEL", &cfg.Executor.MaxParallel)
	envStr("AGENTRUN_PLUGIN_DIR", &cfg.Plugins.Dir)
	envBool("AGENTRUN_PLUGIN_WATCH", &cfg.Plugins.Watch)
	envStr("AGENTRUN_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	envStr("AGENTRUN_WORKSPACE", &cfg.Workspace)
	envStr("AGENTRUN_CRON_STORE", &cfg.CronStore)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
