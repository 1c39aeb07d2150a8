package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, StoreMemory, cfg.Store.Backend)
	require.Equal(t, "development", cfg.Server.Environment)
	require.Equal(t, 30*time.Second, cfg.Auth.TicketTTL)
	require.False(t, cfg.PushEnabled())
	require.Equal(t, 5, cfg.Memory.SummarizeEveryNTurns)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
  environment: staging
store:
  backend: redis
  redis_url: redis://localhost:6379
orchestrator:
  bid_timeout: 2s
  token_budget: 50000
providers:
  anthropic:
    api_key: file-key
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, StoreRedis, cfg.Store.Backend)
	require.Equal(t, 2*time.Second, cfg.Orchestrator.BidTimeout)
	require.Equal(t, 50000, cfg.Orchestrator.TokenBudget)
	require.Equal(t, "file-key", cfg.Providers["anthropic"].APIKey)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
providers:
  anthropic:
    api_key: file-key
`)
	t.Setenv("ROUNDTABLE_PORT", "9001")
	t.Setenv("ROUNDTABLE_STORE", "mongo")
	t.Setenv("ROUNDTABLE_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("ROUNDTABLE_ANTHROPIC_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, StoreMongo, cfg.Store.Backend)
	require.Equal(t, "env-key", cfg.Providers["anthropic"].APIKey)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "dynamo" }},
		{"redis without url", func(c *Config) { c.Store.Backend = StoreRedis }},
		{"mongo without uri", func(c *Config) { c.Store.Backend = StoreMongo }},
		{"no verifier", func(c *Config) { c.Auth = Auth{} }},
		{"local without secret", func(c *Config) { c.Auth = Auth{AllowLocal: true} }},
		{"partial push", func(c *Config) { c.Push = Push{KeyFile: "key.p8"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}
