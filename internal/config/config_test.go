package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/eval"
)

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, attribution.MethodShapley, cfg.Attribution.Method)
	assert.Equal(t, 0.7, cfg.Risk.ProbabilityThreshold)
	assert.NoError(t, Validate(cfg))
}

func TestLoad_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
store:
  backend: redis
  redis_addr: "cache:6379"
  ttl: 2h
risk:
  probability_threshold: 0.6
  top_k_features: 3
attribution:
  method: permutation
  background_size: 20
  cache_ttl: 5m
ranking:
  primary: auprc
wal:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Server.RateLimit, "default kept")
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Store.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Store.CleanupInterval, "default kept")
	assert.Equal(t, 0.6, cfg.Risk.ProbabilityThreshold)
	assert.Equal(t, 3, cfg.Risk.TopK)
	assert.Equal(t, 0.01, cfg.Risk.MinContributionToReport, "default kept")
	assert.Equal(t, attribution.MethodPermutation, cfg.Attribution.Method)
	assert.Equal(t, 20, cfg.Attribution.BackgroundSize)
	assert.Equal(t, int64(42), cfg.Attribution.Seed)
	assert.Equal(t, 5*time.Minute, cfg.Attribution.CacheTTL)
	assert.Equal(t, eval.MetricAUPRC, cfg.Ranking.Primary)
	assert.False(t, cfg.WAL.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INTENT_ADDR", ":7070")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("POSTGRES_CONN", "postgres://intent@db/intent")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.NoError(t, Validate(cfg))
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing server addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"zero rate", func(c *Config) { c.Server.RateLimit = 0 }, "rate_limit"},
		{"half metrics auth", func(c *Config) { c.Server.MetricsUser = "ops" }, "metrics_pass"},
		{"half admin auth", func(c *Config) { c.Server.AdminPass = "secret" }, "admin_pass"},
		{"no cleanup interval", func(c *Config) { c.Store.CleanupInterval = -time.Second }, "cleanup_interval"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis" }, "redis_addr"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "postgres_dsn"},
		{"bad risk band", func(c *Config) { c.Risk.BandMedium = 0.9 }, "risk"},
		{"unknown method", func(c *Config) { c.Attribution.Method = "lime" }, "attribution.method"},
		{"unknown ranking", func(c *Config) { c.Ranking.Primary = "speed" }, "primary"},
		{"negative workers", func(c *Config) { c.Inference.Workers = -1 }, "workers"},
		{"telemetry rate", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SamplingRate = 2
		}, "sampling_rate"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.want), "got %q", err)
		})
	}
}
