package config

import (
	"errors"
	"fmt"

	"github.com/intentlab/intent/internal/attribution"
)

// Validate performs static validation on the loaded config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if cfg.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.RateLimit <= 0 {
		return fmt.Errorf("server.rate_limit must be positive, got %d", cfg.Server.RateLimit)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", cfg.Server.MaxBodyBytes)
	}
	if (cfg.Server.MetricsUser == "") != (cfg.Server.MetricsPass == "") {
		return errors.New("server.metrics_user and server.metrics_pass must be set together")
	}
	if (cfg.Server.AdminUser == "") != (cfg.Server.AdminPass == "") {
		return errors.New("server.admin_user and server.admin_pass must be set together")
	}

	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must be set")
	}

	switch cfg.Store.Backend {
	case "memory":
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, redis or postgres, got %q", cfg.Store.Backend)
	}
	if cfg.Store.TTL < 0 {
		return errors.New("store.ttl must not be negative")
	}
	if cfg.Store.CleanupInterval <= 0 {
		return errors.New("store.cleanup_interval must be positive")
	}

	if cfg.WAL.Enabled && cfg.WAL.Dir == "" {
		return errors.New("wal.dir must be set when the WAL is enabled")
	}

	if err := cfg.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}

	switch cfg.Attribution.Method {
	case attribution.MethodShapley, attribution.MethodPermutation:
	default:
		return fmt.Errorf("attribution.method must be shapley or permutation, got %q", cfg.Attribution.Method)
	}
	if cfg.Attribution.Samples < 0 || cfg.Attribution.BackgroundSize < 0 || cfg.Attribution.ExactMaxFeatures < 0 {
		return errors.New("attribution sizes must not be negative")
	}
	if cfg.Attribution.CacheSize < 0 {
		return errors.New("attribution.cache_size must not be negative")
	}

	if err := cfg.Ranking.Validate(); err != nil {
		return err
	}

	if cfg.Inference.Workers < 0 {
		return errors.New("inference.workers must not be negative")
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint required when telemetry.enabled is true")
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry.sampling_rate must be in [0, 1], got %v", cfg.Telemetry.SamplingRate)
		}
	}

	return nil
}
