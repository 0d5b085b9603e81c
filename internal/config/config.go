package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/intentlab/intent/internal/attribution"
	"github.com/intentlab/intent/internal/eval"
	"github.com/intentlab/intent/internal/risk"
)

// Config holds the service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Store       StoreConfig       `yaml:"store"`
	WAL         WALConfig         `yaml:"wal"`
	Risk        risk.Policy       `yaml:"risk"`
	Attribution AttributionConfig `yaml:"attribution"`
	Ranking     eval.Ranking      `yaml:"ranking"`
	Inference   InferenceConfig   `yaml:"inference"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`       // HTTP listen address, e.g. ":8080"
	RateLimit    int           `yaml:"rate_limit"` // requests per second, burst is twice this
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MetricsUser  string        `yaml:"metrics_user"`
	MetricsPass  string        `yaml:"metrics_pass"`
	// AdminUser and AdminPass guard the model activation endpoints, which
	// are disabled when unset.
	AdminUser string `yaml:"admin_user"`
	AdminPass string `yaml:"admin_pass"`
}

type ArtifactsConfig struct {
	Dir             string `yaml:"dir"`
	DefaultStrategy string `yaml:"default_strategy"` // roc_auc | pr_auc
	// HMACKeyEnv names the env var holding the manifest signing key.
	HMACKeyEnv string `yaml:"hmac_key_env"`
}

type StoreConfig struct {
	Backend     string        `yaml:"backend"` // memory | redis | postgres
	Snapshot    string        `yaml:"snapshot"`
	RedisAddr   string        `yaml:"redis_addr"`
	PostgresDSN string        `yaml:"postgres_dsn"`
	TTL         time.Duration `yaml:"ttl"`
	// CleanupInterval is how often expired records are purged.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type WALConfig struct {
	Dir     string `yaml:"dir"`
	Enabled bool   `yaml:"enabled"`
}

// AttributionConfig is the default explanation setup plus its result cache.
type AttributionConfig struct {
	attribution.Config `yaml:",inline"`
	CacheSize          int           `yaml:"cache_size"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
}

type InferenceConfig struct {
	Workers int `yaml:"workers"` // 0 means GOMAXPROCS
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
}

// Load reads configuration from a YAML file. If the file doesn't exist, it
// returns the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			RateLimit:    100,
			MaxBodyBytes: 1 << 20,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Dir:             "artifacts",
			DefaultStrategy: "roc_auc",
		},
		Store: StoreConfig{
			Backend:         "memory",
			Snapshot:        "data/predictions.json",
			TTL:             24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		WAL: WALConfig{
			Dir:     "data/wal",
			Enabled: true,
		},
		Risk: risk.DefaultPolicy(),
		Attribution: AttributionConfig{
			Config:    attribution.DefaultConfig(),
			CacheSize: 1024,
			CacheTTL:  15 * time.Minute,
		},
		Ranking: eval.DefaultRanking(),
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
			ServiceName:  "intent",
			Environment:  "production",
		},
	}
}

// applyDefaults fills zero values a partial file left behind.
func applyDefaults(cfg *Config) {
	def := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = def.Server.RateLimit
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = def.Server.MaxBodyBytes
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}

	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = def.Artifacts.Dir
	}
	if cfg.Artifacts.DefaultStrategy == "" {
		cfg.Artifacts.DefaultStrategy = def.Artifacts.DefaultStrategy
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}
	if cfg.Store.TTL == 0 {
		cfg.Store.TTL = def.Store.TTL
	}
	if cfg.Store.CleanupInterval == 0 {
		cfg.Store.CleanupInterval = def.Store.CleanupInterval
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = def.WAL.Dir
	}

	if cfg.Attribution.Method == "" {
		cfg.Attribution.Method = def.Attribution.Method
	}
	if cfg.Attribution.CacheTTL == 0 {
		cfg.Attribution.CacheTTL = def.Attribution.CacheTTL
	}

	if cfg.Ranking.Primary == "" {
		cfg.Ranking = def.Ranking
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
}

// applyEnv lets deployments override addresses and secrets without editing
// the file.
func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("INTENT_ADDR", cfg.Server.Addr)
	cfg.Server.RateLimit = getEnvInt("TOKEN_RATE", cfg.Server.RateLimit)
	cfg.Server.MetricsUser = getEnv("METRICS_USER", cfg.Server.MetricsUser)
	cfg.Server.MetricsPass = getEnv("METRICS_PASS", cfg.Server.MetricsPass)
	cfg.Server.AdminUser = getEnv("ADMIN_USER", cfg.Server.AdminUser)
	cfg.Server.AdminPass = getEnv("ADMIN_PASS", cfg.Server.AdminPass)
	cfg.Artifacts.Dir = getEnv("ARTIFACTS_DIR", cfg.Artifacts.Dir)
	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Snapshot = getEnv("STORE_SNAPSHOT", cfg.Store.Snapshot)
	cfg.Store.RedisAddr = getEnv("REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.PostgresDSN = getEnv("POSTGRES_CONN", cfg.Store.PostgresDSN)
	cfg.WAL.Dir = getEnv("WAL_DIR", cfg.WAL.Dir)
	cfg.Telemetry.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
