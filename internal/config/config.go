// Package config loads engine configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Providers ProvidersConfig `yaml:"providers"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	GRPCAddr    string `yaml:"grpc_addr"` // empty disables the gRPC listener
}

type StoreConfig struct {
	Backend       string `yaml:"backend"` // "bolt", "sqlite" or "memory"
	Path          string `yaml:"path"`
	MaxRetries    int    `yaml:"max_retries"`
	BloomCapacity uint   `yaml:"bloom_capacity"`
}

type ProvidersConfig struct {
	Timeout         time.Duration   `yaml:"timeout"`
	CacheTTL        time.Duration   `yaml:"cache_ttl"`
	CacheSize       int             `yaml:"cache_size"`
	Priority        []string        `yaml:"priority"`
	BreakerFailures int             `yaml:"breaker_failures"`
	BreakerCooldown time.Duration   `yaml:"breaker_cooldown"`
	VirusTotal      CredentialEntry `yaml:"virustotal"`
	AbuseIPDB       AbuseIPDBConfig `yaml:"abuseipdb"`
}

// CredentialEntry holds one provider's endpoint and key. Keys are read once at startup.
type CredentialEntry struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type AbuseIPDBConfig struct {
	CredentialEntry `yaml:",inline"`
	MaxAgeDays      int `yaml:"max_age_days"`
}

// RefreshConfig drives the background seeding scheduler.
type RefreshConfig struct {
	Disabled   bool          `yaml:"disabled"`
	Interval   time.Duration `yaml:"interval"`
	Seeds      []string      `yaml:"seeds"`
	SeedFile   string        `yaml:"seed_file"`
	SeedFormat string        `yaml:"seed_format"` // "domain-list" or "hostfile"
	MaxAge     time.Duration `yaml:"max_age"`     // 0 never re-fetches a stored identifier
	RunOnStart bool          `yaml:"run_on_start"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"` // empty disables publishing
	Subject string `yaml:"subject"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (if non-empty), applies defaults and environment overrides, and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes parses data without environment overrides.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = ":9090"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "bolt"
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Backend {
		case "sqlite":
			cfg.Store.Path = "data/threat_records.sqlite"
		default:
			cfg.Store.Path = "data/threat_records.db"
		}
	}
	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = 16
	}
	if cfg.Store.BloomCapacity == 0 {
		cfg.Store.BloomCapacity = 100000
	}

	p := &cfg.Providers
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	if p.CacheTTL == 0 {
		p.CacheTTL = 15 * time.Minute
	}
	if p.CacheSize == 0 {
		p.CacheSize = 4096
	}
	if len(p.Priority) == 0 {
		p.Priority = []string{"virustotal", "abuseipdb"}
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = 5
	}
	if p.BreakerCooldown == 0 {
		p.BreakerCooldown = time.Minute
	}
	if p.AbuseIPDB.MaxAgeDays == 0 {
		p.AbuseIPDB.MaxAgeDays = 90
	}

	if cfg.Refresh.Interval == 0 {
		cfg.Refresh.Interval = 30 * time.Minute
	}
	if cfg.Refresh.Seeds == nil {
		cfg.Refresh.Seeds = []string{"8.8.8.8", "1.1.1.1"}
	}
	if cfg.Refresh.SeedFormat == "" {
		cfg.Refresh.SeedFormat = "domain-list"
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "cti.verdicts"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.HTTPAddr = getEnv("CTI_HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.MetricsAddr = getEnv("CTI_METRICS_ADDR", cfg.Server.MetricsAddr)
	cfg.Server.GRPCAddr = getEnv("CTI_GRPC_ADDR", cfg.Server.GRPCAddr)
	cfg.Store.Backend = getEnv("CTI_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = getEnv("CTI_STORE_PATH", cfg.Store.Path)
	cfg.Providers.VirusTotal.APIKey = getEnv("VT_API_KEY", cfg.Providers.VirusTotal.APIKey)
	cfg.Providers.AbuseIPDB.APIKey = getEnv("ABUSEIPDB_KEY", cfg.Providers.AbuseIPDB.APIKey)
	cfg.Events.NATSURL = getEnv("CTI_NATS_URL", cfg.Events.NATSURL)
	cfg.Logging.Level = getEnv("CTI_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("CTI_LOG_FORMAT", cfg.Logging.Format)
	if v := os.Getenv("CTI_REFRESH_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Refresh.Disabled = b
		}
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Store.Backend {
	case "bolt", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid store.backend %q", cfg.Store.Backend)
	}
	if cfg.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must be >= 0")
	}
	if cfg.Providers.Timeout < 0 {
		return fmt.Errorf("providers.timeout must be >= 0")
	}
	if cfg.Refresh.Interval < time.Second {
		return fmt.Errorf("refresh.interval must be at least 1s, got %s", cfg.Refresh.Interval)
	}
	if cfg.Refresh.MaxAge < 0 {
		return fmt.Errorf("refresh.max_age must be >= 0")
	}
	switch cfg.Refresh.SeedFormat {
	case "domain-list", "hostfile":
	default:
		return fmt.Errorf("invalid refresh.seed_format %q", cfg.Refresh.SeedFormat)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
