// Package config provides configuration loading for agentcore.
//
// agentcore is config-first for its ambient concerns: store DSNs, cache
// address, lock/backoff timings, and the single-instance/distributed
// consistency policy are all declared in one YAML document and may be
// overridden by environment variables, never swapped mid-request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConsistencyPolicy selects the cache-failure behavior of the Session
// Manager's distributed lock, per the dual-store consistency design note.
type ConsistencyPolicy string

const (
	SingleInstance ConsistencyPolicy = "single-instance"
	Distributed    ConsistencyPolicy = "distributed"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Durable  DurableConfig  `yaml:"durable"`
	Cache    CacheConfig    `yaml:"cache"`
	Memory   MemoryConfig   `yaml:"memory"`
	Lock     LockConfig     `yaml:"lock"`
	LogLevel string         `yaml:"log_level"`
	Policy   ConsistencyPolicy `yaml:"policy"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

type DurableConfig struct {
	Dialect string `yaml:"dialect"` // postgres | mysql | sqlite
	DSN     string `yaml:"dsn"`
}

type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MemoryConfig selects and configures the Memory Adapter backend.
type MemoryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ExtractionEnabled bool  `yaml:"extraction_enabled"`
	Backend          string `yaml:"backend"` // "http" | "vector"
	HTTPURL          string `yaml:"http_url"`
	VectorKind       string `yaml:"vector_kind"` // "qdrant" | "chromem"
	VectorAddr       string `yaml:"vector_addr"`
}

type LockConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

// Default returns a Config with the spec-mandated defaults: 30s lock TTL,
// 10ms initial backoff, 1s cap, 15s max wait, 120s request timeout.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 120 * time.Second,
			DrainTimeout:   10 * time.Second,
		},
		Durable: DurableConfig{Dialect: "postgres"},
		Lock: LockConfig{
			TTL:            30 * time.Second,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     time.Second,
			MaxWait:        15 * time.Second,
		},
		Memory:   MemoryConfig{Backend: "http", Enabled: false, ExtractionEnabled: false},
		LogLevel: "info",
		Policy:   SingleInstance,
	}
}

// Load reads a YAML config file at path, applies a `.env` overlay (if
// present) and environment-variable overrides, and validates required
// fields. This is the single construction path the design notes mandate
// in place of constructor sprawl.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agentcore: reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("agentcore: parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Policy {
	case SingleInstance, Distributed:
	default:
		return fmt.Errorf("agentcore: invalid policy %q", c.Policy)
	}
	switch strings.ToLower(c.Durable.Dialect) {
	case "postgres", "mysql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("agentcore: invalid durable dialect %q", c.Durable.Dialect)
	}
	if c.Durable.DSN == "" {
		return fmt.Errorf("agentcore: durable.dsn is required")
	}
	return nil
}

// applyEnvOverrides mirrors the UPPER_SNAKE(yaml path) convention: e.g.
// AGENTCORE_DURABLE_DSN overrides durable.dsn.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTCORE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AGENTCORE_DURABLE_DIALECT"); v != "" {
		cfg.Durable.Dialect = v
	}
	if v := os.Getenv("AGENTCORE_DURABLE_DSN"); v != "" {
		cfg.Durable.DSN = v
	}
	if v := os.Getenv("AGENTCORE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("AGENTCORE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("AGENTCORE_POLICY"); v != "" {
		cfg.Policy = ConsistencyPolicy(v)
	}
	if v := os.Getenv("AGENTCORE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTCORE_MEMORY_BACKEND"); v != "" {
		cfg.Memory.Backend = v
	}
	if v := os.Getenv("AGENTCORE_MEMORY_HTTP_URL"); v != "" {
		cfg.Memory.HTTPURL = v
	}
	if v := os.Getenv("AGENTCORE_CACHE_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = n
		}
	}
}
