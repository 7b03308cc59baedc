// Package config centralises runtime configuration for Tradewire services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where Tradewire operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// EngineConfig tunes signal fanout and order admission behaviour.
type EngineConfig struct {
	// MinOrderInterval is the minimum gap between accepted orders per user.
	MinOrderInterval time.Duration `yaml:"minOrderInterval"`
	// FanoutWorkers bounds per-signal placement concurrency.
	FanoutWorkers int `yaml:"fanoutWorkers"`
	// LockShards sizes the guard's lock shard table.
	LockShards int `yaml:"lockShards"`
}

// CacheConfig tunes the subscription cache.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	RedisAddr       string        `yaml:"redisAddr"`
	RedisPassword   string        `yaml:"redisPassword"`
	RedisDB         int           `yaml:"redisDB"`
}

// EventbusConfig sets event bus queue sizing and handler fanout.
type EventbusConfig struct {
	QueueSize      int `yaml:"queueSize"`
	HandlerWorkers int `yaml:"handlerWorkers"`
}

// BrokerConfig selects and tunes the broker gateway.
type BrokerConfig struct {
	Kind string `yaml:"kind"`
	// OpsPerSecond is the gateway submission ceiling.
	OpsPerSecond float64       `yaml:"opsPerSecond"`
	Latency      time.Duration `yaml:"latency"`
	RejectRatio  float64       `yaml:"rejectRatio"`
}

// DatabaseConfig configures the audit persistence boundary.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Settings contains the Tradewire configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment     `yaml:"environment"`
	Engine      EngineConfig    `yaml:"engine"`
	Cache       CacheConfig     `yaml:"cache"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Broker      BrokerConfig    `yaml:"broker"`
	Database    DatabaseConfig  `yaml:"database"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Log         LogConfig       `yaml:"log"`
}

// Default returns the default Tradewire configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Engine: EngineConfig{
			MinOrderInterval: time.Second,
			FanoutWorkers:    16,
			LockShards:       64,
		},
		Cache: CacheConfig{
			TTL:             30 * time.Second,
			RefreshInterval: 5 * time.Minute,
		},
		Eventbus: EventbusConfig{
			QueueSize:      1024,
			HandlerWorkers: 4,
		},
		Broker: BrokerConfig{
			Kind:         "paper",
			OpsPerSecond: 10,
			Latency:      20 * time.Millisecond,
			RejectRatio:  0,
		},
		Database: DatabaseConfig{DSN: ""},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "tradewire",
			OTLPInsecure: false,
		},
		Log: LogConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Load reads the YAML file at path over the defaults, then applies environment overrides.
// A missing file is not an error; the second return reports whether a file was loaded.
func Load(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
			}
			loaded = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg = fromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, false, err
	}
	return cfg, loaded, nil
}

// Validate checks settings invariants that would otherwise fail late at runtime.
func (s Settings) Validate() error {
	if s.Engine.MinOrderInterval < 0 {
		return fmt.Errorf("engine.minOrderInterval must be >= 0")
	}
	if s.Broker.RejectRatio < 0 || s.Broker.RejectRatio > 1 {
		return fmt.Errorf("broker.rejectRatio must be within [0,1]")
	}
	if s.Broker.OpsPerSecond < 0 {
		return fmt.Errorf("broker.opsPerSecond must be >= 0")
	}
	return nil
}

func fromEnv(cfg Settings) Settings {
	if env := strings.TrimSpace(os.Getenv("TRADEWIRE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_REDIS_ADDR")); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_MIN_ORDER_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.MinOrderInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_BROKER_KIND")); v != "" {
		cfg.Broker.Kind = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADEWIRE_BROKER_OPS_PER_SECOND")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Broker.OpsPerSecond = f
		}
	}
	return cfg
}
