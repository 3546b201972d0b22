// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// Default listen ports per URI scheme.
const (
	DefaultBrokerPort = 9000
	DefaultWorkerPort = 3960
)

// Config holds all application configuration parsed from environment
// variables. Broker and worker binaries share the struct; each reads the
// fields it cares about.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Host   string `env:"ZAKURO_HOST" envDefault:"0.0.0.0"`
	// Port of 0 means "scheme default": 9000 for the broker, 3960 for the
	// worker.
	Port int `env:"ZAKURO_PORT" envDefault:"0"`

	// Broker: peer list and mesh behavior.
	Peers []string `env:"ZAKURO_PEERS" envSeparator:","`
	P2P   bool     `env:"ZAKURO_P2P" envDefault:"false"`

	// Ledger connection string. Empty enables local_mode with an in-memory
	// ledger.
	DBURL string `env:"DB_URL"`
	// Redis backs the per-user rate limiter; empty disables it.
	RedisAddr string `env:"REDIS_ADDR"`
	// Kafka brokers for usage events; empty disables publishing.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"zakuro-mesh"`

	DiscoveryInterval time.Duration `env:"ZAKURO_DISCOVERY_INTERVAL" envDefault:"5s"`
	ProbeTimeout      time.Duration `env:"ZAKURO_PROBE_TIMEOUT" envDefault:"2s"`
	ReservationTTL    time.Duration `env:"ZAKURO_RESERVATION_TTL" envDefault:"5m"`
	InstanceTTL       time.Duration `env:"ZAKURO_INSTANCE_TTL" envDefault:"30m"`
	WorkerExpireAfter time.Duration `env:"ZAKURO_WORKER_EXPIRE_AFTER" envDefault:"5m"`
	ForwardTimeout    time.Duration `env:"ZAKURO_FORWARD_TIMEOUT" envDefault:"5m"`

	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"600"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"300s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Worker identity, pricing, and advertised capacity.
	WorkerName  string   `env:"ZAKURO_WORKER_NAME"`
	WorkerType  string   `env:"ZAKURO_WORKER_TYPE" envDefault:"zakuro"`
	WorkerTags  []string `env:"ZAKURO_WORKER_TAGS" envSeparator:","`
	CPUPrice    string   `env:"ZAKURO_CPU_PRICE" envDefault:"0.001"`
	MemoryPrice string   `env:"ZAKURO_MEMORY_PRICE" envDefault:"0.0001"`
	GPUPrice    string   `env:"ZAKURO_GPU_PRICE" envDefault:"0.01"`
	MinCharge   string   `env:"ZAKURO_MIN_CHARGE" envDefault:"0.0001"`
	MemoryBytes int64    `env:"ZAKURO_MEMORY_BYTES" envDefault:"8589934592"`
	GPUs        int      `env:"ZAKURO_GPUS" envDefault:"0"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// LocalMode reports whether the broker runs with the in-memory ledger.
func (c Config) LocalMode() bool { return c.DBURL == "" }

// PortOr returns the configured port, or def when unset.
func (c Config) PortOr(def int) int {
	if c.Port > 0 {
		return c.Port
	}
	return def
}

// Pricing parses the worker price env vars into a domain pricing record.
// Malformed values fail loudly: a worker advertising garbage prices would
// corrupt settlement downstream.
func (c Config) Pricing() (domain.Pricing, error) {
	var p domain.Pricing
	var err error
	if p.CPUPerSec, err = decimal.NewFromString(c.CPUPrice); err != nil {
		return p, fmt.Errorf("op=config.Pricing cpu_price=%q: %w", c.CPUPrice, err)
	}
	if p.MemGiBPerSec, err = decimal.NewFromString(c.MemoryPrice); err != nil {
		return p, fmt.Errorf("op=config.Pricing memory_price=%q: %w", c.MemoryPrice, err)
	}
	if p.GPUPerSec, err = decimal.NewFromString(c.GPUPrice); err != nil {
		return p, fmt.Errorf("op=config.Pricing gpu_price=%q: %w", c.GPUPrice, err)
	}
	if p.MinCharge, err = decimal.NewFromString(c.MinCharge); err != nil {
		return p, fmt.Errorf("op=config.Pricing min_charge=%q: %w", c.MinCharge, err)
	}
	return p, nil
}

// PeerList trims and drops empty entries from the configured peer set,
// preserving order.
func (c Config) PeerList() []string {
	out := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
