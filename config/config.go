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

type Config struct {
	Server       ServerConfig   `yaml:"server"`
	Database     DatabaseConfig `yaml:"database"`
	Accrual      AccrualConfig  `yaml:"accrual"`
	Redis        RedisConfig    `yaml:"redis"`
	Kafka        KafkaConfig    `yaml:"kafka"`
	Logging      LoggingConfig  `yaml:"logging"`
	SeedDefaults bool           `yaml:"seed_defaults"`
}

type ServerConfig struct {
	Port            int      `yaml:"port"`
	CORSOrigins     []string `yaml:"cors_origins"`
	ReadTimeout     string   `yaml:"read_timeout"`
	WriteTimeout    string   `yaml:"write_timeout"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type AccrualConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	LeaseTTL string `yaml:"lease_ttl"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// KafkaConfig configures the broker and the outbox relay feeding it. The
// relay runs without brokers too and discards what it drains.
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	Topic          string   `yaml:"topic"`
	RelayInterval  string   `yaml:"relay_interval"`
	RelayBatchSize int      `yaml:"relay_batch_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path (a missing file yields pure defaults), applies defaults
// and environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{Accrual: AccrualConfig{Enabled: true}}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	setDefaults(cfg)
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "15s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "15s"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "10s"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "./data/ledger.db"
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Accrual.Interval == "" {
		cfg.Accrual.Interval = "1h"
	}
	if cfg.Accrual.LeaseTTL == "" {
		cfg.Accrual.LeaseTTL = "5m"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "ledger-events"
	}
	if cfg.Kafka.RelayInterval == "" {
		cfg.Kafka.RelayInterval = "2s"
	}
	if cfg.Kafka.RelayBatchSize == 0 {
		cfg.Kafka.RelayBatchSize = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_DRIVER"); ok && v != "" {
		cfg.Database.Driver = v
	}
	if v, ok := lookup("DATABASE_DSN"); ok && v != "" {
		cfg.Database.DSN = v
	}
	if v, ok := lookup("HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("REDIS_URL"); ok {
		cfg.Redis.URL = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("ACCRUAL_INTERVAL"); ok && v != "" {
		cfg.Accrual.Interval = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
	}
	for name, v := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"accrual.interval":        c.Accrual.Interval,
		"accrual.lease_ttl":       c.Accrual.LeaseTTL,
		"kafka.relay_interval":    c.Kafka.RelayInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Kafka.RelayBatchSize < 0 {
		return fmt.Errorf("kafka.relay_batch_size must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) AccrualInterval() time.Duration {
	d, _ := time.ParseDuration(c.Accrual.Interval)
	return d
}

func (c *Config) LeaseTTL() time.Duration {
	d, _ := time.ParseDuration(c.Accrual.LeaseTTL)
	return d
}

func (c *Config) ReadTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ReadTimeout)
	return d
}

func (c *Config) WriteTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.WriteTimeout)
	return d
}

func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ShutdownTimeout)
	return d
}

func (c *Config) RelayInterval() time.Duration {
	d, _ := time.ParseDuration(c.Kafka.RelayInterval)
	return d
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}
