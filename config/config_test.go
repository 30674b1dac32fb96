package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./data/ledger.db", cfg.Database.DSN)
	assert.True(t, cfg.Accrual.Enabled)
	assert.Equal(t, time.Hour, cfg.AccrualInterval())
	assert.Equal(t, 5*time.Minute, cfg.LeaseTTL())
	assert.False(t, cfg.KafkaEnabled())
	assert.Equal(t, 2*time.Second, cfg.RelayInterval())
	assert.Equal(t, 100, cfg.Kafka.RelayBatchSize)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://localhost/ledger
accrual:
  enabled: false
  interval: 30m
kafka:
  brokers: ["k1:9092", "k2:9092"]
  relay_interval: 500ms
  relay_batch_size: 25
logging:
  level: debug
  format: json
seed_defaults: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.False(t, cfg.Accrual.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.AccrualInterval())
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, "ledger-events", cfg.Kafka.Topic)
	assert.Equal(t, 500*time.Millisecond, cfg.RelayInterval())
	assert.Equal(t, 25, cfg.Kafka.RelayBatchSize)
	assert.True(t, cfg.SeedDefaults)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	env := map[string]string{
		"HTTP_PORT":        "7000",
		"KAFKA_BROKERS":    "a:1, b:2,",
		"LOG_LEVEL":        "warn",
		"ACCRUAL_INTERVAL": "10m",
		"REDIS_URL":        "redis://localhost:6379/0",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	require.NoError(t, applyEnv(cfg, lookup))

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 10*time.Minute, cfg.AccrualInterval())
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	env["HTTP_PORT"] = "eighty"
	assert.Error(t, applyEnv(cfg, lookup))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }},
		{"bad interval", func(c *Config) { c.Accrual.Interval = "soon" }},
		{"zero interval", func(c *Config) { c.Accrual.Interval = "0s" }},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
