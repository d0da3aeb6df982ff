package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Load from an empty directory so only defaults apply
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "locatefee", cfg.App.Name)
	assert.Equal(t, int32(4), cfg.Pricing.Scale)
	assert.Equal(t, 365, cfg.Pricing.DaysInYear)
	assert.Equal(t, "0.0025", cfg.Pricing.GlobalMinRate)
	assert.Equal(t, 5*time.Minute, cfg.Cache.BorrowTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.MinRateTTL)
	assert.Equal(t, uint32(5), cfg.Resilience.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Resilience.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Audit.DurabilityDeadline)
	assert.Equal(t, "locatefee:invalidate", cfg.Cache.InvalidationChannel)
	assert.Equal(t, 5*time.Second, cfg.API.RequestDeadline)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  environment: production
  log_level: warn
pricing:
  scale: 6
  max_loan_days: 60
cache:
  borrow_ttl: 2m
resilience:
  failure_threshold: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, "warn", cfg.App.LogLevel)
	assert.Equal(t, int32(6), cfg.Pricing.Scale)
	assert.Equal(t, 60, cfg.Pricing.MaxLoanDays)
	assert.Equal(t, 2*time.Minute, cfg.Cache.BorrowTTL)
	assert.Equal(t, uint32(10), cfg.Resilience.FailureThreshold)
	// Untouched sections keep their defaults
	assert.Equal(t, 15*time.Minute, cfg.Cache.VolTTL)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pricing:
  scalle: 6
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err, "typos in config keys must fail loudly")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"scale out of range", func(c *Config) { c.Pricing.Scale = 13 }},
		{"bad day count", func(c *Config) { c.Pricing.DaysInYear = 366 }},
		{"loan days beyond event window", func(c *Config) { c.Pricing.MaxLoanDays = 365 }},
		{"zero audit workers", func(c *Config) { c.Audit.Workers = 0 }},
		{"zero failure threshold", func(c *Config) { c.Resilience.FailureThreshold = 0 }},
		{"zero pool size", func(c *Config) { c.Database.PoolSize = 0 }},
		{"bad api port", func(c *Config) { c.API.Port = 70000 }},
		{"zero request deadline", func(c *Config) { c.API.RequestDeadline = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte("app:\n  name: locatefee\n"), 0o644))
			cfg, err := Load(path)
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "db.internal", Port: 5432, User: "svc", Password: "secret",
		Database: "locatefee", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db.internal port=5432 user=svc password=secret dbname=locatefee sslmode=require",
		c.GetDSN())
}

func TestGetRedisAddr(t *testing.T) {
	c := RedisConfig{Host: "cache.internal", Port: 6380}
	assert.Equal(t, "cache.internal:6380", c.GetRedisAddr())
}
