package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateRequiresBrokerCredentialsInWorkerMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "worker"
	cfg.Broker.APIKeyID = ""
	cfg.Broker.EncryptedSecretPath = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
}

func TestValidateRejectsNegativeEquityLimit(t *testing.T) {
	cfg := Defaults()
	cfg.Execution.MaxEquityLimit = "-100"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_equity_limit")
}

func TestApplyEnvOverrides(t *testing.T) {
	os.Setenv("EXECCORE_MODE", "aggregator")
	os.Setenv("EXECCORE_MAX_SELL_RETRIES", "7")
	os.Setenv("EXECCORE_REDIS_ADDR", "redis.internal:6380")
	t.Cleanup(func() {
		os.Unsetenv("EXECCORE_MODE")
		os.Unsetenv("EXECCORE_MAX_SELL_RETRIES")
		os.Unsetenv("EXECCORE_REDIS_ADDR")
	})

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "aggregator", cfg.Mode)
	assert.Equal(t, 7, cfg.Execution.MaxSellRetries)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Broker.APISecretKey = "super-secret"

	redactedCfg := RedactedConfig(&cfg)

	assert.Equal(t, redacted, redactedCfg.Postgres.Password)
	assert.Equal(t, redacted, redactedCfg.Broker.APISecretKey)
	// original untouched
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
