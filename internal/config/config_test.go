package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "alpaca.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
namespace: research
store:
  backend: sqlite
  sqlite_path: /tmp/runs.db
orchestrator:
  response_timeout: 2m
validator:
  max_iterations: 4
  price_tolerance: 0.02
backtest:
  parallelism: 3
paper_trade:
  poll_interval: 30s
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "research", config.Namespace)
	assert.Equal(t, BackendSQLite, config.Store.Backend)
	assert.Equal(t, "/tmp/runs.db", config.Store.SQLitePath)
	assert.Equal(t, 2*time.Minute, config.Orchestrator.ResponseTimeout)
	assert.Equal(t, time.Second, config.Orchestrator.PollInterval)
	assert.Equal(t, 4, *config.Validator.MaxIterations)
	assert.Equal(t, 0.02, *config.Validator.PriceTolerance)
	assert.Equal(t, 3, config.Backtest.Parallelism)
	assert.Equal(t, 30*time.Second, config.PaperTrade.PollInterval)
	assert.Equal(t, 5*time.Minute, config.PaperTrade.BackoffCeiling)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "alpaca.yml"))
	require.NoError(t, err)
	assert.Equal(t, "default", config.Namespace)
	assert.Equal(t, BackendRedis, config.Store.Backend)
	assert.Equal(t, BackendRedis, config.Bus.Backend)
	assert.Equal(t, 10, *config.Validator.MaxIterations)
	assert.Equal(t, 0.01, *config.Validator.PriceTolerance)
	assert.Equal(t, 10*time.Minute, config.Orchestrator.ResponseTimeout)
	assert.Equal(t, 30*time.Second, config.Backtest.RetryMaxElapsed)
	assert.Equal(t, 8080, config.API.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
store:
  - this is invalid
    yaml syntax
`)

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvRedisURL, "redis://cache:6380/2")
	t.Setenv(EnvNamespace, "ci")
	t.Setenv(EnvPolygonAPIKey, "poly-key")
	t.Setenv(EnvAlpacaKeyID, "key-id")
	t.Setenv(EnvAlpacaSecretKey, "secret")

	configPath := writeConfig(t, `version: "1.0"
namespace: research
redis:
  url: redis://localhost:6379/0
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6380/2", config.Redis.URL)
	assert.Equal(t, "ci", config.Namespace)
	assert.Equal(t, "poly-key", config.Polygon.APIKey)
	assert.Equal(t, "key-id", config.Alpaca.KeyID)
	assert.Equal(t, "secret", config.Alpaca.SecretKey)
}

func TestValidate(t *testing.T) {
	zero := 0
	negative := -0.5

	tests := []struct {
		name    string
		config  AlpacaConfig
		wantErr string
	}{
		{
			name:    "unsupported version",
			config:  AlpacaConfig{Version: "2.0"},
			wantErr: "unsupported version: 2.0",
		},
		{
			name:    "unknown store backend",
			config:  AlpacaConfig{Version: "1.0", Store: StoreConfig{Backend: "postgres"}},
			wantErr: "invalid store.backend",
		},
		{
			name:    "unknown bus backend",
			config:  AlpacaConfig{Version: "1.0", Bus: BusConfig{Backend: "kafka"}},
			wantErr: "invalid bus.backend",
		},
		{
			name:    "zero max iterations",
			config:  AlpacaConfig{Version: "1.0", Validator: &ValidatorConfig{MaxIterations: &zero}},
			wantErr: "validator.max_iterations must be >= 1",
		},
		{
			name:    "negative price tolerance",
			config:  AlpacaConfig{Version: "1.0", Validator: &ValidatorConfig{PriceTolerance: &negative}},
			wantErr: "validator.price_tolerance must be >= 0",
		},
		{
			name:    "negative parallelism",
			config:  AlpacaConfig{Version: "1.0", Backtest: BacktestConfig{Parallelism: -1}},
			wantErr: "backtest.parallelism",
		},
		{
			name:    "api port out of range",
			config:  AlpacaConfig{Version: "1.0", API: APIConfig{Port: 70000}},
			wantErr: "api.port out of range",
		},
		{
			name:   "defaults only",
			config: AlpacaConfig{Version: "1.0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_KeepsExplicitZeroParallelism(t *testing.T) {
	config := &AlpacaConfig{Version: "1.0"}
	require.NoError(t, config.Validate())
	assert.Zero(t, config.Backtest.Parallelism)
	assert.Equal(t, ".alpacacode/bus", config.Bus.Dir)
	assert.Equal(t, 7*24*time.Hour, config.Bus.Retention)
}
