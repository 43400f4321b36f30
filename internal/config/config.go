package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvRedisURL        = "REDIS_URL"
	EnvPolygonAPIKey   = "POLYGON_API_KEY"
	EnvAlpacaKeyID     = "APCA_API_KEY_ID"
	EnvAlpacaSecretKey = "APCA_API_SECRET_KEY"
	EnvNamespace       = "ALPACA_NAMESPACE"
)

// Backend names.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// AlpacaConfig represents the top-level alpaca.yml configuration
type AlpacaConfig struct {
	Version      string              `yaml:"version"`
	Namespace    string              `yaml:"namespace"`
	Redis        RedisConfig         `yaml:"redis"`
	Store        StoreConfig         `yaml:"store"`
	Bus          BusConfig           `yaml:"bus"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Agents       AgentsConfig        `yaml:"agents"`
	Validator    *ValidatorConfig    `yaml:"validator,omitempty"`
	Backtest     BacktestConfig      `yaml:"backtest"`
	PaperTrade   PaperTradeConfig    `yaml:"paper_trade"`
	API          APIConfig           `yaml:"api"`
	Polygon      PolygonConfig       `yaml:"polygon"`
	Alpaca       BrokerConfig        `yaml:"alpaca"`
}

// RedisConfig locates the Redis server shared by the bus and the store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig selects the run store backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"`               // "redis" (default) or "sqlite"
	SQLitePath string `yaml:"sqlite_path,omitempty"` // Default: alpacacode.db
}

// BusConfig selects the message bus backend.
type BusConfig struct {
	Backend string `yaml:"backend"`       // "redis" (default) or "file"
	Dir     string `yaml:"dir,omitempty"` // file backend root, default: .alpacacode/bus
	// Retention is how long acknowledged messages are kept before pruning.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// OrchestratorConfig specifies the workflow engine's timing.
type OrchestratorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval,omitempty"`
	ResponseTimeout time.Duration `yaml:"response_timeout,omitempty"`
}

// AgentsConfig holds settings shared by every agent worker.
type AgentsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// HealthPort is the first health endpoint port; agents take consecutive
	// ports in the order backtester, validator, paper_trader. 0 disables.
	HealthPort int `yaml:"health_port,omitempty"`
}

// ValidatorConfig specifies the self-correction loop.
type ValidatorConfig struct {
	MaxIterations   *int          `yaml:"max_iterations,omitempty"`  // Default: 10
	PriceTolerance  *float64      `yaml:"price_tolerance,omitempty"` // Fraction, default: 0.01
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed,omitempty"`
}

// BacktestConfig specifies the grid runner.
type BacktestConfig struct {
	Parallelism int `yaml:"parallelism,omitempty"` // 0 = GOMAXPROCS
	// RetryMaxElapsed bounds the backoff on transient bar fetch errors.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed,omitempty"`
}

// PaperTradeConfig specifies the paper trading session loop.
type PaperTradeConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval,omitempty"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling,omitempty"`
}

// APIConfig specifies the HTTP server.
type APIConfig struct {
	Port int `yaml:"port,omitempty"`
}

// PolygonConfig specifies the market data client.
type PolygonConfig struct {
	APIKey  string        `yaml:"api_key,omitempty"`
	BaseURL string        `yaml:"base_url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// BrokerConfig specifies the paper trading account.
type BrokerConfig struct {
	KeyID      string        `yaml:"key_id,omitempty"`
	SecretKey  string        `yaml:"secret_key,omitempty"`
	TradingURL string        `yaml:"trading_url,omitempty"`
	DataURL    string        `yaml:"data_url,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *AlpacaConfig {
	c := &AlpacaConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(err)
	}
	return c
}

// Validate applies defaults and performs strict validation on the configuration
func (c *AlpacaConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = BackendRedis
	case BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'redis' or 'sqlite')", c.Store.Backend)
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "alpacacode.db"
	}

	switch c.Bus.Backend {
	case "":
		c.Bus.Backend = BackendRedis
	case BackendRedis, BackendFile:
	default:
		return fmt.Errorf("invalid bus.backend: %s (must be 'redis' or 'file')", c.Bus.Backend)
	}
	if c.Bus.Dir == "" {
		c.Bus.Dir = ".alpacacode/bus"
	}
	if c.Bus.Retention == 0 {
		c.Bus.Retention = 7 * 24 * time.Hour
	}

	if c.Orchestrator == nil {
		c.Orchestrator = &OrchestratorConfig{}
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = time.Second
	}
	if c.Orchestrator.ResponseTimeout == 0 {
		c.Orchestrator.ResponseTimeout = 10 * time.Minute
	}
	if c.Orchestrator.PollInterval < 0 || c.Orchestrator.ResponseTimeout < 0 {
		return fmt.Errorf("orchestrator intervals must be positive")
	}

	if c.Agents.PollInterval == 0 {
		c.Agents.PollInterval = time.Second
	}
	if c.Agents.HealthPort < 0 || c.Agents.HealthPort > 65533 {
		return fmt.Errorf("agents.health_port out of range: %d", c.Agents.HealthPort)
	}

	// Apply default validator config if missing
	if c.Validator == nil {
		c.Validator = &ValidatorConfig{}
	}
	if c.Validator.MaxIterations == nil {
		defaultIterations := 10
		c.Validator.MaxIterations = &defaultIterations
	}
	if *c.Validator.MaxIterations < 1 {
		return fmt.Errorf("validator.max_iterations must be >= 1, got %d", *c.Validator.MaxIterations)
	}
	if c.Validator.PriceTolerance == nil {
		defaultTolerance := 0.01
		c.Validator.PriceTolerance = &defaultTolerance
	}
	if *c.Validator.PriceTolerance < 0 {
		return fmt.Errorf("validator.price_tolerance must be >= 0, got %g", *c.Validator.PriceTolerance)
	}
	if c.Validator.RetryMaxElapsed == 0 {
		c.Validator.RetryMaxElapsed = 30 * time.Second
	}

	if c.Backtest.Parallelism < 0 {
		return fmt.Errorf("backtest.parallelism must be >= 0 (0 = one per CPU), got %d", c.Backtest.Parallelism)
	}
	if c.Backtest.RetryMaxElapsed == 0 {
		c.Backtest.RetryMaxElapsed = 30 * time.Second
	}

	if c.PaperTrade.PollInterval == 0 {
		c.PaperTrade.PollInterval = time.Minute
	}
	if c.PaperTrade.BackoffCeiling == 0 {
		c.PaperTrade.BackoffCeiling = 5 * time.Minute
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}

	return nil
}

// ApplyEnv overrides secrets and connection settings from the environment.
func (c *AlpacaConfig) ApplyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv(EnvPolygonAPIKey); v != "" {
		c.Polygon.APIKey = v
	}
	if v := os.Getenv(EnvAlpacaKeyID); v != "" {
		c.Alpaca.KeyID = v
	}
	if v := os.Getenv(EnvAlpacaSecretKey); v != "" {
		c.Alpaca.SecretKey = v
	}
}

// Load reads and validates alpaca.yml from the specified path, then applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*AlpacaConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		config := Default()
		config.ApplyEnv()
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config AlpacaConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.ApplyEnv()
	return &config, nil
}
