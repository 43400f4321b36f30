package commands

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kaljuvee/alpacacode/internal/agent"
	"github.com/kaljuvee/alpacacode/internal/alpaca"
	"github.com/kaljuvee/alpacacode/internal/backtest"
	"github.com/kaljuvee/alpacacode/internal/config"
	"github.com/kaljuvee/alpacacode/internal/papertrade"
	"github.com/kaljuvee/alpacacode/internal/polygon"
	"github.com/kaljuvee/alpacacode/internal/store"
	"github.com/kaljuvee/alpacacode/internal/strategy"
	"github.com/kaljuvee/alpacacode/internal/validator"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/redis/go-redis/v9"
)

// backends holds the bus and store selected by the configuration.
type backends struct {
	bus   bus.Bus
	store store.Store
}

func (b *backends) Close() {
	if b.bus != nil {
		b.bus.Close()
	}
	if b.store != nil {
		b.store.Close()
	}
}

// openBackends connects the configured bus and store and checks that they
// are reachable.
func openBackends(ctx context.Context, cfg *config.AlpacaConfig) (*backends, error) {
	var redisOpts *redis.Options
	if cfg.Bus.Backend == config.BackendRedis || cfg.Store.Backend == config.BackendRedis {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisOpts = opts
	}

	b := &backends{}
	var err error

	switch cfg.Bus.Backend {
	case config.BackendFile:
		b.bus, err = bus.NewFileBus(cfg.Bus.Dir)
	default:
		var rb *bus.RedisBus
		rb, err = bus.NewRedisBus(redisOpts, cfg.Namespace)
		if err == nil {
			b.bus = rb
			err = rb.Ping(ctx)
		}
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open %s bus: %w", cfg.Bus.Backend, err)
	}

	switch cfg.Store.Backend {
	case config.BackendSQLite:
		b.store, err = store.NewSQLiteStore(cfg.Store.SQLitePath)
	default:
		b.store, err = store.NewRedisStore(redisOpts, cfg.Namespace)
	}
	if err == nil {
		err = b.store.Ping(ctx)
	}
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}

	log.Printf("[INFO] Using %s bus and %s store (namespace %s)", cfg.Bus.Backend, cfg.Store.Backend, cfg.Namespace)
	return b, nil
}

// registrar returns the function binding the named agent's handler to a
// worker.
func registrar(name string, cfg *config.AlpacaConfig, s store.Store) (func(w *agent.Worker), error) {
	switch name {
	case bus.AgentBacktester:
		return newBacktester(cfg, s).Register, nil
	case bus.AgentValidator:
		return newValidator(cfg, s).Register, nil
	case bus.AgentPaperTrader:
		trader, err := newPaperTrader(cfg, s)
		if err != nil {
			return nil, err
		}
		return trader.Register, nil
	default:
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
}

// newBacktester wires the grid runner to Polygon bars.
func newBacktester(cfg *config.AlpacaConfig, s store.Store) *backtest.Backtester {
	market := polygon.NewClient(cfg.Polygon.BaseURL, cfg.Polygon.APIKey, cfg.Polygon.Timeout)
	if cfg.Polygon.APIKey == "" {
		log.Printf("[WARN] %s is not set; backtests will fail to load bars", config.EnvPolygonAPIKey)
	}
	eval := strategy.NewEvaluator(market, strategy.DefaultFees()).WithRetryMaxElapsed(cfg.Backtest.RetryMaxElapsed)
	return backtest.New(s, eval, backtest.Config{Parallelism: cfg.Backtest.Parallelism})
}

// newValidator wires the validator to Polygon prices when a key is set;
// without one, price checks are skipped.
func newValidator(cfg *config.AlpacaConfig, s store.Store) *validator.Validator {
	var market validator.MarketData
	if cfg.Polygon.APIKey != "" {
		market = polygon.NewClient(cfg.Polygon.BaseURL, cfg.Polygon.APIKey, cfg.Polygon.Timeout)
	} else {
		log.Printf("[WARN] %s is not set; validator price checks are disabled", config.EnvPolygonAPIKey)
	}
	return validator.New(s, market, validator.Config{
		MaxIterations:   *cfg.Validator.MaxIterations,
		PriceTolerance:  *cfg.Validator.PriceTolerance,
		RetryMaxElapsed: cfg.Validator.RetryMaxElapsed,
	})
}

// newPaperTrader wires the session loop to the Alpaca paper account.
func newPaperTrader(cfg *config.AlpacaConfig, s store.Store) (*papertrade.Trader, error) {
	broker, err := alpaca.NewClient(alpaca.Options{
		TradingURL: cfg.Alpaca.TradingURL,
		DataURL:    cfg.Alpaca.DataURL,
		KeyID:      cfg.Alpaca.KeyID,
		SecretKey:  cfg.Alpaca.SecretKey,
		Timeout:    cfg.Alpaca.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Alpaca client: %w", err)
	}
	bars := polygon.NewClient(cfg.Polygon.BaseURL, cfg.Polygon.APIKey, cfg.Polygon.Timeout)
	return papertrade.New(s, broker, bars, papertrade.Config{
		PollInterval:   cfg.PaperTrade.PollInterval,
		BackoffCeiling: cfg.PaperTrade.BackoffCeiling,
		Fees:           strategy.DefaultFees(),
	}), nil
}

// pruneLoop removes acknowledged bus records older than the retention
// window, once per hour.
func pruneLoop(ctx context.Context, b bus.Bus, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := b.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Printf("[WARN] Bus prune failed: %v", err)
		} else if n > 0 {
			log.Printf("[INFO] Pruned %d acknowledged bus records", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
