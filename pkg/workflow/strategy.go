package workflow

import (
	"encoding/json"
	"fmt"
)

// StrategyKind identifies a strategy variant.
type StrategyKind string

const (
	StrategyBuyTheDip StrategyKind = "buy_the_dip"
	StrategyMomentum  StrategyKind = "momentum"
	StrategyVIX       StrategyKind = "vix"
)

// StrategyConfig is implemented by every strategy-specific parameter set.
// The set of implementations is closed: BuyTheDipConfig, MomentumConfig and
// VIXConfig.
type StrategyConfig interface {
	Kind() StrategyKind
	Validate() error
	// Threshold is the parameter varied by the backtest grid.
	Threshold() float64
	// WithThreshold returns a copy with the grid parameter replaced.
	WithThreshold(v float64) StrategyConfig
	// Risk returns the common position sizing and exit parameters.
	Risk() RiskParams
}

// RiskParams are shared by all strategies.
type RiskParams struct {
	InitialCapital float64 `json:"initial_capital"`
	PositionSize   float64 `json:"position_size"`
	TakeProfit     float64 `json:"take_profit"`
	StopLoss       float64 `json:"stop_loss"`
	HoldDays       int     `json:"hold_days"`
}

func (r RiskParams) validate() error {
	if r.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive")
	}
	if r.PositionSize <= 0 || r.PositionSize > 1 {
		return fmt.Errorf("position_size must be in (0, 1]")
	}
	if r.TakeProfit < 0 || r.StopLoss < 0 {
		return fmt.Errorf("take_profit and stop_loss cannot be negative")
	}
	if r.HoldDays <= 0 {
		return fmt.Errorf("hold_days must be positive")
	}
	return nil
}

// DefaultRisk mirrors the defaults of the buy-the-dip backtester.
func DefaultRisk() RiskParams {
	return RiskParams{
		InitialCapital: 10000,
		PositionSize:   0.1,
		TakeProfit:     0.01,
		StopLoss:       0.005,
		HoldDays:       1,
	}
}

// BuyTheDipConfig buys when the close is DipThreshold below the recent high.
type BuyTheDipConfig struct {
	RiskParams
	DipThreshold    float64 `json:"dip_threshold"`
	LookbackPeriods int     `json:"lookback_periods"`
}

func (c BuyTheDipConfig) Kind() StrategyKind { return StrategyBuyTheDip }
func (c BuyTheDipConfig) Threshold() float64 { return c.DipThreshold }
func (c BuyTheDipConfig) Risk() RiskParams   { return c.RiskParams }

func (c BuyTheDipConfig) WithThreshold(v float64) StrategyConfig {
	c.DipThreshold = v
	return c
}

func (c BuyTheDipConfig) Validate() error {
	if c.DipThreshold <= 0 || c.DipThreshold >= 1 {
		return fmt.Errorf("buy_the_dip: dip_threshold must be in (0, 1)")
	}
	if c.LookbackPeriods <= 0 {
		return fmt.Errorf("buy_the_dip: lookback_periods must be positive")
	}
	if err := c.RiskParams.validate(); err != nil {
		return fmt.Errorf("buy_the_dip: %w", err)
	}
	return nil
}

// MomentumConfig buys when the close is up MomentumThreshold percent over
// LookbackPeriod bars.
type MomentumConfig struct {
	RiskParams
	LookbackPeriod    int     `json:"lookback_period"`
	MomentumThreshold float64 `json:"momentum_threshold"`
}

func (c MomentumConfig) Kind() StrategyKind { return StrategyMomentum }
func (c MomentumConfig) Threshold() float64 { return c.MomentumThreshold }
func (c MomentumConfig) Risk() RiskParams   { return c.RiskParams }

func (c MomentumConfig) WithThreshold(v float64) StrategyConfig {
	c.MomentumThreshold = v
	return c
}

func (c MomentumConfig) Validate() error {
	if c.LookbackPeriod <= 0 {
		return fmt.Errorf("momentum: lookback_period must be positive")
	}
	if c.MomentumThreshold <= 0 {
		return fmt.Errorf("momentum: momentum_threshold must be positive")
	}
	if err := c.RiskParams.validate(); err != nil {
		return fmt.Errorf("momentum: %w", err)
	}
	return nil
}

// VIXConfig buys when the volatility index closes above VIXThreshold.
type VIXConfig struct {
	RiskParams
	VIXThreshold float64 `json:"vix_threshold"`
	IndexSymbol  string  `json:"index_symbol"`
}

func (c VIXConfig) Kind() StrategyKind { return StrategyVIX }
func (c VIXConfig) Threshold() float64 { return c.VIXThreshold }
func (c VIXConfig) Risk() RiskParams   { return c.RiskParams }

func (c VIXConfig) WithThreshold(v float64) StrategyConfig {
	c.VIXThreshold = v
	return c
}

func (c VIXConfig) Validate() error {
	if c.VIXThreshold <= 0 {
		return fmt.Errorf("vix: vix_threshold must be positive")
	}
	if c.IndexSymbol == "" {
		return fmt.Errorf("vix: index_symbol is required")
	}
	if err := c.RiskParams.validate(); err != nil {
		return fmt.Errorf("vix: %w", err)
	}
	return nil
}

// DefaultStrategy returns the default parameter set for kind.
func DefaultStrategy(kind StrategyKind) (StrategyConfig, error) {
	switch kind {
	case StrategyBuyTheDip:
		return BuyTheDipConfig{RiskParams: DefaultRisk(), DipThreshold: 0.02, LookbackPeriods: 20}, nil
	case StrategyMomentum:
		risk := DefaultRisk()
		risk.HoldDays = 5
		return MomentumConfig{RiskParams: risk, LookbackPeriod: 20, MomentumThreshold: 5.0}, nil
	case StrategyVIX:
		return VIXConfig{RiskParams: DefaultRisk(), VIXThreshold: 20, IndexSymbol: "I:VIX"}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, kind)
	}
}

// StrategySpec is the wire envelope of a StrategyConfig:
//
//	{"kind": "buy_the_dip", "params": {...}}
type StrategySpec struct {
	Config StrategyConfig
}

type strategyEnvelope struct {
	Kind   StrategyKind    `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Kind returns the wrapped strategy kind, or "" when empty.
func (s StrategySpec) Kind() StrategyKind {
	if s.Config == nil {
		return ""
	}
	return s.Config.Kind()
}

// MarshalJSON implements json.Marshaler.
func (s StrategySpec) MarshalJSON() ([]byte, error) {
	if s.Config == nil {
		return []byte("null"), nil
	}
	params, err := json.Marshal(s.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(strategyEnvelope{Kind: s.Config.Kind(), Params: params})
}

// UnmarshalJSON implements json.Unmarshaler. Missing params fall back to the
// strategy defaults; present params are overlaid on them.
func (s *StrategySpec) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		s.Config = nil
		return nil
	}

	var env strategyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("invalid strategy envelope: %w", err)
	}

	base, err := DefaultStrategy(env.Kind)
	if err != nil {
		return err
	}
	if len(env.Params) == 0 {
		s.Config = base
		return nil
	}

	switch cfg := base.(type) {
	case BuyTheDipConfig:
		if err := json.Unmarshal(env.Params, &cfg); err != nil {
			return fmt.Errorf("invalid buy_the_dip params: %w", err)
		}
		s.Config = cfg
	case MomentumConfig:
		if err := json.Unmarshal(env.Params, &cfg); err != nil {
			return fmt.Errorf("invalid momentum params: %w", err)
		}
		s.Config = cfg
	case VIXConfig:
		if err := json.Unmarshal(env.Params, &cfg); err != nil {
			return fmt.Errorf("invalid vix params: %w", err)
		}
		s.Config = cfg
	}
	return nil
}

// Validate checks that a config is present and valid.
func (s StrategySpec) Validate() error {
	if s.Config == nil {
		return fmt.Errorf("%w: strategy is required", ErrConfiguration)
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}
