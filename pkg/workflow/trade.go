package workflow

import (
	"fmt"
	"time"
)

// TradeSource says which phase produced a trade set.
type TradeSource string

const (
	SourceBacktest TradeSource = "backtest"
	SourcePaper    TradeSource = "paper"
)

// Validate checks if the source is known.
func (s TradeSource) Validate() error {
	switch s {
	case SourceBacktest, SourcePaper:
		return nil
	default:
		return fmt.Errorf("invalid trade source: %q", s)
	}
}

// Side is the trade direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// TradeStatus tracks whether a position is still open.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// ExitReason labels why a position was closed.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTimeExit   ExitReason = "time_exit"
	ExitSessionEnd ExitReason = "session_end"
	ExitSignal     ExitReason = "signal"
)

// Trade is one position, open or closed. Prices are per share; Fees and PnL
// are totals for the position in dollars.
type Trade struct {
	ID              string      `json:"id"`
	RunID           string      `json:"run_id"`
	Source          TradeSource `json:"source"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Shares          float64     `json:"shares"`
	EntryPrice      float64     `json:"entry_price"`
	ExitPrice       float64     `json:"exit_price,omitempty"`
	EntryTime       time.Time   `json:"entry_time"`
	ExitTime        *time.Time  `json:"exit_time,omitempty"`
	Fees            float64     `json:"fees"`
	PnL             float64     `json:"pnl"`
	TakeProfitPrice float64     `json:"take_profit_price,omitempty"`
	StopLossPrice   float64     `json:"stop_loss_price,omitempty"`
	HitTarget       bool        `json:"hit_target"`
	HitStop         bool        `json:"hit_stop"`
	ExitReason      ExitReason  `json:"exit_reason,omitempty"`
	Status          TradeStatus `json:"status"`
	BrokerOrderID   string      `json:"broker_order_id,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (t *Trade) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trade id is required")
	}
	if t.RunID == "" {
		return fmt.Errorf("trade %s: run_id is required", t.ID)
	}
	if err := t.Source.Validate(); err != nil {
		return fmt.Errorf("trade %s: %w", t.ID, err)
	}
	if t.Symbol == "" {
		return fmt.Errorf("trade %s: symbol is required", t.ID)
	}
	if t.Side != SideLong && t.Side != SideShort {
		return fmt.Errorf("trade %s: invalid side %q", t.ID, t.Side)
	}
	if t.Shares <= 0 {
		return fmt.Errorf("trade %s: shares must be positive", t.ID)
	}
	if t.EntryPrice <= 0 {
		return fmt.Errorf("trade %s: entry_price must be positive", t.ID)
	}
	switch t.Status {
	case TradeOpen:
	case TradeClosed:
		if t.ExitTime == nil {
			return fmt.Errorf("trade %s: closed trade has no exit_time", t.ID)
		}
	default:
		return fmt.Errorf("trade %s: invalid status %q", t.ID, t.Status)
	}
	return nil
}

// IsClosed reports whether the trade has an exit.
func (t *Trade) IsClosed() bool {
	return t.Status == TradeClosed
}

// CloneTrades returns a deep copy of trades.
func CloneTrades(trades []Trade) []Trade {
	out := make([]Trade, len(trades))
	for i, t := range trades {
		out[i] = t
		if t.ExitTime != nil {
			exit := *t.ExitTime
			out[i].ExitTime = &exit
		}
	}
	return out
}
