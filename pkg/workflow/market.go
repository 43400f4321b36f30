package workflow

import (
	"time"
	_ "time/tzdata"
)

// Bar is one OHLCV aggregate. Time is the start of the bar.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is a point-in-time price for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// MarketLocation is the exchange time zone used for sessions and trade stamps.
var MarketLocation = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// SessionClose returns 16:00 exchange time on the calendar day of t.
func SessionClose(t time.Time) time.Time {
	et := t.In(MarketLocation)
	return time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, MarketLocation)
}

// TradingDay returns the exchange calendar date of t as YYYY-MM-DD.
func TradingDay(t time.Time) string {
	return t.In(MarketLocation).Format(time.DateOnly)
}

// OrderSide is the direction of a broker order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderRequest is a market order sent to the broker. ClientOrderID makes
// resubmission after a crash idempotent at the broker.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Qty           float64   `json:"qty"`
	ClientOrderID string    `json:"client_order_id"`
}

// Order is the broker's view of an order.
type Order struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           OrderSide  `json:"side"`
	Qty            float64    `json:"qty"`
	FilledQty      float64    `json:"filled_qty"`
	FilledAvgPrice float64    `json:"filled_avg_price"`
	Status         string     `json:"status"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
}

// IsFilled reports whether the whole order quantity was filled.
func (o *Order) IsFilled() bool {
	return o.Status == "filled" && o.FilledQty > 0
}

// Position is an open broker position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
}
