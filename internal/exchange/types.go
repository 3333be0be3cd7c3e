package exchange

import (
	"time"
)

// Side is the direction of an order or position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Candle is one OHLCV bar
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// OrderStatus is the exchange-reported state of an order
type OrderStatus string

const (
	OrderFilled   OrderStatus = "FILLED"
	OrderPending  OrderStatus = "PENDING"
	OrderRejected OrderStatus = "REJECTED"
)

// Order is a market order request. ClientOrderID doubles as the
// idempotency key when the same order is resubmitted or queried.
type Order struct {
	ClientOrderID string  `json:"client_order_id"`
	TraderID      string  `json:"trader_id"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"` // reference price at signal time
	Leverage      int     `json:"leverage"`
	ReduceOnly    bool    `json:"reduce_only"`
}

// OrderResult is what the exchange returned for an order
type OrderResult struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Balance is one asset balance
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}
