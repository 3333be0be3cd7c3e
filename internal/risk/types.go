package risk

import (
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
)

// Config holds risk management configuration
type Config struct {
	TotalBudget           float64        `json:"total_budget"`
	MaxLeveragePerTrader  float64        `json:"max_leverage_per_trader"`
	MaxTotalLeverage      float64        `json:"max_total_leverage"`      // sum of leverage over open positions
	MaxExposurePerTrader  float64        `json:"max_exposure_per_trader"` // 0 disables
	MaxTotalExposure      float64        `json:"max_total_exposure"`      // 0 disables
	MaxDailyLoss          float64        `json:"max_daily_loss"`          // per trader, quote currency
	DefaultStopLossPct    float64        `json:"default_stop_loss_pct"`
	MaxPositionsPerTrader int            `json:"max_positions_per_trader"`
	TrailingStop          TrailingConfig `json:"trailing_stop"`
}

// DefaultConfig returns conservative paper-trading limits
func DefaultConfig() Config {
	return Config{
		TotalBudget:           10000,
		MaxLeveragePerTrader:  10,
		MaxTotalLeverage:      30,
		MaxExposurePerTrader:  50000,
		MaxTotalExposure:      100000,
		MaxDailyLoss:          500,
		DefaultStopLossPct:    2,
		MaxPositionsPerTrader: 1,
		TrailingStop: TrailingConfig{
			Enabled:           true,
			TrailingPercent:   1.5,
			ActivationPercent: 1.0,
		},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.TotalBudget < 0 {
		return apperr.New(apperr.KindConfiguration, "total budget cannot be negative")
	}
	if c.MaxLeveragePerTrader < 1 || c.MaxTotalLeverage < c.MaxLeveragePerTrader {
		return apperr.New(apperr.KindConfiguration, "leverage caps must be >= 1 and total >= per trader")
	}
	if c.MaxExposurePerTrader < 0 || c.MaxTotalExposure < 0 || c.MaxDailyLoss < 0 {
		return apperr.New(apperr.KindConfiguration, "exposure and loss limits cannot be negative")
	}
	if c.DefaultStopLossPct < 0 || c.DefaultStopLossPct >= 100 {
		return apperr.New(apperr.KindConfiguration, "default stop loss must be within [0,100)")
	}
	if c.MaxPositionsPerTrader < 1 {
		return apperr.New(apperr.KindConfiguration, "max positions per trader must be >= 1")
	}
	return nil
}

// PositionStatus distinguishes reservations from filled positions
type PositionStatus string

const (
	// StatusReserved holds budget for an order that is not confirmed yet
	StatusReserved PositionStatus = "RESERVED"
	StatusOpen     PositionStatus = "OPEN"
)

// Position is a trader position as seen by the risk manager. Size is the
// margin drawn from the budget; exposure is Size x Leverage.
type Position struct {
	ID            string         `json:"id"`
	TraderID      string         `json:"trader_id"`
	Symbol        string         `json:"symbol"`
	Side          exchange.Side  `json:"side"`
	Status        PositionStatus `json:"status"`
	Size          float64        `json:"size"`
	Leverage      float64        `json:"leverage"`
	Quantity      float64        `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	CurrentPrice  float64        `json:"current_price"`
	StopLoss      float64        `json:"stop_loss"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	PatternID     string         `json:"pattern_id,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`

	stopPct float64
}

// Exposure is the leveraged notional of the position
func (p *Position) Exposure() float64 {
	return p.Size * p.Leverage
}

func (p *Position) pnlAt(price float64) float64 {
	if p.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == exchange.SideSell {
		move = -move
	}
	return move * p.Exposure()
}

// ClosedPosition is a position after it was closed
type ClosedPosition struct {
	Position
	ExitPrice   float64   `json:"exit_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	ReturnPct   float64   `json:"return_pct"` // unlevered price move in percent
	Reason      string    `json:"reason"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Close reasons
const (
	CloseReasonSignal    = "signal"
	CloseReasonStopLoss  = "stop_loss"
	CloseReasonDailyLoss = "daily_loss_limit"
	CloseReasonEmergency = "emergency_stop"
	CloseReasonStopped   = "trader_stopped"
)

// Recommendation is the action suggested by a risk score
type Recommendation string

const (
	RecommendAllow         Recommendation = "ALLOW"
	RecommendWarn          Recommendation = "WARN"
	RecommendBlock         Recommendation = "BLOCK"
	RecommendEmergencyStop Recommendation = "EMERGENCY_STOP"
)

// RiskScore combines utilization sub-scores, each in [0,1]
type RiskScore struct {
	TraderID       string         `json:"trader_id,omitempty"`
	Budget         float64        `json:"budget"`
	Leverage       float64        `json:"leverage"`
	Exposure       float64        `json:"exposure"`
	PnL            float64        `json:"pnl"`
	Overall        float64        `json:"overall"`
	Recommendation Recommendation `json:"recommendation"`
	Reasons        []string       `json:"reasons,omitempty"`
}

// TraderRisk is the per-trader part of a summary
type TraderRisk struct {
	TraderID        string  `json:"trader_id"`
	Stake           float64 `json:"stake"`
	MaxLeverage     float64 `json:"max_leverage"`
	Allocated       float64 `json:"allocated"`
	Exposure        float64 `json:"exposure"`
	DailyPnL        float64 `json:"daily_pnl"`
	OpenPositions   int     `json:"open_positions"`
	Blocked         bool    `json:"blocked"`
	BlockReason     string  `json:"block_reason,omitempty"`
	EmergencyActive bool    `json:"emergency_active"`
}

// Summary is a point-in-time view of the risk state
type Summary struct {
	TotalBudget     float64      `json:"total_budget"`
	Allocated       float64      `json:"allocated"`
	Available       float64      `json:"available"`
	TotalLeverage   float64      `json:"total_leverage"`
	TotalExposure   float64      `json:"total_exposure"`
	DailyPnL        float64      `json:"daily_pnl"`
	EmergencyActive bool         `json:"emergency_active"`
	Traders         []TraderRisk `json:"traders"`
	Positions       []Position   `json:"positions"`
	Timestamp       time.Time    `json:"timestamp"`
}
