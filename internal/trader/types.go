package trader

import (
	"strings"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/strategy"
)

// Config is the trader configuration supplied at creation
type Config struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	StakeAmount    float64         `json:"stake_amount"`
	RiskLevel      int             `json:"risk_level"`             // 1-10, doubles as max leverage
	MaxDuration    time.Duration   `json:"max_duration"`           // max holding time per position, 0 = unlimited
	MinReturnPct   float64         `json:"min_return_pct"`         // take profit once reached, 0 = off
	Strategy       strategy.Kind   `json:"strategy"`
	StrategyParams strategy.Params `json:"strategy_params,omitempty"`
	Interval       string          `json:"interval"`
}

// Leverage is the leverage applied to every position of the trader
func (c Config) Leverage() float64 {
	return float64(c.RiskLevel)
}

// Normalize canonicalizes symbol, exchange and strategy names
func (c Config) Normalize() Config {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	c.Name = strings.TrimSpace(c.Name)
	if k, err := strategy.ParseKind(string(c.Strategy)); err == nil {
		c.Strategy = k
	}
	if c.Name == "" {
		c.Name = c.Symbol + " " + string(c.Strategy)
	}
	return c
}

// Validate checks the configuration invariants
func (c Config) Validate() error {
	if c.StakeAmount <= 0 {
		return apperr.New(apperr.KindConfiguration, "stake amount must be positive")
	}
	if c.RiskLevel < 1 || c.RiskLevel > 10 {
		return apperr.New(apperr.KindConfiguration, "risk level must be within [1,10], got %d", c.RiskLevel)
	}
	if c.Symbol == "" {
		return apperr.New(apperr.KindConfiguration, "symbol is required")
	}
	if c.Exchange == "" {
		return apperr.New(apperr.KindConfiguration, "exchange is required")
	}
	if c.MaxDuration < 0 || c.MinReturnPct < 0 {
		return apperr.New(apperr.KindConfiguration, "max duration and min return cannot be negative")
	}
	if _, err := strategy.ParseKind(string(c.Strategy)); err != nil {
		return err
	}
	if _, err := exchange.ParseInterval(c.Interval); err != nil {
		return err
	}
	return nil
}

// cosmeticChange reports whether next differs from c only in fields that
// are safe to change while the trader runs
func (c Config) cosmeticChange(next Config) bool {
	if len(c.StrategyParams) != len(next.StrategyParams) {
		return false
	}
	for k, v := range c.StrategyParams {
		if nv, ok := next.StrategyParams[k]; !ok || nv != v {
			return false
		}
	}
	return c.ID == next.ID &&
		c.Exchange == next.Exchange &&
		c.Symbol == next.Symbol &&
		c.StakeAmount == next.StakeAmount &&
		c.RiskLevel == next.RiskLevel &&
		c.MaxDuration == next.MaxDuration &&
		c.MinReturnPct == next.MinReturnPct &&
		c.Strategy == next.Strategy &&
		c.Interval == next.Interval
}

// State is the lifecycle state of a trader
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

// transitions is the complete table of legal state changes
var transitions = map[State][]State{
	StateIdle:     {StateStarting, StateStopping, StateError},
	StateStarting: {StateRunning, StateStopping, StateError},
	StateRunning:  {StatePaused, StateStopping, StateError},
	StatePaused:   {StateRunning, StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting, StateError},
	StateError:    {StateStopped},
}

// CanTransition reports whether from -> to is a documented transition
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// States lists every state
func States() []State {
	return []State{StateIdle, StateStarting, StateRunning, StatePaused, StateStopping, StateStopped, StateError}
}

// Active reports whether the state counts against the trader cap
func (s State) Active() bool {
	return s != StateStopped && s != StateError
}

// Metrics are per-trader counters
type Metrics struct {
	Iterations        int64            `json:"iterations"`
	Signals           map[string]int64 `json:"signals"`
	TradesApproved    int64            `json:"trades_approved"`
	TradesRejected    int64            `json:"trades_rejected"`
	Wins              int64            `json:"wins"`
	Losses            int64            `json:"losses"`
	RealizedPnL       float64          `json:"realized_pnl"`
	WinRate           float64          `json:"win_rate"`
	ConsecutiveErrors int              `json:"consecutive_errors"`
	LastError         string           `json:"last_error,omitempty"`
	LastSignal        *strategy.Signal `json:"last_signal,omitempty"`
	StartedAt         time.Time        `json:"started_at,omitempty"`
	LastIterationAt   time.Time        `json:"last_iteration_at,omitempty"`
}

func (m Metrics) clone() Metrics {
	out := m
	out.Signals = make(map[string]int64, len(m.Signals))
	for k, v := range m.Signals {
		out.Signals[k] = v
	}
	if m.LastSignal != nil {
		sig := *m.LastSignal
		out.LastSignal = &sig
	}
	return out
}

// PendingOrder is an entry order whose outcome was not confirmed
type PendingOrder struct {
	ClientOrderID string        `json:"client_order_id"`
	ReservationID string        `json:"reservation_id"`
	Symbol        string        `json:"symbol"`
	Side          exchange.Side `json:"side"`
	Quantity      float64       `json:"quantity"`
	SubmittedAt   time.Time     `json:"submitted_at"`

	entry entryContext
}

// Status is a read-only snapshot of a trader
type Status struct {
	Config       Config        `json:"config"`
	State        State         `json:"state"`
	Metrics      Metrics       `json:"metrics"`
	PositionID   string        `json:"position_id,omitempty"`
	PendingOrder *PendingOrder `json:"pending_order,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Health is the result of a health check on one trader
type Health struct {
	TraderID      string    `json:"trader_id"`
	State         State     `json:"state"`
	Healthy       bool      `json:"healthy"`
	Stalled       bool      `json:"stalled"`
	Reconciled    bool      `json:"reconciled"`
	LastIteration time.Time `json:"last_iteration,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// TradeRecord is a closed trade as written to the store
type TradeRecord struct {
	ID          string        `json:"id"`
	TraderID    string        `json:"trader_id"`
	Exchange    string        `json:"exchange"`
	Symbol      string        `json:"symbol"`
	Side        exchange.Side `json:"side"`
	Strategy    strategy.Kind `json:"strategy"`
	Size        float64       `json:"size"`
	Leverage    float64       `json:"leverage"`
	Quantity    float64       `json:"quantity"`
	EntryPrice  float64       `json:"entry_price"`
	ExitPrice   float64       `json:"exit_price"`
	RealizedPnL float64       `json:"realized_pnl"`
	ReturnPct   float64       `json:"return_pct"`
	CloseReason string        `json:"close_reason"`
	PatternID   string        `json:"pattern_id,omitempty"`
	OpenedAt    time.Time     `json:"opened_at"`
	ClosedAt    time.Time     `json:"closed_at"`
}
