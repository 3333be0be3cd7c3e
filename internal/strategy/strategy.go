// Package strategy implements the three trading strategies behind a single
// closed interface. Strategies are pure: the same candle window and
// indicator values always produce the same signal.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
)

// Kind identifies one of the supported strategies
type Kind string

const (
	KindTrendFollowing Kind = "trend_following"
	KindMeanReversion  Kind = "mean_reversion"
	KindBreakout       Kind = "breakout"
)

// Kinds lists every supported strategy
func Kinds() []Kind {
	return []Kind{KindTrendFollowing, KindMeanReversion, KindBreakout}
}

// ParseKind accepts the canonical name with '-' or '_' separators
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch k {
	case KindTrendFollowing, KindMeanReversion, KindBreakout:
		return k, nil
	}
	return "", apperr.New(apperr.KindConfiguration, "unknown strategy %q", s)
}

// Action is what a signal recommends
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionClose Action = "CLOSE"
)

// Side maps a directional action to an order side
func (a Action) Side() (exchange.Side, bool) {
	switch a {
	case ActionBuy:
		return exchange.SideBuy, true
	case ActionSell:
		return exchange.SideSell, true
	}
	return "", false
}

// Signal is a strategy recommendation. It is never mutated after creation.
type Signal struct {
	Action     Action             `json:"action"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	Timestamp  time.Time          `json:"timestamp"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Hold returns a no-action signal
func Hold(reason string, ts time.Time) Signal {
	return Signal{Action: ActionHold, Confidence: 0, Reason: reason, Timestamp: ts}
}

// Params are strategy tuning values keyed by name
type Params map[string]float64

func (p Params) get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func (p Params) period(key string, def int) int {
	return int(math.Round(p.get(key, float64(def))))
}

// Strategy is the contract every strategy satisfies
type Strategy interface {
	Kind() Kind
	Name() string
	Description() string
	// RequiredIndicators are the specs the processor must compute
	RequiredIndicators() []indicators.Spec
	// Lookback is the minimum candle count the decision rule needs
	Lookback() int
	ValidateConfig() error
	GenerateSignal(candles []exchange.Candle, values indicators.Values) Signal
	// Reset clears cross-call state. Strategies here are stateless.
	Reset()
}

// New builds a strategy of the given kind with params overriding defaults
func New(kind Kind, params Params) (Strategy, error) {
	var s Strategy
	switch kind {
	case KindTrendFollowing:
		s = NewTrendFollowing(params)
	case KindMeanReversion:
		s = NewMeanReversion(params)
	case KindBreakout:
		s = NewBreakout(params)
	default:
		return nil, apperr.New(apperr.KindConfiguration, "unknown strategy %q", kind)
	}
	if err := s.ValidateConfig(); err != nil {
		return nil, err
	}
	return s, nil
}

// Info describes a strategy for listing endpoints
type Info struct {
	Kind        Kind     `json:"kind"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Indicators  []string `json:"indicators"`
	Lookback    int      `json:"lookback"`
}

// Describe returns Info for every strategy at default parameters
func Describe() []Info {
	out := make([]Info, 0, 3)
	for _, k := range Kinds() {
		s, _ := New(k, nil)
		keys := make([]string, 0)
		for _, spec := range s.RequiredIndicators() {
			keys = append(keys, spec.Key())
		}
		sort.Strings(keys)
		out = append(out, Info{Kind: k, Name: s.Name(), Description: s.Description(), Indicators: keys, Lookback: s.Lookback()})
	}
	return out
}

func lastTimestamp(candles []exchange.Candle) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	return candles[len(candles)-1].CloseTime
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func insufficient(name string, need, have int, ts time.Time) Signal {
	return Hold(fmt.Sprintf("%s: insufficient data (need %d candles, have %d)", name, need, have), ts)
}

// lastValues reads the latest value of each key. ok is false when any key is missing.
func lastValues(values indicators.Values, keys ...string) (map[string]float64, bool) {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		v, ok := values.Last(k)
		if !ok {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}
