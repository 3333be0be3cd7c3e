// Package indicators computes technical indicator series over candle windows.
// Calculations are delegated to go-talib; this package owns naming, lookback
// accounting and trimming of the warm-up region.
package indicators

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/markcheno/go-talib"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
)

// Kind identifies an indicator family
type Kind string

const (
	KindSMA  Kind = "sma"
	KindEMA  Kind = "ema"
	KindRSI  Kind = "rsi"
	KindMACD Kind = "macd"
	KindBB   Kind = "bb"
	KindATR  Kind = "atr"
)

// Spec is a parameterized indicator request
type Spec struct {
	Kind   Kind    `json:"kind"`
	Period int     `json:"period,omitempty"`
	Fast   int     `json:"fast,omitempty"`
	Slow   int     `json:"slow,omitempty"`
	Signal int     `json:"signal,omitempty"`
	StdDev float64 `json:"std_dev,omitempty"`
}

// Constructors for the common specs
func SMA(period int) Spec { return Spec{Kind: KindSMA, Period: period} }
func EMA(period int) Spec { return Spec{Kind: KindEMA, Period: period} }
func RSI(period int) Spec { return Spec{Kind: KindRSI, Period: period} }
func ATR(period int) Spec { return Spec{Kind: KindATR, Period: period} }

func MACD(fast, slow, signal int) Spec {
	return Spec{Kind: KindMACD, Fast: fast, Slow: slow, Signal: signal}
}

func BB(period int, stdDev float64) Spec {
	return Spec{Kind: KindBB, Period: period, StdDev: stdDev}
}

// Key is the base name under which the spec's output series are stored
func (s Spec) Key() string {
	switch s.Kind {
	case KindMACD:
		return fmt.Sprintf("macd_%d_%d_%d", s.Fast, s.Slow, s.Signal)
	case KindBB:
		return fmt.Sprintf("bb_%d_%s", s.Period, strconv.FormatFloat(s.StdDev, 'f', -1, 64))
	default:
		return fmt.Sprintf("%s_%d", s.Kind, s.Period)
	}
}

// Output suffixes for multi-series indicators
const (
	SuffixSignal = "_signal"
	SuffixHist   = "_hist"
	SuffixUpper  = "_upper"
	SuffixMiddle = "_middle"
	SuffixLower  = "_lower"
	SuffixWidth  = "_width"
)

// Keys lists every series key the spec produces
func (s Spec) Keys() []string {
	k := s.Key()
	switch s.Kind {
	case KindMACD:
		return []string{k, k + SuffixSignal, k + SuffixHist}
	case KindBB:
		return []string{k + SuffixUpper, k + SuffixMiddle, k + SuffixLower, k + SuffixWidth}
	default:
		return []string{k}
	}
}

// Lookback is the minimum number of candles needed for one valid value
func (s Spec) Lookback() int {
	switch s.Kind {
	case KindSMA, KindEMA, KindBB:
		return s.Period
	case KindRSI, KindATR:
		return s.Period + 1
	case KindMACD:
		slow, fast := s.Slow, s.Fast
		if fast > slow {
			slow = fast
		}
		return slow + s.Signal - 1
	default:
		return 0
	}
}

// Validate checks parameters
func (s Spec) Validate() error {
	switch s.Kind {
	case KindSMA, KindEMA, KindATR:
		if s.Period < 1 {
			return apperr.New(apperr.KindConfiguration, "%s period must be >= 1", s.Kind)
		}
	case KindRSI:
		if s.Period < 2 {
			return apperr.New(apperr.KindConfiguration, "rsi period must be >= 2")
		}
	case KindBB:
		if s.Period < 2 || s.StdDev <= 0 {
			return apperr.New(apperr.KindConfiguration, "bollinger bands need period >= 2 and positive std dev")
		}
	case KindMACD:
		if s.Fast < 2 || s.Slow < 2 || s.Signal < 1 || s.Fast == s.Slow {
			return apperr.New(apperr.KindConfiguration, "invalid macd periods %d/%d/%d", s.Fast, s.Slow, s.Signal)
		}
	default:
		return apperr.New(apperr.KindConfiguration, "unknown indicator kind %q", s.Kind)
	}
	return nil
}

// Series is an indicator series aligned to the end of the candle window:
// the last element corresponds to the last candle.
type Series []float64

// Last returns the most recent value
func (s Series) Last() (float64, bool) {
	return s.Ago(0)
}

// Prev returns the value one bar before the most recent
func (s Series) Prev() (float64, bool) {
	return s.Ago(1)
}

// Ago returns the value n bars before the most recent
func (s Series) Ago(n int) (float64, bool) {
	if n < 0 || n >= len(s) {
		return 0, false
	}
	return s[len(s)-1-n], true
}

// Values maps series keys to computed series
type Values map[string]Series

// Last returns the most recent value of key
func (v Values) Last(key string) (float64, bool) {
	s, ok := v[key]
	if !ok {
		return 0, false
	}
	return s.Last()
}

// Merge copies all series from other into v
func (v Values) Merge(other Values) {
	for k, s := range other {
		v[k] = s
	}
}

// Keys returns the sorted series keys
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Closes extracts close prices
func Closes(candles []exchange.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Compute evaluates one spec over candles
func Compute(spec Spec, candles []exchange.Candle) (Values, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if len(candles) < spec.Lookback() {
		return nil, apperr.New(apperr.KindDataQuality,
			"%s needs %d candles, have %d", spec.Key(), spec.Lookback(), len(candles))
	}

	closes := Closes(candles)
	out := make(Values, 4)
	key := spec.Key()

	switch spec.Kind {
	case KindSMA:
		out[key] = trim(talib.Sma(closes, spec.Period), spec.Period-1)
	case KindEMA:
		out[key] = trim(talib.Ema(closes, spec.Period), spec.Period-1)
	case KindRSI:
		out[key] = trim(talib.Rsi(closes, spec.Period), spec.Period)
	case KindATR:
		highs := make([]float64, len(candles))
		lows := make([]float64, len(candles))
		for i, c := range candles {
			highs[i] = c.High
			lows[i] = c.Low
		}
		out[key] = trim(talib.Atr(highs, lows, closes, spec.Period), spec.Period)
	case KindMACD:
		macd, signal, hist := talib.Macd(closes, spec.Fast, spec.Slow, spec.Signal)
		start := spec.Lookback() - 1
		out[key] = trim(macd, start)
		out[key+SuffixSignal] = trim(signal, start)
		out[key+SuffixHist] = trim(hist, start)
	case KindBB:
		upper, middle, lower := talib.BBands(closes, spec.Period, spec.StdDev, spec.StdDev, talib.SMA)
		start := spec.Period - 1
		up, mid, low := trim(upper, start), trim(middle, start), trim(lower, start)
		width := make(Series, len(mid))
		for i := range mid {
			if mid[i] != 0 {
				width[i] = (up[i] - low[i]) / mid[i]
			}
		}
		out[key+SuffixUpper] = up
		out[key+SuffixMiddle] = mid
		out[key+SuffixLower] = low
		out[key+SuffixWidth] = width
	}
	return out, nil
}

// ComputeAll evaluates every spec; the first failure aborts
func ComputeAll(specs []Spec, candles []exchange.Candle) (Values, error) {
	out := make(Values, len(specs)*2)
	for _, spec := range specs {
		v, err := Compute(spec, candles)
		if err != nil {
			return nil, err
		}
		out.Merge(v)
	}
	return out, nil
}

// MaxLookback returns the largest lookback among specs
func MaxLookback(specs []Spec) int {
	n := 0
	for _, s := range specs {
		if l := s.Lookback(); l > n {
			n = l
		}
	}
	return n
}

func trim(raw []float64, start int) Series {
	if start < 0 {
		start = 0
	}
	if start >= len(raw) {
		return Series{}
	}
	out := make(Series, len(raw)-start)
	copy(out, raw[start:])
	return out
}
