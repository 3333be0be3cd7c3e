package strategy

import (
	"fmt"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
)

// BreakoutConfig configures the band breakout strategy
type BreakoutConfig struct {
	BBPeriod         int
	BBStdDev         float64
	Threshold        float64 // close must exceed the band by this factor, e.g. 1.05
	SqueezeThreshold float64
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
}

// DefaultBreakoutConfig returns BB 20/2.0 with a 1.05x threshold
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		BBPeriod:         20,
		BBStdDev:         2.0,
		Threshold:        1.05,
		SqueezeThreshold: 0.02,
		MACDFast:         12,
		MACDSlow:         26,
		MACDSignal:       9,
	}
}

// Breakout trades closes beyond the previous bar's Bollinger bands by a
// threshold, confirmed by MACD momentum. A squeeze on the previous bar
// suppresses the signal.
type Breakout struct {
	cfg  BreakoutConfig
	bb   indicators.Spec
	macd indicators.Spec
}

// NewBreakout applies params over the defaults
func NewBreakout(params Params) *Breakout {
	d := DefaultBreakoutConfig()
	cfg := BreakoutConfig{
		BBPeriod:         params.period("bb_period", d.BBPeriod),
		BBStdDev:         params.get("bb_std_dev", d.BBStdDev),
		Threshold:        params.get("threshold", d.Threshold),
		SqueezeThreshold: params.get("squeeze_threshold", d.SqueezeThreshold),
		MACDFast:         params.period("macd_fast", d.MACDFast),
		MACDSlow:         params.period("macd_slow", d.MACDSlow),
		MACDSignal:       params.period("macd_signal", d.MACDSignal),
	}
	return &Breakout{
		cfg:  cfg,
		bb:   indicators.BB(cfg.BBPeriod, cfg.BBStdDev),
		macd: indicators.MACD(cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal),
	}
}

func (s *Breakout) Kind() Kind { return KindBreakout }

func (s *Breakout) Name() string {
	return fmt.Sprintf("Breakout-BB%d-x%.2f", s.cfg.BBPeriod, s.cfg.Threshold)
}

func (s *Breakout) Description() string {
	return "Trades closes beyond the Bollinger bands by a configurable factor with MACD confirmation; a prior squeeze suppresses false breakouts"
}

func (s *Breakout) RequiredIndicators() []indicators.Spec {
	return []indicators.Spec{s.bb, s.macd}
}

// Lookback needs one band value before the current bar
func (s *Breakout) Lookback() int {
	return s.cfg.BBPeriod + 1
}

func (s *Breakout) ValidateConfig() error {
	if s.cfg.Threshold < 1 {
		return apperr.New(apperr.KindConfiguration, "breakout threshold must be >= 1.0")
	}
	if s.cfg.SqueezeThreshold < 0 {
		return apperr.New(apperr.KindConfiguration, "squeeze threshold must be >= 0")
	}
	for _, spec := range s.RequiredIndicators() {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Breakout) Reset() {}

func (s *Breakout) GenerateSignal(candles []exchange.Candle, values indicators.Values) Signal {
	ts := lastTimestamp(candles)
	if len(candles) < s.Lookback() {
		return insufficient(s.Name(), s.Lookback(), len(candles), ts)
	}

	k := s.bb.Key()
	prevUpper, ok1 := values[k+indicators.SuffixUpper].Prev()
	prevLower, ok2 := values[k+indicators.SuffixLower].Prev()
	prevWidth, ok3 := values[k+indicators.SuffixWidth].Prev()
	if !(ok1 && ok2 && ok3) {
		return insufficient(s.Name(), s.Lookback(), len(candles), ts)
	}
	price := candles[len(candles)-1].Close

	inds := map[string]float64{
		"prev_upper": prevUpper,
		"prev_lower": prevLower,
		"prev_width": prevWidth,
		"price":      price,
	}

	if prevWidth < s.cfg.SqueezeThreshold {
		return s.hold(fmt.Sprintf("squeeze (width %.4f < %.4f) suppresses breakout", prevWidth, s.cfg.SqueezeThreshold), ts, inds)
	}

	histKey := s.macd.Key() + indicators.SuffixHist
	hist, hasHist := values[histKey].Last()
	if !hasHist {
		return s.hold("MACD confirmation unavailable", ts, inds)
	}
	histPrev, hasPrev := values[histKey].Prev()
	inds[histKey] = hist

	upTrigger := prevUpper * s.cfg.Threshold
	downTrigger := prevLower / s.cfg.Threshold

	if price >= upTrigger && hist > 0 {
		excess := clamp01((price - upTrigger) / upTrigger * 10)
		momentum := 0.1
		if hasPrev && hist > histPrev {
			momentum = 0.2
		}
		return Signal{
			Action:     ActionBuy,
			Confidence: round4(clamp01(0.55 + 0.25*excess + momentum)),
			Reason:     fmt.Sprintf("Close %.4f broke above upper band %.4f x%.2f, MACD hist %.4f", price, prevUpper, s.cfg.Threshold, hist),
			Timestamp:  ts,
			Indicators: inds,
		}
	}

	if price <= downTrigger && hist < 0 {
		excess := clamp01((downTrigger - price) / downTrigger * 10)
		momentum := 0.1
		if hasPrev && hist < histPrev {
			momentum = 0.2
		}
		return Signal{
			Action:     ActionSell,
			Confidence: round4(clamp01(0.55 + 0.25*excess + momentum)),
			Reason:     fmt.Sprintf("Close %.4f broke below lower band %.4f /%.2f, MACD hist %.4f", price, prevLower, s.cfg.Threshold, hist),
			Timestamp:  ts,
			Indicators: inds,
		}
	}

	return s.hold("no breakout beyond threshold", ts, inds)
}

func (s *Breakout) hold(reason string, ts time.Time, inds map[string]float64) Signal {
	sig := Hold("breakout: "+reason, ts)
	sig.Indicators = inds
	return sig
}
