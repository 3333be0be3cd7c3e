package strategy

import (
	"fmt"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
)

// MeanReversionConfig configures the Bollinger band reversion strategy
type MeanReversionConfig struct {
	BBPeriod         int
	BBStdDev         float64
	RSIPeriod        int
	Overbought       float64
	Oversold         float64
	SqueezeThreshold float64 // band width / middle below which no signal is produced
}

// DefaultMeanReversionConfig returns BB 20/2.0, RSI 14 at 70/30
func DefaultMeanReversionConfig() MeanReversionConfig {
	return MeanReversionConfig{
		BBPeriod:         20,
		BBStdDev:         2.0,
		RSIPeriod:        14,
		Overbought:       70,
		Oversold:         30,
		SqueezeThreshold: 0.02,
	}
}

// MeanReversion buys at the lower band on oversold RSI and sells at the
// upper band on overbought RSI
type MeanReversion struct {
	cfg MeanReversionConfig
	bb  indicators.Spec
	rsi indicators.Spec
}

// NewMeanReversion applies params over the defaults
func NewMeanReversion(params Params) *MeanReversion {
	d := DefaultMeanReversionConfig()
	cfg := MeanReversionConfig{
		BBPeriod:         params.period("bb_period", d.BBPeriod),
		BBStdDev:         params.get("bb_std_dev", d.BBStdDev),
		RSIPeriod:        params.period("rsi_period", d.RSIPeriod),
		Overbought:       params.get("overbought", d.Overbought),
		Oversold:         params.get("oversold", d.Oversold),
		SqueezeThreshold: params.get("squeeze_threshold", d.SqueezeThreshold),
	}
	return &MeanReversion{
		cfg: cfg,
		bb:  indicators.BB(cfg.BBPeriod, cfg.BBStdDev),
		rsi: indicators.RSI(cfg.RSIPeriod),
	}
}

func (s *MeanReversion) Kind() Kind { return KindMeanReversion }

func (s *MeanReversion) Name() string {
	return fmt.Sprintf("MeanReversion-BB%d", s.cfg.BBPeriod)
}

func (s *MeanReversion) Description() string {
	return "Buys when price touches the lower Bollinger band with RSI oversold and sells at the upper band with RSI overbought; silent during a volatility squeeze"
}

func (s *MeanReversion) RequiredIndicators() []indicators.Spec {
	return []indicators.Spec{s.bb, s.rsi}
}

func (s *MeanReversion) Lookback() int {
	return indicators.MaxLookback(s.RequiredIndicators())
}

func (s *MeanReversion) ValidateConfig() error {
	c := s.cfg
	if c.Oversold <= 0 || c.Overbought >= 100 || c.Oversold >= c.Overbought {
		return apperr.New(apperr.KindConfiguration, "RSI thresholds must satisfy 0 < oversold < overbought < 100")
	}
	if c.SqueezeThreshold < 0 {
		return apperr.New(apperr.KindConfiguration, "squeeze threshold must be >= 0")
	}
	for _, spec := range s.RequiredIndicators() {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *MeanReversion) Reset() {}

func (s *MeanReversion) GenerateSignal(candles []exchange.Candle, values indicators.Values) Signal {
	ts := lastTimestamp(candles)
	if len(candles) < s.Lookback() {
		return insufficient(s.Name(), s.Lookback(), len(candles), ts)
	}

	k := s.bb.Key()
	last, ok := lastValues(values, k+indicators.SuffixUpper, k+indicators.SuffixMiddle, k+indicators.SuffixLower, k+indicators.SuffixWidth, s.rsi.Key())
	if !ok {
		return insufficient(s.Name(), s.Lookback(), len(candles), ts)
	}
	upper, lower := last[k+indicators.SuffixUpper], last[k+indicators.SuffixLower]
	width, rsi := last[k+indicators.SuffixWidth], last[s.rsi.Key()]
	price := candles[len(candles)-1].Close

	inds := last
	inds["price"] = price

	if width < s.cfg.SqueezeThreshold {
		return s.hold(fmt.Sprintf("volatility squeeze (width %.4f < %.4f)", width, s.cfg.SqueezeThreshold), ts, inds)
	}
	bandRange := upper - lower

	if price <= lower && rsi < s.cfg.Oversold {
		depth := clamp01((lower - price) / bandRange)
		conf := 0.55 + 0.25*(s.cfg.Oversold-rsi)/s.cfg.Oversold + 0.2*depth
		return Signal{
			Action:     ActionBuy,
			Confidence: round4(clamp01(conf)),
			Reason:     fmt.Sprintf("Price %.4f at lower band %.4f with RSI %.1f oversold", price, lower, rsi),
			Timestamp:  ts,
			Indicators: inds,
		}
	}

	if price >= upper && rsi > s.cfg.Overbought {
		depth := clamp01((price - upper) / bandRange)
		conf := 0.55 + 0.25*(rsi-s.cfg.Overbought)/(100-s.cfg.Overbought) + 0.2*depth
		return Signal{
			Action:     ActionSell,
			Confidence: round4(clamp01(conf)),
			Reason:     fmt.Sprintf("Price %.4f at upper band %.4f with RSI %.1f overbought", price, upper, rsi),
			Timestamp:  ts,
			Indicators: inds,
		}
	}

	return s.hold("price inside bands", ts, inds)
}

func (s *MeanReversion) hold(reason string, ts time.Time, inds map[string]float64) Signal {
	sig := Hold("mean reversion: "+reason, ts)
	sig.Indicators = inds
	return sig
}
