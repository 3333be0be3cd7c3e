package strategy

import (
	"fmt"
	"math"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
)

// TrendFollowingConfig configures the moving-average crossover strategy
type TrendFollowingConfig struct {
	ShortPeriod   int
	LongPeriod    int
	RSIPeriod     int
	Overbought    float64
	Oversold      float64
	CrossLookback int // bars within which a cross still counts as fresh
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
}

// DefaultTrendFollowingConfig returns SMA 9/21, RSI 14 at 70/30
func DefaultTrendFollowingConfig() TrendFollowingConfig {
	return TrendFollowingConfig{
		ShortPeriod:   9,
		LongPeriod:    21,
		RSIPeriod:     14,
		Overbought:    70,
		Oversold:      30,
		CrossLookback: 8,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
	}
}

// TrendFollowing buys a golden cross and sells a death cross, each
// confirmed by MACD momentum and a non-extreme RSI.
type TrendFollowing struct {
	cfg   TrendFollowingConfig
	short indicators.Spec
	long  indicators.Spec
	rsi   indicators.Spec
	macd  indicators.Spec
}

// NewTrendFollowing applies params over the defaults
func NewTrendFollowing(params Params) *TrendFollowing {
	d := DefaultTrendFollowingConfig()
	cfg := TrendFollowingConfig{
		ShortPeriod:   params.period("short_period", d.ShortPeriod),
		LongPeriod:    params.period("long_period", d.LongPeriod),
		RSIPeriod:     params.period("rsi_period", d.RSIPeriod),
		Overbought:    params.get("overbought", d.Overbought),
		Oversold:      params.get("oversold", d.Oversold),
		CrossLookback: params.period("cross_lookback", d.CrossLookback),
		MACDFast:      params.period("macd_fast", d.MACDFast),
		MACDSlow:      params.period("macd_slow", d.MACDSlow),
		MACDSignal:    params.period("macd_signal", d.MACDSignal),
	}
	return &TrendFollowing{
		cfg:   cfg,
		short: indicators.SMA(cfg.ShortPeriod),
		long:  indicators.SMA(cfg.LongPeriod),
		rsi:   indicators.RSI(cfg.RSIPeriod),
		macd:  indicators.MACD(cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal),
	}
}

func (s *TrendFollowing) Kind() Kind { return KindTrendFollowing }

func (s *TrendFollowing) Name() string {
	return fmt.Sprintf("TrendFollowing-SMA%d/%d", s.cfg.ShortPeriod, s.cfg.LongPeriod)
}

func (s *TrendFollowing) Description() string {
	return "Buys when the short SMA crosses above the long SMA with positive MACD momentum and RSI below overbought; sells on the symmetric death cross"
}

func (s *TrendFollowing) RequiredIndicators() []indicators.Spec {
	return []indicators.Spec{s.short, s.long, s.rsi, s.macd}
}

// Lookback covers the long SMA plus one bar to detect the cross
func (s *TrendFollowing) Lookback() int {
	n := s.cfg.LongPeriod
	if s.cfg.RSIPeriod > n {
		n = s.cfg.RSIPeriod
	}
	return n + 1
}

func (s *TrendFollowing) ValidateConfig() error {
	c := s.cfg
	if c.ShortPeriod < 1 || c.LongPeriod <= c.ShortPeriod {
		return apperr.New(apperr.KindConfiguration, "short period must be >= 1 and below long period")
	}
	if c.Oversold <= 0 || c.Overbought >= 100 || c.Oversold >= 50 || c.Overbought <= 50 {
		return apperr.New(apperr.KindConfiguration, "RSI thresholds must satisfy 0 < oversold < 50 < overbought < 100")
	}
	if c.CrossLookback < 1 {
		return apperr.New(apperr.KindConfiguration, "cross lookback must be >= 1")
	}
	for _, spec := range s.RequiredIndicators() {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *TrendFollowing) Reset() {}

// crossAge returns how many bars ago short crossed long in the given
// direction, or -1 when no cross happened within the lookback.
func (s *TrendFollowing) crossAge(short, long indicators.Series, up bool) int {
	for ago := 0; ago < s.cfg.CrossLookback; ago++ {
		sNow, ok1 := short.Ago(ago)
		lNow, ok2 := long.Ago(ago)
		sPrev, ok3 := short.Ago(ago + 1)
		lPrev, ok4 := long.Ago(ago + 1)
		if !(ok1 && ok2 && ok3 && ok4) {
			return -1
		}
		if up && sPrev <= lPrev && sNow > lNow {
			return ago
		}
		if !up && sPrev >= lPrev && sNow < lNow {
			return ago
		}
	}
	return -1
}

func (s *TrendFollowing) GenerateSignal(candles []exchange.Candle, values indicators.Values) Signal {
	ts := lastTimestamp(candles)
	if len(candles) < s.Lookback() {
		return insufficient(s.Name(), s.Lookback(), len(candles), ts)
	}

	shortSeries, longSeries := values[s.short.Key()], values[s.long.Key()]
	last, ok := lastValues(values, s.short.Key(), s.long.Key(), s.rsi.Key())
	if !ok || len(longSeries) < 2 {
		return insufficient(s.Name(), s.Lookback(), len(candles), ts)
	}
	shortNow, longNow, rsi := last[s.short.Key()], last[s.long.Key()], last[s.rsi.Key()]

	histKey := s.macd.Key() + indicators.SuffixHist
	hist, hasHist := values[histKey].Last()
	histPrev, hasPrev := values[histKey].Prev()

	inds := map[string]float64{
		s.short.Key(): shortNow,
		s.long.Key():  longNow,
		s.rsi.Key():   rsi,
	}
	if hasHist {
		inds[histKey] = hist
	}

	if !hasHist {
		return s.hold("MACD confirmation unavailable", ts, inds)
	}

	if shortNow > longNow {
		if age := s.crossAge(shortSeries, longSeries, true); age >= 0 {
			if hist <= 0 {
				return s.hold(fmt.Sprintf("golden cross %d bars ago without MACD momentum", age), ts, inds)
			}
			if rsi >= s.cfg.Overbought {
				return s.hold(fmt.Sprintf("golden cross but RSI %.1f overbought", rsi), ts, inds)
			}
			conf := s.confidence(age, hasPrev && hist > histPrev, rsi, s.cfg.Overbought-50)
			return Signal{
				Action:     ActionBuy,
				Confidence: conf,
				Reason:     fmt.Sprintf("Golden cross: SMA%d %.4f above SMA%d %.4f (%d bars ago), MACD hist %.4f, RSI %.1f", s.cfg.ShortPeriod, shortNow, s.cfg.LongPeriod, longNow, age, hist, rsi),
				Timestamp:  ts,
				Indicators: inds,
			}
		}
	}

	if shortNow < longNow {
		if age := s.crossAge(shortSeries, longSeries, false); age >= 0 {
			if hist >= 0 {
				return s.hold(fmt.Sprintf("death cross %d bars ago without MACD momentum", age), ts, inds)
			}
			if rsi <= s.cfg.Oversold {
				return s.hold(fmt.Sprintf("death cross but RSI %.1f oversold", rsi), ts, inds)
			}
			conf := s.confidence(age, hasPrev && hist < histPrev, rsi, 50-s.cfg.Oversold)
			return Signal{
				Action:     ActionSell,
				Confidence: conf,
				Reason:     fmt.Sprintf("Death cross: SMA%d %.4f below SMA%d %.4f (%d bars ago), MACD hist %.4f, RSI %.1f", s.cfg.ShortPeriod, shortNow, s.cfg.LongPeriod, longNow, age, hist, rsi),
				Timestamp:  ts,
				Indicators: inds,
			}
		}
	}

	return s.hold("no fresh crossover", ts, inds)
}

func (s *TrendFollowing) hold(reason string, ts time.Time, inds map[string]float64) Signal {
	sig := Hold("trend: "+reason, ts)
	sig.Indicators = inds
	return sig
}

// confidence rewards fresh crosses, accelerating momentum and an RSI near
// the neutral line.
func (s *TrendFollowing) confidence(age int, accelerating bool, rsi, span float64) float64 {
	freshness := 1 - float64(age)/float64(s.cfg.CrossLookback)
	momentum := 0.1
	if accelerating {
		momentum = 0.15
	}
	rsiScore := 1 - math.Abs(rsi-50)/span
	return round4(clamp01(0.5 + 0.2*freshness + momentum + 0.15*clamp01(rsiScore)))
}
