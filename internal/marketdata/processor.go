// Package marketdata validates candle windows and turns them into
// indicator-enriched snapshots for strategies and pattern matching.
package marketdata

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/metrics"
)

// Condition keys exposed to pattern matching
const (
	CondRSI        = "rsi"
	CondMACDHist   = "macd_hist"
	CondPrice      = "price"
	CondBBPosition = "bb_position"
	CondSMASpread  = "sma_spread"
	CondVolatility = "volatility"
)

var (
	specRSI  = indicators.RSI(14)
	specMACD = indicators.MACD(12, 26, 9)
	specBB   = indicators.BB(20, 2)
	specSMAS = indicators.SMA(9)
	specSMAL = indicators.SMA(21)
	specATR  = indicators.ATR(14)
)

// BaseSpecs are computed for every window that is long enough, regardless
// of the requesting strategy. They feed market conditions.
func BaseSpecs() []indicators.Spec {
	return []indicators.Spec{specRSI, specMACD, specBB, specSMAS, specSMAL, specATR}
}

// ProcessedData is an indicator-enriched candle window
type ProcessedData struct {
	Symbol      string            `json:"symbol"`
	Interval    string            `json:"interval"`
	Candles     []exchange.Candle `json:"-"`
	Indicators  indicators.Values `json:"-"`
	LatestPrice float64           `json:"latest_price"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Conditions summarizes the window as the numeric features used for
// pattern matching. Keys whose inputs are unavailable are omitted.
func (d *ProcessedData) Conditions() map[string]float64 {
	out := map[string]float64{CondPrice: d.LatestPrice}
	v := d.Indicators

	if rsi, ok := v.Last(specRSI.Key()); ok {
		out[CondRSI] = rsi
	}
	if hist, ok := v.Last(specMACD.Key() + indicators.SuffixHist); ok {
		out[CondMACDHist] = hist
	}
	upper, okU := v.Last(specBB.Key() + indicators.SuffixUpper)
	lower, okL := v.Last(specBB.Key() + indicators.SuffixLower)
	if okU && okL {
		if upper > lower {
			out[CondBBPosition] = (d.LatestPrice - lower) / (upper - lower)
		} else {
			out[CondBBPosition] = 0.5
		}
	}
	short, okS := v.Last(specSMAS.Key())
	long, okLg := v.Last(specSMAL.Key())
	if okS && okLg && long != 0 {
		out[CondSMASpread] = (short - long) / long * 100
	}
	if atr, ok := v.Last(specATR.Key()); ok && d.LatestPrice > 0 {
		out[CondVolatility] = atr / d.LatestPrice * 100
	}
	return out
}

type streamCache struct {
	mu     sync.Mutex
	latest time.Time
	hash   uint64
	values map[string]indicators.Values // spec key -> output
}

// Processor validates candle windows and computes indicators with a
// per-stream cache that is invalidated whenever the window changes.
type Processor struct {
	streams sync.Map // "symbol:interval" -> *streamCache
	logger  zerolog.Logger

	hitCount  int64
	missCount int64
}

// NewProcessor creates a processor
func NewProcessor(logger zerolog.Logger) *Processor {
	return &Processor{logger: logging.Component(logger, "MarketDataProcessor")}
}

// Validate checks a candle window for ordering and sanity
func Validate(candles []exchange.Candle, minLen int) error {
	if len(candles) == 0 {
		return apperr.New(apperr.KindDataQuality, "empty candle window")
	}
	if len(candles) < minLen {
		return apperr.New(apperr.KindDataQuality, "need %d candles, have %d", minLen, len(candles))
	}
	for i, c := range candles {
		if !valid(c.Open) || !valid(c.High) || !valid(c.Low) || !valid(c.Close) {
			return apperr.New(apperr.KindDataQuality, "candle %d has a non-positive price", i)
		}
		if c.High < c.Low {
			return apperr.New(apperr.KindDataQuality, "candle %d has high below low", i)
		}
		if c.Volume < 0 || math.IsNaN(c.Volume) {
			return apperr.New(apperr.KindDataQuality, "candle %d has invalid volume", i)
		}
		if i > 0 && !c.OpenTime.After(candles[i-1].OpenTime) {
			return apperr.New(apperr.KindDataQuality, "candles out of order at %d", i)
		}
	}
	return nil
}

func valid(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// Process validates candles and computes the requested specs plus the base
// specs the window is long enough for.
func (p *Processor) Process(symbol, interval string, candles []exchange.Candle, specs []indicators.Spec) (*ProcessedData, error) {
	if err := Validate(candles, indicators.MaxLookback(specs)); err != nil {
		return nil, err
	}

	sc := p.stream(symbol + ":" + interval)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	last := candles[len(candles)-1]
	h := windowHash(candles)
	if !sc.latest.Equal(last.OpenTime) || sc.hash != h {
		sc.latest = last.OpenTime
		sc.hash = h
		sc.values = make(map[string]indicators.Values)
	}

	out := make(indicators.Values)
	seen := make(map[string]bool)
	compute := func(spec indicators.Spec, required bool) error {
		key := spec.Key()
		if seen[key] {
			return nil
		}
		seen[key] = true
		if v, ok := sc.values[key]; ok {
			atomic.AddInt64(&p.hitCount, 1)
			metrics.IndicatorCacheHits.WithLabelValues("hit").Inc()
			out.Merge(v)
			return nil
		}
		if !required && len(candles) < spec.Lookback() {
			return nil
		}
		atomic.AddInt64(&p.missCount, 1)
		metrics.IndicatorCacheHits.WithLabelValues("miss").Inc()
		v, err := indicators.Compute(spec, candles)
		if err != nil {
			return err
		}
		sc.values[key] = v
		out.Merge(v)
		return nil
	}

	for _, spec := range specs {
		if err := compute(spec, true); err != nil {
			return nil, err
		}
	}
	for _, spec := range BaseSpecs() {
		if err := compute(spec, false); err != nil {
			p.logger.Debug().Err(err).Str("indicator", spec.Key()).Msg("Skipping base indicator")
		}
	}

	return &ProcessedData{
		Symbol:      symbol,
		Interval:    interval,
		Candles:     candles,
		Indicators:  out,
		LatestPrice: last.Close,
		Timestamp:   last.CloseTime,
	}, nil
}

func (p *Processor) stream(key string) *streamCache {
	if v, ok := p.streams.Load(key); ok {
		return v.(*streamCache)
	}
	v, _ := p.streams.LoadOrStore(key, &streamCache{values: make(map[string]indicators.Values)})
	return v.(*streamCache)
}

// Forget drops the cache for a stream
func (p *Processor) Forget(symbol, interval string) {
	p.streams.Delete(symbol + ":" + interval)
}

// Stats returns cache hit and miss counts
func (p *Processor) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&p.hitCount), atomic.LoadInt64(&p.missCount)
}

func windowHash(candles []exchange.Candle) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, c := range candles {
		binary.LittleEndian.PutUint64(buf[:], uint64(c.OpenTime.UnixNano()))
		_, _ = d.Write(buf[:])
		for _, f := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}
