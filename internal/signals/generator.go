// Package signals runs the active strategy over processed market data and
// blends the result with the best matching learned pattern.
package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/strategy"
)

// Config controls pattern blending
type Config struct {
	PatternThreshold float64 `json:"pattern_threshold"` // minimum relevance for a match to count
	PatternWeight    float64 `json:"pattern_weight"`
	StrategyWeight   float64 `json:"strategy_weight"`
	MinConfidence    float64 `json:"min_confidence"` // a contradicted signal below this becomes HOLD
}

// DefaultConfig returns 0.6 relevance with a 30/70 pattern/strategy split
func DefaultConfig() Config {
	return Config{
		PatternThreshold: 0.6,
		PatternWeight:    0.3,
		StrategyWeight:   0.7,
		MinConfidence:    0.55,
	}
}

// Validate checks weights and thresholds
func (c Config) Validate() error {
	if c.PatternThreshold < 0 || c.PatternThreshold > 1 {
		return apperr.New(apperr.KindConfiguration, "pattern threshold must be within [0,1]")
	}
	if c.PatternWeight < 0 || c.StrategyWeight < 0 || c.PatternWeight+c.StrategyWeight == 0 {
		return apperr.New(apperr.KindConfiguration, "blend weights must be non-negative and not both zero")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return apperr.New(apperr.KindConfiguration, "min confidence must be within [0,1]")
	}
	return nil
}

// PatternMatcher ranks stored patterns against live conditions
type PatternMatcher interface {
	MatchPatterns(current patterns.MarketConditions) []patterns.Match
}

// Result is the generator output for one iteration
type Result struct {
	Signal     strategy.Signal    // final, blended signal
	Strategy   strategy.Signal    // raw strategy signal
	Match      *patterns.Match    // pattern that was blended in, if any
	Conditions map[string]float64 // market conditions the match was computed on
}

// PatternID returns the id of the blended pattern or ""
func (r Result) PatternID() string {
	if r.Match == nil || r.Match.Pattern == nil {
		return ""
	}
	return r.Match.Pattern.ID
}

// Blend outcomes reported with PATTERN_MATCHED
const (
	OutcomeAgree        = "agree"
	OutcomeDisagree     = "disagree"
	OutcomeContradicted = "contradicted" // disagreement turned the signal into HOLD
)

// Generator produces trading signals
type Generator struct {
	cfg     Config
	matcher PatternMatcher
	bus     events.Publisher
	logger  zerolog.Logger
}

// NewGenerator creates a generator. matcher and bus may be nil.
func NewGenerator(cfg Config, matcher PatternMatcher, bus events.Publisher, logger zerolog.Logger) *Generator {
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Generator{
		cfg:     cfg,
		matcher: matcher,
		bus:     bus,
		logger:  logging.Component(logger, "SignalGenerator"),
	}
}

// Config returns the active blend configuration
func (g *Generator) Config() Config {
	return g.cfg
}

// Generate runs strat over data for traderID and blends in the best pattern
// match for exchangeName. Strategy or matcher failures degrade to HOLD or no
// match.
func (g *Generator) Generate(traderID string, strat strategy.Strategy, data *marketdata.ProcessedData, exchangeName string) Result {
	if data == nil || len(data.Candles) == 0 {
		hold := strategy.Hold("no market data", time.Time{})
		return Result{Signal: hold, Strategy: hold}
	}

	raw := g.runStrategy(strat, data)
	res := Result{Signal: raw, Strategy: raw, Conditions: data.Conditions()}

	if raw.Action == strategy.ActionHold || g.matcher == nil {
		return res
	}

	match := g.bestMatch(patterns.MarketConditions{
		Exchange:  exchangeName,
		Symbol:    data.Symbol,
		Timeframe: data.Interval,
		Values:    res.Conditions,
	})
	if match == nil {
		return res
	}

	var outcome string
	res.Match = match
	res.Signal, outcome = g.blend(raw, match)

	metrics.PatternMatches.WithLabelValues(outcome).Inc()
	g.bus.Publish(events.Event{
		Type:     events.EventPatternMatched,
		TraderID: traderID,
		Data: map[string]interface{}{
			"pattern_id":     match.Pattern.ID,
			"relevance":      match.Relevance,
			"outcome":        outcome,
			"pattern_action": string(match.Pattern.Action),
			"action":         string(res.Signal.Action),
			"confidence":     res.Signal.Confidence,
		},
	})
	return res
}

func (g *Generator) runStrategy(strat strategy.Strategy, data *marketdata.ProcessedData) (sig strategy.Signal) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Str("strategy", strat.Name()).Msg("Strategy panicked, holding")
			sig = strategy.Hold(fmt.Sprintf("strategy failure: %v", r), data.Timestamp)
		}
	}()
	sig = strat.GenerateSignal(data.Candles, data.Indicators)
	sig.Confidence = round4(clamp01(sig.Confidence))
	return sig
}

func (g *Generator) bestMatch(mc patterns.MarketConditions) (best *patterns.Match) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("Pattern matching panicked, ignoring patterns")
			best = nil
		}
	}()
	for _, m := range g.matcher.MatchPatterns(mc) {
		if m.Pattern == nil || m.Relevance < g.cfg.PatternThreshold {
			continue
		}
		if best == nil || m.Relevance > best.Relevance {
			m := m
			best = &m
		}
	}
	return best
}

// blend applies the configured weights. Agreement averages the two
// confidences; disagreement keeps the strategy direction and discounts it.
func (g *Generator) blend(sig strategy.Signal, m *patterns.Match) (strategy.Signal, string) {
	out := sig
	contribution := m.Pattern.Confidence * m.Relevance

	if m.Pattern.Action == sig.Action {
		conf := g.cfg.StrategyWeight*sig.Confidence + g.cfg.PatternWeight*contribution
		out.Confidence = round4(clamp01(conf))
		out.Reason = fmt.Sprintf("%s; pattern %s agrees (relevance %.2f)", sig.Reason, m.Pattern.ID, m.Relevance)
		return out, OutcomeAgree
	}

	conf := round4(clamp01(sig.Confidence - g.cfg.PatternWeight*contribution))
	if conf < g.cfg.MinConfidence {
		g.logger.Debug().
			Str("pattern_id", m.Pattern.ID).
			Str("strategy_action", string(sig.Action)).
			Str("pattern_action", string(m.Pattern.Action)).
			Float64("confidence", conf).
			Msg("Pattern contradicts signal, holding")
		return strategy.Signal{
			Action:     strategy.ActionHold,
			Confidence: 0,
			Reason:     fmt.Sprintf("%s; contradicted by pattern %s (%s)", sig.Reason, m.Pattern.ID, m.Pattern.Action),
			Timestamp:  sig.Timestamp,
			Indicators: sig.Indicators,
		}, OutcomeContradicted
	}
	out.Confidence = conf
	out.Reason = fmt.Sprintf("%s; pattern %s disagrees (%s)", sig.Reason, m.Pattern.ID, m.Pattern.Action)
	return out, OutcomeDisagree
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
