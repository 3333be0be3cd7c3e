package patterns

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/strategy"
)

// ClosedTrade is what the learner needs to know about a finished trade
type ClosedTrade struct {
	TraderID        string
	Exchange        string
	Symbol          string
	Timeframe       string
	Strategy        strategy.Kind
	Side            exchange.Side
	EntryPrice      float64
	ExitPrice       float64
	ReturnPct       float64 // unlevered return in percent
	EntryConditions map[string]float64
	EntryCandles    []exchange.Candle // tail of the window at entry, for formation tags
	PatternID       string            // pattern that contributed to the entry signal, if any
	OpenedAt        time.Time
	ClosedAt        time.Time
	CloseReason     string
}

// LearnerConfig configures pattern extraction
type LearnerConfig struct {
	MinReturnPct    float64 // trades must beat this to become patterns
	MergeSimilarity float64 // similarity at which a new pattern folds into an existing one
	MaxConfidence   float64
}

// DefaultLearnerConfig returns a 1% profitability threshold
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		MinReturnPct:    1.0,
		MergeSimilarity: 0.85,
		MaxConfidence:   0.9,
	}
}

// Learner turns closed trades into patterns and feeds outcomes back into
// the patterns that contributed to them
type Learner struct {
	cfg     LearnerConfig
	service *Service
	bus     events.Publisher
	logger  zerolog.Logger
}

// NewLearner creates a learner over service
func NewLearner(cfg LearnerConfig, service *Service, bus events.Publisher, logger zerolog.Logger) *Learner {
	if cfg.MergeSimilarity <= 0 {
		cfg.MergeSimilarity = 0.85
	}
	if cfg.MaxConfidence <= 0 {
		cfg.MaxConfidence = 0.9
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Learner{
		cfg:     cfg,
		service: service,
		bus:     bus,
		logger:  logging.Component(logger, "PatternLearner"),
	}
}

// LearnFromTrade records the outcome against the contributing pattern and,
// when the trade was profitable enough, extracts or merges a pattern.
// The returned pattern is nil when nothing was learned.
func (l *Learner) LearnFromTrade(ctx context.Context, t ClosedTrade) (*TradingPattern, error) {
	if t.PatternID != "" {
		_, err := l.service.UpdatePatternPerformance(ctx, t.PatternID, Outcome{Success: t.ReturnPct > 0, ReturnPct: t.ReturnPct})
		if err != nil {
			l.logger.Warn().Err(err).Str("pattern_id", t.PatternID).Msg("Failed to record pattern outcome")
		}
	}

	if t.ReturnPct <= l.cfg.MinReturnPct || len(t.EntryConditions) == 0 {
		return nil, nil
	}

	action := strategy.ActionBuy
	if t.Side == exchange.SideSell {
		action = strategy.ActionSell
	}

	tags := []string{"learned"}
	if t.Strategy != "" {
		tags = append(tags, string(t.Strategy))
	}
	for _, f := range DetectFormations(t.EntryCandles) {
		tags = append(tags, string(f))
	}

	candidate := &TradingPattern{
		Name:          fmt.Sprintf("%s %s %s", t.Symbol, t.Timeframe, action),
		Exchange:      t.Exchange,
		Symbol:        t.Symbol,
		Timeframe:     t.Timeframe,
		Conditions:    t.EntryConditions,
		Action:        action,
		Confidence:    math.Min(l.cfg.MaxConfidence, 0.5+t.ReturnPct/10),
		AverageReturn: t.ReturnPct,
		Tags:          tags,
	}

	p, merged, err := l.service.MergeOrStore(ctx, candidate, l.cfg.MergeSimilarity)
	if p == nil {
		return nil, err
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("pattern_id", p.ID).Msg("Pattern learned but not persisted")
	}

	l.logger.Info().
		Str("trader_id", t.TraderID).
		Str("pattern_id", p.ID).
		Bool("merged", merged).
		Float64("return_pct", t.ReturnPct).
		Msg("Learned pattern from trade")
	l.bus.Publish(events.Event{
		Type:     events.EventPatternLearned,
		TraderID: t.TraderID,
		Data: map[string]interface{}{
			"pattern_id": p.ID,
			"merged":     merged,
			"return_pct": t.ReturnPct,
			"symbol":     t.Symbol,
		},
	})
	return p, nil
}
