package patterns

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/strategy"
)

// Repository persists patterns. The service treats it as a write-behind
// mirror: in-memory state is authoritative.
type Repository interface {
	SavePattern(ctx context.Context, p *TradingPattern) error
	DeletePatterns(ctx context.Context, ids []string) error
	ListPatterns(ctx context.Context) ([]*TradingPattern, error)
}

// Config configures the pattern service
type Config struct {
	MinRelevance float64
	MaxMatches   int
	Relevance    RelevanceConfig
}

// DefaultConfig returns min relevance 0.6 and at most 10 matches
func DefaultConfig() Config {
	return Config{
		MinRelevance: 0.6,
		MaxMatches:   10,
		Relevance:    DefaultRelevanceConfig(),
	}
}

// Service owns the pattern collection. Writes are serialized; queries and
// matches share a read lock.
type Service struct {
	cfg        Config
	calculator *RelevanceCalculator
	repo       Repository
	bus        events.Publisher
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	patterns map[string]*TradingPattern

	persistMu sync.Mutex
}

// NewService creates a pattern service. repo and bus may be nil.
func NewService(cfg Config, repo Repository, bus events.Publisher, logger zerolog.Logger) *Service {
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.6
	}
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = 10
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Service{
		cfg:        cfg,
		calculator: NewRelevanceCalculator(cfg.Relevance),
		repo:       repo,
		bus:        bus,
		logger:     logging.Component(logger, "PatternService"),
		now:        time.Now,
		patterns:   make(map[string]*TradingPattern),
	}
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Calculator exposes the relevance calculator
func (s *Service) Calculator() *RelevanceCalculator {
	return s.calculator
}

// Load replaces the in-memory collection with the repository contents
func (s *Service) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	list, err := s.repo.ListPatterns(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientIO, err, "load patterns")
	}

	s.mu.Lock()
	s.patterns = make(map[string]*TradingPattern, len(list))
	for _, p := range list {
		s.patterns[p.ID] = p.Clone()
	}
	n := len(s.patterns)
	s.mu.Unlock()

	metrics.PatternCount.Set(float64(n))
	s.logger.Info().Int("patterns", n).Msg("Patterns loaded")
	return n, nil
}

func validatePattern(p *TradingPattern) error {
	if p == nil {
		return apperr.New(apperr.KindConfiguration, "pattern is nil")
	}
	if len(p.Conditions) == 0 {
		return apperr.New(apperr.KindConfiguration, "pattern needs at least one condition")
	}
	switch p.Action {
	case strategy.ActionBuy, strategy.ActionSell, strategy.ActionClose:
	default:
		return apperr.New(apperr.KindConfiguration, "pattern action %q is not tradable", p.Action)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return apperr.New(apperr.KindConfiguration, "pattern confidence must be within [0,1]")
	}
	return nil
}

// StorePattern inserts or replaces a pattern and returns the stored copy
func (s *Service) StorePattern(ctx context.Context, p *TradingPattern) (*TradingPattern, error) {
	if err := validatePattern(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := s.storeLocked(p)
	n := len(s.patterns)
	s.mu.Unlock()

	metrics.PatternCount.Set(float64(n))
	return out, s.persist(ctx, out.ID)
}

func (s *Service) storeLocked(p *TradingPattern) *TradingPattern {
	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	if stored.Samples <= 0 {
		stored.Samples = 1
	}
	if stored.UsageCount > 0 {
		stored.SuccessRate = float64(stored.SuccessCount) / float64(stored.UsageCount)
	} else {
		stored.SuccessCount = 0
		stored.SuccessRate = 0
	}
	s.patterns[stored.ID] = stored
	return stored.Clone()
}

// GetPattern returns a copy of the pattern with id
func (s *Service) GetPattern(id string) (*TradingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "pattern %s not found", id)
	}
	return p.Clone(), nil
}

// Count returns the number of stored patterns
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// QueryPatterns returns copies of the patterns matching c, oldest first
func (s *Service) QueryPatterns(c QueryCriteria) []*TradingPattern {
	s.mu.RLock()
	out := make([]*TradingPattern, 0)
	for _, p := range s.patterns {
		if c.matches(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out
}

// MatchPatterns ranks stored patterns in scope by relevance to current
// conditions, keeping those at or above the minimum relevance
func (s *Service) MatchPatterns(current MarketConditions) []Match {
	s.mu.RLock()
	now := s.now()
	matches := make([]Match, 0)
	for _, p := range s.patterns {
		if p.Exchange != "" && current.Exchange != "" && p.Exchange != current.Exchange {
			continue
		}
		if p.Symbol != "" && current.Symbol != "" && p.Symbol != current.Symbol {
			continue
		}
		if p.Timeframe != "" && current.Timeframe != "" && p.Timeframe != current.Timeframe {
			continue
		}
		sim, rel := s.calculator.Relevance(p, current.Values, now)
		if rel >= s.cfg.MinRelevance {
			matches = append(matches, Match{Pattern: p.Clone(), Similarity: sim, Relevance: rel})
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Relevance != matches[j].Relevance {
			return matches[i].Relevance > matches[j].Relevance
		}
		return matches[i].Pattern.ID < matches[j].Pattern.ID
	})
	if len(matches) > s.cfg.MaxMatches {
		matches = matches[:s.cfg.MaxMatches]
	}
	return matches
}

// UpdatePatternPerformance records one usage and its outcome
func (s *Service) UpdatePatternPerformance(ctx context.Context, id string, o Outcome) (*TradingPattern, error) {
	s.mu.Lock()
	p, ok := s.patterns[id]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindNotFound, "pattern %s not found", id)
	}
	p.UsageCount++
	if o.Success {
		p.SuccessCount++
	}
	p.SuccessRate = float64(p.SuccessCount) / float64(p.UsageCount)
	p.AverageReturn += (o.ReturnPct - p.AverageReturn) / float64(p.UsageCount)
	p.LastUsedAt = s.now()
	out := p.Clone()
	s.mu.Unlock()

	return out, s.persist(ctx, id)
}

// GetTopPerformers returns up to n patterns with at least minUsage uses,
// best first
func (s *Service) GetTopPerformers(n, minUsage int) []*TradingPattern {
	s.mu.RLock()
	out := make([]*TradingPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if p.UsageCount >= minUsage {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	rankPatterns(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// PrunePatterns removes patterns per the enabled criteria and returns how
// many were removed
func (s *Service) PrunePatterns(ctx context.Context, c PruneCriteria) (int, error) {
	if c.IsZero() {
		return 0, nil
	}

	s.mu.Lock()
	now := s.now()
	removed := make([]string, 0)
	survivors := make([]*TradingPattern, 0, len(s.patterns))
	for id, p := range s.patterns {
		drop := false
		if c.MaxAge > 0 && now.Sub(p.lastActivity()) > c.MaxAge {
			drop = true
		}
		if c.MinSuccessRate > 0 && p.UsageCount > 0 && p.SuccessRate < c.MinSuccessRate {
			drop = true
		}
		if c.MinUsageCount > 0 && p.UsageCount < c.MinUsageCount {
			drop = true
		}
		if drop {
			removed = append(removed, id)
		} else {
			survivors = append(survivors, p)
		}
	}
	if c.MaxPatterns > 0 && len(survivors) > c.MaxPatterns {
		rankPatterns(survivors)
		for _, p := range survivors[c.MaxPatterns:] {
			removed = append(removed, p.ID)
		}
	}
	for _, id := range removed {
		delete(s.patterns, id)
	}
	n := len(s.patterns)
	s.mu.Unlock()

	metrics.PatternCount.Set(float64(n))
	if len(removed) == 0 {
		return 0, nil
	}
	metrics.PatternsPruned.Add(float64(len(removed)))
	sort.Strings(removed)

	s.logger.Info().Int("removed", len(removed)).Int("remaining", n).Msg("Patterns pruned")
	s.bus.Publish(events.Event{
		Type: events.EventPatternsPruned,
		Data: map[string]interface{}{"removed": len(removed), "remaining": n},
	})

	if s.repo != nil {
		s.persistMu.Lock()
		err := s.repo.DeletePatterns(ctx, removed)
		s.persistMu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete pruned patterns from store")
			return len(removed), apperr.Wrap(apperr.KindTransientIO, err, "delete pruned patterns")
		}
	}
	return len(removed), nil
}

// MergeOrStore folds p into the most similar stored pattern with the same
// scope and action when similarity reaches threshold; otherwise stores it.
// merged reports which path was taken.
func (s *Service) MergeOrStore(ctx context.Context, p *TradingPattern, threshold float64) (out *TradingPattern, merged bool, err error) {
	if err := validatePattern(p); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	var best *TradingPattern
	bestSim := 0.0
	for _, cand := range s.patterns {
		if cand.Exchange != p.Exchange || cand.Symbol != p.Symbol || cand.Timeframe != p.Timeframe || cand.Action != p.Action {
			continue
		}
		sim := s.calculator.Similarity(cand.Conditions, p.Conditions)
		if sim > bestSim || (sim == bestSim && best != nil && cand.ID < best.ID) {
			best, bestSim = cand, sim
		}
	}
	if best == nil || bestSim < threshold {
		out = s.storeLocked(p)
		n := len(s.patterns)
		s.mu.Unlock()
		metrics.PatternCount.Set(float64(n))
		return out, false, s.persist(ctx, out.ID)
	}

	samples := best.Samples
	if samples <= 0 {
		samples = 1
	}
	for k, v := range p.Conditions {
		if old, ok := best.Conditions[k]; ok {
			best.Conditions[k] = (old*float64(samples) + v) / float64(samples+1)
		} else {
			best.Conditions[k] = v
		}
	}
	best.Samples = samples + 1
	if p.Confidence > best.Confidence {
		best.Confidence = p.Confidence
	}
	for _, tag := range p.Tags {
		if !best.HasTag(tag) {
			best.Tags = append(best.Tags, tag)
		}
	}
	out = best.Clone()
	s.mu.Unlock()

	return out, true, s.persist(ctx, out.ID)
}

// persist writes the latest state of id. Serialized so that a slower
// earlier write can never overwrite a newer one.
func (s *Service) persist(ctx context.Context, id string) error {
	if s.repo == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	p, ok := s.patterns[id]
	var snapshot *TradingPattern
	if ok {
		snapshot = p.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := s.repo.SavePattern(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("pattern_id", id).Msg("Failed to persist pattern")
		return apperr.Wrap(apperr.KindTransientIO, err, "persist pattern %s", id)
	}
	return nil
}
