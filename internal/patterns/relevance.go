package patterns

import (
	"math"
	"time"
)

// MatchMode selects how one condition is compared
type MatchMode string

const (
	// MatchExact scores 1 only on equality
	MatchExact MatchMode = "exact"
	// MatchFuzzy decays linearly: 1 at zero deviation, 0.75 at the
	// tolerance, 0 at twice the tolerance
	MatchFuzzy MatchMode = "fuzzy"
	// MatchPartial gives stepped credit: 1 within tolerance, 0.5 within
	// twice the tolerance, 0 beyond
	MatchPartial MatchMode = "partial"
)

// Rule describes how a single condition key is compared
type Rule struct {
	Mode      MatchMode `json:"mode"`
	Tolerance float64   `json:"tolerance"`
	Relative  bool      `json:"relative"` // tolerance is a fraction of |stored|
	Weight    float64   `json:"weight"`
}

// RelevanceConfig configures the relevance calculator
type RelevanceConfig struct {
	Rules         map[string]Rule
	DefaultRule   Rule
	RecencyDecay  time.Duration // e-folding time of the recency factor
	BaseWeight    float64
	SuccessWeight float64
	RecencyWeight float64
}

// DefaultRelevanceConfig returns the standard per-indicator rules: RSI
// within 5 points, price within a 2% band.
func DefaultRelevanceConfig() RelevanceConfig {
	return RelevanceConfig{
		Rules: map[string]Rule{
			"rsi":         {Mode: MatchFuzzy, Tolerance: 5, Weight: 1.5},
			"macd_hist":   {Mode: MatchPartial, Tolerance: 0.5, Relative: true, Weight: 1},
			"price":       {Mode: MatchFuzzy, Tolerance: 0.02, Relative: true, Weight: 1},
			"bb_position": {Mode: MatchFuzzy, Tolerance: 0.1, Weight: 1},
			"sma_spread":  {Mode: MatchFuzzy, Tolerance: 0.5, Weight: 0.5},
			"volatility":  {Mode: MatchFuzzy, Tolerance: 0.25, Relative: true, Weight: 0.5},
		},
		DefaultRule:   Rule{Mode: MatchFuzzy, Tolerance: 0.1, Relative: true, Weight: 1},
		RecencyDecay:  7 * 24 * time.Hour,
		BaseWeight:    0.7,
		SuccessWeight: 0.2,
		RecencyWeight: 0.1,
	}
}

// RelevanceCalculator scores stored patterns against live conditions
type RelevanceCalculator struct {
	cfg RelevanceConfig
}

// NewRelevanceCalculator creates a calculator
func NewRelevanceCalculator(cfg RelevanceConfig) *RelevanceCalculator {
	if cfg.Rules == nil {
		cfg.Rules = map[string]Rule{}
	}
	if cfg.DefaultRule.Mode == "" {
		cfg.DefaultRule = DefaultRelevanceConfig().DefaultRule
	}
	if cfg.RecencyDecay <= 0 {
		cfg.RecencyDecay = 7 * 24 * time.Hour
	}
	if sum := cfg.BaseWeight + cfg.SuccessWeight + cfg.RecencyWeight; sum <= 0 {
		cfg.BaseWeight, cfg.SuccessWeight, cfg.RecencyWeight = 0.7, 0.2, 0.1
	} else {
		cfg.BaseWeight /= sum
		cfg.SuccessWeight /= sum
		cfg.RecencyWeight /= sum
	}
	return &RelevanceCalculator{cfg: cfg}
}

func (rc *RelevanceCalculator) rule(key string) Rule {
	if r, ok := rc.cfg.Rules[key]; ok {
		return r
	}
	return rc.cfg.DefaultRule
}

// KeySimilarity scores one condition. It depends only on the absolute
// deviation and never increases as the deviation grows.
func (rc *RelevanceCalculator) KeySimilarity(key string, stored, current float64) float64 {
	r := rc.rule(key)
	d := math.Abs(current - stored)
	if math.IsNaN(d) {
		return 0
	}

	tol := r.Tolerance
	if r.Relative && stored != 0 {
		tol = r.Tolerance * math.Abs(stored)
	}
	if tol <= 0 {
		tol = 1e-9
	}

	switch r.Mode {
	case MatchExact:
		if d <= 1e-9 {
			return 1
		}
		return 0
	case MatchPartial:
		switch {
		case d <= tol:
			return 1
		case d <= 2*tol:
			return 0.5
		default:
			return 0
		}
	default:
		if d <= tol {
			return 1 - 0.25*d/tol
		}
		if d >= 2*tol {
			return 0
		}
		return 0.75 * (2 - d/tol)
	}
}

// Similarity is the weighted mean per-key similarity over the stored
// pattern's keys. Keys missing from current score zero.
func (rc *RelevanceCalculator) Similarity(stored, current map[string]float64) float64 {
	if len(stored) == 0 {
		return 0
	}
	var num, den float64
	for key, sv := range stored {
		w := rc.rule(key).Weight
		if w <= 0 {
			w = 1
		}
		den += w
		if cv, ok := current[key]; ok {
			num += w * rc.KeySimilarity(key, sv, cv)
		}
	}
	if den == 0 {
		return 0
	}
	return clamp01(num / den)
}

// Relevance combines similarity with the pattern's track record and recency
func (rc *RelevanceCalculator) Relevance(p *TradingPattern, current map[string]float64, now time.Time) (similarity, relevance float64) {
	similarity = rc.Similarity(p.Conditions, current)

	sr := 0.5
	if p.UsageCount > 0 {
		sr = p.SuccessRate
	}
	age := now.Sub(p.lastActivity())
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-float64(age) / float64(rc.cfg.RecencyDecay))

	factor := rc.cfg.BaseWeight + rc.cfg.SuccessWeight*sr + rc.cfg.RecencyWeight*recency
	return similarity, clamp01(similarity * factor)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
