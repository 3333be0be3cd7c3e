package patterns

import (
	"math"
	"testing"
	"time"
)

func TestKeySimilarity_Modes(t *testing.T) {
	rc := NewRelevanceCalculator(DefaultRelevanceConfig())

	tests := []struct {
		key     string
		stored  float64
		current float64
		want    float64
	}{
		{"rsi", 50, 50, 1},
		{"rsi", 50, 55, 0.75},
		{"rsi", 50, 60, 0},
		{"rsi", 50, 65, 0},
		{"price", 100, 102, 0.75},
		{"price", 100, 104, 0},
		{"macd_hist", 2, 2.8, 1},
		{"macd_hist", 2, 3.5, 0.5},
		{"macd_hist", 2, -1, 0},
	}
	for _, tt := range tests {
		got := rc.KeySimilarity(tt.key, tt.stored, tt.current)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("KeySimilarity(%s, %v, %v): expected %v, got %v", tt.key, tt.stored, tt.current, tt.want, got)
		}
	}
}

func TestKeySimilarity_Exact(t *testing.T) {
	cfg := DefaultRelevanceConfig()
	cfg.Rules["regime"] = Rule{Mode: MatchExact, Weight: 1}
	rc := NewRelevanceCalculator(cfg)

	if rc.KeySimilarity("regime", 2, 2) != 1 || rc.KeySimilarity("regime", 2, 2.01) != 0 {
		t.Error("Exact mode should only match identical values")
	}
}

func TestSimilarity_MissingKeysScoreZero(t *testing.T) {
	rc := NewRelevanceCalculator(DefaultRelevanceConfig())
	stored := map[string]float64{"rsi": 40, "bb_position": 0.2}

	full := rc.Similarity(stored, map[string]float64{"rsi": 40, "bb_position": 0.2})
	partial := rc.Similarity(stored, map[string]float64{"rsi": 40})
	if full != 1 {
		t.Errorf("Expected 1 for identical conditions, got %v", full)
	}
	if partial >= full || partial <= 0 {
		t.Errorf("Expected missing key to lower similarity, got %v", partial)
	}
	if rc.Similarity(nil, stored) != 0 {
		t.Error("Empty stored conditions should score zero")
	}
}

func TestRelevance_MonotonicInDeviation(t *testing.T) {
	rc := NewRelevanceCalculator(DefaultRelevanceConfig())
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	p := &TradingPattern{
		Conditions: map[string]float64{
			"rsi": 35, "macd_hist": 1.2, "price": 250, "bb_position": 0.15,
			"sma_spread": -0.4, "volatility": 1.8, "custom": 7,
		},
		CreatedAt:    now.Add(-48 * time.Hour),
		UsageCount:   5,
		SuccessCount: 3,
		SuccessRate:  0.6,
	}

	// Walk every key from far away towards its stored value, on both sides.
	for _, dir := range []float64{1, -1} {
		prev := -1.0
		for step := 40; step >= 0; step-- {
			frac := float64(step) / 20
			current := make(map[string]float64, len(p.Conditions))
			for k, v := range p.Conditions {
				scale := math.Max(math.Abs(v), 1)
				current[k] = v + dir*frac*scale
			}
			_, rel := rc.Relevance(p, current, now)
			if rel < prev-1e-12 {
				t.Fatalf("Relevance decreased from %v to %v as deviation shrank (dir %v, step %d)", prev, rel, dir, step)
			}
			if rel < 0 || rel > 1 {
				t.Fatalf("Relevance out of range: %v", rel)
			}
			prev = rel
		}
	}
}

func TestRelevance_SuccessAndRecencyAdjust(t *testing.T) {
	rc := NewRelevanceCalculator(DefaultRelevanceConfig())
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	cond := map[string]float64{"rsi": 50}

	winner := &TradingPattern{Conditions: cond, CreatedAt: now, UsageCount: 10, SuccessCount: 10, SuccessRate: 1}
	loser := &TradingPattern{Conditions: cond, CreatedAt: now, UsageCount: 10, SuccessRate: 0}
	old := &TradingPattern{Conditions: cond, CreatedAt: now.Add(-90 * 24 * time.Hour), UsageCount: 10, SuccessCount: 10, SuccessRate: 1}

	_, rw := rc.Relevance(winner, cond, now)
	_, rl := rc.Relevance(loser, cond, now)
	_, ro := rc.Relevance(old, cond, now)

	if math.Abs(rw-1) > 1e-9 {
		t.Errorf("Expected perfect fresh winner to score 1, got %v", rw)
	}
	if rl >= rw || ro >= rw {
		t.Errorf("Expected losers and stale patterns to score lower: winner %v loser %v old %v", rw, rl, ro)
	}
}
