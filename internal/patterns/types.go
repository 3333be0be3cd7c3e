// Package patterns stores market-condition snapshots of profitable trades,
// matches live conditions against them and tracks how well they perform.
package patterns

import (
	"sort"
	"time"

	"ai-trading-engine/internal/strategy"
)

// TradingPattern is a learned snapshot of market conditions that preceded a
// profitable trade. SuccessRate is SuccessCount/UsageCount, or zero when
// the pattern has never been used.
type TradingPattern struct {
	ID            string             `json:"id"`
	Name          string             `json:"name,omitempty"`
	Exchange      string             `json:"exchange"`
	Symbol        string             `json:"symbol"`
	Timeframe     string             `json:"timeframe"`
	Conditions    map[string]float64 `json:"conditions"`
	Action        strategy.Action    `json:"action"`
	Confidence    float64            `json:"confidence"`
	CreatedAt     time.Time          `json:"created_at"`
	LastUsedAt    time.Time          `json:"last_used_at,omitempty"`
	UsageCount    int                `json:"usage_count"`
	SuccessCount  int                `json:"success_count"`
	SuccessRate   float64            `json:"success_rate"`
	AverageReturn float64            `json:"average_return"`
	Samples       int                `json:"samples"` // trades merged into this pattern
	Tags          []string           `json:"tags,omitempty"`
}

// Clone returns a deep copy
func (p *TradingPattern) Clone() *TradingPattern {
	cp := *p
	cp.Conditions = make(map[string]float64, len(p.Conditions))
	for k, v := range p.Conditions {
		cp.Conditions[k] = v
	}
	cp.Tags = append([]string(nil), p.Tags...)
	return &cp
}

// HasTag reports whether the pattern carries tag
func (p *TradingPattern) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// lastActivity is the reference time for age and recency
func (p *TradingPattern) lastActivity() time.Time {
	if !p.LastUsedAt.IsZero() {
		return p.LastUsedAt
	}
	return p.CreatedAt
}

// Outcome is the result of a trade that used a pattern
type Outcome struct {
	Success   bool    `json:"success"`
	ReturnPct float64 `json:"return_pct"`
}

// MarketConditions is the live snapshot matched against stored patterns.
// Empty scope fields on a stored pattern act as wildcards.
type MarketConditions struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Values    map[string]float64
}

// Match is a ranked pattern match
type Match struct {
	Pattern    *TradingPattern `json:"pattern"`
	Similarity float64         `json:"similarity"`
	Relevance  float64         `json:"relevance"`
}

// QueryCriteria filters patterns. Zero values do not filter.
type QueryCriteria struct {
	Exchange       string
	Symbol         string
	Timeframe      string
	Action         strategy.Action
	Tags           []string
	MinSuccessRate float64
	MinUsageCount  int
	Limit          int
}

func (c QueryCriteria) matches(p *TradingPattern) bool {
	if c.Exchange != "" && p.Exchange != c.Exchange {
		return false
	}
	if c.Symbol != "" && p.Symbol != c.Symbol {
		return false
	}
	if c.Timeframe != "" && p.Timeframe != c.Timeframe {
		return false
	}
	if c.Action != "" && p.Action != c.Action {
		return false
	}
	if p.SuccessRate < c.MinSuccessRate || p.UsageCount < c.MinUsageCount {
		return false
	}
	for _, tag := range c.Tags {
		if !p.HasTag(tag) {
			return false
		}
	}
	return true
}

// PruneCriteria are independent removal rules; any combination may be set.
// Zero values disable a rule.
type PruneCriteria struct {
	MaxAge         time.Duration `json:"max_age"`          // since last use, or creation if never used
	MinSuccessRate float64       `json:"min_success_rate"` // only applied to used patterns
	MinUsageCount  int           `json:"min_usage_count"`
	MaxPatterns    int           `json:"max_patterns"` // keep only the top N by performance
}

// IsZero reports whether no rule is enabled
func (c PruneCriteria) IsZero() bool {
	return c.MaxAge <= 0 && c.MinSuccessRate <= 0 && c.MinUsageCount <= 0 && c.MaxPatterns <= 0
}

// rankPatterns orders by success rate, then average return, then usage,
// then id for a stable total order.
func rankPatterns(ps []*TradingPattern) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.AverageReturn != b.AverageReturn {
			return a.AverageReturn > b.AverageReturn
		}
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		return a.ID < b.ID
	})
}
