package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/strategy"
)

type pruneRequest struct {
	MaxAge         string  `json:"max_age"`
	MinSuccessRate float64 `json:"min_success_rate"`
	MinUsageCount  int     `json:"min_usage_count"`
	MaxPatterns    int     `json:"max_patterns"`
}

func (r pruneRequest) criteria() (patterns.PruneCriteria, error) {
	c := patterns.PruneCriteria{
		MinSuccessRate: r.MinSuccessRate,
		MinUsageCount:  r.MinUsageCount,
		MaxPatterns:    r.MaxPatterns,
	}
	if r.MaxAge != "" {
		d, err := time.ParseDuration(r.MaxAge)
		if err != nil {
			return c, apperr.Wrap(apperr.KindConfiguration, err, "invalid max_age %q", r.MaxAge)
		}
		c.MaxAge = d
	}
	return c, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	if v, err := strconv.Atoi(c.Query(key)); err == nil {
		return v
	}
	return def
}

func (s *Server) handleListPatterns(c *gin.Context) {
	criteria := patterns.QueryCriteria{
		Exchange:      strings.ToLower(c.Query("exchange")),
		Symbol:        strings.ToUpper(c.Query("symbol")),
		Timeframe:     c.Query("timeframe"),
		Action:        strategy.Action(strings.ToUpper(c.Query("action"))),
		MinUsageCount: queryInt(c, "min_usage", 0),
		Limit:         queryInt(c, "limit", 100),
	}
	if tags := c.Query("tags"); tags != "" {
		criteria.Tags = strings.Split(tags, ",")
	}
	if v, err := strconv.ParseFloat(c.Query("min_success_rate"), 64); err == nil {
		criteria.MinSuccessRate = v
	}
	successResponse(c, s.deps.Patterns.QueryPatterns(criteria))
}

func (s *Server) handleTopPatterns(c *gin.Context) {
	n := queryInt(c, "n", 10)
	minUsage := queryInt(c, "min_usage", 1)
	successResponse(c, s.deps.Patterns.GetTopPerformers(n, minUsage))
}

func (s *Server) handleGetPattern(c *gin.Context) {
	p, err := s.deps.Patterns.GetPattern(c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, p)
}

// handlePrunePatterns prunes with the request criteria, falling back to the
// configured defaults when the body enables no rule
func (s *Server) handlePrunePatterns(c *gin.Context) {
	var req pruneRequest
	_ = c.ShouldBindJSON(&req)
	criteria, err := req.criteria()
	if err != nil {
		errorResponse(c, err)
		return
	}
	if criteria.IsZero() {
		criteria = s.deps.DefaultPrune
	}
	if criteria.IsZero() {
		badRequest(c, "no prune rule enabled")
		return
	}

	removed, err := s.deps.Patterns.PrunePatterns(c.Request.Context(), criteria)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{
		"removed":   removed,
		"remaining": s.deps.Patterns.Count(),
	})
}
