package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/strategy"
	"ai-trading-engine/internal/trader"
)

// traderRequest is the JSON body for create and update. Durations are Go
// duration strings such as "4h".
type traderRequest struct {
	Name           string          `json:"name"`
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	StakeAmount    *float64        `json:"stake_amount"`
	RiskLevel      *int            `json:"risk_level"`
	MaxDuration    *string         `json:"max_duration"`
	MinReturnPct   *float64        `json:"min_return_pct"`
	Strategy       string          `json:"strategy"`
	StrategyParams strategy.Params `json:"strategy_params"`
	Interval       string          `json:"interval"`
}

// apply overlays the fields present in the request onto base
func (r traderRequest) apply(base trader.Config) (trader.Config, error) {
	if r.Name != "" {
		base.Name = r.Name
	}
	if r.Exchange != "" {
		base.Exchange = r.Exchange
	}
	if r.Symbol != "" {
		base.Symbol = r.Symbol
	}
	if r.StakeAmount != nil {
		base.StakeAmount = *r.StakeAmount
	}
	if r.RiskLevel != nil {
		base.RiskLevel = *r.RiskLevel
	}
	if r.MaxDuration != nil {
		if *r.MaxDuration == "" {
			base.MaxDuration = 0
		} else {
			d, err := time.ParseDuration(*r.MaxDuration)
			if err != nil {
				return base, apperr.Wrap(apperr.KindConfiguration, err, "invalid max_duration %q", *r.MaxDuration)
			}
			base.MaxDuration = d
		}
	}
	if r.MinReturnPct != nil {
		base.MinReturnPct = *r.MinReturnPct
	}
	if r.Strategy != "" {
		base.Strategy = strategy.Kind(r.Strategy)
	}
	if r.StrategyParams != nil {
		base.StrategyParams = r.StrategyParams
	}
	if r.Interval != "" {
		base.Interval = r.Interval
	}
	return base, nil
}

func (s *Server) handleListStrategies(c *gin.Context) {
	successResponse(c, strategy.Describe())
}

func (s *Server) handleListTraders(c *gin.Context) {
	successResponse(c, s.deps.Traders.ListTraders())
}

func (s *Server) handleCreateTrader(c *gin.Context) {
	var req traderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid trader payload: "+err.Error())
		return
	}
	cfg, err := req.apply(trader.Config{})
	if err != nil {
		errorResponse(c, err)
		return
	}

	status, err := s.deps.Traders.CreateTrader(cfg)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": status})
}

func (s *Server) handleGetTrader(c *gin.Context) {
	status, err := s.deps.Traders.GetTrader(c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, status)
}

func (s *Server) handleUpdateTrader(c *gin.Context) {
	id := c.Param("id")
	current, err := s.deps.Traders.GetTrader(id)
	if err != nil {
		errorResponse(c, err)
		return
	}

	var req traderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid trader payload: "+err.Error())
		return
	}
	next, err := req.apply(current.Config)
	if err != nil {
		errorResponse(c, err)
		return
	}

	status, err := s.deps.Traders.UpdateTraderConfig(id, next)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, status)
}

func (s *Server) handleDeleteTrader(c *gin.Context) {
	if err := s.deps.Traders.DeleteTrader(c.Param("id")); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, gin.H{"deleted": c.Param("id")})
}

// traderAction wraps a lifecycle call and answers with the fresh status
func (s *Server) traderAction(c *gin.Context, action func(id string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		errorResponse(c, err)
		return
	}
	status, err := s.deps.Traders.GetTrader(id)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, status)
}

func (s *Server) handleStartTrader(c *gin.Context) {
	s.traderAction(c, s.deps.Traders.StartTrader)
}

func (s *Server) handleStopTrader(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "stopped via API"
	}
	s.traderAction(c, func(id string) error {
		return s.deps.Traders.StopTrader(id, body.Reason)
	})
}

func (s *Server) handlePauseTrader(c *gin.Context) {
	s.traderAction(c, s.deps.Traders.PauseTrader)
}

func (s *Server) handleResumeTrader(c *gin.Context) {
	s.traderAction(c, s.deps.Traders.ResumeTrader)
}

func (s *Server) handleRecoverTrader(c *gin.Context) {
	s.traderAction(c, s.deps.Traders.RecoverTrader)
}

func (s *Server) handleTraderHealth(c *gin.Context) {
	successResponse(c, s.deps.Traders.HealthCheck(c.Request.Context()))
}

func (s *Server) handleListTrades(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Traders.GetTrader(id); err != nil {
		errorResponse(c, err)
		return
	}
	if s.deps.Trades == nil {
		successResponse(c, []trader.TradeRecord{})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.deps.Trades.ListTrades(c.Request.Context(), id, limit)
	if err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, trades)
}
