package api

import (
	"github.com/gin-gonic/gin"

	"ai-trading-engine/internal/risk"
)

type emergencyRequest struct {
	TraderID string `json:"trader_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleRiskSummary(c *gin.Context) {
	successResponse(c, s.deps.Risk.Summary())
}

func (s *Server) handleTraderRisk(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Traders.GetTrader(id); err != nil {
		errorResponse(c, err)
		return
	}
	successResponse(c, s.deps.Risk.CheckRiskLimits(id))
}

// handleEmergencyStop closes positions and blocks new ones, for one trader
// when trader_id is given and system-wide otherwise
func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyRequest
	_ = c.ShouldBindJSON(&req)
	if req.TraderID != "" {
		if _, err := s.deps.Traders.GetTrader(req.TraderID); err != nil {
			errorResponse(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}

	closed := s.deps.Risk.EmergencyStop(req.TraderID, req.Reason)
	if closed == nil {
		closed = []risk.ClosedPosition{}
	}
	successResponse(c, gin.H{
		"trader_id": req.TraderID,
		"closed":    closed,
	})
}

func (s *Server) handleClearEmergency(c *gin.Context) {
	var req emergencyRequest
	_ = c.ShouldBindJSON(&req)
	s.deps.Risk.ClearEmergencyStop(req.TraderID)
	successResponse(c, gin.H{
		"trader_id":        req.TraderID,
		"emergency_active": s.deps.Risk.IsEmergencyActive(req.TraderID),
	})
}
