package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
)

// TrailingConfig holds trailing stop configuration
type TrailingConfig struct {
	Enabled           bool    `json:"enabled"`
	TrailingPercent   float64 `json:"trailing_percent"`   // distance from the high/low water mark
	ActivationPercent float64 `json:"activation_percent"` // profit % before trailing starts
}

// StopPosition tracks the stop of one position
type StopPosition struct {
	PositionID       string
	Symbol           string
	Side             exchange.Side
	EntryPrice       float64
	CurrentStopLoss  float64
	OriginalStopLoss float64
	HighWaterMark    float64 // longs
	LowWaterMark     float64 // shorts
	IsActivated      bool
	LastUpdate       time.Time
}

// StopUpdate reports a moved or triggered stop
type StopUpdate struct {
	PositionID   string
	OldStopLoss  float64
	NewStopLoss  float64
	IsTriggered  bool
	TriggerPrice float64
}

// StopLossManager evaluates position-level stops, fixed or trailing
type StopLossManager struct {
	positions map[string]*StopPosition
	config    TrailingConfig
	mu        sync.RWMutex
	logger    zerolog.Logger
}

// NewStopLossManager creates a stop-loss manager
func NewStopLossManager(config TrailingConfig, logger zerolog.Logger) *StopLossManager {
	return &StopLossManager{
		positions: make(map[string]*StopPosition),
		config:    config,
		logger:    logging.Component(logger, "StopLoss"),
	}
}

// StopPrice returns the fixed stop for an entry at pct percent
func StopPrice(side exchange.Side, entry, pct float64) float64 {
	if pct <= 0 {
		return 0
	}
	if side == exchange.SideSell {
		return entry * (1 + pct/100)
	}
	return entry * (1 - pct/100)
}

// AddPosition starts tracking a position. A zero stop disables the fixed stop.
func (slm *StopLossManager) AddPosition(id, symbol string, side exchange.Side, entryPrice, stopLoss float64) {
	slm.mu.Lock()
	defer slm.mu.Unlock()

	slm.positions[id] = &StopPosition{
		PositionID:       id,
		Symbol:           symbol,
		Side:             side,
		EntryPrice:       entryPrice,
		CurrentStopLoss:  stopLoss,
		OriginalStopLoss: stopLoss,
		HighWaterMark:    entryPrice,
		LowWaterMark:     entryPrice,
		LastUpdate:       time.Now(),
	}
	slm.logger.Debug().Str("position_id", id).Str("side", string(side)).
		Float64("entry", entryPrice).Float64("stop", stopLoss).Msg("Tracking stop")
}

// RemovePosition stops tracking a position
func (slm *StopLossManager) RemovePosition(id string) {
	slm.mu.Lock()
	defer slm.mu.Unlock()
	delete(slm.positions, id)
}

// UpdatePrice marks one position and returns a non-nil update when the
// stop moved or triggered
func (slm *StopLossManager) UpdatePrice(id string, currentPrice float64) *StopUpdate {
	slm.mu.Lock()
	defer slm.mu.Unlock()

	pos, exists := slm.positions[id]
	if !exists || currentPrice <= 0 {
		return nil
	}

	var update *StopUpdate
	if pos.Side == exchange.SideBuy {
		update = slm.updateLong(pos, currentPrice)
	} else {
		update = slm.updateShort(pos, currentPrice)
	}
	pos.LastUpdate = time.Now()
	return update
}

func (slm *StopLossManager) updateLong(pos *StopPosition, price float64) *StopUpdate {
	if pos.CurrentStopLoss > 0 && price <= pos.CurrentStopLoss {
		return &StopUpdate{
			PositionID:   pos.PositionID,
			OldStopLoss:  pos.CurrentStopLoss,
			NewStopLoss:  pos.CurrentStopLoss,
			IsTriggered:  true,
			TriggerPrice: price,
		}
	}

	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}

	profitPercent := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if !pos.IsActivated && profitPercent >= slm.config.ActivationPercent {
		pos.IsActivated = true
	}

	if pos.IsActivated && slm.config.Enabled {
		newStop := pos.HighWaterMark * (1 - slm.config.TrailingPercent/100)
		// only ever tighten
		if newStop > pos.CurrentStopLoss {
			old := pos.CurrentStopLoss
			pos.CurrentStopLoss = newStop
			slm.logger.Debug().Str("position_id", pos.PositionID).
				Float64("old", old).Float64("new", newStop).Msg("Trailing stop raised")
			return &StopUpdate{PositionID: pos.PositionID, OldStopLoss: old, NewStopLoss: newStop}
		}
	}
	return nil
}

func (slm *StopLossManager) updateShort(pos *StopPosition, price float64) *StopUpdate {
	if pos.CurrentStopLoss > 0 && price >= pos.CurrentStopLoss {
		return &StopUpdate{
			PositionID:   pos.PositionID,
			OldStopLoss:  pos.CurrentStopLoss,
			NewStopLoss:  pos.CurrentStopLoss,
			IsTriggered:  true,
			TriggerPrice: price,
		}
	}

	if price < pos.LowWaterMark {
		pos.LowWaterMark = price
	}

	profitPercent := (pos.EntryPrice - price) / pos.EntryPrice * 100
	if !pos.IsActivated && profitPercent >= slm.config.ActivationPercent {
		pos.IsActivated = true
	}

	if pos.IsActivated && slm.config.Enabled {
		newStop := pos.LowWaterMark * (1 + slm.config.TrailingPercent/100)
		if pos.CurrentStopLoss == 0 || newStop < pos.CurrentStopLoss {
			old := pos.CurrentStopLoss
			pos.CurrentStopLoss = newStop
			slm.logger.Debug().Str("position_id", pos.PositionID).
				Float64("old", old).Float64("new", newStop).Msg("Trailing stop lowered")
			return &StopUpdate{PositionID: pos.PositionID, OldStopLoss: old, NewStopLoss: newStop}
		}
	}
	return nil
}

// GetPosition returns a copy of a tracked stop
func (slm *StopLossManager) GetPosition(id string) (StopPosition, bool) {
	slm.mu.RLock()
	defer slm.mu.RUnlock()
	if pos, ok := slm.positions[id]; ok {
		return *pos, true
	}
	return StopPosition{}, false
}

// GetCurrentStopLoss returns the stop price for a position
func (slm *StopLossManager) GetCurrentStopLoss(id string) (float64, bool) {
	slm.mu.RLock()
	defer slm.mu.RUnlock()
	if pos, ok := slm.positions[id]; ok {
		return pos.CurrentStopLoss, true
	}
	return 0, false
}
