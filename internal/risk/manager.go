// Package risk is the single owner of budget, leverage and exposure state.
// Traders never mutate these counters directly; every change goes through
// Manager and is serialized by its lock.
package risk

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/metrics"
)

// ForcedCloseHandler is called after the manager itself closed a position
// (stop loss, daily loss limit, emergency stop). It runs outside the lock.
type ForcedCloseHandler func(ClosedPosition)

type traderLimits struct {
	id          string
	stake       float64
	maxLeverage float64
	dailyPnL    float64
	day         time.Time
	blocked     bool
	blockReason string
	emergency   bool
}

// OpenRequest asks for budget to open a position
type OpenRequest struct {
	TraderID    string
	Symbol      string
	Side        exchange.Side
	Size        float64 // margin in quote currency
	Leverage    float64
	StopLossPct float64 // 0 uses the configured default
	PatternID   string
}

// Manager handles budget allocation, limits and stops for all traders
type Manager struct {
	cfg         Config
	totalBudget decimal.Decimal
	allocated   decimal.Decimal
	traders     map[string]*traderLimits
	positions   map[string]*Position
	emergency   bool
	stops       *StopLossManager
	onForced    ForcedCloseHandler
	bus         events.Publisher
	now         func() time.Time
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// NewManager creates a risk manager
func NewManager(cfg Config, bus events.Publisher, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Manager{
		cfg:         cfg,
		totalBudget: decimal.NewFromFloat(cfg.TotalBudget),
		allocated:   decimal.Zero,
		traders:     make(map[string]*traderLimits),
		positions:   make(map[string]*Position),
		stops:       NewStopLossManager(cfg.TrailingStop, logger),
		bus:         bus,
		now:         time.Now,
		logger:      logging.Component(logger, "RiskManager"),
	}, nil
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetForcedCloseHandler registers the callback for manager-initiated closes
func (m *Manager) SetForcedCloseHandler(h ForcedCloseHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onForced = h
}

// Config returns the active configuration
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) availableLocked() decimal.Decimal {
	return m.totalBudget.Sub(m.allocated)
}

// AvailableBudget returns the unallocated budget
func (m *Manager) AvailableBudget() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableLocked().InexactFloat64()
}

// SetTotalBudget changes the budget. It cannot drop below what is allocated.
func (m *Manager) SetTotalBudget(amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := decimal.NewFromFloat(amount)
	if b.IsNegative() {
		return apperr.New(apperr.KindConfiguration, "total budget cannot be negative")
	}
	if b.LessThan(m.allocated) {
		return apperr.New(apperr.KindInsufficientFunds, "budget %s is below allocated %s", b, m.allocated)
	}
	if b.Equal(m.totalBudget) {
		return nil
	}
	m.totalBudget = b
	m.cfg.TotalBudget = amount
	m.logger.Info().Str("budget", b.String()).Msg("Total budget updated")
	return nil
}

// RegisterTrader admits a trader. It fails when there are no funds or when
// stake x leverage exceeds the available budget.
func (m *Manager) RegisterTrader(traderID string, stake, maxLeverage float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stake <= 0 {
		return apperr.New(apperr.KindConfiguration, "stake amount must be positive")
	}
	if maxLeverage < 1 || maxLeverage > m.cfg.MaxLeveragePerTrader {
		return apperr.New(apperr.KindLimitExceeded, "leverage %.0fx outside [1, %.0fx]", maxLeverage, m.cfg.MaxLeveragePerTrader)
	}
	if !m.totalBudget.IsPositive() {
		return apperr.New(apperr.KindInsufficientFunds, apperr.ReasonNoFunds)
	}
	required := decimal.NewFromFloat(stake).Mul(decimal.NewFromFloat(maxLeverage))
	if required.GreaterThan(m.availableLocked()) {
		return apperr.New(apperr.KindInsufficientFunds, apperr.ReasonInsufficientForRisk)
	}

	t, ok := m.traders[traderID]
	if !ok {
		t = &traderLimits{id: traderID, day: m.today()}
		m.traders[traderID] = t
	}
	t.stake = stake
	t.maxLeverage = maxLeverage
	m.logger.Info().Str("trader_id", traderID).Float64("stake", stake).Float64("max_leverage", maxLeverage).Msg("Trader registered")
	return nil
}

// UnregisterTrader forgets a trader with no open positions
func (m *Manager) UnregisterTrader(traderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.positions {
		if p.TraderID == traderID {
			return apperr.New(apperr.KindInvalidState, "trader %s still has open positions", traderID)
		}
	}
	delete(m.traders, traderID)
	return nil
}

func (m *Manager) today() time.Time {
	return m.now().UTC().Truncate(24 * time.Hour)
}

// rollDay resets the daily P&L and the daily loss block at UTC midnight
func (m *Manager) rollDay(t *traderLimits) {
	today := m.today()
	if today.After(t.day) {
		t.dailyPnL = 0
		t.day = today
		if t.blockReason == CloseReasonDailyLoss {
			t.blocked = false
			t.blockReason = ""
		}
	}
}

// ValidateBudget checks that amount can be drawn from the budget
func (m *Manager) ValidateBudget(amount float64, traderID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateBudgetLocked(decimal.NewFromFloat(amount))
}

func (m *Manager) validateBudgetLocked(amount decimal.Decimal) error {
	if !m.totalBudget.IsPositive() {
		return apperr.New(apperr.KindInsufficientFunds, apperr.ReasonNoFunds)
	}
	if !amount.IsPositive() {
		return apperr.New(apperr.KindConfiguration, "amount must be positive")
	}
	if amount.GreaterThan(m.availableLocked()) {
		return apperr.New(apperr.KindInsufficientFunds, apperr.ReasonInsufficientForRisk)
	}
	return nil
}

// ValidateLeverage checks leverage against the trader's and the system caps
func (m *Manager) ValidateLeverage(leverage float64, traderID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validateLeverageLocked(leverage, m.traders[traderID])
}

func (m *Manager) validateLeverageLocked(leverage float64, t *traderLimits) error {
	if leverage < 1 {
		return apperr.New(apperr.KindConfiguration, "leverage must be at least 1")
	}
	limit := m.cfg.MaxLeveragePerTrader
	if t != nil && t.maxLeverage > 0 && t.maxLeverage < limit {
		limit = t.maxLeverage
	}
	if leverage > limit {
		return apperr.New(apperr.KindLimitExceeded, "leverage %.1fx exceeds trader limit %.1fx", leverage, limit)
	}
	if used := m.totalLeverageLocked(); used+leverage > m.cfg.MaxTotalLeverage {
		return apperr.New(apperr.KindLimitExceeded, "total leverage %.1fx would exceed %.1fx", used+leverage, m.cfg.MaxTotalLeverage)
	}
	return nil
}

func (m *Manager) totalLeverageLocked() float64 {
	total := 0.0
	for _, p := range m.positions {
		total += p.Leverage
	}
	return total
}

// CanOpenPosition reports whether a position of size at leverage would be
// accepted right now
func (m *Manager) CanOpenPosition(size, leverage float64, traderID string) bool {
	return m.CheckOpenPosition(size, leverage, traderID) == nil
}

// CheckOpenPosition is CanOpenPosition with the refusal reason
func (m *Manager) CheckOpenPosition(size, leverage float64, traderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkOpenLocked(decimal.NewFromFloat(size), leverage, traderID)
}

func (m *Manager) checkOpenLocked(size decimal.Decimal, leverage float64, traderID string) error {
	t, ok := m.traders[traderID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "trader %s is not registered", traderID)
	}
	m.rollDay(t)

	if m.emergency || t.emergency {
		return apperr.New(apperr.KindLimitExceeded, "emergency stop active")
	}
	if t.blocked {
		return apperr.New(apperr.KindLimitExceeded, "trader blocked: %s", t.blockReason)
	}
	if err := m.validateBudgetLocked(size); err != nil {
		return err
	}
	if err := m.validateLeverageLocked(leverage, t); err != nil {
		return err
	}

	count := 0
	traderExposure := 0.0
	totalExposure := 0.0
	for _, p := range m.positions {
		totalExposure += p.Exposure()
		if p.TraderID == traderID {
			count++
			traderExposure += p.Exposure()
		}
	}
	if count >= m.cfg.MaxPositionsPerTrader {
		return apperr.New(apperr.KindLimitExceeded, "max positions reached (%d/%d)", count, m.cfg.MaxPositionsPerTrader)
	}
	add := size.InexactFloat64() * leverage
	if m.cfg.MaxExposurePerTrader > 0 && traderExposure+add > m.cfg.MaxExposurePerTrader {
		return apperr.New(apperr.KindLimitExceeded, "trader exposure %.2f would exceed %.2f", traderExposure+add, m.cfg.MaxExposurePerTrader)
	}
	if m.cfg.MaxTotalExposure > 0 && totalExposure+add > m.cfg.MaxTotalExposure {
		return apperr.New(apperr.KindLimitExceeded, "total exposure %.2f would exceed %.2f", totalExposure+add, m.cfg.MaxTotalExposure)
	}
	return nil
}

// ReservePosition re-checks every limit and allocates the margin in one
// step. The reservation must be confirmed or cancelled.
func (m *Manager) ReservePosition(req OpenRequest) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := decimal.NewFromFloat(req.Size)
	if err := m.checkOpenLocked(size, req.Leverage, req.TraderID); err != nil {
		return nil, err
	}

	stopPct := req.StopLossPct
	if stopPct <= 0 {
		stopPct = m.cfg.DefaultStopLossPct
	}
	p := &Position{
		ID:        uuid.NewString(),
		TraderID:  req.TraderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    StatusReserved,
		Size:      req.Size,
		Leverage:  req.Leverage,
		PatternID: req.PatternID,
		OpenedAt:  m.now(),
		stopPct:   stopPct,
	}
	m.positions[p.ID] = p
	m.allocated = m.allocated.Add(size)
	m.publishExposureLocked()

	out := *p
	return &out, nil
}

// ConfirmPosition turns a reservation into an open position at fillPrice
func (m *Manager) ConfirmPosition(id string, fillPrice, quantity float64) (*Position, error) {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindNotFound, "position %s not found", id)
	}
	if p.Status != StatusReserved {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindInvalidState, "position %s is already %s", id, p.Status)
	}
	if fillPrice <= 0 {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindDataQuality, "fill price must be positive")
	}

	p.Status = StatusOpen
	p.EntryPrice = fillPrice
	p.CurrentPrice = fillPrice
	p.Quantity = quantity
	if p.Quantity <= 0 {
		p.Quantity = p.Exposure() / fillPrice
	}
	p.StopLoss = StopPrice(p.Side, fillPrice, p.stopPct)
	m.stops.AddPosition(p.ID, p.Symbol, p.Side, fillPrice, p.StopLoss)
	out := *p
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Type:     events.EventPositionOpened,
		TraderID: out.TraderID,
		Data: map[string]interface{}{
			"position_id": out.ID,
			"symbol":      out.Symbol,
			"side":        string(out.Side),
			"size":        out.Size,
			"leverage":    out.Leverage,
			"entry_price": out.EntryPrice,
			"stop_loss":   out.StopLoss,
		},
	})
	return &out, nil
}

// CancelReservation releases a reservation whose order never filled
func (m *Manager) CancelReservation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "position %s not found", id)
	}
	if p.Status != StatusReserved {
		return apperr.New(apperr.KindInvalidState, "position %s is %s", id, p.Status)
	}
	m.releaseLocked(p)
	return nil
}

// OpenPosition reserves and confirms in one call
func (m *Manager) OpenPosition(req OpenRequest, fillPrice float64) (*Position, error) {
	p, err := m.ReservePosition(req)
	if err != nil {
		return nil, err
	}
	confirmed, err := m.ConfirmPosition(p.ID, fillPrice, 0)
	if err != nil {
		_ = m.CancelReservation(p.ID)
		return nil, err
	}
	return confirmed, nil
}

func (m *Manager) releaseLocked(p *Position) {
	delete(m.positions, p.ID)
	m.stops.RemovePosition(p.ID)
	m.allocated = m.allocated.Sub(decimal.NewFromFloat(p.Size))
	if m.allocated.IsNegative() {
		m.logger.Error().Str("allocated", m.allocated.String()).Msg("Allocated budget went negative, resetting")
		m.allocated = decimal.Zero
	}
	m.publishExposureLocked()
}

// ClosePosition books the close of an open position at exitPrice
func (m *Manager) ClosePosition(id string, exitPrice float64, reason string) (*ClosedPosition, error) {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindNotFound, "position %s not found", id)
	}
	if p.Status != StatusOpen {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindInvalidState, "position %s is %s", id, p.Status)
	}
	closed := m.closeLocked(p, exitPrice, reason)
	forced := m.enforceDailyLossLocked(p.TraderID)
	m.mu.Unlock()

	m.announce([]ClosedPosition{closed}, false)
	m.announce(forced, true)
	return &closed, nil
}

func (m *Manager) closeLocked(p *Position, exitPrice float64, reason string) ClosedPosition {
	if exitPrice <= 0 {
		exitPrice = p.CurrentPrice
	}
	if exitPrice <= 0 {
		exitPrice = p.EntryPrice
	}
	pnl := p.pnlAt(exitPrice)
	ret := 0.0
	if p.EntryPrice > 0 {
		ret = (exitPrice - p.EntryPrice) / p.EntryPrice * 100
		if p.Side == exchange.SideSell {
			ret = -ret
		}
	}

	if t, ok := m.traders[p.TraderID]; ok {
		m.rollDay(t)
		t.dailyPnL += pnl
	}
	m.releaseLocked(p)

	cp := ClosedPosition{
		Position:    *p,
		ExitPrice:   exitPrice,
		RealizedPnL: pnl,
		ReturnPct:   ret,
		Reason:      reason,
		ClosedAt:    m.now(),
	}
	cp.CurrentPrice = exitPrice
	cp.UnrealizedPnL = 0
	return cp
}

// enforceDailyLossLocked closes everything of a trader whose realized plus
// unrealized P&L breached the daily loss limit and blocks further opens
func (m *Manager) enforceDailyLossLocked(traderID string) []ClosedPosition {
	t, ok := m.traders[traderID]
	if !ok || m.cfg.MaxDailyLoss <= 0 {
		return nil
	}
	m.rollDay(t)

	total := t.dailyPnL
	for _, p := range m.positions {
		if p.TraderID == traderID {
			total += p.UnrealizedPnL
		}
	}
	if total > -m.cfg.MaxDailyLoss {
		return nil
	}

	if !t.blocked {
		t.blocked = true
		t.blockReason = CloseReasonDailyLoss
		m.logger.Warn().Str("trader_id", traderID).Float64("daily_pnl", total).Msg("Daily loss limit breached, blocking trader")
	}
	return m.closeTraderLocked(traderID, CloseReasonDailyLoss)
}

// closeTraderLocked books every position of traderID ("" for all) at its
// last price. Reservations are released.
func (m *Manager) closeTraderLocked(traderID, reason string) []ClosedPosition {
	ids := make([]string, 0)
	for id, p := range m.positions {
		if traderID == "" || p.TraderID == traderID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]ClosedPosition, 0, len(ids))
	for _, id := range ids {
		p := m.positions[id]
		if p.Status == StatusReserved {
			m.releaseLocked(p)
			continue
		}
		out = append(out, m.closeLocked(p, p.CurrentPrice, reason))
	}
	return out
}

// CloseAllPositions books every position of traderID at its last price
func (m *Manager) CloseAllPositions(traderID, reason string) []ClosedPosition {
	m.mu.Lock()
	closed := m.closeTraderLocked(traderID, reason)
	m.mu.Unlock()

	m.announce(closed, false)
	return closed
}

// UpdatePrice marks positions on symbol to market, closing those whose
// stop triggered and enforcing the daily loss limit
func (m *Manager) UpdatePrice(symbol string, price float64) []ClosedPosition {
	if price <= 0 {
		return nil
	}

	m.mu.Lock()
	affected := make(map[string]bool)
	triggered := make([]*Position, 0)
	for _, p := range m.positions {
		if p.Symbol != symbol || p.Status != StatusOpen {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = p.pnlAt(price)
		affected[p.TraderID] = true

		if upd := m.stops.UpdatePrice(p.ID, price); upd != nil {
			if upd.IsTriggered {
				triggered = append(triggered, p)
			} else {
				p.StopLoss = upd.NewStopLoss
			}
		}
	}
	sort.Slice(triggered, func(i, j int) bool { return triggered[i].ID < triggered[j].ID })

	closed := make([]ClosedPosition, 0)
	for _, p := range triggered {
		metrics.StopLossTriggers.Inc()
		m.logger.Warn().Str("trader_id", p.TraderID).Str("position_id", p.ID).
			Float64("stop", p.StopLoss).Float64("price", price).Msg("Stop loss triggered")
		closed = append(closed, m.closeLocked(p, price, CloseReasonStopLoss))
	}
	traderIDs := make([]string, 0, len(affected))
	for id := range affected {
		traderIDs = append(traderIDs, id)
	}
	sort.Strings(traderIDs)
	for _, id := range traderIDs {
		closed = append(closed, m.enforceDailyLossLocked(id)...)
	}
	m.mu.Unlock()

	for _, c := range closed {
		if c.Reason == CloseReasonStopLoss {
			m.bus.Publish(events.Event{
				Type:     events.EventStopLossTriggered,
				TraderID: c.TraderID,
				Data: map[string]interface{}{
					"position_id": c.ID,
					"symbol":      c.Symbol,
					"stop_loss":   c.StopLoss,
					"price":       c.ExitPrice,
				},
			})
		}
	}
	m.announce(closed, true)
	return closed
}

// announce publishes closes and hands forced ones to the handler
func (m *Manager) announce(closed []ClosedPosition, forced bool) {
	if len(closed) == 0 {
		return
	}
	m.mu.RLock()
	h := m.onForced
	m.mu.RUnlock()

	for _, c := range closed {
		m.bus.Publish(events.Event{
			Type:     events.EventPositionClosed,
			TraderID: c.TraderID,
			Data: map[string]interface{}{
				"position_id": c.ID,
				"symbol":      c.Symbol,
				"reason":      c.Reason,
				"entry_price": c.EntryPrice,
				"exit_price":  c.ExitPrice,
				"pnl":         c.RealizedPnL,
				"pnl_percent": c.ReturnPct,
			},
		})
		if forced && h != nil {
			h(c)
		}
	}
}

// Positions returns the positions of traderID, or all when empty
func (m *Manager) Positions(traderID string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Position, 0)
	for _, p := range m.positions {
		if traderID == "" || p.TraderID == traderID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CalculateExposure sums size x leverage over live positions of traderID,
// or over all positions when traderID is empty
func (m *Manager) CalculateExposure(traderID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exposureLocked(traderID)
}

func (m *Manager) exposureLocked(traderID string) float64 {
	total := 0.0
	for _, p := range m.positions {
		if traderID == "" || p.TraderID == traderID {
			total += p.Exposure()
		}
	}
	return total
}

func (m *Manager) publishExposureLocked() {
	metrics.TotalExposure.Set(m.exposureLocked(""))
}

// CheckRiskLimits scores current utilization for traderID, or system-wide
// when empty
func (m *Manager) CheckRiskLimits(traderID string) RiskScore {
	m.mu.Lock()
	defer m.mu.Unlock()

	score := RiskScore{TraderID: traderID}
	var t *traderLimits
	if traderID != "" {
		t = m.traders[traderID]
		if t != nil {
			m.rollDay(t)
		}
	}

	if m.totalBudget.IsPositive() {
		score.Budget = m.allocated.Div(m.totalBudget).InexactFloat64()
	} else {
		score.Budget = 1
		score.Reasons = append(score.Reasons, apperr.ReasonNoFunds)
	}

	score.Leverage = ratio(m.totalLeverageLocked(), m.cfg.MaxTotalLeverage)
	score.Exposure = ratio(m.exposureLocked(""), m.cfg.MaxTotalExposure)
	if t != nil {
		score.Exposure = math.Max(score.Exposure, ratio(m.exposureLocked(traderID), m.cfg.MaxExposurePerTrader))
	}

	pnl := 0.0
	for _, tr := range m.traders {
		if t != nil && tr != t {
			continue
		}
		m.rollDay(tr)
		pnl += tr.dailyPnL
	}
	for _, p := range m.positions {
		if t == nil || p.TraderID == traderID {
			pnl += p.UnrealizedPnL
		}
	}
	if pnl < 0 && m.cfg.MaxDailyLoss > 0 {
		limit := m.cfg.MaxDailyLoss
		if t == nil && len(m.traders) > 0 {
			limit *= float64(len(m.traders))
		}
		score.PnL = clamp01(-pnl / limit)
	}

	score.Budget = clamp01(score.Budget)
	score.Leverage = clamp01(score.Leverage)
	score.Exposure = clamp01(score.Exposure)
	score.Overall = round4(0.3*score.Budget + 0.2*score.Leverage + 0.3*score.Exposure + 0.2*score.PnL)

	switch {
	case m.emergency || (t != nil && t.emergency):
		score.Overall = 1
		score.Recommendation = RecommendEmergencyStop
		score.Reasons = append(score.Reasons, "emergency stop active")
	case score.PnL >= 1 || (t != nil && t.blocked):
		score.Recommendation = RecommendBlock
		score.Reasons = append(score.Reasons, "daily loss limit reached")
	case score.Budget >= 1 || score.Leverage >= 1 || score.Exposure >= 1:
		score.Recommendation = RecommendBlock
		score.Reasons = append(score.Reasons, "limit fully utilized")
	case score.Overall >= 0.8:
		score.Recommendation = RecommendBlock
	case score.Overall >= 0.5:
		score.Recommendation = RecommendWarn
	default:
		score.Recommendation = RecommendAllow
	}
	return score
}

func ratio(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return v / limit
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// EmergencyStop closes every affected position and blocks opening until
// cleared. An empty traderID targets the whole system. Calling it again
// while active has no further effect.
func (m *Manager) EmergencyStop(traderID, reason string) []ClosedPosition {
	m.mu.Lock()
	changed := false
	if traderID == "" {
		changed = !m.emergency
		m.emergency = true
		metrics.EmergencyStopActive.Set(1)
	} else {
		t, ok := m.traders[traderID]
		if !ok {
			t = &traderLimits{id: traderID, day: m.today()}
			m.traders[traderID] = t
		}
		changed = !t.emergency
		t.emergency = true
	}
	closed := m.closeTraderLocked(traderID, CloseReasonEmergency)
	m.mu.Unlock()

	if changed {
		m.logger.Warn().Str("trader_id", traderID).Str("reason", reason).Int("closed", len(closed)).Msg("EMERGENCY STOP")
		m.bus.Publish(events.Event{
			Type:     events.EventEmergencyStop,
			TraderID: traderID,
			Data: map[string]interface{}{
				"reason": reason,
				"closed": len(closed),
			},
		})
	}
	m.announce(closed, true)
	return closed
}

// ClearEmergencyStop re-enables opening for traderID, or system-wide when empty
func (m *Manager) ClearEmergencyStop(traderID string) {
	m.mu.Lock()
	changed := false
	if traderID == "" {
		changed = m.emergency
		m.emergency = false
		metrics.EmergencyStopActive.Set(0)
	} else if t, ok := m.traders[traderID]; ok {
		changed = t.emergency
		t.emergency = false
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info().Str("trader_id", traderID).Msg("Emergency stop cleared")
		m.bus.Publish(events.Event{Type: events.EventEmergencyCleared, TraderID: traderID})
	}
}

// IsEmergencyActive reports whether opening is disabled for traderID by an
// emergency stop, global or targeted
func (m *Manager) IsEmergencyActive(traderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.emergency {
		return true
	}
	t, ok := m.traders[traderID]
	return ok && t.emergency
}

// Summary returns a snapshot of the whole risk state
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		TotalBudget:     m.totalBudget.InexactFloat64(),
		Allocated:       m.allocated.InexactFloat64(),
		Available:       m.availableLocked().InexactFloat64(),
		TotalLeverage:   m.totalLeverageLocked(),
		TotalExposure:   m.exposureLocked(""),
		EmergencyActive: m.emergency,
		Traders:         make([]TraderRisk, 0, len(m.traders)),
		Positions:       make([]Position, 0, len(m.positions)),
		Timestamp:       m.now(),
	}

	for _, t := range m.traders {
		m.rollDay(t)
		tr := TraderRisk{
			TraderID:        t.id,
			Stake:           t.stake,
			MaxLeverage:     t.maxLeverage,
			Exposure:        m.exposureLocked(t.id),
			DailyPnL:        t.dailyPnL,
			Blocked:         t.blocked,
			BlockReason:     t.blockReason,
			EmergencyActive: t.emergency,
		}
		for _, p := range m.positions {
			if p.TraderID == t.id {
				tr.OpenPositions++
				tr.Allocated += p.Size
			}
		}
		s.DailyPnL += t.dailyPnL
		s.Traders = append(s.Traders, tr)
	}
	sort.Slice(s.Traders, func(i, j int) bool { return s.Traders[i].TraderID < s.Traders[j].TraderID })

	for _, p := range m.positions {
		s.Positions = append(s.Positions, *p)
	}
	sort.Slice(s.Positions, func(i, j int) bool { return s.Positions[i].ID < s.Positions[j].ID })
	return s
}
