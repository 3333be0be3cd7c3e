package trader

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
)

// ManagerConfig configures the trader manager
type ManagerConfig struct {
	MaxTraders          int           `json:"max_traders"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	Trader              Options       `json:"trader"`
	// BalanceExchange is read for the QuoteAsset balance that caps the risk
	// budget. Empty disables the check.
	BalanceExchange string `json:"balance_exchange"`
	QuoteAsset      string `json:"quote_asset"`
}

// DefaultManagerConfig allows three concurrent traders
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxTraders:          3,
		HealthCheckInterval: 30 * time.Second,
		Trader:              DefaultOptions(),
		BalanceExchange:     "paper",
		QuoteAsset:          "USDT",
	}
}

// ManagerDeps are the shared services handed to every trader
type ManagerDeps struct {
	Exchanges *exchange.Registry
	Processor *marketdata.Processor
	Generator *signals.Generator
	Risk      *risk.Manager
	Learner   *patterns.Learner
	Store     Store
	Bus       events.Publisher
}

// candleInvalidator is implemented by exchange clients that cache candles
type candleInvalidator interface {
	Invalidate(symbol string)
}

// Manager owns the traders. Creation and the trader cap are serialized by
// mu; lifecycle operations run on the trader itself.
type Manager struct {
	cfg    ManagerConfig
	deps   ManagerDeps
	logger zerolog.Logger

	budgetCap float64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	traders map[string]*AITrader
}

// NewManager creates a manager. Trader loops run under ctx.
func NewManager(ctx context.Context, cfg ManagerConfig, deps ManagerDeps, logger zerolog.Logger) (*Manager, error) {
	if cfg.MaxTraders <= 0 {
		return nil, apperr.New(apperr.KindConfiguration, "max traders must be positive")
	}
	if deps.Exchanges == nil || deps.Processor == nil || deps.Generator == nil || deps.Risk == nil {
		return nil, apperr.New(apperr.KindConfiguration, "exchange registry, processor, generator and risk manager are required")
	}
	if deps.Bus == nil {
		deps.Bus = events.NopPublisher{}
	}
	if cfg.Trader.CandleLimit <= 0 {
		cfg.Trader = DefaultOptions()
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		logger:  logging.Component(logger, "TraderManager"),
		ctx:     ctx,
		cancel:  cancel,
		traders: make(map[string]*AITrader),

		budgetCap: deps.Risk.Config().TotalBudget,
	}
	deps.Risk.SetForcedCloseHandler(m.routeForcedClose)
	return m, nil
}

func (m *Manager) routeForcedClose(c risk.ClosedPosition) {
	m.mu.RLock()
	t, ok := m.traders[c.TraderID]
	m.mu.RUnlock()
	if ok {
		t.onForcedClose(c)
	}
}

func (m *Manager) get(id string) (*AITrader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.traders[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "trader %s not found", id)
	}
	return t, nil
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, t := range m.traders {
		if t.State().Active() {
			n++
		}
	}
	return n
}

func (m *Manager) traderDeps(client exchange.Client) Deps {
	return Deps{
		Exchange:  client,
		Processor: m.deps.Processor,
		Generator: m.deps.Generator,
		Risk:      m.deps.Risk,
		Learner:   m.deps.Learner,
		Store:     m.deps.Store,
		Bus:       m.deps.Bus,
	}
}

func (m *Manager) persist(t *AITrader) {
	if m.deps.Store == nil {
		return
	}
	st := t.Status()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Store.SaveTrader(ctx, st.Config, st.State); err != nil {
		m.logger.Warn().Err(err).Str("trader_id", st.Config.ID).Msg("Failed to persist trader")
	}
}

// CreateTrader validates cfg, registers it with the risk manager and adds
// an Idle trader. Fails with LimitExceeded when MaxTraders are active.
func (m *Manager) CreateTrader(cfg Config) (Status, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	if n := m.activeLocked(); n >= m.cfg.MaxTraders {
		m.mu.Unlock()
		return Status{}, apperr.New(apperr.KindLimitExceeded, "maximum of %d active traders reached", m.cfg.MaxTraders)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, exists := m.traders[cfg.ID]; exists {
		m.mu.Unlock()
		return Status{}, apperr.New(apperr.KindConfiguration, "trader %s already exists", cfg.ID)
	}

	client, err := m.deps.Exchanges.Get(cfg.Exchange)
	if err != nil {
		m.mu.Unlock()
		return Status{}, err
	}
	if err := m.deps.Risk.RegisterTrader(cfg.ID, cfg.StakeAmount, cfg.Leverage()); err != nil {
		m.mu.Unlock()
		return Status{}, err
	}
	t, err := newTrader(cfg, m.traderDeps(client), m.cfg.Trader, m.logger)
	if err != nil {
		m.mu.Unlock()
		_ = m.deps.Risk.UnregisterTrader(cfg.ID)
		return Status{}, err
	}
	m.traders[cfg.ID] = t
	active := m.activeLocked()
	m.mu.Unlock()

	metrics.ActiveTraders.Set(float64(active))
	m.persist(t)
	m.logger.Info().Str("trader_id", cfg.ID).Str("symbol", cfg.Symbol).Str("strategy", string(cfg.Strategy)).Msg("Trader created")
	m.deps.Bus.Publish(events.Event{
		Type:     events.EventTraderCreated,
		TraderID: cfg.ID,
		Data: map[string]interface{}{
			"name":     cfg.Name,
			"exchange": cfg.Exchange,
			"symbol":   cfg.Symbol,
			"strategy": string(cfg.Strategy),
		},
	})
	return t.Status(), nil
}

// StartTrader starts a trader. Restarting a Stopped trader counts against
// the cap again.
func (m *Manager) StartTrader(id string) error {
	m.mu.Lock()
	t, ok := m.traders[id]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "trader %s not found", id)
	}
	if !t.State().Active() && m.activeLocked() >= m.cfg.MaxTraders {
		m.mu.Unlock()
		return apperr.New(apperr.KindLimitExceeded, "maximum of %d active traders reached", m.cfg.MaxTraders)
	}
	err := t.Start(m.ctx)
	active := m.activeLocked()
	m.mu.Unlock()

	metrics.ActiveTraders.Set(float64(active))
	if err != nil {
		return err
	}
	m.persist(t)
	return nil
}

// StopTrader stops a trader and flattens its positions. An errored trader
// is recovered instead.
func (m *Manager) StopTrader(id, reason string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "stop requested"
	}
	if t.State() == StateError {
		err = t.Recover()
	} else {
		err = t.Stop(reason)
	}
	m.refreshActive()
	if err != nil {
		return err
	}
	m.persist(t)
	return nil
}

// PauseTrader pauses a running trader
func (m *Manager) PauseTrader(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := t.Pause(); err != nil {
		return err
	}
	m.persist(t)
	return nil
}

// ResumeTrader resumes a paused trader
func (m *Manager) ResumeTrader(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if err := t.Resume(); err != nil {
		return err
	}
	m.persist(t)
	return nil
}

// RecoverTrader moves an errored trader to Stopped
func (m *Manager) RecoverTrader(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	err = t.Recover()
	m.refreshActive()
	if err != nil {
		return err
	}
	m.persist(t)
	return nil
}

// DeleteTrader stops the trader if needed and removes it
func (m *Manager) DeleteTrader(id string) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	switch t.State() {
	case StateError:
		if err := t.Recover(); err != nil {
			return err
		}
	case StateStopped:
	default:
		if err := t.Stop("trader deleted"); err != nil {
			return err
		}
	}

	if err := m.deps.Risk.UnregisterTrader(id); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}

	m.mu.Lock()
	delete(m.traders, id)
	active := m.activeLocked()
	m.mu.Unlock()

	metrics.ActiveTraders.Set(float64(active))
	metrics.ForgetTrader(id)
	m.deps.Processor.Forget(t.cfg.Symbol, t.cfg.Interval)
	if client, err := m.deps.Exchanges.Get(t.cfg.Exchange); err == nil {
		if inv, ok := client.(candleInvalidator); ok {
			inv.Invalidate(t.cfg.Symbol)
		}
	}
	if m.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.deps.Store.DeleteTrader(ctx, id); err != nil {
			m.logger.Warn().Err(err).Str("trader_id", id).Msg("Failed to delete trader from store")
		}
	}
	m.logger.Info().Str("trader_id", id).Msg("Trader deleted")
	m.deps.Bus.Publish(events.Event{Type: events.EventTraderDeleted, TraderID: id})
	return nil
}

// UpdateTraderConfig changes a trader's configuration. Trading parameters
// can only change while the trader is not running.
func (m *Manager) UpdateTraderConfig(id string, next Config) (Status, error) {
	t, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	next = next.Normalize()
	client, err := m.deps.Exchanges.Get(next.Exchange)
	if err != nil {
		return Status{}, err
	}
	_, err = t.UpdateConfig(next, client, func(c Config) error {
		return m.deps.Risk.RegisterTrader(id, c.StakeAmount, c.Leverage())
	})
	if err != nil {
		return Status{}, err
	}
	m.persist(t)
	return t.Status(), nil
}

// GetTrader returns the status of one trader
func (m *Manager) GetTrader(id string) (Status, error) {
	t, err := m.get(id)
	if err != nil {
		return Status{}, err
	}
	return t.Status(), nil
}

// ListTraders returns every trader ordered by name then id
func (m *Manager) ListTraders() []Status {
	m.mu.RLock()
	list := make([]*AITrader, 0, len(m.traders))
	for _, t := range m.traders {
		list = append(list, t)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(list))
	for _, t := range list {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Name != out[j].Config.Name {
			return out[i].Config.Name < out[j].Config.Name
		}
		return out[i].Config.ID < out[j].Config.ID
	})
	return out
}

// ActiveCount returns the number of traders counting against the cap
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) refreshActive() {
	metrics.ActiveTraders.Set(float64(m.ActiveCount()))
}

// HealthCheck checks every trader, reconciling pending orders
func (m *Manager) HealthCheck(ctx context.Context) []Health {
	m.mu.RLock()
	list := make([]*AITrader, 0, len(m.traders))
	for _, t := range m.traders {
		list = append(list, t)
	}
	m.mu.RUnlock()

	out := make([]Health, 0, len(list))
	for _, t := range list {
		h := t.Health(ctx)
		if !h.Healthy {
			m.logger.Warn().Str("trader_id", h.TraderID).Str("state", string(h.State)).Bool("stalled", h.Stalled).Str("error", h.Error).Msg("Trader unhealthy")
		}
		m.deps.Bus.Publish(events.Event{
			Type:     events.EventTraderHealth,
			TraderID: h.TraderID,
			Data: map[string]interface{}{
				"state":      string(h.State),
				"healthy":    h.Healthy,
				"stalled":    h.Stalled,
				"reconciled": h.Reconciled,
			},
		})
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TraderID < out[j].TraderID })
	m.refreshActive()

	if _, err := m.SyncBudget(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Budget sync failed")
	}
	return out
}

// SyncBudget sets the risk budget to the smaller of the configured budget and
// the quote balance (free plus locked) on the balance exchange. A balance
// below the allocated capital is refused and leaves the budget unchanged.
func (m *Manager) SyncBudget(ctx context.Context) (float64, error) {
	if m.cfg.BalanceExchange == "" {
		return m.deps.Risk.Config().TotalBudget, nil
	}
	client, err := m.deps.Exchanges.Get(m.cfg.BalanceExchange)
	if err != nil {
		return 0, err
	}
	balances, err := client.GetBalance(ctx)
	if err != nil {
		return 0, err
	}

	free, found := 0.0, false
	for _, b := range balances {
		if strings.EqualFold(b.Asset, m.cfg.QuoteAsset) {
			free, found = b.Free+b.Locked, true
			break
		}
	}
	if !found {
		return 0, apperr.New(apperr.KindNotFound, "no %s balance on %s", m.cfg.QuoteAsset, m.cfg.BalanceExchange)
	}

	budget := math.Min(m.budgetCap, free)
	if err := m.deps.Risk.SetTotalBudget(budget); err != nil {
		if apperr.Is(err, apperr.KindInsufficientFunds) {
			m.deps.Bus.Publish(events.Event{
				Type: events.EventError,
				Data: map[string]interface{}{
					"source":  "budget_sync",
					"message": apperr.ReasonOf(err),
					"free":    free,
				},
			})
		}
		return 0, err
	}
	return budget, nil
}

// Run performs periodic health checks until ctx is done
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.HealthCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthCheck(ctx)
		}
	}
}

// LoadTraders restores persisted traders as Idle. Traders beyond the cap
// are still loaded but cannot start until a slot frees up.
func (m *Manager) LoadTraders(ctx context.Context) (int, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	cfgs, err := m.deps.Store.ListTraders(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, cfg := range cfgs {
		cfg = cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			m.logger.Warn().Err(err).Str("trader_id", cfg.ID).Msg("Skipping invalid stored trader")
			continue
		}
		client, err := m.deps.Exchanges.Get(cfg.Exchange)
		if err != nil {
			m.logger.Warn().Err(err).Str("trader_id", cfg.ID).Msg("Skipping trader with unknown exchange")
			continue
		}
		if err := m.deps.Risk.RegisterTrader(cfg.ID, cfg.StakeAmount, cfg.Leverage()); err != nil {
			m.logger.Warn().Err(err).Str("trader_id", cfg.ID).Msg("Skipping trader the risk manager refused")
			continue
		}
		t, err := newTrader(cfg, m.traderDeps(client), m.cfg.Trader, m.logger)
		if err != nil {
			_ = m.deps.Risk.UnregisterTrader(cfg.ID)
			continue
		}

		m.mu.Lock()
		if _, exists := m.traders[cfg.ID]; !exists {
			m.traders[cfg.ID] = t
			loaded++
		}
		m.mu.Unlock()
	}
	m.refreshActive()
	m.logger.Info().Int("loaded", loaded).Msg("Traders restored")
	return loaded, nil
}

// Shutdown stops every trader concurrently and cancels remaining loops
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	list := make([]*AITrader, 0, len(m.traders))
	for _, t := range m.traders {
		list = append(list, t)
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, t := range list {
		t := t
		g.Go(func() error {
			switch t.State() {
			case StateRunning, StatePaused, StateStarting:
				if err := t.Stop("shutdown"); err != nil && !apperr.Is(err, apperr.KindConcurrencyViolation) {
					return err
				}
			case StateError:
				return t.Recover()
			}
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = apperr.Wrap(apperr.KindTransientIO, ctx.Err(), "shutdown timed out")
	}
	m.cancel()
	m.refreshActive()
	m.logger.Info().Int("traders", len(list)).Msg("Trader manager shut down")
	return err
}
