package trader

import (
	"context"
	"sync"
	"testing"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
	"ai-trading-engine/internal/strategy"
)

func newTestManager(t *testing.T, store Store) (*Manager, *risk.Manager, *recordingBus) {
	t.Helper()
	reg := exchange.NewRegistry()
	reg.Register(exchange.NewPaperClient(exchange.DefaultPaperConfig()))

	bus := &recordingBus{}
	rm, err := risk.NewManager(risk.DefaultConfig(), bus, logging.Nop())
	if err != nil {
		t.Fatalf("risk.NewManager failed: %v", err)
	}
	cfg := DefaultManagerConfig()
	cfg.HealthCheckInterval = 0
	cfg.Trader.OrderTimeout = time.Second

	m, err := NewManager(context.Background(), cfg, ManagerDeps{
		Exchanges: reg,
		Processor: marketdata.NewProcessor(logging.Nop()),
		Generator: signals.NewGenerator(signals.DefaultConfig(), nil, nil, logging.Nop()),
		Risk:      rm,
		Store:     store,
		Bus:       bus,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m, rm, bus
}

func traderConfig(name string) Config {
	return Config{
		Name:        name,
		Exchange:    "PAPER",
		Symbol:      "btcusdt",
		StakeAmount: 100,
		RiskLevel:   2,
		Strategy:    "trend-following",
		Interval:    "1h",
	}
}

func TestManager_CreateTraderNormalizes(t *testing.T) {
	m, _, bus := newTestManager(t, nil)

	st, err := m.CreateTrader(traderConfig("alpha"))
	if err != nil {
		t.Fatalf("CreateTrader failed: %v", err)
	}
	if st.Config.ID == "" || st.Config.Symbol != "BTCUSDT" || st.Config.Exchange != "paper" || st.Config.Strategy != strategy.KindTrendFollowing {
		t.Errorf("Expected a normalized config with an id, got %+v", st.Config)
	}
	if st.State != StateIdle {
		t.Errorf("Expected IDLE, got %s", st.State)
	}
	if bus.count(events.EventTraderCreated) != 1 {
		t.Errorf("Expected one TRADER_CREATED event, got %d", bus.count(events.EventTraderCreated))
	}

	bad := traderConfig("beta")
	bad.Exchange = "nowhere"
	if _, err := m.CreateTrader(bad); !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("Expected unknown exchange to fail, got %v", err)
	}
	bad = traderConfig("gamma")
	bad.RiskLevel = 11
	if _, err := m.CreateTrader(bad); !apperr.Is(err, apperr.KindConfiguration) {
		t.Errorf("Expected risk level 11 to fail, got %v", err)
	}
}

func TestManager_TraderCap(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	ids := make([]string, 0, 3)
	for _, name := range []string{"a", "b", "c"} {
		st, err := m.CreateTrader(traderConfig(name))
		if err != nil {
			t.Fatalf("CreateTrader %s failed: %v", name, err)
		}
		ids = append(ids, st.Config.ID)
	}
	if _, err := m.CreateTrader(traderConfig("d")); !apperr.Is(err, apperr.KindLimitExceeded) {
		t.Fatalf("Expected the fourth trader to be refused, got %v", err)
	}
	if n := m.ActiveCount(); n != 3 {
		t.Errorf("Expected 3 active traders, got %d", n)
	}

	// a stopped trader frees its slot but cannot restart while the cap is full
	if err := m.StopTrader(ids[0], ""); err != nil {
		t.Fatalf("StopTrader failed: %v", err)
	}
	st, err := m.CreateTrader(traderConfig("d"))
	if err != nil {
		t.Fatalf("Expected creation after a stop to succeed, got %v", err)
	}
	if err := m.StartTrader(ids[0]); !apperr.Is(err, apperr.KindLimitExceeded) {
		t.Errorf("Expected restart above the cap to fail, got %v", err)
	}

	if err := m.DeleteTrader(st.Config.ID); err != nil {
		t.Fatalf("DeleteTrader failed: %v", err)
	}
	if _, err := m.GetTrader(st.Config.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected deleted trader to be gone, got %v", err)
	}
	if n := len(m.ListTraders()); n != 3 {
		t.Errorf("Expected 3 traders listed, got %d", n)
	}
}

func TestManager_LifecycleAndShutdown(t *testing.T) {
	m, rm, _ := newTestManager(t, nil)

	st, err := m.CreateTrader(traderConfig("alpha"))
	if err != nil {
		t.Fatalf("CreateTrader failed: %v", err)
	}
	id := st.Config.ID

	if err := m.PauseTrader(id); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected pause of an idle trader to fail, got %v", err)
	}
	if err := m.StartTrader(id); err != nil {
		t.Fatalf("StartTrader failed: %v", err)
	}
	if err := m.PauseTrader(id); err != nil {
		t.Fatalf("PauseTrader failed: %v", err)
	}
	if err := m.ResumeTrader(id); err != nil {
		t.Fatalf("ResumeTrader failed: %v", err)
	}

	next := traderConfig("alpha")
	next.StakeAmount = 200
	if _, err := m.UpdateTraderConfig(id, next); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected stake change while running to fail, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	got, _ := m.GetTrader(id)
	if got.State != StateStopped {
		t.Errorf("Expected STOPPED after shutdown, got %s", got.State)
	}
	if n := len(rm.Positions(id)); n != 0 {
		t.Errorf("Expected no positions after shutdown, got %d", n)
	}

	updated, err := m.UpdateTraderConfig(id, next)
	if err != nil || updated.Config.StakeAmount != 200 {
		t.Errorf("Expected stake change while stopped, got %v %v", updated.Config.StakeAmount, err)
	}
}

func TestManager_LoadTradersAndHealth(t *testing.T) {
	store := NewMemoryStore()
	cfg := traderConfig("restored").Normalize()
	cfg.ID = "restored-1"
	_ = store.SaveTrader(context.Background(), cfg, StateRunning)
	broken := cfg
	broken.ID = "broken-1"
	broken.Exchange = "gone"
	_ = store.SaveTrader(context.Background(), broken, StateRunning)

	m, _, bus := newTestManager(t, store)
	n, err := m.LoadTraders(context.Background())
	if err != nil {
		t.Fatalf("LoadTraders failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 trader restored, got %d", n)
	}
	st, err := m.GetTrader("restored-1")
	if err != nil || st.State != StateIdle {
		t.Errorf("Expected restored trader to be IDLE, got %v %v", st.State, err)
	}

	health := m.HealthCheck(context.Background())
	if len(health) != 1 || !health[0].Healthy {
		t.Errorf("Expected one healthy trader, got %+v", health)
	}
	if bus.count(events.EventTraderHealth) != 1 {
		t.Errorf("Expected a TRADER_HEALTH event, got %d", bus.count(events.EventTraderHealth))
	}
}

func TestManager_SyncBudgetFollowsBalance(t *testing.T) {
	reg := exchange.NewRegistry()
	paper := exchange.NewPaperClient(exchange.DefaultPaperConfig())
	reg.Register(paper)

	rm, err := risk.NewManager(risk.DefaultConfig(), &recordingBus{}, logging.Nop())
	if err != nil {
		t.Fatalf("risk.NewManager failed: %v", err)
	}
	bus := &recordingBus{}
	cfg := DefaultManagerConfig()
	cfg.HealthCheckInterval = 0
	m, err := NewManager(context.Background(), cfg, ManagerDeps{
		Exchanges: reg,
		Processor: marketdata.NewProcessor(logging.Nop()),
		Generator: signals.NewGenerator(signals.DefaultConfig(), nil, nil, logging.Nop()),
		Risk:      rm,
		Bus:       bus,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ctx := context.Background()

	paper.SetBalance(4000)
	budget, err := m.SyncBudget(ctx)
	if err != nil || budget != 4000 {
		t.Fatalf("Expected budget 4000, got %v %v", budget, err)
	}
	if rm.AvailableBudget() != 4000 {
		t.Errorf("Expected available 4000, got %v", rm.AvailableBudget())
	}

	// the configured budget stays the ceiling
	paper.SetBalance(50000)
	if budget, _ := m.SyncBudget(ctx); budget != 10000 {
		t.Errorf("Expected budget capped at 10000, got %v", budget)
	}

	if err := rm.RegisterTrader("alloc", 100, 2); err != nil {
		t.Fatalf("RegisterTrader failed: %v", err)
	}
	if _, err := rm.OpenPosition(risk.OpenRequest{TraderID: "alloc", Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 100, Leverage: 2}, 100); err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	paper.SetBalance(0)
	_, err = m.SyncBudget(ctx)
	if !apperr.Is(err, apperr.KindInsufficientFunds) {
		t.Errorf("Expected INSUFFICIENT_FUNDS below allocated capital, got %v", err)
	}
	if rm.Config().TotalBudget != 10000 {
		t.Errorf("Expected budget unchanged after refusal, got %v", rm.Config().TotalBudget)
	}
	if bus.count(events.EventError) != 1 {
		t.Errorf("Expected an ERROR event, got %d", bus.count(events.EventError))
	}

	m.cfg.QuoteAsset = "EUR"
	if _, err := m.SyncBudget(ctx); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected NOT_FOUND for a missing asset, got %v", err)
	}
}

// invalidatingClient records candle invalidations on top of the paper client
type invalidatingClient struct {
	*exchange.PaperClient
	mu      sync.Mutex
	dropped []string
}

func (c *invalidatingClient) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, symbol)
}

func TestManager_DeleteTraderInvalidatesCandles(t *testing.T) {
	reg := exchange.NewRegistry()
	client := &invalidatingClient{PaperClient: exchange.NewPaperClient(exchange.DefaultPaperConfig())}
	reg.Register(client)

	rm, err := risk.NewManager(risk.DefaultConfig(), &recordingBus{}, logging.Nop())
	if err != nil {
		t.Fatalf("risk.NewManager failed: %v", err)
	}
	cfg := DefaultManagerConfig()
	cfg.HealthCheckInterval = 0
	m, err := NewManager(context.Background(), cfg, ManagerDeps{
		Exchanges: reg,
		Processor: marketdata.NewProcessor(logging.Nop()),
		Generator: signals.NewGenerator(signals.DefaultConfig(), nil, nil, logging.Nop()),
		Risk:      rm,
		Bus:       &recordingBus{},
	}, logging.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	st, err := m.CreateTrader(traderConfig("gamma"))
	if err != nil {
		t.Fatalf("CreateTrader failed: %v", err)
	}
	if err := m.DeleteTrader(st.Config.ID); err != nil {
		t.Fatalf("DeleteTrader failed: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.dropped) != 1 || client.dropped[0] != "BTCUSDT" {
		t.Errorf("Expected one invalidation for BTCUSDT, got %v", client.dropped)
	}
}
