package trader

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
	"ai-trading-engine/internal/strategy"
)

type fixedStrategy struct {
	mu  sync.Mutex
	sig strategy.Signal
}

func (f *fixedStrategy) Kind() strategy.Kind { return strategy.KindTrendFollowing }
func (f *fixedStrategy) Name() string { return "fixed" }
func (f *fixedStrategy) Description() string { return "returns a fixed signal" }
func (f *fixedStrategy) RequiredIndicators() []indicators.Spec { return nil }
func (f *fixedStrategy) Lookback() int { return 1 }
func (f *fixedStrategy) ValidateConfig() error { return nil }
func (f *fixedStrategy) Reset() {}
func (f *fixedStrategy) GenerateSignal([]exchange.Candle, indicators.Values) strategy.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sig
}

func (f *fixedStrategy) set(a strategy.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sig = strategy.Signal{Action: a, Confidence: 0.8, Reason: "fixed"}
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) of(t events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBus) count(t events.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// lossyClient drops order responses while failing is set. With forward
// set the order still reaches the exchange.
type lossyClient struct {
	*exchange.PaperClient
	mu      sync.Mutex
	failing bool
	forward bool
}

func (c *lossyClient) SubmitOrder(ctx context.Context, o exchange.Order) (*exchange.OrderResult, error) {
	c.mu.Lock()
	failing, forward := c.failing, c.forward
	c.mu.Unlock()
	if !failing {
		return c.PaperClient.SubmitOrder(ctx, o)
	}
	if forward {
		_, _ = c.PaperClient.SubmitOrder(ctx, o)
	}
	return nil, apperr.New(apperr.KindTransientIO, "connection reset")
}

func (c *lossyClient) heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = false
}

type brokenFeed struct {
	*exchange.PaperClient
}

func (b brokenFeed) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return nil, apperr.New(apperr.KindTransientIO, "feed down")
}

func flatCandles(n int, lastClose float64) []exchange.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		c := 100.0
		if i == n-1 {
			c = lastClose
		}
		out[i] = exchange.Candle{
			OpenTime:  t0.Add(time.Duration(i) * time.Hour),
			CloseTime: t0.Add(time.Duration(i+1)*time.Hour - time.Millisecond),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

type harness struct {
	trader *AITrader
	strat  *fixedStrategy
	paper  *exchange.PaperClient
	risk   *risk.Manager
	store  *MemoryStore
	bus    *recordingBus
}

func testConfig() Config {
	return Config{
		ID:          "t1",
		Exchange:    "paper",
		Symbol:      "BTCUSDT",
		StakeAmount: 100,
		RiskLevel:   2,
		Strategy:    strategy.KindTrendFollowing,
		Interval:    "1h",
	}.Normalize()
}

func newHarness(t *testing.T, client func(*exchange.PaperClient) exchange.Client) *harness {
	t.Helper()
	paper := exchange.NewPaperClient(exchange.DefaultPaperConfig())
	paper.SetCandles("BTCUSDT", "1h", flatCandles(30, 100))

	bus := &recordingBus{}
	rm, err := risk.NewManager(risk.DefaultConfig(), bus, logging.Nop())
	if err != nil {
		t.Fatalf("risk.NewManager failed: %v", err)
	}
	cfg := testConfig()
	if err := rm.RegisterTrader(cfg.ID, cfg.StakeAmount, cfg.Leverage()); err != nil {
		t.Fatalf("RegisterTrader failed: %v", err)
	}

	var c exchange.Client = paper
	if client != nil {
		c = client(paper)
	}
	store := NewMemoryStore()
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.Retry = RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	opts.OrderTimeout = time.Second

	tr, err := newTrader(cfg, Deps{
		Exchange:  c,
		Processor: marketdata.NewProcessor(logging.Nop()),
		Generator: signals.NewGenerator(signals.DefaultConfig(), nil, nil, logging.Nop()),
		Risk:      rm,
		Store:     store,
		Bus:       bus,
	}, opts, logging.Nop())
	if err != nil {
		t.Fatalf("newTrader failed: %v", err)
	}
	strat := &fixedStrategy{}
	strat.set(strategy.ActionHold)
	tr.strat = strat
	rm.SetForcedCloseHandler(tr.onForcedClose)

	return &harness{trader: tr, strat: strat, paper: paper, risk: rm, store: store, bus: bus}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StatePaused, true},
		{StatePaused, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateStarting, true},
		{StateError, StateStopped, true},
		{StateIdle, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateError, StateRunning, false},
		{StatePaused, StatePaused, false},
		{StateStopping, StateRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("Expected %s -> %s to be %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}

	for _, s := range States() {
		if s != StateError && s != StateStopped && !CanTransition(s, StateError) {
			t.Errorf("Expected %s -> ERROR to be legal", s)
		}
	}
}

func TestIterate_OpensAndClosesOnSignal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	positions := h.risk.Positions("t1")
	if len(positions) != 1 {
		t.Fatalf("Expected 1 position, got %d", len(positions))
	}
	if positions[0].EntryPrice != 100 || positions[0].Quantity != 2 {
		t.Errorf("Expected entry 100 qty 2, got %v qty %v", positions[0].EntryPrice, positions[0].Quantity)
	}
	if st := h.trader.Status(); st.PositionID != positions[0].ID || st.Metrics.TradesApproved != 1 {
		t.Errorf("Expected trader to track the position, got %+v", st)
	}

	// same-side signal keeps the position
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if n := len(h.risk.Positions("t1")); n != 1 {
		t.Errorf("Expected still 1 position, got %d", n)
	}

	h.paper.SetCandles("BTCUSDT", "1h", flatCandles(30, 110))
	h.strat.set(strategy.ActionClose)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if n := len(h.risk.Positions("t1")); n != 0 {
		t.Errorf("Expected position closed, got %d", n)
	}

	trades := h.store.Trades("t1")
	if len(trades) != 1 {
		t.Fatalf("Expected 1 recorded trade, got %d", len(trades))
	}
	if math.Abs(trades[0].RealizedPnL-20) > 1e-9 || trades[0].CloseReason != risk.CloseReasonSignal {
		t.Errorf("Expected pnl 20 closed by signal, got %v (%s)", trades[0].RealizedPnL, trades[0].CloseReason)
	}
	st := h.trader.Status()
	if st.Metrics.Wins != 1 || st.Metrics.WinRate != 1 || st.Metrics.Signals["CLOSE"] != 1 || st.Metrics.Signals["BUY"] != 2 {
		t.Errorf("Unexpected metrics %+v", st.Metrics)
	}
	if h.risk.AvailableBudget() != 10000 {
		t.Errorf("Expected budget released, got %v", h.risk.AvailableBudget())
	}
}

func TestIterate_OppositeSignalReverses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	h.strat.set(strategy.ActionSell)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	positions := h.risk.Positions("t1")
	if len(positions) != 1 || positions[0].Side != exchange.SideSell {
		t.Fatalf("Expected one short position, got %+v", positions)
	}
	if n := len(h.store.Trades("t1")); n != 1 {
		t.Errorf("Expected the long to be recorded, got %d trades", n)
	}
}

func TestIterate_BadDataHolds(t *testing.T) {
	h := newHarness(t, nil)
	h.trader.state = StateRunning
	candles := flatCandles(30, 100)
	candles[10].Close = 0
	h.paper.SetCandles("BTCUSDT", "1h", candles)

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(context.Background()); err != nil {
		t.Fatalf("Expected bad data to be absorbed, got %v", err)
	}
	st := h.trader.Status()
	if st.Metrics.Signals["HOLD"] != 1 || st.PositionID != "" {
		t.Errorf("Expected a hold and no position, got %+v", st)
	}
}

func TestIterate_MaxDurationExit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.trader.state = StateRunning
	h.trader.cfg.MaxDuration = time.Hour

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h.trader.now = func() time.Time { return now }

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	h.strat.set(strategy.ActionHold)
	now = now.Add(2 * time.Hour)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	trades := h.store.Trades("t1")
	if len(trades) != 1 || trades[0].CloseReason != "max_duration" {
		t.Errorf("Expected a max_duration close, got %+v", trades)
	}
}

func TestEmergencyStop_ClosesAndBlocks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	closed := h.risk.EmergencyStop("", "test")
	if len(closed) != 1 {
		t.Fatalf("Expected 1 forced close, got %d", len(closed))
	}
	h.trader.bg.Wait()

	if st := h.trader.Status(); st.PositionID != "" {
		t.Errorf("Expected position detached, got %s", st.PositionID)
	}
	trades := h.store.Trades("t1")
	if len(trades) != 1 || trades[0].CloseReason != risk.CloseReasonEmergency {
		t.Errorf("Expected an emergency close, got %+v", trades)
	}

	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	if st := h.trader.Status(); st.Metrics.TradesRejected != 1 || st.PositionID != "" {
		t.Errorf("Expected the new trade to be refused, got %+v", st.Metrics)
	}
	if h.bus.count(events.EventTradeRejected) != 1 {
		t.Errorf("Expected a TRADE_REJECTED event, got %d", h.bus.count(events.EventTradeRejected))
	}

	decisions := h.bus.of(events.EventRiskDecision)
	if len(decisions) != 2 {
		t.Fatalf("Expected 2 RISK_DECISION events, got %d", len(decisions))
	}
	if decisions[0].Data["decision"] != "approved" || decisions[0].TraderID != "t1" {
		t.Errorf("Expected the first entry approved, got %+v", decisions[0])
	}
	if decisions[1].Data["decision"] != "refused" || decisions[1].Data["reason"] == "" {
		t.Errorf("Expected the second entry refused with a reason, got %+v", decisions[1])
	}
}

// gatedExitClient holds the first reduce-only order until release is closed
type gatedExitClient struct {
	*exchange.PaperClient
	mu      sync.Mutex
	exits   int
	entered chan struct{}
	release chan struct{}
}

func (c *gatedExitClient) SubmitOrder(ctx context.Context, o exchange.Order) (*exchange.OrderResult, error) {
	if o.ReduceOnly {
		c.mu.Lock()
		c.exits++
		first := c.exits == 1
		c.mu.Unlock()
		if first {
			close(c.entered)
			<-c.release
		}
	}
	return c.PaperClient.SubmitOrder(ctx, o)
}

func (c *gatedExitClient) exitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exits
}

func TestEmergencyStop_DuringExitSendsOneOrder(t *testing.T) {
	var gated *gatedExitClient
	h := newHarness(t, func(p *exchange.PaperClient) exchange.Client {
		gated = &gatedExitClient{PaperClient: p, entered: make(chan struct{}), release: make(chan struct{})}
		return gated
	})
	ctx := context.Background()
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(ctx); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}

	h.strat.set(strategy.ActionClose)
	errCh := make(chan error, 1)
	go func() { errCh <- h.trader.iterate(ctx) }()
	<-gated.entered

	if closed := h.risk.EmergencyStop("", "test"); len(closed) != 1 {
		t.Fatalf("Expected 1 forced close, got %d", len(closed))
	}
	close(gated.release)
	if err := <-errCh; err != nil {
		t.Fatalf("iterate failed: %v", err)
	}
	h.trader.bg.Wait()

	if n := gated.exitCount(); n != 1 {
		t.Errorf("Expected 1 exit order, got %d", n)
	}
	trades := h.store.Trades("t1")
	if len(trades) != 1 || trades[0].CloseReason != risk.CloseReasonEmergency {
		t.Errorf("Expected one emergency close recorded, got %+v", trades)
	}
	if st := h.trader.Status(); st.PositionID != "" {
		t.Errorf("Expected position detached, got %s", st.PositionID)
	}
	if h.risk.AvailableBudget() != 10000 {
		t.Errorf("Expected budget released, got %v", h.risk.AvailableBudget())
	}
}

func TestForcedClose_WhileDrainingRunsInline(t *testing.T) {
	h := newHarness(t, nil)
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	if err := h.trader.iterate(context.Background()); err != nil {
		t.Fatalf("iterate failed: %v", err)
	}

	h.trader.mu.Lock()
	h.trader.draining = true
	h.trader.mu.Unlock()

	if closed := h.risk.EmergencyStop("t1", "test"); len(closed) != 1 {
		t.Fatalf("Expected 1 forced close, got %d", len(closed))
	}
	// no bg.Wait: the exit already ran on this goroutine
	if n := len(h.store.Trades("t1")); n != 1 {
		t.Errorf("Expected the trade recorded inline, got %d", n)
	}
}

func TestReconcile_LostResponseFilled(t *testing.T) {
	var lossy *lossyClient
	h := newHarness(t, func(p *exchange.PaperClient) exchange.Client {
		lossy = &lossyClient{PaperClient: p, failing: true, forward: true}
		return lossy
	})
	ctx := context.Background()
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	err := h.trader.iterate(ctx)
	if !apperr.Is(err, apperr.KindTransientIO) {
		t.Fatalf("Expected transient error, got %v", err)
	}
	if st := h.trader.Status(); st.PendingOrder == nil {
		t.Fatal("Expected a pending order")
	}

	lossy.heal()
	resolved, err := h.trader.reconcile(ctx)
	if err != nil || !resolved {
		t.Fatalf("Expected reconciliation, got %v %v", resolved, err)
	}
	st := h.trader.Status()
	if st.PendingOrder != nil || st.PositionID == "" {
		t.Errorf("Expected the fill to become a position, got %+v", st)
	}
	if n := len(h.risk.Positions("t1")); n != 1 {
		t.Errorf("Expected 1 position, got %d", n)
	}
}

func TestReconcile_OrderNeverArrived(t *testing.T) {
	var lossy *lossyClient
	h := newHarness(t, func(p *exchange.PaperClient) exchange.Client {
		lossy = &lossyClient{PaperClient: p, failing: true}
		return lossy
	})
	ctx := context.Background()
	h.trader.state = StateRunning

	h.strat.set(strategy.ActionBuy)
	_ = h.trader.iterate(ctx)
	if h.risk.AvailableBudget() != 9900 {
		t.Errorf("Expected 100 reserved, got available %v", h.risk.AvailableBudget())
	}

	lossy.heal()
	resolved, err := h.trader.reconcile(ctx)
	if err != nil || !resolved {
		t.Fatalf("Expected reconciliation, got %v %v", resolved, err)
	}
	if st := h.trader.Status(); st.PendingOrder != nil || st.PositionID != "" {
		t.Errorf("Expected nothing open, got %+v", st)
	}
	if h.risk.AvailableBudget() != 10000 {
		t.Errorf("Expected reservation released, got available %v", h.risk.AvailableBudget())
	}
}

func TestLifecycle_PauseResumeStop(t *testing.T) {
	h := newHarness(t, nil)
	h.strat.set(strategy.ActionBuy)

	if err := h.trader.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.trader.Start(context.Background()); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected second start to fail, got %v", err)
	}
	waitFor(t, "position", func() bool { return h.trader.Status().PositionID != "" })

	if err := h.trader.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := h.trader.Pause(); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected pause while paused to fail, got %v", err)
	}
	if err := h.trader.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s := h.trader.State(); s != StateRunning {
		t.Errorf("Expected RUNNING, got %s", s)
	}

	if err := h.trader.Stop("test"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s := h.trader.State(); s != StateStopped {
		t.Errorf("Expected STOPPED, got %s", s)
	}
	if n := len(h.risk.Positions("t1")); n != 0 {
		t.Errorf("Expected positions flattened, got %d", n)
	}
	trades := h.store.Trades("t1")
	if len(trades) != 1 || trades[0].CloseReason != risk.CloseReasonStopped {
		t.Errorf("Expected one trader_stopped close, got %+v", trades)
	}
	if err := h.trader.Stop("again"); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected stop of a stopped trader to fail, got %v", err)
	}
}

func TestStop_WhileStoppingIsConcurrencyViolation(t *testing.T) {
	h := newHarness(t, nil)
	h.trader.state = StateStopping
	if err := h.trader.Stop("second"); !apperr.Is(err, apperr.KindConcurrencyViolation) {
		t.Errorf("Expected concurrency violation, got %v", err)
	}
}

func TestRun_TransientExhaustionFails(t *testing.T) {
	h := newHarness(t, func(p *exchange.PaperClient) exchange.Client { return brokenFeed{p} })

	if err := h.trader.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "error state", func() bool { return h.trader.State() == StateError })

	st := h.trader.Status()
	if st.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
	if hl := h.trader.Health(context.Background()); hl.Healthy {
		t.Error("Expected an errored trader to be unhealthy")
	}
	if err := h.trader.Resume(); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected resume from error to fail, got %v", err)
	}
	if err := h.trader.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if s := h.trader.State(); s != StateStopped {
		t.Errorf("Expected STOPPED after recover, got %s", s)
	}
}

func TestUpdateConfig_RunningOnlyCosmetic(t *testing.T) {
	h := newHarness(t, nil)
	h.trader.state = StateRunning

	next := h.trader.Status().Config
	next.Name = "renamed"
	if _, err := h.trader.UpdateConfig(next, nil, nil); err != nil {
		t.Errorf("Expected rename to succeed, got %v", err)
	}
	next.StakeAmount = 500
	if _, err := h.trader.UpdateConfig(next, nil, nil); !apperr.Is(err, apperr.KindInvalidState) {
		t.Errorf("Expected stake change while running to fail, got %v", err)
	}

	h.trader.state = StateStopped
	cfg, err := h.trader.UpdateConfig(next, nil, nil)
	if err != nil || cfg.StakeAmount != 500 {
		t.Errorf("Expected stake change while stopped, got %v %v", cfg.StakeAmount, err)
	}
}
