// Package trader runs AI traders: one cancellable loop per trader that
// fetches candles, generates signals and executes risk-approved orders.
package trader

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/metrics"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
	"ai-trading-engine/internal/strategy"
)

// Deps are the collaborators a trader works with. Learner and Store are optional.
type Deps struct {
	Exchange  exchange.Client
	Processor *marketdata.Processor
	Generator *signals.Generator
	Risk      *risk.Manager
	Learner   *patterns.Learner
	Store     Store
	Bus       events.Publisher
}

// RetryPolicy bounds retries of transient I/O failures within one iteration
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

// Options tune the trading loop
type Options struct {
	PollInterval         time.Duration // 0 sleeps one candle interval
	CandleLimit          int
	Retry                RetryPolicy
	MaxConsecutiveErrors int
	OrderTimeout         time.Duration // for exits issued outside the loop
}

// DefaultOptions returns the standard loop settings
func DefaultOptions() Options {
	return Options{
		CandleLimit: 150,
		Retry: RetryPolicy{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		MaxConsecutiveErrors: 3,
		OrderTimeout:         10 * time.Second,
	}
}

type entryContext struct {
	conditions map[string]float64
	candles    []exchange.Candle
	patternID  string
	strategy   strategy.Kind
}

type openPosition struct {
	id       string
	side     exchange.Side
	quantity float64
	entry    float64
	openedAt time.Time
	ctx      entryContext

	// exit bookkeeping, guarded by AITrader.mu
	exiting   bool                 // exit order in flight
	flat      bool                 // exited on the exchange, close not yet booked
	exitPrice float64              // fill price once flat
	forced    *risk.ClosedPosition // close booked by the risk manager while exiting
}

// AITrader is one trading agent. State transitions are serialized by mu;
// exchange and risk side effects are serialized by execMu.
type AITrader struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	strat    strategy.Strategy
	metrics  Metrics
	position *openPosition
	pending  *PendingOrder
	lastErr  error

	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	execMu   sync.Mutex
	bg       sync.WaitGroup
	draining bool // flatten is waiting on bg

	deps   Deps
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

func newTrader(cfg Config, deps Deps, opts Options, logger zerolog.Logger) (*AITrader, error) {
	strat, err := strategy.New(cfg.Strategy, cfg.StrategyParams)
	if err != nil {
		return nil, err
	}
	if deps.Bus == nil {
		deps.Bus = events.NopPublisher{}
	}
	t := &AITrader{
		cfg:     cfg,
		state:   StateIdle,
		strat:   strat,
		metrics: Metrics{Signals: make(map[string]int64)},
		deps:    deps,
		opts:    opts,
		now:     time.Now,
		logger:  logging.ForTrader(logger, cfg.ID),
	}
	metrics.SetTraderState(cfg.ID, string(StateIdle))
	return t, nil
}

// ID returns the trader id
func (t *AITrader) ID() string {
	return t.cfg.ID
}

// State returns the current state
func (t *AITrader) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *AITrader) transitionLocked(to State, reason string) error {
	from := t.state
	if !CanTransition(from, to) {
		return apperr.New(apperr.KindInvalidState, "trader %s cannot go from %s to %s", t.cfg.ID, from, to)
	}
	t.state = to
	metrics.SetTraderState(t.cfg.ID, string(to))
	t.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("State changed")
	t.deps.Bus.Publish(events.Event{
		Type:     events.EventTraderStateChanged,
		TraderID: t.cfg.ID,
		Data: map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		},
	})
	return nil
}

// Start launches the trading loop under parent. Only Idle and Stopped
// traders can start.
func (t *AITrader) Start(parent context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateIdle && t.state != StateStopped {
		return apperr.New(apperr.KindInvalidState, "trader %s cannot start from %s", t.cfg.ID, t.state)
	}
	if err := t.transitionLocked(StateStarting, "start requested"); err != nil {
		return err
	}

	t.strat.Reset()
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.wake = make(chan struct{}, 1)
	t.lastErr = nil
	t.metrics.StartedAt = t.now()
	t.metrics.ConsecutiveErrors = 0
	t.metrics.LastError = ""

	go t.run(ctx, t.done)
	return t.transitionLocked(StateRunning, "loop started")
}

// Pause suspends trading at the next suspension point
func (t *AITrader) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return apperr.New(apperr.KindInvalidState, "trader %s cannot pause from %s", t.cfg.ID, t.state)
	}
	return t.transitionLocked(StatePaused, "pause requested")
}

// Resume continues a paused trader
func (t *AITrader) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused {
		return apperr.New(apperr.KindInvalidState, "trader %s cannot resume from %s", t.cfg.ID, t.state)
	}
	if err := t.transitionLocked(StateRunning, "resume requested"); err != nil {
		return err
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels the loop, flattens the trader and leaves it Stopped. A stop
// issued while another is in progress is a no-op reported as a
// concurrency violation.
func (t *AITrader) Stop(reason string) error {
	t.mu.Lock()
	if t.state == StateStopping {
		t.mu.Unlock()
		return apperr.New(apperr.KindConcurrencyViolation, "trader %s is already stopping", t.cfg.ID)
	}
	if err := t.transitionLocked(StateStopping, reason); err != nil {
		t.mu.Unlock()
		return err
	}
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	t.flatten(risk.CloseReasonStopped)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StateStopped, reason)
}

// Recover moves an errored trader to Stopped after reconciling and
// flattening whatever the failed loop left behind
func (t *AITrader) Recover() error {
	t.mu.Lock()
	if t.state != StateError {
		t.mu.Unlock()
		return apperr.New(apperr.KindInvalidState, "trader %s is %s, not in error", t.cfg.ID, t.state)
	}
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
	t.flatten(risk.CloseReasonStopped)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transitionLocked(StateStopped, "recovered"); err != nil {
		return err
	}
	t.lastErr = nil
	t.metrics.ConsecutiveErrors = 0
	t.metrics.LastError = ""
	return nil
}

func (t *AITrader) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastErr = err
	t.metrics.LastError = err.Error()
	if t.state == StateStopping || t.state == StateError {
		return
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.logger.Error().Err(err).Msg("Trader failed")
	_ = t.transitionLocked(StateError, err.Error())
	t.deps.Bus.Publish(events.Event{
		Type:     events.EventError,
		TraderID: t.cfg.ID,
		Data: map[string]interface{}{
			"source": "trader",
			"kind":   string(apperr.KindOf(err)),
			"error":  err.Error(),
		},
	})
}

// UpdateConfig replaces the configuration. While the trader is active only
// cosmetic changes are accepted. admit runs under the trader lock before
// the change is applied and may veto it.
func (t *AITrader) UpdateConfig(next Config, client exchange.Client, admit func(Config) error) (Config, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next = next.Normalize()
	next.ID = t.cfg.ID
	if err := next.Validate(); err != nil {
		return t.cfg, err
	}
	if t.state.Active() && t.state != StateIdle && !t.cfg.cosmeticChange(next) {
		return t.cfg, apperr.New(apperr.KindInvalidState, "trader %s is %s; stop it before changing trading parameters", t.cfg.ID, t.state)
	}
	if t.position != nil && (next.Symbol != t.cfg.Symbol || next.Exchange != t.cfg.Exchange) {
		return t.cfg, apperr.New(apperr.KindInvalidState, "trader %s has an open position", t.cfg.ID)
	}

	strat, err := strategy.New(next.Strategy, next.StrategyParams)
	if err != nil {
		return t.cfg, err
	}
	if admit != nil {
		if err := admit(next); err != nil {
			return t.cfg, err
		}
	}
	t.cfg = next
	t.strat = strat
	if client != nil {
		t.deps.Exchange = client
	}
	t.logger.Info().Str("strategy", string(next.Strategy)).Msg("Configuration updated")
	return t.cfg, nil
}

// Status returns a snapshot of the trader
func (t *AITrader) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		Config:  t.cfg,
		State:   t.state,
		Metrics: t.metrics.clone(),
	}
	if t.position != nil {
		s.PositionID = t.position.id
	}
	if t.pending != nil {
		p := *t.pending
		s.PendingOrder = &p
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}

func (t *AITrader) pollInterval() time.Duration {
	if t.opts.PollInterval > 0 {
		return t.opts.PollInterval
	}
	t.mu.Lock()
	interval := t.cfg.Interval
	t.mu.Unlock()
	d, err := exchange.ParseInterval(interval)
	if err != nil {
		return time.Minute
	}
	return d
}

func (t *AITrader) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			t.fail(apperr.New(apperr.KindFatal, "trader loop panicked: %v", r))
		}
	}()

	for {
		if !t.waitWhilePaused(ctx) {
			return
		}

		err := t.iterateWithRetry(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.fail(err)
			return
		}

		timer := time.NewTimer(t.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// waitWhilePaused blocks while the trader is paused. It returns false when
// the loop should exit.
func (t *AITrader) waitWhilePaused(ctx context.Context) bool {
	for {
		t.mu.Lock()
		st, wake := t.state, t.wake
		t.mu.Unlock()
		if st != StatePaused {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-wake:
		}
	}
}

// iterateWithRetry runs one iteration, retrying transient failures with
// bounded exponential backoff. Only fatal errors are returned.
func (t *AITrader) iterateWithRetry(ctx context.Context) error {
	op := func() error {
		err := t.iterate(ctx)
		if err == nil {
			return nil
		}
		if apperr.Is(err, apperr.KindTransientIO) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.opts.Retry.InitialInterval
	eb.MaxInterval = t.opts.Retry.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(t.opts.Retry.MaxRetries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		t.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Transient failure, retrying")
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Iterations++
	t.metrics.LastIterationAt = t.now()

	if err == nil || ctx.Err() != nil {
		t.metrics.ConsecutiveErrors = 0
		return nil
	}

	t.metrics.ConsecutiveErrors++
	t.metrics.LastError = err.Error()
	switch {
	case apperr.Is(err, apperr.KindFatal):
		return err
	case apperr.Is(err, apperr.KindTransientIO):
		return apperr.Wrap(apperr.KindFatal, err, "retries exhausted")
	case t.metrics.ConsecutiveErrors >= t.opts.MaxConsecutiveErrors:
		return apperr.Wrap(apperr.KindFatal, err, "%d consecutive errors", t.metrics.ConsecutiveErrors)
	}
	t.logger.Error().Err(err).Int("consecutive", t.metrics.ConsecutiveErrors).Msg("Iteration failed")
	return nil
}

func (t *AITrader) snapshot() (Config, strategy.Strategy, exchange.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg, t.strat, t.deps.Exchange
}

// iterate is one pass of the trading loop
func (t *AITrader) iterate(ctx context.Context) error {
	if _, err := t.reconcile(ctx); err != nil {
		return err
	}

	cfg, strat, client := t.snapshot()
	specs := strat.RequiredIndicators()
	limit := t.opts.CandleLimit
	if need := indicators.MaxLookback(append(specs, marketdata.BaseSpecs()...)) + strat.Lookback(); need > limit {
		limit = need
	}

	candles, err := client.FetchCandles(ctx, cfg.Symbol, cfg.Interval, limit)
	if err != nil {
		return err
	}
	data, err := t.deps.Processor.Process(cfg.Symbol, cfg.Interval, candles, specs)
	if err != nil {
		if apperr.Is(err, apperr.KindDataQuality) {
			t.logger.Warn().Err(err).Msg("Bad market data, holding")
			t.recordSignal(cfg, strat, strategy.Hold(apperr.ReasonOf(err), t.now()))
			return nil
		}
		return err
	}

	// marks positions and fires stops before any new decision
	t.deps.Risk.UpdatePrice(cfg.Symbol, data.LatestPrice)

	if err := t.checkExits(ctx, cfg, data); err != nil {
		return err
	}

	res := t.deps.Generator.Generate(cfg.ID, strat, data, cfg.Exchange)
	t.recordSignal(cfg, strat, res.Signal)

	if ctx.Err() != nil || t.State() != StateRunning {
		return nil
	}
	return t.act(ctx, cfg, res, data)
}

func (t *AITrader) recordSignal(cfg Config, strat strategy.Strategy, sig strategy.Signal) {
	t.mu.Lock()
	t.metrics.Signals[string(sig.Action)]++
	s := sig
	t.metrics.LastSignal = &s
	t.mu.Unlock()

	metrics.SignalsGenerated.WithLabelValues(cfg.ID, string(sig.Action)).Inc()
	t.deps.Bus.Publish(events.Event{
		Type:     events.EventSignalGenerated,
		TraderID: cfg.ID,
		Data: map[string]interface{}{
			"strategy":   strat.Name(),
			"symbol":     cfg.Symbol,
			"action":     string(sig.Action),
			"reason":     sig.Reason,
			"confidence": sig.Confidence,
		},
	})
}

// checkExits closes the position when it outlived MaxDuration or reached
// the MinReturnPct target
func (t *AITrader) checkExits(ctx context.Context, cfg Config, data *marketdata.ProcessedData) error {
	t.mu.Lock()
	pos := t.position
	var p openPosition
	if pos != nil {
		p = *pos
	}
	t.mu.Unlock()
	if pos == nil {
		return nil
	}

	reason := ""
	if cfg.MaxDuration > 0 && t.now().Sub(p.openedAt) >= cfg.MaxDuration {
		reason = "max_duration"
	}
	if cfg.MinReturnPct > 0 && p.entry > 0 {
		ret := (data.LatestPrice - p.entry) / p.entry * 100
		if p.side == exchange.SideSell {
			ret = -ret
		}
		if ret >= cfg.MinReturnPct {
			reason = "target_reached"
		}
	}
	if reason == "" {
		return nil
	}

	t.execMu.Lock()
	defer t.execMu.Unlock()
	return t.exitPositionLocked(ctx, reason)
}

// act executes a signal. Caller must not hold execMu.
func (t *AITrader) act(ctx context.Context, cfg Config, res signals.Result, data *marketdata.ProcessedData) error {
	t.execMu.Lock()
	defer t.execMu.Unlock()

	t.mu.Lock()
	pos := t.position
	var side exchange.Side
	if pos != nil {
		side = pos.side
	}
	pending := t.pending != nil
	t.mu.Unlock()

	switch res.Signal.Action {
	case strategy.ActionClose:
		if pos != nil {
			return t.exitPositionLocked(ctx, risk.CloseReasonSignal)
		}
		return nil
	case strategy.ActionBuy, strategy.ActionSell:
		want, _ := res.Signal.Action.Side()
		if pending {
			return nil
		}
		if pos != nil {
			if side == want {
				return nil
			}
			if err := t.exitPositionLocked(ctx, risk.CloseReasonSignal); err != nil {
				return err
			}
			t.mu.Lock()
			settled := t.position == nil
			t.mu.Unlock()
			if !settled {
				// close booked elsewhere, not yet handed back
				return nil
			}
		}
		return t.openLocked(ctx, cfg, want, res, data)
	}
	return nil
}

func tail(candles []exchange.Candle, n int) []exchange.Candle {
	if len(candles) <= n {
		n = len(candles)
	}
	out := make([]exchange.Candle, n)
	copy(out, candles[len(candles)-n:])
	return out
}

func (t *AITrader) openLocked(ctx context.Context, cfg Config, side exchange.Side, res signals.Result, data *marketdata.ProcessedData) error {
	reservation, err := t.deps.Risk.ReservePosition(risk.OpenRequest{
		TraderID:  cfg.ID,
		Symbol:    cfg.Symbol,
		Side:      side,
		Size:      cfg.StakeAmount,
		Leverage:  cfg.Leverage(),
		PatternID: res.PatternID(),
	})
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindInsufficientFunds, apperr.KindLimitExceeded, apperr.KindNotFound:
			t.publishRiskDecision(cfg, side, err)
			t.mu.Lock()
			t.metrics.TradesRejected++
			t.mu.Unlock()
			t.logger.Info().Str("kind", string(apperr.KindOf(err))).Str("reason", apperr.ReasonOf(err)).Msg("Trade refused by risk manager")
			t.deps.Bus.Publish(events.Event{
				Type:     events.EventTradeRejected,
				TraderID: cfg.ID,
				Data: map[string]interface{}{
					"symbol": cfg.Symbol,
					"side":   string(side),
					"kind":   string(apperr.KindOf(err)),
					"reason": apperr.ReasonOf(err),
				},
			})
			return nil
		}
		return err
	}
	t.publishRiskDecision(cfg, side, nil)

	pending := &PendingOrder{
		ClientOrderID: uuid.NewString(),
		ReservationID: reservation.ID,
		Symbol:        cfg.Symbol,
		Side:          side,
		Quantity:      cfg.StakeAmount * cfg.Leverage() / data.LatestPrice,
		SubmittedAt:   t.now(),
		entry: entryContext{
			conditions: res.Conditions,
			candles:    tail(data.Candles, 3),
			patternID:  res.PatternID(),
			strategy:   cfg.Strategy,
		},
	}
	t.mu.Lock()
	t.pending = pending
	client := t.deps.Exchange
	t.mu.Unlock()

	t.deps.Bus.Publish(events.Event{
		Type:     events.EventOrderPlaced,
		TraderID: cfg.ID,
		Data: map[string]interface{}{
			"client_order_id": pending.ClientOrderID,
			"symbol":          cfg.Symbol,
			"side":            string(side),
			"quantity":        pending.Quantity,
			"confidence":      res.Signal.Confidence,
		},
	})
	result, err := client.SubmitOrder(ctx, exchange.Order{
		ClientOrderID: pending.ClientOrderID,
		TraderID:      cfg.ID,
		Symbol:        cfg.Symbol,
		Side:          side,
		Quantity:      pending.Quantity,
		Price:         data.LatestPrice,
		Leverage:      cfg.RiskLevel,
	})
	if err != nil {
		if ctx.Err() != nil || apperr.Is(err, apperr.KindTransientIO) {
			// outcome unknown until reconciled
			metrics.OrdersSubmitted.WithLabelValues(cfg.ID, "unknown").Inc()
			t.deps.Bus.Publish(events.Event{
				Type:     events.EventOrderPending,
				TraderID: cfg.ID,
				Data:     map[string]interface{}{"client_order_id": pending.ClientOrderID, "error": err.Error()},
			})
			return err
		}
		t.dropPendingLocked(pending, "submit failed: "+err.Error())
		metrics.OrdersSubmitted.WithLabelValues(cfg.ID, "error").Inc()
		return err
	}
	return t.applyEntryLocked(ctx, pending, result)
}

// publishRiskDecision reports the risk manager's answer to an entry request.
// A nil err is an approval.
func (t *AITrader) publishRiskDecision(cfg Config, side exchange.Side, err error) {
	decision, kind := "approved", "none"
	data := map[string]interface{}{
		"symbol":   cfg.Symbol,
		"side":     string(side),
		"size":     cfg.StakeAmount,
		"leverage": cfg.Leverage(),
	}
	if err != nil {
		decision, kind = "refused", string(apperr.KindOf(err))
		data["reason"] = apperr.ReasonOf(err)
	}
	data["decision"] = decision
	data["kind"] = kind

	metrics.RiskDecisions.WithLabelValues(decision, kind).Inc()
	t.deps.Bus.Publish(events.Event{
		Type:     events.EventRiskDecision,
		TraderID: cfg.ID,
		Data:     data,
	})
}

func (t *AITrader) dropPendingLocked(p *PendingOrder, reason string) {
	if err := t.deps.Risk.CancelReservation(p.ReservationID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		t.logger.Warn().Err(err).Str("reservation_id", p.ReservationID).Msg("Failed to release reservation")
	}
	t.mu.Lock()
	if t.pending == p {
		t.pending = nil
	}
	t.mu.Unlock()
	t.logger.Warn().Str("client_order_id", p.ClientOrderID).Str("reason", reason).Msg("Dropped entry order")
}

// applyEntryLocked turns an exchange result for an entry into a position
func (t *AITrader) applyEntryLocked(ctx context.Context, p *PendingOrder, result *exchange.OrderResult) error {
	id := t.ID()
	switch result.Status {
	case exchange.OrderFilled:
		pos, err := t.deps.Risk.ConfirmPosition(p.ReservationID, result.AvgPrice, result.FilledQty)
		t.mu.Lock()
		if t.pending == p {
			t.pending = nil
		}
		t.mu.Unlock()
		if err != nil {
			// reservation was released underneath us, e.g. by an emergency stop
			t.logger.Warn().Err(err).Str("client_order_id", p.ClientOrderID).Msg("Fill without reservation, unwinding")
			if _, xerr := t.submitExit(ctx, p.Symbol, p.Side.Opposite(), result.FilledQty, result.AvgPrice); xerr != nil {
				t.logger.Error().Err(xerr).Msg("Failed to unwind orphan fill")
			}
			return nil
		}

		t.mu.Lock()
		t.position = &openPosition{
			id:       pos.ID,
			side:     pos.Side,
			quantity: pos.Quantity,
			entry:    pos.EntryPrice,
			openedAt: t.now(),
			ctx:      p.entry,
		}
		t.metrics.TradesApproved++
		t.mu.Unlock()

		metrics.OrdersSubmitted.WithLabelValues(id, "filled").Inc()
		t.logger.Info().Str("side", string(pos.Side)).Float64("price", pos.EntryPrice).Float64("qty", pos.Quantity).Msg("Position opened")
		t.deps.Bus.Publish(events.Event{
			Type:     events.EventOrderFilled,
			TraderID: id,
			Data: map[string]interface{}{
				"client_order_id": p.ClientOrderID,
				"order_id":        result.OrderID,
				"price":           result.AvgPrice,
				"quantity":        result.FilledQty,
			},
		})
		return nil

	case exchange.OrderPending:
		metrics.OrdersSubmitted.WithLabelValues(id, "pending").Inc()
		t.deps.Bus.Publish(events.Event{
			Type:     events.EventOrderPending,
			TraderID: id,
			Data:     map[string]interface{}{"client_order_id": p.ClientOrderID},
		})
		return nil

	default:
		metrics.OrdersSubmitted.WithLabelValues(id, "rejected").Inc()
		t.mu.Lock()
		t.metrics.TradesRejected++
		t.mu.Unlock()
		t.dropPendingLocked(p, "rejected by exchange")
		return nil
	}
}

// reconcile settles an entry order whose outcome was unknown. It reports
// whether a pending order was resolved.
func (t *AITrader) reconcile(ctx context.Context) (bool, error) {
	t.execMu.Lock()
	defer t.execMu.Unlock()
	return t.reconcileLocked(ctx)
}

func (t *AITrader) reconcileLocked(ctx context.Context) (bool, error) {
	t.mu.Lock()
	p := t.pending
	client := t.deps.Exchange
	t.mu.Unlock()
	if p == nil {
		return false, nil
	}

	q, ok := client.(exchange.OrderQuerier)
	if !ok {
		t.dropPendingLocked(p, "exchange cannot confirm orders")
		return true, nil
	}
	res, err := q.GetOrder(ctx, p.Symbol, p.ClientOrderID)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound:
			t.dropPendingLocked(p, "order never reached the exchange")
			return true, nil
		case apperr.KindConfiguration:
			t.dropPendingLocked(p, "exchange cannot confirm orders")
			return true, nil
		}
		return false, err
	}
	if err := t.applyEntryLocked(ctx, p, res); err != nil {
		return false, err
	}
	t.mu.Lock()
	resolved := t.pending != p
	t.mu.Unlock()
	if resolved {
		t.logger.Info().Str("client_order_id", p.ClientOrderID).Str("status", string(res.Status)).Msg("Reconciled pending order")
	}
	return resolved, nil
}

func (t *AITrader) submitExit(ctx context.Context, symbol string, side exchange.Side, qty, refPrice float64) (*exchange.OrderResult, error) {
	t.mu.Lock()
	client := t.deps.Exchange
	lev := t.cfg.RiskLevel
	t.mu.Unlock()

	res, err := client.SubmitOrder(ctx, exchange.Order{
		ClientOrderID: uuid.NewString(),
		TraderID:      t.ID(),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Price:         refPrice,
		Leverage:      lev,
		ReduceOnly:    true,
	})
	if err != nil {
		return nil, err
	}
	if res.Status != exchange.OrderFilled {
		return res, apperr.New(apperr.KindTransientIO, "exit order %s is %s", res.ClientOrderID, res.Status)
	}
	return res, nil
}

// exitPositionLocked closes the open position on the exchange and books it.
// A forced close arriving while the exit order is in flight is folded into
// this exit so the exchange sees exactly one reduce-only order.
func (t *AITrader) exitPositionLocked(ctx context.Context, reason string) error {
	t.mu.Lock()
	pos := t.position
	symbol := t.cfg.Symbol
	if pos == nil || pos.exiting {
		t.mu.Unlock()
		return nil
	}
	id, side, qty := pos.id, pos.side, pos.quantity
	price, flat := pos.exitPrice, pos.flat
	pos.exiting = true
	t.mu.Unlock()

	if !flat {
		res, err := t.submitExit(ctx, symbol, side.Opposite(), qty, 0)
		if err != nil {
			t.mu.Lock()
			pos.exiting = false
			forced := pos.forced
			t.mu.Unlock()
			if forced != nil {
				// already booked, the exchange side still needs closing
				if entry, ok := t.detachPosition(id); ok {
					t.exitForcedLocked(*forced, entry)
				}
			}
			return err
		}
		price = res.AvgPrice
	}

	closed, err := t.deps.Risk.ClosePosition(id, price, reason)
	if err != nil {
		t.mu.Lock()
		pos.exiting = false
		pos.flat = true
		pos.exitPrice = price
		forced := pos.forced
		t.mu.Unlock()
		if !apperr.Is(err, apperr.KindNotFound) {
			return err
		}
		// booked by the risk manager; finish here if its handler already ran,
		// otherwise onForcedClose finishes without another order
		if forced != nil {
			if entry, ok := t.detachPosition(id); ok {
				t.finishClose(*forced, entry)
			}
		}
		return nil
	}
	if entry, ok := t.detachPosition(id); ok {
		t.finishClose(*closed, entry)
	}
	return nil
}

func (t *AITrader) detachPosition(id string) (openPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.position == nil || t.position.id != id {
		return openPosition{}, false
	}
	p := *t.position
	t.position = nil
	return p, true
}

// onForcedClose handles a close the risk manager already booked
func (t *AITrader) onForcedClose(c risk.ClosedPosition) {
	t.mu.Lock()
	pos := t.position
	if pos == nil || pos.id != c.ID {
		t.mu.Unlock()
		return
	}
	if pos.exiting {
		// the in-flight exit finishes it
		pos.forced = &c
		t.mu.Unlock()
		return
	}
	entry := *pos
	t.position = nil
	t.mu.Unlock()

	if entry.flat {
		t.finishClose(c, entry)
		return
	}
	t.exitForced(c, entry)
}

// exitForced sends the exit order for a booked close. It runs in the
// background unless flatten is draining, in which case it runs inline.
func (t *AITrader) exitForced(c risk.ClosedPosition, pos openPosition) {
	exit := func() {
		t.execMu.Lock()
		defer t.execMu.Unlock()
		t.exitForcedLocked(c, pos)
	}

	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		exit()
		return
	}
	t.bg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.bg.Done()
		exit()
	}()
}

// exitForcedLocked is exitForced for callers holding execMu
func (t *AITrader) exitForcedLocked(c risk.ClosedPosition, pos openPosition) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.OrderTimeout)
	defer cancel()

	if _, err := t.submitExit(ctx, c.Symbol, pos.side.Opposite(), pos.quantity, c.ExitPrice); err != nil {
		t.logger.Error().Err(err).Str("position_id", c.ID).Str("reason", c.Reason).Msg("Exit order for forced close failed")
	}
	t.finishClose(c, pos)
}

// finishClose updates metrics and feeds the closed trade to the store and learner
func (t *AITrader) finishClose(c risk.ClosedPosition, pos openPosition) {
	t.mu.Lock()
	t.metrics.RealizedPnL += c.RealizedPnL
	if c.RealizedPnL > 0 {
		t.metrics.Wins++
	} else {
		t.metrics.Losses++
	}
	if n := t.metrics.Wins + t.metrics.Losses; n > 0 {
		t.metrics.WinRate = math.Round(float64(t.metrics.Wins)/float64(n)*1e4) / 1e4
	}
	cfg := t.cfg
	pnl := t.metrics.RealizedPnL
	t.mu.Unlock()

	metrics.TraderPnL.WithLabelValues(cfg.ID).Set(pnl)
	t.logger.Info().
		Str("reason", c.Reason).
		Float64("pnl", c.RealizedPnL).
		Float64("return_pct", c.ReturnPct).
		Msg("Position closed")

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.OrderTimeout)
	defer cancel()

	if t.deps.Store != nil {
		rec := TradeRecord{
			ID:          c.ID,
			TraderID:    cfg.ID,
			Exchange:    cfg.Exchange,
			Symbol:      c.Symbol,
			Side:        c.Side,
			Strategy:    pos.ctx.strategy,
			Size:        c.Size,
			Leverage:    c.Leverage,
			Quantity:    c.Quantity,
			EntryPrice:  c.EntryPrice,
			ExitPrice:   c.ExitPrice,
			RealizedPnL: c.RealizedPnL,
			ReturnPct:   c.ReturnPct,
			CloseReason: c.Reason,
			PatternID:   pos.ctx.patternID,
			OpenedAt:    pos.openedAt,
			ClosedAt:    c.ClosedAt,
		}
		if err := t.deps.Store.SaveTrade(ctx, rec); err != nil {
			t.logger.Error().Err(err).Str("position_id", c.ID).Msg("Failed to persist trade")
		}
	}

	if t.deps.Learner != nil {
		_, err := t.deps.Learner.LearnFromTrade(ctx, patterns.ClosedTrade{
			TraderID:        cfg.ID,
			Exchange:        cfg.Exchange,
			Symbol:          c.Symbol,
			Timeframe:       cfg.Interval,
			Strategy:        pos.ctx.strategy,
			Side:            c.Side,
			EntryPrice:      c.EntryPrice,
			ExitPrice:       c.ExitPrice,
			ReturnPct:       c.ReturnPct,
			EntryConditions: pos.ctx.conditions,
			EntryCandles:    pos.ctx.candles,
			PatternID:       pos.ctx.patternID,
			OpenedAt:        pos.openedAt,
			ClosedAt:        c.ClosedAt,
			CloseReason:     c.Reason,
		})
		if err != nil {
			t.logger.Warn().Err(err).Msg("Pattern learning failed")
		}
	}
}

// flatten settles pending orders and closes the open position. Used when
// the loop is not running. Exchange failures fall back to booking the close
// at the last known price so the budget is always released.
func (t *AITrader) flatten(reason string) {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.draining = false
		t.mu.Unlock()
	}()
	t.bg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.OrderTimeout)
	defer cancel()

	t.execMu.Lock()
	defer t.execMu.Unlock()

	if _, err := t.reconcileLocked(ctx); err != nil {
		t.mu.Lock()
		p := t.pending
		t.mu.Unlock()
		if p != nil {
			t.dropPendingLocked(p, fmt.Sprintf("unresolved at stop: %v", err))
		}
	}

	if err := t.exitPositionLocked(ctx, reason); err != nil {
		t.logger.Error().Err(err).Msg("Exit order failed, booking close at last price")
		for _, c := range t.deps.Risk.CloseAllPositions(t.ID(), reason) {
			if pos, ok := t.detachPosition(c.ID); ok {
				t.finishClose(c, pos)
			}
		}
	}
}

// Health checks for a stalled loop and reconciles pending orders
func (t *AITrader) Health(ctx context.Context) Health {
	reconciled, rerr := t.reconcile(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	h := Health{
		TraderID:      t.cfg.ID,
		State:         t.state,
		Reconciled:    reconciled,
		LastIteration: t.metrics.LastIterationAt,
	}
	if t.state == StateRunning {
		last := t.metrics.LastIterationAt
		if last.IsZero() {
			last = t.metrics.StartedAt
		}
		interval := t.opts.PollInterval
		if interval <= 0 {
			interval, _ = exchange.ParseInterval(t.cfg.Interval)
		}
		h.Stalled = interval > 0 && t.now().Sub(last) > 3*interval+t.opts.OrderTimeout
	}
	switch {
	case t.lastErr != nil:
		h.Error = t.lastErr.Error()
	case rerr != nil:
		h.Error = rerr.Error()
	}
	h.Healthy = t.state != StateError && !h.Stalled
	return h
}
