package exchange

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/time/rate"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/metrics"
)

// GuardConfig configures GuardedClient
type GuardConfig struct {
	RequestsPerSecond float64
	Burst             int
	CallTimeout       time.Duration
}

// DefaultGuardConfig returns conservative limits
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		CallTimeout:       10 * time.Second,
	}
}

// GuardedClient wraps a Client with a token-bucket rate limit, a per-call
// timeout and error classification. Network and deadline failures become
// TransientIO so callers know to retry.
type GuardedClient struct {
	inner   Client
	limiter *rate.Limiter
	timeout time.Duration
}

// NewGuardedClient wraps inner
func NewGuardedClient(inner Client, cfg GuardConfig) *GuardedClient {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &GuardedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		timeout: cfg.CallTimeout,
	}
}

// Name implements Client
func (g *GuardedClient) Name() string {
	return g.inner.Name()
}

// Unwrap returns the wrapped client
func (g *GuardedClient) Unwrap() Client {
	return g.inner
}

func (g *GuardedClient) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		metrics.ExchangeRequests.WithLabelValues(g.inner.Name(), op, "throttled").Inc()
		return nil, nil, apperr.Wrap(apperr.KindTransientIO, err, "%s: rate limiter", op)
	}
	if g.timeout > 0 {
		c, cancel := context.WithTimeout(ctx, g.timeout)
		return c, cancel, nil
	}
	c, cancel := context.WithCancel(ctx)
	return c, cancel, nil
}

func (g *GuardedClient) finish(op string, start time.Time, err error) error {
	metrics.ExchangeLatency.WithLabelValues(g.inner.Name(), op).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.ExchangeRequests.WithLabelValues(g.inner.Name(), op, "ok").Inc()
		return nil
	}
	metrics.ExchangeRequests.WithLabelValues(g.inner.Name(), op, "error").Inc()
	return classify(op, err)
}

func classify(op string, err error) error {
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTransientIO, err, "%s", op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Wrap(apperr.KindTransientIO, err, "%s", op)
	}
	return apperr.Wrap(apperr.KindInternal, err, "%s", op)
}

// FetchCandles implements Client
func (g *GuardedClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	cctx, cancel, err := g.begin(ctx, "fetch_candles")
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	candles, err := g.inner.FetchCandles(cctx, symbol, interval, limit)
	return candles, g.finish("fetch_candles", start, err)
}

// SubmitOrder implements Client
func (g *GuardedClient) SubmitOrder(ctx context.Context, order Order) (*OrderResult, error) {
	cctx, cancel, err := g.begin(ctx, "submit_order")
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	res, err := g.inner.SubmitOrder(cctx, order)
	return res, g.finish("submit_order", start, err)
}

// GetBalance implements Client
func (g *GuardedClient) GetBalance(ctx context.Context) ([]Balance, error) {
	cctx, cancel, err := g.begin(ctx, "get_balance")
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	bal, err := g.inner.GetBalance(cctx)
	return bal, g.finish("get_balance", start, err)
}

// GetOrder implements OrderQuerier when the wrapped client does
func (g *GuardedClient) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	q, ok := g.inner.(OrderQuerier)
	if !ok {
		return nil, apperr.New(apperr.KindConfiguration, "%s cannot query orders", g.inner.Name())
	}
	cctx, cancel, err := g.begin(ctx, "get_order")
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	res, err := q.GetOrder(cctx, symbol, clientOrderID)
	return res, g.finish("get_order", start, err)
}

var (
	_ Client       = (*GuardedClient)(nil)
	_ OrderQuerier = (*GuardedClient)(nil)
)
