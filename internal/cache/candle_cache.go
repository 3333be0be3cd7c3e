package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/metrics"
)

// Store is the remote tier of the candle cache
type Store interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type memEntry struct {
	candles []exchange.Candle
	expires time.Time
}

// CandleCache is a read-through exchange.Client decorator. Candle windows
// are served from Redis, or from memory when Redis is absent or down, for
// up to ttl (one candle interval when ttl is 0). Orders pass straight through.
type CandleCache struct {
	inner  exchange.Client
	remote Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu  sync.Mutex
	mem map[string]memEntry
}

// NewCandleCache wraps inner. remote may be nil.
func NewCandleCache(inner exchange.Client, remote Store, ttl time.Duration, logger zerolog.Logger) *CandleCache {
	return &CandleCache{
		inner:  inner,
		remote: remote,
		ttl:    ttl,
		now:    time.Now,
		logger: logging.Component(logger, "CandleCache"),
		mem:    make(map[string]memEntry),
	}
}

// SetClock overrides the time source for memory expiry
func (c *CandleCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Name implements exchange.Client
func (c *CandleCache) Name() string {
	return c.inner.Name()
}

func (c *CandleCache) ttlFor(interval string) time.Duration {
	if c.ttl > 0 {
		return c.ttl
	}
	d, err := exchange.ParseInterval(interval)
	if err != nil {
		return time.Minute
	}
	return d
}

// FetchCandles implements exchange.Client
func (c *CandleCache) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	key := CandleKey(c.inner.Name(), symbol, interval, limit)

	if c.remote != nil {
		var cached []exchange.Candle
		err := c.remote.GetJSON(ctx, key, &cached)
		if err == nil && len(cached) > 0 {
			metrics.CandleCacheRequests.WithLabelValues("redis_hit").Inc()
			return cached, nil
		}
	}

	c.mu.Lock()
	e, ok := c.mem[key]
	now := c.now()
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		metrics.CandleCacheRequests.WithLabelValues("memory_hit").Inc()
		return copyCandles(e.candles), nil
	}

	metrics.CandleCacheRequests.WithLabelValues("miss").Inc()
	candles, err := c.inner.FetchCandles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	ttl := c.ttlFor(interval)
	c.mu.Lock()
	c.mem[key] = memEntry{candles: copyCandles(candles), expires: c.now().Add(ttl)}
	c.mu.Unlock()

	if c.remote != nil {
		if err := c.remote.SetJSON(ctx, key, candles, ttl); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Redis write skipped")
		}
	}
	return candles, nil
}

// Invalidate drops every cached window for symbol from memory
func (c *CandleCache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := fmt.Sprintf("candles:%s:%s:", c.inner.Name(), symbol)
	for k := range c.mem {
		if strings.HasPrefix(k, prefix) {
			delete(c.mem, k)
		}
	}
}

// SubmitOrder implements exchange.Client
func (c *CandleCache) SubmitOrder(ctx context.Context, order exchange.Order) (*exchange.OrderResult, error) {
	return c.inner.SubmitOrder(ctx, order)
}

// GetBalance implements exchange.Client
func (c *CandleCache) GetBalance(ctx context.Context) ([]exchange.Balance, error) {
	return c.inner.GetBalance(ctx)
}

// GetOrder implements exchange.OrderQuerier when the inner client does
func (c *CandleCache) GetOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderResult, error) {
	q, ok := c.inner.(exchange.OrderQuerier)
	if !ok {
		return nil, apperr.New(apperr.KindConfiguration, "%s cannot query orders", c.inner.Name())
	}
	return q.GetOrder(ctx, symbol, clientOrderID)
}

func copyCandles(in []exchange.Candle) []exchange.Candle {
	out := make([]exchange.Candle, len(in))
	copy(out, in)
	return out
}

var (
	_ exchange.Client       = (*CandleCache)(nil)
	_ exchange.OrderQuerier = (*CandleCache)(nil)
	_ Store                 = (*CacheService)(nil)
)
