package cache

import (
	"context"
	"testing"
	"time"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
)

type countingClient struct {
	*exchange.PaperClient
	fetches int
	fail    error
}

func (c *countingClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	c.fetches++
	if c.fail != nil {
		return nil, c.fail
	}
	return c.PaperClient.FetchCandles(ctx, symbol, interval, limit)
}

type mapStore struct {
	data   map[string][]exchange.Candle
	down   bool
	writes int
}

func (m *mapStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if m.down {
		return ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return ErrMiss
	}
	*(dest.(*[]exchange.Candle)) = v
	return nil
}

func (m *mapStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.down {
		return ErrUnavailable
	}
	m.writes++
	m.data[key] = value.([]exchange.Candle)
	return nil
}

func newCounting() *countingClient {
	return &countingClient{PaperClient: exchange.NewPaperClient(exchange.DefaultPaperConfig())}
}

func TestCandleCache_MemoryHitUntilExpiry(t *testing.T) {
	inner := newCounting()
	c := NewCandleCache(inner, nil, 0, logging.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	first, err := c.FetchCandles(ctx, "BTCUSDT", "1h", 50)
	if err != nil {
		t.Fatalf("FetchCandles failed: %v", err)
	}
	second, _ := c.FetchCandles(ctx, "BTCUSDT", "1h", 50)
	if inner.fetches != 1 {
		t.Errorf("Expected 1 upstream fetch, got %d", inner.fetches)
	}
	if len(second) != len(first) || second[len(second)-1] != first[len(first)-1] {
		t.Error("Expected the cached window to equal the first one")
	}

	// a different window is a different key
	if _, err := c.FetchCandles(ctx, "BTCUSDT", "1h", 20); err != nil {
		t.Fatal(err)
	}
	if inner.fetches != 2 {
		t.Errorf("Expected 2 upstream fetches, got %d", inner.fetches)
	}

	now = now.Add(time.Hour)
	if _, err := c.FetchCandles(ctx, "BTCUSDT", "1h", 50); err != nil {
		t.Fatal(err)
	}
	if inner.fetches != 3 {
		t.Errorf("Expected a refetch after one interval, got %d fetches", inner.fetches)
	}
}

func TestCandleCache_RemoteTier(t *testing.T) {
	inner := newCounting()
	store := &mapStore{data: make(map[string][]exchange.Candle)}
	c := NewCandleCache(inner, store, time.Minute, logging.Nop())
	ctx := context.Background()

	if _, err := c.FetchCandles(ctx, "ETHUSDT", "15m", 30); err != nil {
		t.Fatal(err)
	}
	if store.writes != 1 {
		t.Errorf("Expected the window written to redis, got %d writes", store.writes)
	}

	// a second process with an empty memory tier reads from redis
	other := NewCandleCache(inner, store, time.Minute, logging.Nop())
	got, err := other.FetchCandles(ctx, "ETHUSDT", "15m", 30)
	if err != nil || len(got) != 30 {
		t.Fatalf("Expected 30 candles from redis, got %d %v", len(got), err)
	}
	if inner.fetches != 1 {
		t.Errorf("Expected 1 upstream fetch, got %d", inner.fetches)
	}
}

func TestCandleCache_RedisDownFallsBackToMemory(t *testing.T) {
	inner := newCounting()
	store := &mapStore{data: make(map[string][]exchange.Candle), down: true}
	c := NewCandleCache(inner, store, time.Minute, logging.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.FetchCandles(ctx, "BTCUSDT", "1m", 10); err != nil {
			t.Fatalf("FetchCandles failed: %v", err)
		}
	}
	if inner.fetches != 1 {
		t.Errorf("Expected memory to absorb repeats, got %d fetches", inner.fetches)
	}
}

func TestCandleCache_ErrorsNotCached(t *testing.T) {
	inner := newCounting()
	inner.fail = apperr.New(apperr.KindTransientIO, "down")
	c := NewCandleCache(inner, nil, time.Minute, logging.Nop())

	for i := 0; i < 2; i++ {
		_, err := c.FetchCandles(context.Background(), "BTCUSDT", "1m", 10)
		if !apperr.Is(err, apperr.KindTransientIO) {
			t.Errorf("Expected transient error, got %v", err)
		}
	}
	if inner.fetches != 2 {
		t.Errorf("Expected every failure to reach upstream, got %d", inner.fetches)
	}
}

func TestCandleCache_InvalidateAndPassThrough(t *testing.T) {
	inner := newCounting()
	c := NewCandleCache(inner, nil, time.Minute, logging.Nop())
	ctx := context.Background()

	_, _ = c.FetchCandles(ctx, "BTCUSDT", "1m", 10)
	c.Invalidate("BTCUSDT")
	_, _ = c.FetchCandles(ctx, "BTCUSDT", "1m", 10)
	if inner.fetches != 2 {
		t.Errorf("Expected a refetch after invalidation, got %d", inner.fetches)
	}

	res, err := c.SubmitOrder(ctx, exchange.Order{ClientOrderID: "c1", Symbol: "BTCUSDT", Side: exchange.SideBuy, Quantity: 1})
	if err != nil || res.Status != exchange.OrderFilled {
		t.Fatalf("Expected order to pass through, got %v %v", res, err)
	}
	got, err := c.GetOrder(ctx, "BTCUSDT", "c1")
	if err != nil || got.OrderID != res.OrderID {
		t.Errorf("Expected order lookup to pass through, got %v %v", got, err)
	}
	if c.Name() != "paper" {
		t.Errorf("Expected name paper, got %s", c.Name())
	}
}

func TestCacheService_DisabledConfig(t *testing.T) {
	if _, err := NewCacheService(config.RedisConfig{}, logging.Nop()); err == nil {
		t.Error("Expected disabled redis to be refused")
	}
}

func TestCandleKey(t *testing.T) {
	if got := CandleKey("paper", "BTCUSDT", "1h", 5); got != "candles:paper:BTCUSDT:1h:5" {
		t.Errorf("Expected candles:paper:BTCUSDT:1h:5, got %s", got)
	}
}
