package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"ai-trading-engine/internal/apperr"
)

// PaperConfig configures the simulated exchange
type PaperConfig struct {
	Name           string
	Seed           int64
	QuoteAsset     string
	InitialBalance float64
	Volatility     float64 // per-candle relative move, e.g. 0.01
	HistoryLength  int     // candles generated on first fetch
}

// DefaultPaperConfig returns sensible paper-trading settings
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Name:           "paper",
		Seed:           42,
		QuoteAsset:     "USDT",
		InitialBalance: 10000,
		Volatility:     0.01,
		HistoryLength:  500,
	}
}

var basePrices = map[string]float64{
	"BTCUSDT": 104500.00,
	"ETHUSDT": 3900.00,
	"BNBUSDT": 710.00,
	"SOLUSDT": 220.00,
	"XRPUSDT": 2.35,
}

type series struct {
	rng     *rand.Rand
	candles []Candle
}

// PaperClient simulates an exchange with a seeded random walk per symbol.
// Orders fill immediately at the last close.
type PaperClient struct {
	cfg PaperConfig
	now func() time.Time

	mu        sync.Mutex
	series    map[string]*series // key: symbol|interval
	lastPrice map[string]float64
	orders    map[string]*OrderResult // key: client order id
	balance   float64
}

// NewPaperClient creates a paper exchange
func NewPaperClient(cfg PaperConfig) *PaperClient {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.01
	}
	if cfg.HistoryLength <= 0 {
		cfg.HistoryLength = 500
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	return &PaperClient{
		cfg:       cfg,
		now:       time.Now,
		series:    make(map[string]*series),
		lastPrice: make(map[string]float64),
		orders:    make(map[string]*OrderResult),
		balance:   cfg.InitialBalance,
	}
}

// SetClock overrides the time source
func (p *PaperClient) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetCandles replaces the history for symbol/interval with a fixed window.
// Subsequent fetches return exactly these candles until replaced.
func (p *PaperClient) SetCandles(symbol, interval string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]Candle, len(candles))
	copy(cp, candles)
	p.series[symbol+"|"+interval] = &series{candles: cp}
	if len(cp) > 0 {
		p.lastPrice[symbol] = cp[len(cp)-1].Close
	}
}

// Name implements Client
func (p *PaperClient) Name() string {
	return p.cfg.Name
}

// FetchCandles implements Client
func (p *PaperClient) FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, err, "fetch candles")
	}
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, apperr.New(apperr.KindConfiguration, "candle limit must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := symbol + "|" + interval
	s, ok := p.series[key]
	if !ok {
		s = p.newSeries(symbol, step, limit)
		p.series[key] = s
	} else if s.rng != nil {
		p.extend(s, step)
	}

	n := len(s.candles)
	if limit > n {
		limit = n
	}
	out := make([]Candle, limit)
	copy(out, s.candles[n-limit:])
	if n > 0 {
		p.lastPrice[symbol] = s.candles[n-1].Close
	}
	return out, nil
}

func (p *PaperClient) newSeries(symbol string, step time.Duration, limit int) *series {
	seed := p.cfg.Seed ^ int64(xxhash.Sum64String(symbol))
	s := &series{rng: rand.New(rand.NewSource(seed))}

	count := p.cfg.HistoryLength
	if limit > count {
		count = limit
	}
	price, ok := basePrices[symbol]
	if !ok {
		price = 100
	}
	latest := p.now().Truncate(step).Add(-step)
	start := latest.Add(-time.Duration(count-1) * step)
	for i := 0; i < count; i++ {
		c := p.nextCandle(s.rng, start.Add(time.Duration(i)*step), step, price)
		s.candles = append(s.candles, c)
		price = c.Close
	}
	return s
}

func (p *PaperClient) extend(s *series, step time.Duration) {
	latest := p.now().Truncate(step).Add(-step)
	for len(s.candles) > 0 {
		last := s.candles[len(s.candles)-1]
		if !last.OpenTime.Before(latest) {
			break
		}
		s.candles = append(s.candles, p.nextCandle(s.rng, last.OpenTime.Add(step), step, last.Close))
	}
	if keep := p.cfg.HistoryLength * 2; len(s.candles) > keep {
		s.candles = append([]Candle(nil), s.candles[len(s.candles)-p.cfg.HistoryLength:]...)
	}
}

func (p *PaperClient) nextCandle(rng *rand.Rand, open time.Time, step time.Duration, prev float64) Candle {
	vol := p.cfg.Volatility
	change := (rng.Float64() - 0.5) * vol * 2
	o := prev
	c := o * (1 + change)
	return Candle{
		OpenTime:  open,
		CloseTime: open.Add(step - time.Millisecond),
		Open:      o,
		High:      math.Max(o, c) * (1 + rng.Float64()*vol*0.5),
		Low:       math.Min(o, c) * (1 - rng.Float64()*vol*0.5),
		Close:     c,
		Volume:    1000 + rng.Float64()*5000,
	}
}

// SubmitOrder implements Client. Resubmitting a known client order id
// returns the original result.
func (p *PaperClient) SubmitOrder(ctx context.Context, order Order) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientIO, err, "submit order")
	}
	if order.Quantity <= 0 {
		return nil, apperr.New(apperr.KindConfiguration, "order quantity must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if order.ClientOrderID != "" {
		if prev, ok := p.orders[order.ClientOrderID]; ok {
			cp := *prev
			return &cp, nil
		}
	}

	price, ok := p.lastPrice[order.Symbol]
	if !ok {
		price = order.Price
	}
	if price <= 0 {
		return nil, apperr.New(apperr.KindDataQuality, "no price for %s", order.Symbol)
	}

	res := &OrderResult{
		OrderID:       fmt.Sprintf("paper-%s", uuid.NewString()),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        OrderFilled,
		FilledQty:     order.Quantity,
		AvgPrice:      price,
		Timestamp:     p.now(),
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = res.OrderID
	}
	p.orders[res.ClientOrderID] = res
	cp := *res
	return &cp, nil
}

// GetOrder implements OrderQuerier
func (p *PaperClient) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.orders[clientOrderID]
	if !ok || res.Symbol != symbol {
		return nil, apperr.New(apperr.KindNotFound, "order %s not found", clientOrderID)
	}
	cp := *res
	return &cp, nil
}

// GetBalance implements Client
func (p *PaperClient) GetBalance(ctx context.Context) ([]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []Balance{{Asset: p.cfg.QuoteAsset, Free: p.balance}}, nil
}

// SetBalance overrides the simulated quote balance
func (p *PaperClient) SetBalance(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = v
}

var (
	_ Client       = (*PaperClient)(nil)
	_ OrderQuerier = (*PaperClient)(nil)
)
