// Package exchange defines the exchange abstraction consumed by traders and
// ships a paper-trading implementation plus a rate-limited guard wrapper.
package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ai-trading-engine/internal/apperr"
)

// Client is the set of exchange operations the engine needs
type Client interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	SubmitOrder(ctx context.Context, order Order) (*OrderResult, error)
	GetBalance(ctx context.Context) ([]Balance, error)
}

// OrderQuerier is implemented by clients that can look up an order by its
// client order id. Used to reconcile orders whose outcome is unknown.
type OrderQuerier interface {
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
}

// Registry resolves exchange names to clients
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces a client under its lower-cased name
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(c.Name())] = c
}

// Get returns the client for name
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.ToLower(name)]
	if !ok {
		return nil, apperr.New(apperr.KindConfiguration, "unknown exchange %q", name)
	}
	return c, nil
}

// Names lists registered exchanges in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseInterval converts an exchange interval string such as "15m" to a duration
func ParseInterval(interval string) (time.Duration, error) {
	d, ok := intervals[interval]
	if !ok {
		return 0, apperr.New(apperr.KindConfiguration, "unsupported interval %q", interval)
	}
	return d, nil
}
