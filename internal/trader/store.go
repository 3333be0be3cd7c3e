package trader

import (
	"context"
	"sort"
	"sync"
)

// Store persists trader configurations and closed trades
type Store interface {
	SaveTrader(ctx context.Context, cfg Config, state State) error
	DeleteTrader(ctx context.Context, id string) error
	ListTraders(ctx context.Context) ([]Config, error)
	SaveTrade(ctx context.Context, rec TradeRecord) error
}

// MemoryStore keeps everything in process. Used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	traders map[string]Config
	states  map[string]State
	trades  []TradeRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		traders: make(map[string]Config),
		states:  make(map[string]State),
	}
}

func (s *MemoryStore) SaveTrader(ctx context.Context, cfg Config, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traders[cfg.ID] = cfg
	s.states[cfg.ID] = state
	return nil
}

func (s *MemoryStore) DeleteTrader(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traders, id)
	delete(s.states, id)
	return nil
}

func (s *MemoryStore) ListTraders(ctx context.Context) ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, 0, len(s.traders))
	for _, c := range s.traders {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveTrade(ctx context.Context, rec TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, rec)
	return nil
}

// Trades returns the recorded trades of traderID, or all when empty
func (s *MemoryStore) Trades(traderID string) []TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TradeRecord, 0)
	for _, r := range s.trades {
		if traderID == "" || r.TraderID == traderID {
			out = append(out, r)
		}
	}
	return out
}

// ListTrades returns the most recent trades of traderID, newest first
func (s *MemoryStore) ListTrades(ctx context.Context, traderID string, limit int) ([]TradeRecord, error) {
	all := s.Trades(traderID)
	sort.SliceStable(all, func(i, j int) bool { return all[i].ClosedAt.After(all[j].ClosedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

var _ Store = (*MemoryStore)(nil)
