//go:build integration

package database

import (
	"context"
	"os"
	"testing"
	"time"

	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/strategy"
	"ai-trading-engine/internal/trader"
)

// Run with: DATABASE_URL=postgres://... go test -tags=integration ./internal/database
func newIntegrationRepo(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, dsn, 2, logging.Nop())
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	return NewRepository(db)
}

func TestRepository_TraderRoundTrip(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	cfg := trader.Config{
		ID: "it-trader", Name: "integration", Exchange: "paper", Symbol: "BTCUSDT",
		StakeAmount: 100, RiskLevel: 3, MaxDuration: time.Hour, Strategy: strategy.KindBreakout,
		StrategyParams: strategy.Params{"threshold": 1.2}, Interval: "1h",
	}
	if err := repo.SaveTrader(ctx, cfg, trader.StateIdle); err != nil {
		t.Fatalf("SaveTrader failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.DeleteTrader(ctx, cfg.ID) })

	list, err := repo.ListTraders(ctx)
	if err != nil {
		t.Fatalf("ListTraders failed: %v", err)
	}
	for _, got := range list {
		if got.ID == cfg.ID {
			if got.MaxDuration != time.Hour || got.StrategyParams["threshold"] != 1.2 {
				t.Errorf("Expected stored config back, got %+v", got)
			}
			return
		}
	}
	t.Error("Expected the saved trader to be listed")
}

func TestRepository_TradeAndPattern(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := trader.TradeRecord{
		ID: "it-trade", TraderID: "it-trader", Exchange: "paper", Symbol: "BTCUSDT",
		Side: exchange.SideBuy, Strategy: strategy.KindBreakout, Size: 100, Leverage: 2, Quantity: 2,
		EntryPrice: 100, ExitPrice: 110, RealizedPnL: 20, ReturnPct: 10, CloseReason: "signal",
		OpenedAt: now.Add(-time.Hour), ClosedAt: now,
	}
	if err := repo.SaveTrade(ctx, rec); err != nil {
		t.Fatalf("SaveTrade failed: %v", err)
	}
	if err := repo.SaveTrade(ctx, rec); err != nil {
		t.Fatalf("Expected duplicate save to be a no-op, got %v", err)
	}
	trades, err := repo.ListTrades(ctx, "it-trader", 10)
	if err != nil || len(trades) == 0 || trades[0].RealizedPnL != 20 {
		t.Errorf("Expected the trade back, got %v %v", trades, err)
	}

	p := &patterns.TradingPattern{
		ID: "it-pattern", Exchange: "paper", Symbol: "BTCUSDT", Timeframe: "1h",
		Conditions: map[string]float64{"rsi": 30}, Action: strategy.ActionBuy, Confidence: 0.75,
		Samples: 1, Tags: []string{"learned"}, CreatedAt: now,
	}
	if err := repo.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}
	got, err := repo.GetPattern(ctx, p.ID)
	if err != nil || got.Conditions["rsi"] != 30 || !got.LastUsedAt.IsZero() {
		t.Errorf("Expected the pattern back, got %+v %v", got, err)
	}
	if err := repo.DeletePatterns(ctx, []string{p.ID}); err != nil {
		t.Fatalf("DeletePatterns failed: %v", err)
	}
}
