package main

import (
	"testing"

	"ai-trading-engine/internal/trader"
)

func TestAggregate(t *testing.T) {
	trades := []trader.TradeRecord{
		{Symbol: "BTCUSDT", RealizedPnL: 20},
		{Symbol: "BTCUSDT", RealizedPnL: -5},
		{Symbol: "ETHUSDT", RealizedPnL: 3},
		{Symbol: "ETHUSDT", RealizedPnL: 0},
	}

	stats := aggregate(trades)
	if len(stats) != 2 {
		t.Fatalf("Expected 2 symbols, got %d", len(stats))
	}
	btc := stats[0]
	if btc.Symbol != "BTCUSDT" {
		t.Fatalf("Expected BTCUSDT first, got %s", btc.Symbol)
	}
	if btc.TotalTrades != 2 || btc.WinningTrades != 1 || btc.LosingTrades != 1 {
		t.Errorf("Unexpected BTC counts %+v", btc)
	}
	if btc.TotalPnL != 15 || btc.AvgPnL != 7.5 || btc.WinRate != 50 {
		t.Errorf("Expected pnl 15, avg 7.5, win rate 50, got %+v", btc)
	}
	eth := stats[1]
	if eth.WinningTrades != 1 || eth.LosingTrades != 0 {
		t.Errorf("Expected a flat trade to count as neither, got %+v", eth)
	}
}
