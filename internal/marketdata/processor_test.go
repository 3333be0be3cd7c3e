package marketdata

import (
	"math"
	"testing"
	"time"

	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/indicators"
	"ai-trading-engine/internal/logging"
)

func makeCandles(n int, start, step float64) []exchange.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]exchange.Candle, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*step + math.Sin(float64(i))*0.5
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

func TestValidate_Rejects(t *testing.T) {
	good := makeCandles(30, 100, 1)

	outOfOrder := makeCandles(30, 100, 1)
	outOfOrder[10].OpenTime = outOfOrder[9].OpenTime

	negative := makeCandles(30, 100, 1)
	negative[5].Low = -1

	inverted := makeCandles(30, 100, 1)
	inverted[3].High = inverted[3].Low - 1

	tests := []struct {
		name    string
		candles []exchange.Candle
		minLen  int
	}{
		{"empty", nil, 0},
		{"too short", good, 31},
		{"out of order", outOfOrder, 0},
		{"non-positive price", negative, 0},
		{"high below low", inverted, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.candles, tt.minLen); !apperr.Is(err, apperr.KindDataQuality) {
				t.Errorf("Expected data quality error, got %v", err)
			}
		})
	}

	if err := Validate(good, 30); err != nil {
		t.Errorf("Expected valid window, got %v", err)
	}
}

func TestProcess_ComputesRequestedAndBase(t *testing.T) {
	p := NewProcessor(logging.Nop())
	candles := makeCandles(60, 100, 0.5)

	data, err := p.Process("BTCUSDT", "1h", candles, []indicators.Spec{indicators.EMA(5)})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, ok := data.Indicators["ema_5"]; !ok {
		t.Error("Expected requested ema_5")
	}
	if _, ok := data.Indicators["rsi_14"]; !ok {
		t.Error("Expected base rsi_14")
	}
	if data.LatestPrice != candles[59].Close {
		t.Errorf("Expected latest price %v, got %v", candles[59].Close, data.LatestPrice)
	}
	if !data.Timestamp.Equal(candles[59].CloseTime) {
		t.Error("Expected timestamp from last candle close time")
	}

	cond := data.Conditions()
	for _, k := range []string{CondRSI, CondMACDHist, CondPrice, CondBBPosition, CondSMASpread, CondVolatility} {
		if _, ok := cond[k]; !ok {
			t.Errorf("Expected condition %s", k)
		}
	}
}

func TestProcess_ShortWindowSkipsBase(t *testing.T) {
	p := NewProcessor(logging.Nop())
	data, err := p.Process("BTCUSDT", "1h", makeCandles(12, 100, 1), []indicators.Spec{indicators.SMA(9)})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, ok := data.Indicators["macd_12_26_9"]; ok {
		t.Error("MACD should be skipped on a short window")
	}
	if _, ok := data.Conditions()[CondRSI]; ok {
		t.Error("RSI condition should be absent")
	}
}

func TestProcess_RequiredSpecTooLong(t *testing.T) {
	p := NewProcessor(logging.Nop())
	_, err := p.Process("BTCUSDT", "1h", makeCandles(10, 100, 1), []indicators.Spec{indicators.SMA(21)})
	if !apperr.Is(err, apperr.KindDataQuality) {
		t.Errorf("Expected data quality error, got %v", err)
	}
}

func TestProcess_CacheHitAndInvalidate(t *testing.T) {
	p := NewProcessor(logging.Nop())
	candles := makeCandles(60, 100, 0.5)
	specs := []indicators.Spec{indicators.SMA(9)}

	if _, err := p.Process("ETHUSDT", "1h", candles, specs); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	_, misses1 := p.Stats()

	if _, err := p.Process("ETHUSDT", "1h", candles, specs); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	hits2, misses2 := p.Stats()
	if misses2 != misses1 {
		t.Errorf("Expected no new misses on identical window, got %d -> %d", misses1, misses2)
	}
	if hits2 == 0 {
		t.Error("Expected cache hits on identical window")
	}

	next := makeCandles(61, 100, 0.5)[1:]
	if _, err := p.Process("ETHUSDT", "1h", next, specs); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	_, misses3 := p.Stats()
	if misses3 <= misses2 {
		t.Error("Expected recompute after a new candle")
	}
}
