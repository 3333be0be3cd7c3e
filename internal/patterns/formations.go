package patterns

import (
	"math"

	"ai-trading-engine/internal/exchange"
)

// Formation is a candlestick shape recognised on the closing bars of a window
type Formation string

const (
	FormationMorningStar      Formation = "morning_star"
	FormationEveningStar      Formation = "evening_star"
	FormationHammer           Formation = "hammer"
	FormationShootingStar     Formation = "shooting_star"
	FormationBullishEngulfing Formation = "bullish_engulfing"
	FormationBearishEngulfing Formation = "bearish_engulfing"
	FormationDoji             Formation = "doji"
)

func body(c exchange.Candle) float64 { return math.Abs(c.Close - c.Open) }
func bullish(c exchange.Candle) bool { return c.Close > c.Open }
func bearish(c exchange.Candle) bool { return c.Close < c.Open }

func upperWick(c exchange.Candle) float64 { return c.High - math.Max(c.Open, c.Close) }
func lowerWick(c exchange.Candle) float64 { return math.Min(c.Open, c.Close) - c.Low }

// strongBody: body covers at least 60% of the range
func strongBody(c exchange.Candle) bool {
	r := c.High - c.Low
	return r > 0 && body(c) >= r*0.6
}

func isMorningStar(c1, c2, c3 exchange.Candle) bool {
	if !bearish(c1) || !strongBody(c1) || !bullish(c3) || !strongBody(c3) {
		return false
	}
	if body(c2) > body(c1)*0.4 {
		return false
	}
	return c3.Close >= (c1.Open+c1.Close)/2
}

func isEveningStar(c1, c2, c3 exchange.Candle) bool {
	if !bullish(c1) || !strongBody(c1) || !bearish(c3) || !strongBody(c3) {
		return false
	}
	if body(c2) > body(c1)*0.4 {
		return false
	}
	return c3.Close <= (c1.Open+c1.Close)/2
}

// isHammer: long lower wick after a down bar
func isHammer(c, prev exchange.Candle) bool {
	b := body(c)
	return lowerWick(c) >= b*2 && upperWick(c) <= b*0.3 && !bullish(prev) && b > 0
}

// isShootingStar: long upper wick after an up bar
func isShootingStar(c, prev exchange.Candle) bool {
	b := body(c)
	return upperWick(c) >= b*2 && lowerWick(c) <= b*0.3 && !bearish(prev) && b > 0
}

func isBullishEngulfing(c1, c2 exchange.Candle) bool {
	return bearish(c1) && bullish(c2) && c2.Open <= c1.Close && c2.Close >= c1.Open
}

func isBearishEngulfing(c1, c2 exchange.Candle) bool {
	return bullish(c1) && bearish(c2) && c2.Open >= c1.Close && c2.Close <= c1.Open
}

func isDoji(c exchange.Candle) bool {
	r := c.High - c.Low
	return r > 0 && body(c)/r < 0.10
}

// DetectFormations returns the formations completed by the last bar
func DetectFormations(candles []exchange.Candle) []Formation {
	n := len(candles)
	if n < 2 {
		return nil
	}
	out := make([]Formation, 0, 2)
	last, prev := candles[n-1], candles[n-2]

	if n >= 3 {
		first := candles[n-3]
		if isMorningStar(first, prev, last) {
			out = append(out, FormationMorningStar)
		}
		if isEveningStar(first, prev, last) {
			out = append(out, FormationEveningStar)
		}
	}
	if isBullishEngulfing(prev, last) {
		out = append(out, FormationBullishEngulfing)
	}
	if isBearishEngulfing(prev, last) {
		out = append(out, FormationBearishEngulfing)
	}
	if isHammer(last, prev) {
		out = append(out, FormationHammer)
	}
	if isShootingStar(last, prev) {
		out = append(out, FormationShootingStar)
	}
	if isDoji(last) {
		out = append(out, FormationDoji)
	}
	return out
}
