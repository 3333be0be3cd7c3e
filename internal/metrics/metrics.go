// Package metrics holds the Prometheus collectors for the trading engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExchangeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_exchange_requests_total",
		Help: "Exchange calls by operation and outcome",
	}, []string{"exchange", "op", "outcome"})

	ExchangeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_exchange_request_seconds",
		Help:    "Exchange call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"exchange", "op"})

	SignalsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_signals_total",
		Help: "Signals produced by trader and action",
	}, []string{"trader", "action"})

	OrdersSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Orders submitted by trader and status",
	}, []string{"trader", "status"})

	TraderState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_trader_state",
		Help: "1 for the current state of each trader, 0 otherwise",
	}, []string{"trader", "state"})

	TraderPnL = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_trader_realized_pnl",
		Help: "Realized PnL per trader",
	}, []string{"trader"})

	ActiveTraders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_traders",
		Help: "Traders counted against the concurrency cap",
	})

	TotalExposure = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_total_exposure",
		Help: "Aggregate leveraged exposure across all traders",
	})

	EmergencyStopActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_emergency_stop_active",
		Help: "1 while the global emergency stop is set",
	})

	StopLossTriggers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_stop_loss_triggers_total",
		Help: "Positions closed by stop-loss",
	})

	PatternCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_patterns",
		Help: "Patterns held in the store",
	})

	PatternMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_pattern_matches_total",
		Help: "Patterns blended into signals by outcome",
	}, []string{"outcome"})

	RiskDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_risk_decisions_total",
		Help: "Position requests by decision and refusal kind",
	}, []string{"decision", "kind"})

	PatternsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_patterns_pruned_total",
		Help: "Patterns removed by pruning",
	})

	IndicatorCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_indicator_cache_total",
		Help: "Indicator cache lookups by result",
	}, []string{"result"})

	CandleCacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_candle_cache_total",
		Help: "Candle cache lookups by result",
	}, []string{"result"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "API requests by route and status",
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(
		ExchangeRequests, ExchangeLatency, SignalsGenerated, OrdersSubmitted,
		TraderState, TraderPnL, ActiveTraders, TotalExposure, EmergencyStopActive,
		StopLossTriggers, PatternCount, PatternMatches, PatternsPruned, RiskDecisions,
		IndicatorCacheHits, CandleCacheRequests, HTTPRequests,
	)
}

var traderStates = []string{"IDLE", "STARTING", "RUNNING", "PAUSED", "STOPPING", "STOPPED", "ERROR"}

// SetTraderState flips the state gauge so exactly one state reads 1
func SetTraderState(traderID, state string) {
	for _, s := range traderStates {
		v := 0.0
		if s == state {
			v = 1
		}
		TraderState.WithLabelValues(traderID, s).Set(v)
	}
}

// ForgetTrader drops all series labelled with traderID
func ForgetTrader(traderID string) {
	TraderState.DeletePartialMatch(prometheus.Labels{"trader": traderID})
	TraderPnL.DeleteLabelValues(traderID)
	SignalsGenerated.DeletePartialMatch(prometheus.Labels{"trader": traderID})
	OrdersSubmitted.DeletePartialMatch(prometheus.Labels{"trader": traderID})
}
