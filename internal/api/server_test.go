package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"ai-trading-engine/config"
	"ai-trading-engine/internal/apperr"
	"ai-trading-engine/internal/auth"
	"ai-trading-engine/internal/events"
	"ai-trading-engine/internal/exchange"
	"ai-trading-engine/internal/logging"
	"ai-trading-engine/internal/marketdata"
	"ai-trading-engine/internal/patterns"
	"ai-trading-engine/internal/risk"
	"ai-trading-engine/internal/signals"
	"ai-trading-engine/internal/strategy"
	"ai-trading-engine/internal/trader"
)

type testEnv struct {
	server   *Server
	traders  *trader.Manager
	risk     *risk.Manager
	patterns *patterns.Service
	bus      *events.EventBus
}

func newTestEnv(t *testing.T, authCfg config.AuthConfig, checks map[string]HealthCheckFunc) *testEnv {
	t.Helper()
	bus := events.NewEventBus()

	reg := exchange.NewRegistry()
	reg.Register(exchange.NewPaperClient(exchange.DefaultPaperConfig()))

	rm, err := risk.NewManager(risk.DefaultConfig(), bus, logging.Nop())
	if err != nil {
		t.Fatalf("risk.NewManager failed: %v", err)
	}
	ps := patterns.NewService(patterns.DefaultConfig(), nil, bus, logging.Nop())

	mcfg := trader.DefaultManagerConfig()
	mcfg.HealthCheckInterval = 0
	store := trader.NewMemoryStore()
	tm, err := trader.NewManager(context.Background(), mcfg, trader.ManagerDeps{
		Exchanges: reg,
		Processor: marketdata.NewProcessor(logging.Nop()),
		Generator: signals.NewGenerator(signals.DefaultConfig(), nil, nil, logging.Nop()),
		Risk:      rm,
		Store:     store,
		Bus:       bus,
	}, logging.Nop())
	if err != nil {
		t.Fatalf("trader.NewManager failed: %v", err)
	}

	as, err := auth.NewService(authCfg, bcrypt.MinCost, logging.Nop())
	if err != nil {
		t.Fatalf("auth.NewService failed: %v", err)
	}

	srv := NewServer(
		config.ServerConfig{AllowedOrigins: "*"},
		config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Deps{
			Traders:      tm,
			Risk:         rm,
			Patterns:     ps,
			Trades:       store,
			Auth:         as,
			Bus:          bus,
			Checks:       checks,
			DefaultPrune: patterns.PruneCriteria{MaxPatterns: 1},
		},
		logging.Nop(),
	)
	return &testEnv{server: srv, traders: tm, risk: rm, patterns: ps, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

const createBody = `{"name":"alpha","exchange":"paper","symbol":"btcusdt","stake_amount":100,"risk_level":2,"strategy":"trend_following","interval":"1h","max_duration":"4h"}`

func createTrader(t *testing.T, e *testEnv) string {
	t.Helper()
	w, out := e.do(t, http.MethodPost, "/api/traders", createBody, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	data := out["data"].(map[string]interface{})
	cfg := data["config"].(map[string]interface{})
	return cfg["id"].(string)
}

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindConfiguration, http.StatusBadRequest},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindInvalidState, http.StatusConflict},
		{apperr.KindConcurrencyViolation, http.StatusConflict},
		{apperr.KindLimitExceeded, http.StatusConflict},
		{apperr.KindInsufficientFunds, http.StatusUnprocessableEntity},
		{apperr.KindDataQuality, http.StatusUnprocessableEntity},
		{apperr.KindTransientIO, http.StatusServiceUnavailable},
		{apperr.KindFatal, http.StatusInternalServerError},
		{apperr.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForKind(tt.kind); got != tt.want {
			t.Errorf("statusForKind(%s): expected %d, got %d", tt.kind, tt.want, got)
		}
	}
}

func TestTraderRoutes(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)
	id := createTrader(t, e)

	st, err := e.traders.GetTrader(id)
	if err != nil {
		t.Fatalf("GetTrader failed: %v", err)
	}
	if st.Config.Symbol != "BTCUSDT" || st.Config.MaxDuration != 4*time.Hour || st.Config.Strategy != strategy.KindTrendFollowing {
		t.Errorf("Unexpected stored config %+v", st.Config)
	}

	w, out := e.do(t, http.MethodGet, "/api/traders", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if list := out["data"].([]interface{}); len(list) != 1 {
		t.Errorf("Expected 1 trader, got %d", len(list))
	}

	w, _ = e.do(t, http.MethodPut, "/api/traders/"+id, `{"name":"renamed","min_return_pct":2.5}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on update, got %d: %s", w.Code, w.Body.String())
	}
	st, _ = e.traders.GetTrader(id)
	if st.Config.Name != "renamed" || st.Config.MinReturnPct != 2.5 || st.Config.StakeAmount != 100 {
		t.Errorf("Expected a merged update, got %+v", st.Config)
	}

	w, out = e.do(t, http.MethodPost, "/api/traders/"+id+"/pause", "", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 pausing an idle trader, got %d", w.Code)
	}
	if out["error"] != true || out["kind"] != string(apperr.KindInvalidState) {
		t.Errorf("Expected an INVALID_STATE error body, got %v", out)
	}

	w, out = e.do(t, http.MethodGet, "/api/traders/"+id+"/trades", "", "")
	if w.Code != http.StatusOK || len(out["data"].([]interface{})) != 0 {
		t.Errorf("Expected an empty trade list, got %d %v", w.Code, out)
	}

	w, _ = e.do(t, http.MethodDelete, "/api/traders/"+id, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on delete, got %d: %s", w.Code, w.Body.String())
	}
	w, out = e.do(t, http.MethodGet, "/api/traders/"+id, "", "")
	if w.Code != http.StatusNotFound || out["kind"] != string(apperr.KindNotFound) {
		t.Errorf("Expected 404 after delete, got %d %v", w.Code, out)
	}
}

func TestCreateTrader_Invalid(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)

	w, out := e.do(t, http.MethodPost, "/api/traders", `{"symbol":"ETHUSDT","exchange":"paper","stake_amount":100,"risk_level":2,"strategy":"breakout","interval":"1h","max_duration":"soon"}`, "")
	if w.Code != http.StatusBadRequest || out["kind"] != string(apperr.KindConfiguration) {
		t.Errorf("Expected 400 for bad duration, got %d %v", w.Code, out)
	}

	w, _ = e.do(t, http.MethodPost, "/api/traders", `not json`, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", w.Code)
	}

	w, _ = e.do(t, http.MethodPost, "/api/traders", `{"symbol":"ETHUSDT","exchange":"paper","stake_amount":100,"risk_level":12,"strategy":"breakout","interval":"1h"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for risk level 12, got %d", w.Code)
	}
}

func TestRiskRoutes(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)
	id := createTrader(t, e)

	w, out := e.do(t, http.MethodGet, "/api/risk/summary", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	summary := out["data"].(map[string]interface{})
	if summary["total_budget"].(float64) != 10000 {
		t.Errorf("Expected total budget 10000, got %v", summary["total_budget"])
	}

	w, _ = e.do(t, http.MethodGet, "/api/risk/traders/"+id, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for trader risk, got %d", w.Code)
	}
	w, _ = e.do(t, http.MethodGet, "/api/risk/traders/missing", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown trader risk, got %d", w.Code)
	}

	w, _ = e.do(t, http.MethodPost, "/api/risk/emergency-stop", `{"reason":"test"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on emergency stop, got %d", w.Code)
	}
	if !e.risk.IsEmergencyActive(id) {
		t.Error("Expected global emergency stop to be active")
	}

	w, out = e.do(t, http.MethodPost, "/api/risk/clear-emergency", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on clear, got %d", w.Code)
	}
	if out["data"].(map[string]interface{})["emergency_active"] != false {
		t.Errorf("Expected emergency cleared, got %v", out["data"])
	}

	w, _ = e.do(t, http.MethodPost, "/api/risk/emergency-stop", `{"trader_id":"missing"}`, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown trader emergency stop, got %d", w.Code)
	}
}

func TestPatternRoutes(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)
	ctx := context.Background()

	var firstID string
	for i, rate := range []int{3, 2, 1} {
		p, err := e.patterns.StorePattern(ctx, &patterns.TradingPattern{
			Exchange:     "paper",
			Symbol:       "BTCUSDT",
			Timeframe:    "1h",
			Conditions:   map[string]float64{"rsi": 30 + float64(i)},
			Action:       strategy.ActionBuy,
			Confidence:   0.7,
			UsageCount:   4,
			SuccessCount: rate,
		})
		if err != nil {
			t.Fatalf("StorePattern failed: %v", err)
		}
		if i == 0 {
			firstID = p.ID
		}
	}

	w, out := e.do(t, http.MethodGet, "/api/patterns?symbol=btcusdt&action=buy", "", "")
	if w.Code != http.StatusOK || len(out["data"].([]interface{})) != 3 {
		t.Errorf("Expected 3 patterns, got %d %v", w.Code, out)
	}

	w, out = e.do(t, http.MethodGet, "/api/patterns/top?n=1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	top := out["data"].([]interface{})
	if len(top) != 1 || top[0].(map[string]interface{})["id"] != firstID {
		t.Errorf("Expected the 75%% pattern on top, got %v", top)
	}

	w, _ = e.do(t, http.MethodGet, "/api/patterns/"+firstID, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for pattern, got %d", w.Code)
	}
	w, _ = e.do(t, http.MethodGet, "/api/patterns/missing", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown pattern, got %d", w.Code)
	}

	w, _ = e.do(t, http.MethodPost, "/api/patterns/prune", `{"max_age":"forever"}`, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad max_age, got %d", w.Code)
	}

	// Empty body falls back to the default criteria, keeping the best one
	w, out = e.do(t, http.MethodPost, "/api/patterns/prune", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on prune, got %d: %s", w.Code, w.Body.String())
	}
	data := out["data"].(map[string]interface{})
	if data["removed"].(float64) != 2 || data["remaining"].(float64) != 1 {
		t.Errorf("Expected 2 removed and 1 remaining, got %v", data)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{
		Enabled:             true,
		JWTSecret:           "secret",
		AccessTokenDuration: time.Hour,
		OperatorUsername:    "admin",
		OperatorPassword:    "Sup3r-secret",
	}, nil)

	w, _ := e.do(t, http.MethodGet, "/api/traders", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}

	w, _ = e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"nope"}`, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad password, got %d", w.Code)
	}

	w, out := e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"Sup3r-secret"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on login, got %d: %s", w.Code, w.Body.String())
	}
	token := out["data"].(map[string]interface{})["access_token"].(string)

	w, _ = e.do(t, http.MethodGet, "/api/traders", "", token)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", w.Code)
	}

	// Health stays public
	w, _ = e.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected public health endpoint, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, map[string]HealthCheckFunc{
		"database": func(context.Context) error { return errors.New("connection refused") },
	})

	w, out := e.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusServiceUnavailable || out["status"] != "unhealthy" {
		t.Errorf("Expected 503 unhealthy, got %d %v", w.Code, out)
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("Expected a trace id header")
	}

	w, _ = e.do(t, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 from metrics, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "engine_http_requests_total") {
		t.Error("Expected the request counter in the metrics output")
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.server.Hub().Run(ctx)

	ts := httptest.NewServer(e.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.server.Hub().GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.server.Hub().GetClientCount() != 1 {
		t.Fatalf("Expected 1 client, got %d", e.server.Hub().GetClientCount())
	}

	e.bus.Publish(events.Event{Type: events.EventEmergencyStop, Data: map[string]interface{}{"reason": "ws"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("Invalid event JSON: %v", err)
	}
	if ev.Type != events.EventEmergencyStop || ev.Data["reason"] != "ws" {
		t.Errorf("Expected the emergency stop event, got %+v", ev)
	}
}

func TestListStrategies(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)

	w, out := e.do(t, http.MethodGet, "/api/strategies", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	list, ok := out["data"].([]interface{})
	if !ok || len(list) != len(strategy.Describe()) {
		t.Fatalf("Expected %d strategies, got %v", len(strategy.Describe()), out["data"])
	}
	first := list[0].(map[string]interface{})
	if first["kind"] == "" || first["lookback"] == nil {
		t.Errorf("Expected kind and lookback on each entry, got %v", first)
	}
}

func TestHealthReportsStats(t *testing.T) {
	e := newTestEnv(t, config.AuthConfig{}, nil)
	e.server.deps.Stats = map[string]StatsFunc{
		"redis": func() interface{} { return map[string]int{"pool_size": 10} },
	}

	w, out := e.do(t, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stats, _ := out["stats"].(map[string]interface{})
	redis, _ := stats["redis"].(map[string]interface{})
	if redis["pool_size"] != float64(10) {
		t.Errorf("Expected redis pool_size 10, got %v", out["stats"])
	}
}
