package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"strategos/internal/backtest"
	"strategos/internal/config"
	"strategos/internal/domain"
	"strategos/internal/engine"
	"strategos/internal/events"
	"strategos/internal/metrics"
	"strategos/internal/risk"
	"strategos/internal/store"
	"strategos/internal/strategy"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func bars(closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{
			Symbol:    "TEST",
			Timestamp: t0.Add(time.Duration(i) * 24 * time.Hour),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func testStrategy(id string) *strategy.Strategy {
	exit := strategy.LeafNode(strategy.Price(strategy.SourceClose), strategy.OpLt, 100)
	return &strategy.Strategy{
		ID:             id,
		Name:           "breakout",
		Symbol:         "TEST",
		Timeframe:      "1d",
		Side:           domain.PositionSideLong,
		Entry:          strategy.LeafNode(strategy.Price(strategy.SourceClose), strategy.OpGt, 100),
		Exit:           &exit,
		PositionSizing: strategy.PositionSizing{Type: strategy.SizingFixedPercent, Percent: 100},
	}
}

func newTestEngine(t *testing.T) (*engine.Engine, *events.MemoryPublisher) {
	t.Helper()
	re, err := risk.NewEngine(map[string]risk.ExchangeProfile{
		"test": {MaxLeverage: 20, MaintenanceMarginRate: 0.005, MarginCallThreshold: 80, LiquidationThreshold: 50},
	})
	if err != nil {
		t.Fatalf("risk.NewEngine: %v", err)
	}
	pub := events.NewMemoryPublisher()
	pq := store.NewParquetStore(t.TempDir())
	eng, err := engine.New(engine.Options{
		Risk:      re,
		Results:   store.NewMemoryResultStore(),
		Bars:      pq,
		Exporter:  pq,
		Publisher: pub,
		Defaults:  backtest.Config{InitialCapital: 1000},
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng, pub
}

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	eng, _ := newTestEngine(t)
	srv := NewServer(eng, config.Server{Host: "127.0.0.1"}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, eng
}

func do(t *testing.T, ts *httptest.Server, method, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	var got map[string]string
	if code := do(t, ts, http.MethodGet, "/api/health", nil, &got); code != http.StatusOK || got["status"] != "ok" {
		t.Errorf("health = %d %v", code, got)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/backtests", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestStrategyAndBacktestFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	var registered strategy.Strategy
	if code := do(t, ts, http.MethodPost, "/api/strategies", testStrategy("s1"), &registered); code != http.StatusCreated {
		t.Fatalf("register = %d", code)
	}
	var got strategy.Strategy
	if code := do(t, ts, http.MethodGet, "/api/strategies/s1", nil, &got); code != http.StatusOK || got.Symbol != "TEST" {
		t.Fatalf("get strategy = %d %+v", code, got)
	}

	var res domain.BacktestResult
	req := engine.RunRequest{StrategyID: "s1", Bars: bars(90, 110, 120, 90, 90)}
	if code := do(t, ts, http.MethodPost, "/api/backtests", req, &res); code != http.StatusCreated {
		t.Fatalf("run = %d", code)
	}
	if res.Status != domain.RunStatusCompleted || len(res.Trades) != 1 {
		t.Fatalf("result = %s with %d trades", res.Status, len(res.Trades))
	}

	var fetched domain.BacktestResult
	if code := do(t, ts, http.MethodGet, "/api/backtests/"+res.ID, nil, &fetched); code != http.StatusOK || fetched.ID != res.ID {
		t.Errorf("get backtest = %d %s", code, fetched.ID)
	}

	var list struct {
		Results []domain.BacktestResult `json:"results"`
	}
	if code := do(t, ts, http.MethodGet, "/api/backtests?strategy_id=s1&limit=5", nil, &list); code != http.StatusOK || len(list.Results) != 1 {
		t.Errorf("list = %d with %d results", code, len(list.Results))
	}

	var adv metrics.Advanced
	if code := do(t, ts, http.MethodGet, "/api/backtests/"+res.ID+"/analysis", nil, &adv); code != http.StatusOK {
		t.Errorf("analysis = %d", code)
	}

	var exp ExportResponse
	if code := do(t, ts, http.MethodPost, "/api/backtests/"+res.ID+"/export", nil, &exp); code != http.StatusOK || exp.TradesPath == "" {
		t.Errorf("export = %d %+v", code, exp)
	}

	var cmp metrics.Comparison
	if code := do(t, ts, http.MethodPost, "/api/backtests/compare", CompareRequest{IDs: []string{res.ID}}, &cmp); code != http.StatusOK || len(cmp.ByReturn) != 1 {
		t.Errorf("compare = %d %+v", code, cmp)
	}

	if code := do(t, ts, http.MethodDelete, "/api/backtests/"+res.ID, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", code)
	}
	if code := do(t, ts, http.MethodGet, "/api/backtests/"+res.ID, nil, &map[string]string{}); code != http.StatusNotFound {
		t.Errorf("get deleted = %d, want 404", code)
	}
}

func TestRunBacktestFailure(t *testing.T) {
	ts, _ := newTestServer(t)
	var res domain.BacktestResult
	// No bars in the request or the store.
	req := engine.RunRequest{Strategy: testStrategy("s1"), Start: t0, End: t0.AddDate(0, 1, 0)}
	if code := do(t, ts, http.MethodPost, "/api/backtests", req, &res); code != http.StatusUnprocessableEntity {
		t.Fatalf("run = %d, want 422", code)
	}
	if res.Status != domain.RunStatusFailed || res.FailureReason != domain.FailureNoData {
		t.Errorf("result = %s/%s, want failed/no_data", res.Status, res.FailureReason)
	}
}

func TestRunBatch(t *testing.T) {
	ts, _ := newTestServer(t)
	req := BatchRequest{Runs: []engine.RunRequest{
		{Strategy: testStrategy("a"), Bars: bars(90, 110, 120, 90, 90)},
		{Strategy: testStrategy("b"), Bars: bars(90, 110, 130, 150, 160)},
	}}
	var out BatchResponse
	if code := do(t, ts, http.MethodPost, "/api/backtests/batch", req, &out); code != http.StatusOK {
		t.Fatalf("batch = %d", code)
	}
	if len(out.Results) != 2 || out.Results[1].StrategyID != "b" {
		t.Errorf("batch results = %+v", out.Results)
	}
}

func TestErrorStatuses(t *testing.T) {
	ts, _ := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown strategy", http.MethodGet, "/api/strategies/missing", nil, http.StatusNotFound},
		{"run unknown strategy", http.MethodPost, "/api/backtests", engine.RunRequest{StrategyID: "missing"}, http.StatusNotFound},
		{"empty compare", http.MethodPost, "/api/backtests/compare", CompareRequest{}, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/backtests?limit=x", nil, http.StatusBadRequest},
		{"empty compile", http.MethodPost, "/api/strategies/compile", CompileRequest{}, http.StatusBadRequest},
		{"leverage too high", http.MethodPost, "/api/risk/leverage", LeverageRequest{Exchange: "test", Leverage: 50}, http.StatusUnprocessableEntity},
		{"unknown exchange", http.MethodPost, "/api/risk/leverage", LeverageRequest{Exchange: "nope", Leverage: 2}, http.StatusNotFound},
		{"bad margin input", http.MethodPost, "/api/risk/margin", risk.MarginParams{Exchange: "test", Leverage: 2}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			if code := do(t, ts, tt.method, tt.path, tt.body, &body); code != tt.want {
				t.Errorf("status = %d, want %d (body %v)", code, tt.want, body)
			}
			if body["error"] == nil {
				t.Errorf("body has no error: %v", body)
			}
		})
	}
}

func TestCompileEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	req := CompileRequest{
		Nodes: []strategy.GraphNode{
			{ID: "t1", Type: strategy.NodeTrigger, Data: strategy.NodeData{Config: map[string]any{
				"type": "price_above", "value": 100.0, "symbol": "TEST", "timeframe": "1d",
			}}},
			{ID: "a1", Type: strategy.NodeAction, Data: strategy.NodeData{Config: map[string]any{
				"type": "buy", "amount": 100.0, "amountType": "percent",
			}}},
			{ID: "r1", Type: strategy.NodeRisk, Data: strategy.NodeData{Config: map[string]any{
				"stopLoss": 5.0,
			}}},
		},
		Edges:    []strategy.Edge{{ID: "e1", Source: "t1", Target: "a1"}},
		Metadata: strategy.Metadata{Name: "breakout"},
	}
	var strat strategy.Strategy
	if code := do(t, ts, http.MethodPost, "/api/strategies/compile", req, &strat); code != http.StatusCreated {
		t.Fatalf("compile = %d", code)
	}
	var ids map[string][]string
	do(t, ts, http.MethodGet, "/api/strategies", nil, &ids)
	if len(ids["ids"]) != 1 || ids["ids"][0] != strat.ID {
		t.Errorf("ids = %v, want [%s]", ids, strat.ID)
	}

	// A graph with no action node does not compile.
	req.Nodes = req.Nodes[:1]
	req.Edges = nil
	var body map[string]any
	if code := do(t, ts, http.MethodPost, "/api/strategies/compile", req, &body); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid compile = %d, want 422", code)
	}
}

func TestRiskEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var calc risk.MarginCalculation
	p := risk.MarginParams{EntryPrice: 100, Size: 1, Leverage: 10, Side: domain.PositionSideLong, CurrentPrice: 100, Exchange: "test"}
	if code := do(t, ts, http.MethodPost, "/api/risk/margin", p, &calc); code != http.StatusOK || calc.RequiredMargin != 10 {
		t.Errorf("margin = %d %+v", code, calc)
	}

	var check risk.LiquidationCheck
	lr := LiquidationRequest{
		Exchange:     "test",
		Position:     domain.Position{ID: "p1", Symbol: "TEST", Side: domain.PositionSideLong, Size: 1, EntryPrice: 100, Leverage: 10},
		CurrentPrice: 90,
	}
	if code := do(t, ts, http.MethodPost, "/api/risk/liquidation", lr, &check); code != http.StatusOK || !check.WouldLiquidate {
		t.Errorf("liquidation = %d %+v", code, check)
	}

	var review engine.AccountReview
	ar := AccountRequest{Exchange: "test", Balance: 1000, Positions: []domain.Position{lr.Position}, Marks: map[string]float64{"TEST": 91}}
	if code := do(t, ts, http.MethodPost, "/api/risk/account", ar, &review); code != http.StatusOK || !review.Report.HasMarginCall {
		t.Errorf("account = %d %+v", code, review.Report)
	}

	var ex struct {
		Exchanges []ExchangeInfo `json:"exchanges"`
	}
	if code := do(t, ts, http.MethodGet, "/api/risk/exchanges", nil, &ex); code != http.StatusOK || len(ex.Exchanges) != 1 || ex.Exchanges[0].MaxLeverage != 20 {
		t.Errorf("exchanges = %d %+v", code, ex)
	}
}
