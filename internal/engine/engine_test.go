package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"strategos/internal/backtest"
	"strategos/internal/domain"
	"strategos/internal/events"
	"strategos/internal/risk"
	"strategos/internal/store"
	"strategos/internal/strategy"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func flat(closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol:    "TEST",
			Timestamp: t0.Add(time.Duration(i) * 24 * time.Hour),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
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

type fixture struct {
	eng     *Engine
	pub     *events.MemoryPublisher
	parquet *store.ParquetStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	re, err := risk.NewEngine(map[string]risk.ExchangeProfile{
		"test": {MaxLeverage: 20, MaintenanceMarginRate: 0.005, MarginCallThreshold: 80, LiquidationThreshold: 50},
	})
	if err != nil {
		t.Fatalf("risk.NewEngine: %v", err)
	}
	pub := events.NewMemoryPublisher()
	pq := store.NewParquetStore(t.TempDir())
	eng, err := New(Options{
		Risk:          re,
		Results:       store.NewMemoryResultStore(),
		Bars:          pq,
		Exporter:      pq,
		Publisher:     pub,
		Defaults:      backtest.Config{InitialCapital: 1000},
		MaxConcurrent: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{eng: eng, pub: pub, parquet: pq}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Options{Results: store.NewMemoryResultStore()}); err == nil {
		t.Error("New without risk engine returned no error")
	}
	re, _ := risk.NewEngine(nil)
	if _, err := New(Options{Risk: re}); err == nil {
		t.Error("New without result store returned no error")
	}
}

func TestRunStoresAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.Run(ctx, testStrategy("s1"), flat(90, 110, 120, 90, 90), backtest.Config{InitialCapital: 1000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != domain.RunStatusCompleted || len(res.Trades) != 1 {
		t.Fatalf("status %s with %d trades, want completed with 1", res.Status, len(res.Trades))
	}

	got, err := f.eng.Result(ctx, res.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.FinalEquity != res.FinalEquity {
		t.Errorf("stored FinalEquity = %v, want %v", got.FinalEquity, res.FinalEquity)
	}

	evs := f.pub.Backtests()
	if len(evs) != 1 || evs[0].ResultID != res.ID || evs[0].TotalTrades != 1 {
		t.Errorf("published events = %+v", evs)
	}
}

func TestRunFailureIsStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.Run(ctx, testStrategy("s1"), nil, backtest.Config{InitialCapital: 1000})
	var serr *backtest.SimulationError
	if !errors.As(err, &serr) || serr.Reason != domain.FailureNoData {
		t.Fatalf("err = %v, want no_data simulation error", err)
	}
	got, err := f.eng.Result(ctx, res.ID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Status != domain.RunStatusFailed {
		t.Errorf("stored status = %s, want failed", got.Status)
	}
}

func TestSubmitFromBarStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bars := flat(90, 110, 120, 90, 90)
	if err := f.parquet.WriteBars(ctx, DefaultMarket, "1d", bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	if err := f.eng.Register(testStrategy("s1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := f.eng.RunFromStore(ctx, "s1", "", t0, t0.AddDate(0, 1, 0), nil)
	if err != nil {
		t.Fatalf("RunFromStore: %v", err)
	}
	if len(res.EquityCurve) != len(bars) {
		t.Errorf("equity points = %d, want %d", len(res.EquityCurve), len(bars))
	}
	if res.InitialCapital != 1000 {
		t.Errorf("InitialCapital = %v, want default 1000", res.InitialCapital)
	}
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, RunRequest{StrategyID: "missing"}); !errors.Is(err, ErrStrategyNotFound) {
		t.Errorf("unknown strategy err = %v, want ErrStrategyNotFound", err)
	}

	re, _ := risk.NewEngine(nil)
	noBars, _ := New(Options{Risk: re, Results: store.NewMemoryResultStore()})
	_, err := noBars.Submit(ctx, RunRequest{Strategy: testStrategy("s1")})
	if !errors.Is(err, ErrNoBarStore) {
		t.Errorf("no bar store err = %v, want ErrNoBarStore", err)
	}
}

func TestRunMany(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bars := flat(90, 110, 120, 90, 90)

	reqs := []RunRequest{
		{Strategy: testStrategy("a"), Bars: bars},
		{Strategy: testStrategy("b"), Bars: bars, Config: &backtest.Config{InitialCapital: 1000, FeeRatePercent: -1}},
		{Strategy: testStrategy("c"), Bars: bars, Config: &backtest.Config{InitialCapital: 5000}},
	}
	results, err := f.eng.RunMany(ctx, reqs)
	if err != nil {
		t.Fatalf("RunMany: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	wantStatus := []domain.RunStatus{domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCompleted}
	for i, res := range results {
		if res.StrategyID != reqs[i].Strategy.ID {
			t.Errorf("results[%d].StrategyID = %s, want %s", i, res.StrategyID, reqs[i].Strategy.ID)
		}
		if res.Status != wantStatus[i] {
			t.Errorf("results[%d].Status = %s, want %s", i, res.Status, wantStatus[i])
		}
	}
	if results[2].InitialCapital != 5000 {
		t.Errorf("results[2].InitialCapital = %v, want 5000", results[2].InitialCapital)
	}
	if len(f.pub.Backtests()) != 3 {
		t.Errorf("published %d events, want 3", len(f.pub.Backtests()))
	}
}

func TestRunManyUnresolvable(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.RunMany(context.Background(), []RunRequest{{StrategyID: "missing"}})
	if !errors.Is(err, ErrStrategyNotFound) {
		t.Errorf("err = %v, want ErrStrategyNotFound", err)
	}
}

func TestCompareAndAnalyze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	up, _ := f.eng.Run(ctx, testStrategy("up"), flat(90, 110, 130, 150, 160), backtest.Config{InitialCapital: 1000})
	down, _ := f.eng.Run(ctx, testStrategy("down"), flat(90, 110, 95, 95, 95), backtest.Config{InitialCapital: 1000})

	cmp, err := f.eng.Compare(ctx, []string{down.ID, up.ID})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(cmp.ByReturn) != 2 || cmp.ByReturn[0].ResultID != up.ID {
		t.Errorf("ByReturn = %+v, want %s first", cmp.ByReturn, up.ID)
	}

	adv, err := f.eng.Analyze(ctx, up.ID, 0)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if adv.TimeInMarket <= 0 {
		t.Errorf("TimeInMarket = %v, want > 0", adv.TimeInMarket)
	}
	if adv.AvgMarketExposure <= 0 {
		t.Errorf("AvgMarketExposure = %v, want > 0", adv.AvgMarketExposure)
	}
	beat, err := f.eng.Analyze(ctx, up.ID, 50)
	if err != nil {
		t.Fatalf("Analyze(50): %v", err)
	}
	if beat.InformationRatio >= adv.InformationRatio {
		t.Errorf("InformationRatio vs 50%% benchmark = %v, want below %v", beat.InformationRatio, adv.InformationRatio)
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, _ := f.eng.Run(ctx, testStrategy("s1"), flat(90, 110, 120, 90, 90), backtest.Config{InitialCapital: 1000})

	equityPath, tradesPath, err := f.eng.Export(ctx, res.ID)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, p := range []string{equityPath, tradesPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("exported file %s: %v", p, err)
		}
	}

	if _, _, err := f.eng.Export(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Export(missing) err = %v, want ErrNotFound", err)
	}
}

func TestCompileRegisters(t *testing.T) {
	f := newFixture(t)
	nodes := []strategy.GraphNode{
		{ID: "t1", Type: strategy.NodeTrigger, Data: strategy.NodeData{Config: map[string]any{
			"type": "price_above", "value": 100.0, "symbol": "TEST", "timeframe": "1d",
		}}},
		{ID: "a1", Type: strategy.NodeAction, Data: strategy.NodeData{Config: map[string]any{
			"type": "buy", "amount": 100.0, "amountType": "percent",
		}}},
		{ID: "r1", Type: strategy.NodeRisk, Data: strategy.NodeData{Config: map[string]any{
			"stopLoss": 5.0,
		}}},
	}
	edges := []strategy.Edge{{ID: "e1", Source: "t1", Target: "a1"}}

	s, err := f.eng.Compile(strategy.Graph{Nodes: nodes, Edges: edges}, strategy.Metadata{Name: "breakout"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got, err := f.eng.Strategy(s.ID)
	if err != nil || got != s {
		t.Errorf("Strategy(%s) = %v, %v", s.ID, got, err)
	}
	if ids := f.eng.Strategies(); len(ids) != 1 || ids[0] != s.ID {
		t.Errorf("Strategies() = %v", ids)
	}
}

func TestRiskOperationsPublishWarnings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calc, err := f.eng.CalculateMargin(ctx, risk.MarginParams{
		EntryPrice: 100, Size: 1, Leverage: 10, Side: domain.PositionSideLong,
		CurrentPrice: 100, Exchange: "test",
	})
	if err != nil {
		t.Fatalf("CalculateMargin: %v", err)
	}
	if calc.RequiredMargin != 10 {
		t.Errorf("RequiredMargin = %v, want 10", calc.RequiredMargin)
	}

	pos := domain.Position{ID: "p1", Symbol: "TEST", Side: domain.PositionSideLong, Size: 1, EntryPrice: 100, Leverage: 10}
	check, err := f.eng.SimulateLiquidation(ctx, "test", pos, 91)
	if err != nil {
		t.Fatalf("SimulateLiquidation: %v", err)
	}
	if check.WouldLiquidate || check.Warning.Level == "" {
		t.Errorf("check = %+v, want not liquidated with a warning", check)
	}

	if _, err := f.eng.SetLeverage(ctx, "test", "TEST", 5, ""); err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if _, err := f.eng.SetLeverage(ctx, "test", "TEST", 50, ""); !errors.Is(err, risk.ErrInvalidLeverage) {
		t.Errorf("SetLeverage(50) err = %v, want ErrInvalidLeverage", err)
	}

	got := f.pub.RiskWarnings()
	wantOps := []string{"calculate_margin", "simulate_liquidation", "set_leverage"}
	if len(got) != len(wantOps) {
		t.Fatalf("published %d warnings, want %d", len(got), len(wantOps))
	}
	for i, op := range wantOps {
		if got[i].Operation != op || got[i].Exchange != "test" {
			t.Errorf("warning %d = %s on %s, want %s on test", i, got[i].Operation, got[i].Exchange, op)
		}
	}
}

func TestReviewAccount(t *testing.T) {
	f := newFixture(t)
	positions := []domain.Position{
		{ID: "p1", Symbol: "TEST", Side: domain.PositionSideLong, Size: 1, EntryPrice: 100, Leverage: 10},
		{ID: "p2", Symbol: "SAFE", Side: domain.PositionSideLong, Size: 1, EntryPrice: 100, Leverage: 2},
	}
	review, err := f.eng.ReviewAccount(context.Background(), "u1", "test", 1000, positions,
		map[string]float64{"TEST": 91, "SAFE": 100})
	if err != nil {
		t.Fatalf("ReviewAccount: %v", err)
	}
	if !review.Report.HasMarginCall || len(review.Report.Positions) != 1 {
		t.Fatalf("report = %+v, want one alert", review.Report)
	}
	if review.Report.Positions[0].Urgency != risk.UrgencyCritical {
		t.Errorf("urgency = %s, want critical", review.Report.Positions[0].Urgency)
	}
	if n := len(f.pub.RiskWarnings()); n != 1 {
		t.Errorf("published %d warnings, want 1", n)
	}
}
