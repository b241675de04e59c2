package risk

import (
	"errors"
	"math"
	"testing"

	"strategos/internal/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(map[string]ExchangeProfile{
		"test": {MaxLeverage: 20, MaintenanceMarginRate: 0.005, MarginCallThreshold: 80, LiquidationThreshold: 50},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestLiquidationPriceExample(t *testing.T) {
	e := testEngine(t)
	calc, err := e.CalculateMargin(MarginParams{
		EntryPrice: 100, Size: 1, Leverage: 10, Side: domain.PositionSideLong, CurrentPrice: 100, Exchange: "test",
	})
	if err != nil {
		t.Fatalf("CalculateMargin: %v", err)
	}
	if calc.LiquidationPrice != 90.5 {
		t.Errorf("LiquidationPrice = %v, want 90.5", calc.LiquidationPrice)
	}

	short, err := e.SimulateLiquidation("test", domain.Position{
		Side: domain.PositionSideShort, Size: 1, EntryPrice: 100, Leverage: 10,
	}, 100)
	if err != nil {
		t.Fatalf("SimulateLiquidation: %v", err)
	}
	if short.LiquidationPrice != 109.5 {
		t.Errorf("short LiquidationPrice = %v, want 109.5", short.LiquidationPrice)
	}
}

func TestCalculateMargin(t *testing.T) {
	e := testEngine(t)
	calc, err := e.CalculateMargin(MarginParams{
		EntryPrice: 200, Size: 5, Leverage: 10, Side: domain.PositionSideLong, CurrentPrice: 190, Exchange: "test",
	})
	if err != nil {
		t.Fatalf("CalculateMargin: %v", err)
	}
	if calc.Notional != 1000 || calc.RequiredMargin != 100 || calc.MaintenanceMargin != 5 {
		t.Errorf("notional/required/maintenance = %v/%v/%v, want 1000/100/5",
			calc.Notional, calc.RequiredMargin, calc.MaintenanceMargin)
	}
	if calc.UnrealizedPnL != -50 || calc.UnrealizedPnLPercent != -50 {
		t.Errorf("pnl = %v (%v%%), want -50 (-50%%)", calc.UnrealizedPnL, calc.UnrealizedPnLPercent)
	}
	// (100 - 50) / 100 = 50%: below margin call (80), not below liquidation (50).
	if calc.MarginRatio != 50 {
		t.Errorf("MarginRatio = %v, want 50", calc.MarginRatio)
	}
	if !calc.MarginCall || calc.Liquidate {
		t.Errorf("MarginCall/Liquidate = %v/%v, want true/false", calc.MarginCall, calc.Liquidate)
	}
	if calc.Warning.Level == "" || calc.Warning.Message == "" {
		t.Error("CalculateMargin returned no warning")
	}
	if calc.Warning.Level != RiskHigh {
		t.Errorf("Warning.Level = %s, want high for margin-call ratio", calc.Warning.Level)
	}
}

func TestCalculateMarginShortLiquidates(t *testing.T) {
	e := testEngine(t)
	calc, err := e.CalculateMargin(MarginParams{
		EntryPrice: 100, Size: 1, Leverage: 10, Side: domain.PositionSideShort, CurrentPrice: 106, Exchange: "test",
	})
	if err != nil {
		t.Fatalf("CalculateMargin: %v", err)
	}
	// pnl -6 on margin 10 leaves 40%.
	if !approx(calc.MarginRatio, 40) || !calc.Liquidate {
		t.Errorf("MarginRatio = %v Liquidate = %v, want 40 true", calc.MarginRatio, calc.Liquidate)
	}
	if calc.Warning.Level != RiskExtreme {
		t.Errorf("Warning.Level = %s, want extreme", calc.Warning.Level)
	}
}

func TestCalculateMarginCross(t *testing.T) {
	e := testEngine(t)
	calc, err := e.CalculateMargin(MarginParams{
		EntryPrice: 100, Size: 2, Leverage: 10, Side: domain.PositionSideLong, CurrentPrice: 100,
		Exchange: "test", MarginType: domain.MarginCross, FreeBalance: 10,
	})
	if err != nil {
		t.Fatalf("CalculateMargin: %v", err)
	}
	// Isolated 90.5 less 10/2 of free balance per unit.
	if calc.LiquidationPrice != 85.5 {
		t.Errorf("cross LiquidationPrice = %v, want 85.5", calc.LiquidationPrice)
	}
	if calc.MaxPositionSize != 1 {
		t.Errorf("MaxPositionSize = %v, want 1", calc.MaxPositionSize)
	}
}

func TestLeverageRejectedBeforeMath(t *testing.T) {
	e := testEngine(t)
	for _, lev := range []float64{0, -1, 0.5, 21, math.NaN()} {
		// Invalid prices would fail later; leverage must be reported first.
		_, err := e.CalculateMargin(MarginParams{Leverage: lev, Exchange: "test"})
		if !errors.Is(err, ErrInvalidLeverage) {
			t.Errorf("leverage %v: err = %v, want ErrInvalidLeverage", lev, err)
		}
	}
	if _, err := e.CalculateMargin(MarginParams{Leverage: 2, Exchange: "nowhere"}); !errors.Is(err, ErrUnknownExchange) {
		t.Errorf("err = %v, want ErrUnknownExchange", err)
	}
	if _, err := e.CalculateMargin(MarginParams{Leverage: 2, Exchange: "test"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestGenerateRiskWarning(t *testing.T) {
	e := testEngine(t)
	tests := []struct {
		leverage float64
		ratio    *float64
		want     RiskLevel
	}{
		{1, nil, RiskLow},
		{4.99, nil, RiskLow},
		{5, nil, RiskMedium},
		{20, nil, RiskHigh},
		{50, nil, RiskExtreme},
		{2, ptr(70), RiskHigh},
		{2, ptr(40), RiskExtreme},
		{60, ptr(70), RiskExtreme},
		{2, ptr(120), RiskLow},
	}
	for _, tt := range tests {
		w := e.GenerateRiskWarning(tt.leverage, tt.ratio)
		if w.Level != tt.want {
			t.Errorf("GenerateRiskWarning(%v, %v) = %s, want %s", tt.leverage, deref(tt.ratio), w.Level, tt.want)
		}
		if w.Message == "" || w.Recommendations == nil {
			t.Errorf("GenerateRiskWarning(%v) has empty message or nil recommendations", tt.leverage)
		}
	}
}

func ptr(v float64) *float64 { return &v }

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func TestSetLeverage(t *testing.T) {
	e := testEngine(t)
	s, err := e.SetLeverage("test", "BTC/USDT", 10, "")
	if err != nil {
		t.Fatalf("SetLeverage: %v", err)
	}
	if s.MarginType != domain.MarginCross || s.MaxLeverage != 20 || s.Warning.Level != RiskMedium {
		t.Errorf("setting = %+v", s)
	}
	if _, err := e.SetLeverage("test", "BTC/USDT", 25, domain.MarginIsolated); !errors.Is(err, ErrInvalidLeverage) {
		t.Errorf("err = %v, want ErrInvalidLeverage", err)
	}
}

func TestSimulateLiquidation(t *testing.T) {
	e := testEngine(t)
	pos := domain.Position{ID: "p1", Symbol: "BTC/USDT", Side: domain.PositionSideLong, Size: 1, EntryPrice: 100, Leverage: 10}

	safe, err := e.SimulateLiquidation("test", pos, 99)
	if err != nil {
		t.Fatalf("SimulateLiquidation: %v", err)
	}
	if safe.WouldLiquidate || safe.IsAtRisk || safe.EstimatedLoss != 0 {
		t.Errorf("at 99: %+v, want safe", safe)
	}
	if safe.LiquidationPrice != 90.5 {
		t.Errorf("LiquidationPrice = %v, want 90.5", safe.LiquidationPrice)
	}
	if !approx(safe.DistancePercent, 8.5/99*100) {
		t.Errorf("DistancePercent = %v, want %v", safe.DistancePercent, 8.5/99*100)
	}

	gone, err := e.SimulateLiquidation("test", pos, 90)
	if err != nil {
		t.Fatalf("SimulateLiquidation: %v", err)
	}
	if !gone.WouldLiquidate || !gone.IsAtRisk || gone.EstimatedLoss != 10 {
		t.Errorf("at 90: %+v, want liquidated losing margin 10", gone)
	}
	if gone.Warning.Level != RiskExtreme || gone.Warning.Message == "" {
		t.Errorf("at 90: Warning = %+v, want extreme", gone.Warning)
	}
	if safe.Warning.Message == "" || len(safe.Warning.Recommendations) == 0 {
		t.Errorf("at 99: Warning = %+v, want a populated warning", safe.Warning)
	}
}

func TestBuildMarginAccountAndCheckMarginCall(t *testing.T) {
	e := testEngine(t)
	positions := []domain.Position{
		{ID: "a", Symbol: "BTC", Side: domain.PositionSideLong, Size: 1, EntryPrice: 100, Leverage: 10},
		{ID: "b", Symbol: "ETH", Side: domain.PositionSideShort, Size: 10, EntryPrice: 10, Leverage: 5},
	}
	acct, err := e.BuildMarginAccount("u1", "test", 1000, positions, map[string]float64{"BTC": 93, "ETH": 10})
	if err != nil {
		t.Fatalf("BuildMarginAccount: %v", err)
	}
	if acct.UsedMargin != 30 || acct.UnrealizedPnL != -7 || acct.Equity != 993 {
		t.Errorf("used/pnl/equity = %v/%v/%v, want 30/-7/993", acct.UsedMargin, acct.UnrealizedPnL, acct.Equity)
	}
	if acct.FreeMargin != 963 || !approx(acct.MarginLevel, 993.0/30*100) || acct.LiquidationRisk != "safe" {
		t.Errorf("account = %+v", acct)
	}

	report, err := e.CheckMarginCall(acct)
	if err != nil {
		t.Fatalf("CheckMarginCall: %v", err)
	}
	// BTC: (10 - 7) / 10 = 30% < 50 -> critical. ETH flat.
	if !report.HasMarginCall || len(report.Positions) != 1 {
		t.Fatalf("report = %+v, want one alert", report)
	}
	alert := report.Positions[0]
	if alert.Position.ID != "a" || alert.Urgency != UrgencyCritical || alert.Warning.Level != RiskExtreme {
		t.Errorf("alert = %+v", alert)
	}
}

func TestNewEngineRejectsBadProfile(t *testing.T) {
	_, err := NewEngine(map[string]ExchangeProfile{
		"bad": {MaxLeverage: 10, MaintenanceMarginRate: 0.01, MarginCallThreshold: 50, LiquidationThreshold: 80},
	})
	if err == nil {
		t.Error("NewEngine accepted liquidation threshold above margin call threshold")
	}

	e, err := NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine(nil): %v", err)
	}
	if p, err := e.Profile("binance_futures"); err != nil || p.MaxLeverage != 125 {
		t.Errorf("default binance_futures profile = %+v, %v", p, err)
	}
}
