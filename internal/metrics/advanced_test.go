package metrics

import (
	"math"
	"testing"
	"time"

	"strategos/internal/domain"
)

func TestComputeAdvanced(t *testing.T) {
	in := Input{
		InitialCapital: 1000,
		FinalEquity:    1100,
		Curve:          curve(t0, 24*time.Hour, 1000, 1100, 1000, 1100),
		Trades: []domain.Trade{
			{PnL: 100, PnLPercent: 10, BarsHeld: 1},
			{PnL: -100, PnLPercent: -10, BarsHeld: 1},
			{PnL: 100, PnLPercent: 10, BarsHeld: 1},
		},
	}
	a := ComputeAdvanced(in)

	// p = 2/3, b = 1: (2/3 - 1/3) / 1 = 33.3%.
	if !approx(a.Kelly, 100.0/3) || !approx(a.KellyHalf, 50.0/3) {
		t.Errorf("Kelly = %v half = %v", a.Kelly, a.KellyHalf)
	}
	if a.PayoffRatio == nil || *a.PayoffRatio != 1 {
		t.Errorf("PayoffRatio = %v, want 1", a.PayoffRatio)
	}
	// Net 100 over the 100 drop from 1100 to 1000.
	if a.RecoveryFactor == nil || !approx(*a.RecoveryFactor, 1) {
		t.Errorf("RecoveryFactor = %v, want 1", a.RecoveryFactor)
	}
	if a.AvgWinStreak != 1 || a.AvgLossStreak != 1 {
		t.Errorf("streaks = %v/%v, want 1/1", a.AvgWinStreak, a.AvgLossStreak)
	}
	if !approx(a.TimeInMarket, 75) {
		t.Errorf("TimeInMarket = %v, want 75", a.TimeInMarket)
	}
	// Worst bar return is 1000/1100-1.
	if want := (1000.0/1100 - 1) * 100; !approx(a.VaR95, want) || !approx(a.CVaR95, want) {
		t.Errorf("VaR95 = %v CVaR95 = %v, want %v", a.VaR95, a.CVaR95, want)
	}
	if a.UlcerIndex <= 0 {
		t.Errorf("UlcerIndex = %v, want positive", a.UlcerIndex)
	}

	// Returns are 0, 0.1, -1/11, 0.1: gains 0.2 over pain 1/11.
	if a.OmegaRatio == nil || !approx(*a.OmegaRatio, 2.2) {
		t.Errorf("OmegaRatio = %v, want 2.2", a.OmegaRatio)
	}
	if a.GainPainRatio == nil || !approx(*a.GainPainRatio, 2.2) {
		t.Errorf("GainPainRatio = %v, want 2.2", a.GainPainRatio)
	}
	// Mean 1.2/44 over downside deviation 1/22, daily bars.
	if want := 0.6 * math.Sqrt(365); !approx(a.SortinoRatio, want) {
		t.Errorf("SortinoRatio = %v, want %v", a.SortinoRatio, want)
	}
	// Annualized 1.2/44*365*100 over a 100/11 percent drawdown.
	if a.CalmarRatio == nil || math.Abs(*a.CalmarRatio-109.5) > 1e-6 {
		t.Errorf("CalmarRatio = %v, want 109.5", a.CalmarRatio)
	}
	// Win rate 66.7 of 70, payoff 1 of 2, profit factor 2 of 2.
	if want := 2000.0/70 + 15 + 40; !approx(a.TradeQualityScore, want) {
		t.Errorf("TradeQualityScore = %v, want %v", a.TradeQualityScore, want)
	}
	// No benchmark reduces the information ratio to the Sharpe ratio.
	if want := Sharpe(Returns(in.InitialCapital, in.Curve), 365); !approx(a.InformationRatio, want) {
		t.Errorf("InformationRatio = %v, want %v", a.InformationRatio, want)
	}
	in.BenchmarkReturn = DefaultBenchmarkReturn
	if b := ComputeAdvanced(in); b.InformationRatio >= a.InformationRatio {
		t.Errorf("InformationRatio vs %v%% = %v, want below %v", DefaultBenchmarkReturn, b.InformationRatio, a.InformationRatio)
	}
}

func TestAvgMarketExposure(t *testing.T) {
	c := curve(t0, time.Hour, 100, 100, 100, 100)
	c[1].Exposure = 100
	c[2].Exposure = 50
	a := ComputeAdvanced(Input{InitialCapital: 100, FinalEquity: 100, Curve: c})
	if !approx(a.AvgMarketExposure, 75) {
		t.Errorf("AvgMarketExposure = %v, want 75", a.AvgMarketExposure)
	}
}

func TestComputeAdvancedUnbounded(t *testing.T) {
	a := ComputeAdvanced(Input{
		InitialCapital: 100,
		FinalEquity:    120,
		Curve:          curve(t0, time.Hour, 110, 120),
		Trades:         []domain.Trade{{PnL: 20, PnLPercent: 20}},
	})
	if a.PayoffRatio != nil {
		t.Errorf("PayoffRatio = %v, want nil without losses", *a.PayoffRatio)
	}
	if a.RecoveryFactor != nil {
		t.Errorf("RecoveryFactor = %v, want nil without drawdown", *a.RecoveryFactor)
	}
	if a.Kelly != 0 {
		t.Errorf("Kelly = %v, want 0 without losses", a.Kelly)
	}
	if a.OmegaRatio != nil || a.GainPainRatio != nil {
		t.Errorf("OmegaRatio = %v GainPainRatio = %v, want nil without losing bars", a.OmegaRatio, a.GainPainRatio)
	}
	if a.CalmarRatio != nil {
		t.Errorf("CalmarRatio = %v, want nil without drawdown", *a.CalmarRatio)
	}
	if a.SortinoRatio != 0 {
		t.Errorf("SortinoRatio = %v, want 0 without downside", a.SortinoRatio)
	}
	if a.TradeQualityScore != 100 {
		t.Errorf("TradeQualityScore = %v, want 100", a.TradeQualityScore)
	}
}

func TestComputeAdvancedEmpty(t *testing.T) {
	a := ComputeAdvanced(Input{InitialCapital: 100, FinalEquity: 100})
	if a.VaR95 != 0 || a.UlcerIndex != 0 || a.TimeInMarket != 0 {
		t.Errorf("empty = %+v", a)
	}
	if a.PayoffRatio == nil || *a.PayoffRatio != 0 {
		t.Errorf("empty PayoffRatio = %v, want 0", a.PayoffRatio)
	}
	for name, r := range map[string]*float64{"OmegaRatio": a.OmegaRatio, "GainPainRatio": a.GainPainRatio, "CalmarRatio": a.CalmarRatio} {
		if r == nil || *r != 0 {
			t.Errorf("empty %s = %v, want 0", name, r)
		}
	}
	if a.SortinoRatio != 0 || a.InformationRatio != 0 || a.TradeQualityScore != 0 || a.AvgMarketExposure != 0 {
		t.Errorf("empty = %+v", a)
	}
}
