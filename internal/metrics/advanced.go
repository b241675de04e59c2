package metrics

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"strategos/internal/domain"
)

// DefaultBenchmarkReturn is the annual benchmark return, in percent, that the
// information ratio is measured against when none is given.
const DefaultBenchmarkReturn = 10.0

// Advanced holds the secondary risk and trade-quality statistics shown next
// to the summary metrics. Percent fields are percentages. Ratio pointers are
// nil when unbounded (gains without losses).
type Advanced struct {
	Kelly          float64  `json:"kelly"`
	KellyHalf      float64  `json:"kelly_half"`
	VaR95          float64  `json:"var_95"`
	VaR99          float64  `json:"var_99"`
	CVaR95         float64  `json:"cvar_95"`
	UlcerIndex     float64  `json:"ulcer_index"`
	RecoveryFactor *float64 `json:"recovery_factor"`
	PayoffRatio    *float64 `json:"payoff_ratio"`
	AvgWinStreak   float64  `json:"avg_win_streak"`
	AvgLossStreak  float64  `json:"avg_loss_streak"`
	TimeInMarket   float64  `json:"time_in_market"`

	SortinoRatio      float64  `json:"sortino_ratio"`
	CalmarRatio       *float64 `json:"calmar_ratio"`
	InformationRatio  float64  `json:"information_ratio"`
	OmegaRatio        *float64 `json:"omega_ratio"`
	GainPainRatio     *float64 `json:"gain_pain_ratio"`
	TradeQualityScore float64  `json:"trade_quality_score"`
	AvgMarketExposure float64  `json:"avg_market_exposure"`
}

// ComputeAdvanced derives the advanced statistics of a run.
func ComputeAdvanced(in Input) Advanced {
	var a Advanced
	returns := Returns(in.InitialCapital, in.Curve)
	ppy := PeriodsPerYear(in.Timeframe, in.Curve)

	a.Kelly = kelly(in.Trades)
	a.KellyHalf = a.Kelly / 2
	a.VaR95, a.VaR99, a.CVaR95 = valueAtRisk(returns)
	a.UlcerIndex = ulcer(in.Curve)
	a.RecoveryFactor = recovery(in)
	a.PayoffRatio = payoff(in.Trades)
	a.AvgWinStreak, a.AvgLossStreak = streaks(in.Trades)
	if len(in.Curve) > 0 {
		var held int
		for _, t := range in.Trades {
			held += t.BarsHeld
		}
		a.TimeInMarket = math.Min(100, float64(held)/float64(len(in.Curve))*100)
	}
	a.SortinoRatio = sortino(returns, ppy)
	a.CalmarRatio = calmar(returns, ppy, MaxDrawdown(in.Curve))
	a.InformationRatio = information(returns, ppy, in.BenchmarkReturn)
	a.OmegaRatio = omega(returns, 0)
	a.GainPainRatio = gainPain(returns)
	a.TradeQualityScore = tradeQuality(in.Trades, a.PayoffRatio)
	a.AvgMarketExposure = avgExposure(in.Curve)
	return a
}

// sortino scales mean return by downside deviation, the root mean square of
// the negative returns. It is 0 without downside or with fewer than two
// returns.
func sortino(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := stats.Mean(returns)
	var sq float64
	for _, r := range returns {
		if r < 0 {
			sq += r * r
		}
	}
	dd := math.Sqrt(sq / float64(len(returns)))
	if dd == 0 {
		return 0
	}
	return mean / dd * math.Sqrt(periodsPerYear)
}

// calmar returns annualized return in percent over the absolute maximum
// drawdown.
func calmar(returns []float64, periodsPerYear, maxDrawdown float64) *float64 {
	var c float64
	if len(returns) == 0 {
		return &c
	}
	mean, _ := stats.Mean(returns)
	annual := mean * periodsPerYear * 100
	if maxDrawdown == 0 {
		if annual > 0 {
			return nil
		}
		return &c
	}
	c = annual / math.Abs(maxDrawdown)
	return &c
}

// information returns the annualized excess return over benchmark, an annual
// percentage, per unit of tracking error.
func information(returns []float64, periodsPerYear, benchmark float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	bench := benchmark / 100
	perPeriod := bench / periodsPerYear
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - perPeriod
	}
	sd, err := stats.StandardDeviationSample(excess)
	if err != nil || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	mean, _ := stats.Mean(returns)
	return (mean*periodsPerYear - bench) / (sd * math.Sqrt(periodsPerYear))
}

// omega returns the sum of returns above threshold over the absolute sum of
// returns below it.
func omega(returns []float64, threshold float64) *float64 {
	var gains, losses, r float64
	for _, x := range returns {
		switch {
		case x > threshold:
			gains += x - threshold
		case x < threshold:
			losses += threshold - x
		}
	}
	switch {
	case losses > 0:
		r = gains / losses
	case gains > 0:
		return nil
	}
	return &r
}

// gainPain returns the sum of positive returns over the absolute sum of
// negative returns.
func gainPain(returns []float64) *float64 {
	return omega(returns, 0)
}

// tradeQuality scores win rate, payoff and profit factor out of 100, weighted
// 30/30/40. Win rate saturates at 70%, payoff and profit factor at 2.
func tradeQuality(trades []domain.Trade, payoffRatio *float64) float64 {
	if len(trades) == 0 {
		return 0
	}
	var wins int
	var grossProfit, grossLoss float64
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			wins++
			grossProfit += t.PnL
		case t.PnL < 0:
			grossLoss -= t.PnL
		}
	}
	winRate := float64(wins) / float64(len(trades)) * 100
	score := math.Min(winRate/70, 1) * 30
	score += saturate(payoffRatio) * 30
	score += saturate(profitFactor(grossProfit, grossLoss, len(trades))) * 40
	return score
}

// saturate maps a ratio to [0, 1], reaching 1 at 2. Nil means unbounded.
func saturate(ratio *float64) float64 {
	if ratio == nil {
		return 1
	}
	return math.Min(*ratio/2, 1)
}

// avgExposure averages the exposure of the bars with an open position.
func avgExposure(curve []domain.EquityPoint) float64 {
	var held []float64
	for _, p := range curve {
		if p.Exposure > 0 {
			held = append(held, p.Exposure)
		}
	}
	if len(held) == 0 {
		return 0
	}
	mean, _ := stats.Mean(held)
	return mean
}

// kelly returns the Kelly fraction in percent, clamped to [0, 100].
func kelly(trades []domain.Trade) float64 {
	var winPct, lossPct []float64
	for _, t := range trades {
		if t.PnL > 0 {
			winPct = append(winPct, math.Abs(t.PnLPercent))
		} else {
			lossPct = append(lossPct, math.Abs(t.PnLPercent))
		}
	}
	if len(winPct) == 0 || len(lossPct) == 0 {
		return 0
	}
	avgWin, _ := stats.Mean(winPct)
	avgLoss, _ := stats.Mean(lossPct)
	if avgLoss == 0 {
		if avgWin > 0 {
			return 100
		}
		return 0
	}
	n := float64(len(trades))
	p, q := float64(len(winPct))/n, float64(len(lossPct))/n
	b := avgWin / avgLoss
	return math.Max(0, math.Min(100, (p*b-q)/b*100))
}

// valueAtRisk returns historical VaR at 95 and 99 percent and the 95 percent
// expected shortfall, all as percentages (negative for losses).
func valueAtRisk(returns []float64) (var95, var99, cvar95 float64) {
	if len(returns) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	i95 := int(math.Floor(float64(len(sorted)) * 0.05))
	i99 := int(math.Floor(float64(len(sorted)) * 0.01))
	var95 = sorted[i95] * 100
	var99 = sorted[i99] * 100
	cvar95 = var95
	if i95 > 0 {
		tail, _ := stats.Mean(sorted[:i95])
		cvar95 = tail * 100
	}
	return var95, var99, cvar95
}

// ulcer returns the root mean square of the drawdown percentages.
func ulcer(curve []domain.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	var sum float64
	for _, p := range curve {
		sum += p.Drawdown * p.Drawdown
	}
	return math.Sqrt(sum / float64(len(curve)))
}

// recovery returns net profit over the largest peak-to-trough equity loss.
func recovery(in Input) *float64 {
	var zero float64
	net := in.FinalEquity - in.InitialCapital
	if net <= 0 {
		return &zero
	}
	peak, worst := in.InitialCapital, 0.0
	for _, p := range in.Curve {
		peak = math.Max(peak, p.Equity)
		worst = math.Max(worst, peak-p.Equity)
	}
	if worst == 0 {
		return nil
	}
	rf := net / worst
	return &rf
}

// payoff returns average win over average loss.
func payoff(trades []domain.Trade) *float64 {
	var wins, losses []float64
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			wins = append(wins, t.PnL)
		case t.PnL < 0:
			losses = append(losses, -t.PnL)
		}
	}
	var r float64
	if len(losses) == 0 {
		if len(wins) > 0 {
			return nil
		}
		return &r
	}
	avgLoss, _ := stats.Mean(losses)
	if len(wins) > 0 {
		avgWin, _ := stats.Mean(wins)
		r = avgWin / avgLoss
	}
	return &r
}

// streaks returns the average length of winning and losing streaks.
func streaks(trades []domain.Trade) (avgWin, avgLoss float64) {
	var wins, losses []float64
	var w, l float64
	for _, t := range trades {
		if t.PnL > 0 {
			w++
			if l > 0 {
				losses = append(losses, l)
				l = 0
			}
			continue
		}
		l++
		if w > 0 {
			wins = append(wins, w)
			w = 0
		}
	}
	if w > 0 {
		wins = append(wins, w)
	}
	if l > 0 {
		losses = append(losses, l)
	}
	if len(wins) > 0 {
		avgWin, _ = stats.Mean(wins)
	}
	if len(losses) > 0 {
		avgLoss, _ = stats.Mean(losses)
	}
	return avgWin, avgLoss
}
