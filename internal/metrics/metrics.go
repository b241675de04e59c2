// Package metrics turns a finished run's equity curve and closed trades into
// summary statistics, and ranks multiple runs against each other.
package metrics

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"strategos/internal/domain"
)

const minutesPerYear = 365 * 24 * 60

// Input is everything Aggregate needs from a run.
type Input struct {
	InitialCapital float64
	FinalEquity    float64
	Curve          []domain.EquityPoint
	Trades         []domain.Trade

	// Timeframe such as "1h" or "1d". When empty or unparseable the bar
	// spacing is inferred from the curve's dates.
	Timeframe string
	// BenchmarkReturn is the annual benchmark return in percent used by the
	// information ratio.
	BenchmarkReturn float64
}

// Aggregate computes the summary metrics of a run. Degenerate inputs map to
// well-defined values: zero volatility gives a Sharpe ratio of 0, no closed
// trades gives a win rate and profit factor of 0, and winners without losers
// give a nil (unbounded) profit factor.
func Aggregate(in Input) domain.Metrics {
	var m domain.Metrics
	if in.InitialCapital > 0 {
		m.TotalReturn = (in.FinalEquity - in.InitialCapital) / in.InitialCapital * 100
	}
	m.SharpeRatio = Sharpe(Returns(in.InitialCapital, in.Curve), PeriodsPerYear(in.Timeframe, in.Curve))
	m.MaxDrawdown = MaxDrawdown(in.Curve)

	var grossProfit, grossLoss float64
	for _, t := range in.Trades {
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossProfit += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss += -t.PnL
		}
	}
	m.TotalTrades = len(in.Trades)
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	m.ProfitFactor = profitFactor(grossProfit, grossLoss, m.TotalTrades)
	return m
}

func profitFactor(grossProfit, grossLoss float64, trades int) *float64 {
	var pf float64
	switch {
	case trades == 0:
	case grossLoss == 0 && grossProfit > 0:
		return nil
	case grossLoss > 0:
		pf = grossProfit / grossLoss
	}
	return &pf
}

// Returns computes per-bar fractional returns from the equity curve. The
// first bar's return is measured against initial capital.
func Returns(initialCapital float64, curve []domain.EquityPoint) []float64 {
	out := make([]float64, 0, len(curve))
	prev := initialCapital
	for _, p := range curve {
		if prev > 0 {
			out = append(out, p.Equity/prev-1)
		}
		prev = p.Equity
	}
	return out
}

// Sharpe returns mean/stddev of returns scaled by sqrt(periodsPerYear), using
// the sample standard deviation. It is 0 when fewer than two returns exist or
// the deviation is zero.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, err := stats.Mean(returns)
	if err != nil {
		return 0
	}
	sd, err := stats.StandardDeviationSample(returns)
	if err != nil || sd == 0 || math.IsNaN(sd) {
		return 0
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 1
	}
	return mean / sd * math.Sqrt(periodsPerYear)
}

// MaxDrawdown returns the most negative drawdown percentage of the curve.
func MaxDrawdown(curve []domain.EquityPoint) float64 {
	var dd float64
	for _, p := range curve {
		if p.Drawdown < dd {
			dd = p.Drawdown
		}
	}
	return dd
}

// PeriodsPerYear returns the number of bars per year for timeframe, falling
// back to the median spacing of the curve, then to daily bars.
func PeriodsPerYear(timeframe string, curve []domain.EquityPoint) float64 {
	if d, ok := ParseTimeframe(timeframe); ok {
		return minutesPerYear / d.Minutes()
	}
	if len(curve) >= 2 {
		gaps := make([]float64, 0, len(curve)-1)
		for i := 1; i < len(curve); i++ {
			if g := curve[i].Date.Sub(curve[i-1].Date).Minutes(); g > 0 {
				gaps = append(gaps, g)
			}
		}
		if med, err := stats.Median(gaps); err == nil && med > 0 {
			return minutesPerYear / med
		}
	}
	return 365
}

// ParseTimeframe parses timeframes such as "15m", "1h", "4h", "1d" and "1w".
func ParseTimeframe(tf string) (time.Duration, bool) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}
