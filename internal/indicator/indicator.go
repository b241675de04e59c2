// Package indicator computes causal technical indicator series over bars and
// assembles the per-bar snapshots the condition evaluator reads. A value at
// index i depends only on bars[0..i]; positions without enough history hold
// NaN and are left out of snapshots.
package indicator

import (
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"

	"strategos/internal/domain"
	"strategos/internal/strategy"
)

// Fixed parameters of multi-parameter indicators. An operand carries a single
// period, which is the slow period for MACD and the window for the others.
const (
	MACDSignalPeriod = 9
	BollingerWidth   = 2.0
)

// ErrUnknownIndicator is returned for indicator types the package cannot
// compute.
var ErrUnknownIndicator = errors.New("unknown indicator")

// ---------------------------------------------------------------------------
// Series functions
// ---------------------------------------------------------------------------

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA returns the simple moving average of data over period.
func SMA(data []float64, period int) []float64 {
	out := nanSeries(len(data))
	if period <= 0 {
		return out
	}
	var sum float64
	for i, v := range data {
		sum += v
		if i >= period {
			sum -= data[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA returns the exponential moving average of data, seeded with the SMA of
// the first period values. Leading NaNs in data are skipped.
func EMA(data []float64, period int) []float64 {
	out := nanSeries(len(data))
	if period <= 0 {
		return out
	}
	k := 2 / float64(period+1)
	start := 0
	for start < len(data) && math.IsNaN(data[start]) {
		start++
	}
	seed := start + period - 1
	if seed >= len(data) {
		return out
	}
	var sum float64
	for i := start; i <= seed; i++ {
		sum += data[i]
	}
	out[seed] = sum / float64(period)
	for i := seed + 1; i < len(data); i++ {
		out[i] = (data[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// RSI returns the relative strength index using Wilder's smoothing. The first
// value appears at index period.
func RSI(data []float64, period int) []float64 {
	out := nanSeries(len(data))
	if period <= 0 || len(data) <= period {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := change(data[i] - data[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	p := float64(period)
	for i := period + 1; i < len(data); i++ {
		gain, loss := change(data[i] - data[i-1])
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func change(d float64) (gain, loss float64) {
	if d > 0 {
		return d, 0
	}
	return 0, -d
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDResult holds the three MACD series.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD returns the MACD line (fast EMA minus slow EMA), its signal EMA and
// the histogram.
func MACD(data []float64, fast, slow, signal int) MACDResult {
	fastEMA, slowEMA := EMA(data, fast), EMA(data, slow)
	line := nanSeries(len(data))
	for i := range data {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}
	sig := EMA(line, signal)
	hist := nanSeries(len(data))
	for i := range data {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return MACDResult{MACD: line, Signal: sig, Histogram: hist}
}

// MACDFastPeriod derives the fast period from the slow one using the
// conventional 12/26 ratio.
func MACDFastPeriod(slow int) int {
	fast := int(math.Round(float64(slow) * 12 / 26))
	if fast < 1 {
		fast = 1
	}
	return fast
}

// BandsResult holds Bollinger band series.
type BandsResult struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// Bollinger returns bands placed width population standard deviations from the
// SMA of data.
func Bollinger(data []float64, period int, width float64) BandsResult {
	middle := SMA(data, period)
	upper, lower := nanSeries(len(data)), nanSeries(len(data))
	for i := range data {
		if math.IsNaN(middle[i]) {
			continue
		}
		sd, err := stats.StandardDeviationPopulation(stats.Float64Data(data[i-period+1 : i+1]))
		if err != nil {
			continue
		}
		upper[i] = middle[i] + width*sd
		lower[i] = middle[i] - width*sd
	}
	return BandsResult{Upper: upper, Middle: middle, Lower: lower}
}

// ATR returns the average true range as the SMA of true ranges. The first
// bar's true range is its high-low span.
func ATR(bars []domain.Bar, period int) []float64 {
	tr := make([]float64, len(bars))
	for i, b := range bars {
		if i == 0 {
			tr[i] = b.High - b.Low
			continue
		}
		prev := bars[i-1].Close
		tr[i] = math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
	}
	return SMA(tr, period)
}

// Stochastic returns %K over period. A window with no range reads 50.
func Stochastic(bars []domain.Bar, period int) []float64 {
	out := nanSeries(len(bars))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(bars); i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for _, b := range bars[i-period+1 : i+1] {
			hi = math.Max(hi, b.High)
			lo = math.Min(lo, b.Low)
		}
		if hi == lo {
			out[i] = 50
			continue
		}
		out[i] = (bars[i].Close - lo) / (hi - lo) * 100
	}
	return out
}

// Momentum returns data[i] - data[i-period].
func Momentum(data []float64, period int) []float64 {
	out := nanSeries(len(data))
	if period <= 0 {
		return out
	}
	for i := period; i < len(data); i++ {
		out[i] = data[i] - data[i-period]
	}
	return out
}

// ---------------------------------------------------------------------------
// Operand series
// ---------------------------------------------------------------------------

// Source extracts one price field from bars.
func Source(bars []domain.Bar, src strategy.PriceSource) ([]float64, error) {
	out := make([]float64, len(bars))
	for i, b := range bars {
		switch src {
		case strategy.SourceOpen:
			out[i] = b.Open
		case strategy.SourceHigh:
			out[i] = b.High
		case strategy.SourceLow:
			out[i] = b.Low
		case strategy.SourceClose, "":
			out[i] = b.Close
		default:
			return nil, fmt.Errorf("unknown price source %q", src)
		}
	}
	return out, nil
}

// Series computes the full series for a price, volume or indicator operand.
// Position-dependent operands have no bar series and return an error.
func Series(op strategy.Operand, bars []domain.Bar) ([]float64, error) {
	switch op.Kind {
	case strategy.OperandPrice:
		return Source(bars, op.Source)
	case strategy.OperandVolume:
		out := make([]float64, len(bars))
		for i, b := range bars {
			out[i] = b.Volume
		}
		return out, nil
	case strategy.OperandIndicator:
		return indicatorSeries(op, bars)
	}
	return nil, fmt.Errorf("operand %s has no bar series", op)
}

func indicatorSeries(op strategy.Operand, bars []domain.Bar) ([]float64, error) {
	data, err := Source(bars, op.Source)
	if err != nil {
		return nil, err
	}
	switch op.Indicator {
	case strategy.IndicatorSMA:
		return SMA(data, op.Period), nil
	case strategy.IndicatorEMA:
		return EMA(data, op.Period), nil
	case strategy.IndicatorRSI:
		return RSI(data, op.Period), nil
	case strategy.IndicatorMACD:
		m := MACD(data, MACDFastPeriod(op.Period), op.Period, MACDSignalPeriod)
		switch op.Output {
		case "signal":
			return m.Signal, nil
		case "histogram":
			return m.Histogram, nil
		}
		return m.MACD, nil
	case strategy.IndicatorBollinger:
		b := Bollinger(data, op.Period, BollingerWidth)
		switch op.Output {
		case "upper":
			return b.Upper, nil
		case "lower":
			return b.Lower, nil
		}
		return b.Middle, nil
	case strategy.IndicatorATR:
		return ATR(bars, op.Period), nil
	case strategy.IndicatorStochastic:
		return Stochastic(bars, op.Period), nil
	case strategy.IndicatorMomentum:
		return Momentum(data, op.Period), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, op.Indicator)
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Calculator precomputes every bar-derived operand a strategy references and
// serves per-bar snapshots. It is owned by a single run.
type Calculator struct {
	length int
	series map[strategy.Operand][]float64
}

// NewCalculator computes the series of all bar-derived operands. Operands
// that depend on position state are skipped; the caller adds them.
func NewCalculator(bars []domain.Bar, operands []strategy.Operand) (*Calculator, error) {
	c := &Calculator{
		length: len(bars),
		series: make(map[strategy.Operand][]float64, len(operands)),
	}
	for _, op := range operands {
		if op.Kind == strategy.OperandPositionReturn {
			continue
		}
		s, err := Series(op, bars)
		if err != nil {
			return nil, err
		}
		c.series[op] = s
	}
	return c, nil
}

// Snapshot returns the operand values at bar i. Values that are NaN (not
// enough history) are omitted.
func (c *Calculator) Snapshot(i int) strategy.Snapshot {
	snap := make(strategy.Snapshot, len(c.series)+1)
	if i < 0 || i >= c.length {
		return snap
	}
	for op, s := range c.series {
		if v := s[i]; !math.IsNaN(v) {
			snap[op] = v
		}
	}
	return snap
}
