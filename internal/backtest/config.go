// Package backtest replays an ordered bar sequence through a compiled
// strategy, managing a simulated order and position ledger, and produces a
// BacktestResult with an equity curve and closed trades.
package backtest

import (
	"errors"
	"fmt"

	"strategos/internal/domain"
	"strategos/internal/strategy"
)

// Config controls one simulation run. Fee and slippage are percentages.
type Config struct {
	InitialCapital  float64           `json:"initial_capital" yaml:"initial_capital" validate:"omitempty,gt=0"`
	FeeRatePercent  float64           `json:"fee_rate_percent" yaml:"fee_rate_percent" validate:"gte=0"`
	SlippagePercent float64           `json:"slippage_percent" yaml:"slippage_percent" validate:"gte=0"`
	Leverage        float64           `json:"leverage,omitempty" yaml:"leverage"`
	MarginType      domain.MarginType `json:"margin_type,omitempty" yaml:"margin_type"`
	// Exchange names the risk profile used for leveraged runs.
	Exchange string `json:"exchange,omitempty" yaml:"exchange"`
	// Timeframe overrides the strategy's timeframe for Sharpe annualization.
	Timeframe string `json:"timeframe,omitempty" yaml:"timeframe"`
	// DefaultExit is used when the strategy defines no exit rule.
	DefaultExit *strategy.Node `json:"default_exit,omitempty" yaml:"-"`
	// Progress, when set, is called after every bar.
	Progress func(Progress) `json:"-" yaml:"-"`
}

// Progress reports how far a run has advanced.
type Progress struct {
	Bar    int
	Total  int
	Equity float64
}

// Percent returns the completed share of the run in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Bar) / float64(p.Total) * 100
}

func (c Config) leverage() float64 {
	if c.Leverage == 0 {
		return 1
	}
	return c.Leverage
}

// ErrSimulation is matched by every *SimulationError.
var ErrSimulation = errors.New("simulation failed")

// SimulationError terminates a run. The returned result carries the same
// reason in its FailureReason field.
type SimulationError struct {
	Reason  domain.FailureReason
	Message string
	Err     error
}

func (e *SimulationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *SimulationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSimulation) match any simulation failure.
func (e *SimulationError) Is(target error) bool { return target == ErrSimulation }

func simErr(reason domain.FailureReason, err error, format string, args ...any) *SimulationError {
	return &SimulationError{Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}
