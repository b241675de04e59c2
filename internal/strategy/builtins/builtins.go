// Package builtins provides ready-made strategies that ship with strategos.
// They are expressed in the same condition-tree form the compiler produces,
// so they run through the simulator unchanged.
package builtins

import (
	"fmt"
	"sort"

	"strategos/internal/domain"
	"strategos/internal/strategy"
)

// Constructor builds a builtin strategy for a symbol.
type Constructor func(symbol string) *strategy.Strategy

var catalog = map[string]Constructor{
	"rsi-reversion": func(symbol string) *strategy.Strategy {
		return RSIReversion(symbol, 14, 30, 70)
	},
	"macd-momentum": func(symbol string) *strategy.Strategy {
		return MACDMomentum(symbol, 26)
	},
	"volume-breakout": func(symbol string) *strategy.Strategy {
		return VolumeBreakout(symbol, 20, 1_000_000)
	},
}

// Names returns the sorted names of all builtin strategies.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the builtin strategy with the given name for symbol.
func Lookup(name, symbol string) (*strategy.Strategy, error) {
	ctor, ok := catalog[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin strategy %q", name)
	}
	return ctor(symbol), nil
}

// Register adds every builtin strategy for symbol to the registry.
func Register(r *strategy.Registry, symbol string) {
	for _, name := range Names() {
		r.Register(catalog[name](symbol))
	}
}

// RSIReversion buys when RSI crosses up through oversold and sells when it
// crosses down through overbought.
func RSIReversion(symbol string, period int, oversold, overbought float64) *strategy.Strategy {
	rsi := strategy.Indicator(strategy.IndicatorRSI, period)
	exit := strategy.LeafNode(rsi, strategy.OpCrossBelow, overbought)
	return &strategy.Strategy{
		ID:        fmt.Sprintf("builtin-rsi-reversion-%s", symbol),
		Name:      "rsi-reversion",
		Symbol:    symbol,
		Timeframe: "1d",
		Side:      domain.PositionSideLong,
		Entry:     strategy.All(strategy.LeafNode(rsi, strategy.OpCrossAbove, oversold)),
		Exit:      &exit,
		PositionSizing: strategy.PositionSizing{
			Type:    strategy.SizingFixedPercent,
			Percent: 100,
		},
		RiskManagement: strategy.RiskManagement{MaxDrawdownPercent: strategy.DefaultMaxDrawdownPercent},
	}
}

// MACDMomentum enters when the MACD histogram turns positive and exits when
// it turns negative, with a 5% stop.
func MACDMomentum(symbol string, slow int) *strategy.Strategy {
	hist := strategy.Indicator(strategy.IndicatorMACD, slow)
	hist.Output = "histogram"
	exit := strategy.Any(
		strategy.LeafNode(hist, strategy.OpCrossBelow, 0),
		strategy.LeafNode(strategy.PositionReturn(), strategy.OpLt, -5),
	)
	stop := 5.0
	return &strategy.Strategy{
		ID:        fmt.Sprintf("builtin-macd-momentum-%s", symbol),
		Name:      "macd-momentum",
		Symbol:    symbol,
		Timeframe: "1d",
		Side:      domain.PositionSideLong,
		Entry:     strategy.All(strategy.LeafNode(hist, strategy.OpCrossAbove, 0)),
		Exit:      &exit,
		PositionSizing: strategy.PositionSizing{
			Type:    strategy.SizingFixedPercent,
			Percent: 50,
		},
		RiskManagement: strategy.RiskManagement{
			StopLoss:           &stop,
			MaxDrawdownPercent: strategy.DefaultMaxDrawdownPercent,
		},
	}
}

// VolumeBreakout enters on above-threshold volume with positive momentum and
// relies on a trailing stop to exit.
func VolumeBreakout(symbol string, period int, minVolume float64) *strategy.Strategy {
	trail := 3.0
	exit := strategy.LeafNode(strategy.Indicator(strategy.IndicatorMomentum, period), strategy.OpLt, 0)
	return &strategy.Strategy{
		ID:        fmt.Sprintf("builtin-volume-breakout-%s", symbol),
		Name:      "volume-breakout",
		Symbol:    symbol,
		Timeframe: "1d",
		Side:      domain.PositionSideLong,
		Entry: strategy.All(
			strategy.LeafNode(strategy.Volume(), strategy.OpGt, minVolume),
			strategy.LeafNode(strategy.Indicator(strategy.IndicatorMomentum, period), strategy.OpGt, 0),
		),
		Exit: &exit,
		PositionSizing: strategy.PositionSizing{
			Type:    strategy.SizingFixedPercent,
			Percent: 100,
		},
		RiskManagement: strategy.RiskManagement{
			TrailingStop:       &trail,
			MaxDrawdownPercent: strategy.DefaultMaxDrawdownPercent,
		},
	}
}
