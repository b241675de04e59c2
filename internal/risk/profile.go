// Package risk implements the leverage and margin risk engine: margin
// requirements, liquidation prices, margin-call detection and the advisory
// risk warning that accompanies every leverage decision.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrInvalidLeverage = errors.New("invalid leverage")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrInvalidInput    = errors.New("invalid margin input")
)

// Default threshold values, in percent of margin ratio.
const (
	DefaultMarginCallThreshold  = 80.0
	DefaultLiquidationThreshold = 50.0
)

// ExchangeProfile holds the exchange-specific limits the engine applies.
// Thresholds are margin ratios in percent; liquidation must be below margin
// call.
type ExchangeProfile struct {
	MaxLeverage           float64 `yaml:"max_leverage" json:"max_leverage" validate:"gte=1"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate" json:"maintenance_margin_rate" validate:"gte=0,lt=1"`
	MarginCallThreshold   float64 `yaml:"margin_call_threshold" json:"margin_call_threshold" validate:"gt=0"`
	LiquidationThreshold  float64 `yaml:"liquidation_threshold" json:"liquidation_threshold" validate:"gte=0,ltfield=MarginCallThreshold"`
}

func (p ExchangeProfile) validate() error {
	switch {
	case p.MaxLeverage < 1:
		return fmt.Errorf("max leverage %v below 1", p.MaxLeverage)
	case p.MaintenanceMarginRate < 0 || p.MaintenanceMarginRate >= 1:
		return fmt.Errorf("maintenance margin rate %v out of range [0, 1)", p.MaintenanceMarginRate)
	case p.LiquidationThreshold < 0 || p.LiquidationThreshold >= p.MarginCallThreshold:
		return fmt.Errorf("liquidation threshold %v must be non-negative and below margin call threshold %v",
			p.LiquidationThreshold, p.MarginCallThreshold)
	}
	return nil
}

// DefaultProfiles returns the built-in exchange profiles. Deployments override
// them through configuration.
func DefaultProfiles() map[string]ExchangeProfile {
	return map[string]ExchangeProfile{
		"binance_futures": {MaxLeverage: 125, MaintenanceMarginRate: 0.004,
			MarginCallThreshold: DefaultMarginCallThreshold, LiquidationThreshold: DefaultLiquidationThreshold},
		"bybit": {MaxLeverage: 100, MaintenanceMarginRate: 0.005,
			MarginCallThreshold: DefaultMarginCallThreshold, LiquidationThreshold: DefaultLiquidationThreshold},
		"alpaca": {MaxLeverage: 4, MaintenanceMarginRate: 0.25,
			MarginCallThreshold: DefaultMarginCallThreshold, LiquidationThreshold: DefaultLiquidationThreshold},
		"upbit": {MaxLeverage: 1, MaintenanceMarginRate: 0.01,
			MarginCallThreshold: DefaultMarginCallThreshold, LiquidationThreshold: DefaultLiquidationThreshold},
	}
}

// Engine is the leverage and margin risk engine. It holds only read-only
// exchange profiles after construction, so it is safe for concurrent use.
type Engine struct {
	profiles map[string]ExchangeProfile
	warnAt   ExchangeProfile
}

// NewEngine creates an Engine from the given exchange profiles. A nil or
// empty map selects DefaultProfiles.
func NewEngine(profiles map[string]ExchangeProfile) (*Engine, error) {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	e := &Engine{
		profiles: make(map[string]ExchangeProfile, len(profiles)),
		warnAt: ExchangeProfile{
			MarginCallThreshold:  DefaultMarginCallThreshold,
			LiquidationThreshold: DefaultLiquidationThreshold,
		},
	}
	for name, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("exchange %s: %w", name, err)
		}
		e.profiles[name] = p
	}
	return e, nil
}

// Exchanges returns the sorted names of the configured exchanges.
func (e *Engine) Exchanges() []string {
	names := make([]string, 0, len(e.profiles))
	for name := range e.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the profile of exchange.
func (e *Engine) Profile(exchange string) (ExchangeProfile, error) {
	p, ok := e.profiles[exchange]
	if !ok {
		return ExchangeProfile{}, fmt.Errorf("%w: %q", ErrUnknownExchange, exchange)
	}
	return p, nil
}

// ValidateLeverage checks leverage against the exchange maximum. It must pass
// before any margin math runs.
func (e *Engine) ValidateLeverage(exchange string, leverage float64) (ExchangeProfile, error) {
	p, err := e.Profile(exchange)
	if err != nil {
		return ExchangeProfile{}, err
	}
	if math.IsNaN(leverage) || leverage < 1 || leverage > p.MaxLeverage {
		return ExchangeProfile{}, fmt.Errorf("%w: %vx outside 1-%vx on %s", ErrInvalidLeverage, leverage, p.MaxLeverage, exchange)
	}
	return p, nil
}
