package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"strategos/internal/domain"
)

// Account-level margin tiers, in percent of equity over used margin.
const (
	AccountSafeLevel    = 150.0
	AccountWarningLevel = 120.0
	AccountDangerLevel  = 110.0
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// MarginParams describes a leveraged position to evaluate. FreeBalance is the
// collateral outside the position that cross margin can draw on; it is
// ignored for isolated margin.
type MarginParams struct {
	EntryPrice   float64             `json:"entry_price"`
	Size         float64             `json:"size"`
	Leverage     float64             `json:"leverage"`
	Side         domain.PositionSide `json:"side"`
	CurrentPrice float64             `json:"current_price"`
	Exchange     string              `json:"exchange"`
	MarginType   domain.MarginType   `json:"margin_type,omitempty"`
	FreeBalance  float64             `json:"free_balance,omitempty"`
}

func (p MarginParams) validate() error {
	switch {
	case !(p.EntryPrice > 0):
		return fmt.Errorf("%w: entry price %v must be positive", ErrInvalidInput, p.EntryPrice)
	case !(p.Size > 0):
		return fmt.Errorf("%w: size %v must be positive", ErrInvalidInput, p.Size)
	case !(p.CurrentPrice > 0):
		return fmt.Errorf("%w: current price %v must be positive", ErrInvalidInput, p.CurrentPrice)
	case p.Side != domain.PositionSideLong && p.Side != domain.PositionSideShort:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidInput, p.Side)
	case p.MarginType != "" && p.MarginType != domain.MarginIsolated && p.MarginType != domain.MarginCross:
		return fmt.Errorf("%w: unknown margin type %q", ErrInvalidInput, p.MarginType)
	case p.FreeBalance < 0:
		return fmt.Errorf("%w: free balance %v is negative", ErrInvalidInput, p.FreeBalance)
	}
	return nil
}

// MarginCalculation is the result of CalculateMargin. Warning is always set.
type MarginCalculation struct {
	Notional             float64     `json:"notional"`
	RequiredMargin       float64     `json:"required_margin"`
	MaintenanceMargin    float64     `json:"maintenance_margin"`
	LiquidationPrice     float64     `json:"liquidation_price"`
	MaxPositionSize      float64     `json:"max_position_size"`
	UnrealizedPnL        float64     `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64     `json:"unrealized_pnl_percent"`
	MarginRatio          float64     `json:"margin_ratio"`
	MarginCall           bool        `json:"margin_call"`
	Liquidate            bool        `json:"liquidate"`
	Warning              RiskWarning `json:"warning"`
}

// CalculateMargin computes margin requirements, liquidation price and
// margin-call state for a position. Leverage is validated against the
// exchange profile before any arithmetic.
//
// The margin ratio is (margin + unrealized P&L) / margin in percent; it
// triggers a margin call below the exchange's margin-call threshold and
// liquidation below its liquidation threshold.
func (e *Engine) CalculateMargin(p MarginParams) (*MarginCalculation, error) {
	profile, err := e.ValidateLeverage(p.Exchange, p.Leverage)
	if err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	entry := decimal.NewFromFloat(p.EntryPrice)
	size := decimal.NewFromFloat(p.Size)
	lev := decimal.NewFromFloat(p.Leverage)
	mmr := decimal.NewFromFloat(profile.MaintenanceMarginRate)

	notional := entry.Mul(size)
	required := notional.Div(lev)
	maintenance := notional.Mul(mmr)

	pnl := unrealized(p.Side, entry, decimal.NewFromFloat(p.CurrentPrice), size)
	pnlPct := pnl.Div(required).Mul(hundred)
	ratio := required.Add(pnl).Div(required).Mul(hundred)

	liq := liquidationPrice(p.Side, entry, lev, mmr)
	if p.MarginType == domain.MarginCross && p.FreeBalance > 0 {
		perUnit := decimal.NewFromFloat(p.FreeBalance).Div(size)
		if p.Side == domain.PositionSideLong {
			liq = liq.Sub(perUnit)
		} else {
			liq = liq.Add(perUnit)
		}
		if liq.IsNegative() {
			liq = decimal.Zero
		}
	}

	var maxSize decimal.Decimal
	if p.FreeBalance > 0 {
		maxSize = decimal.NewFromFloat(p.FreeBalance).Mul(lev).Div(entry)
	}

	ratioF := ratio.InexactFloat64()
	return &MarginCalculation{
		Notional:             notional.InexactFloat64(),
		RequiredMargin:       required.InexactFloat64(),
		MaintenanceMargin:    maintenance.InexactFloat64(),
		LiquidationPrice:     liq.InexactFloat64(),
		MaxPositionSize:      maxSize.InexactFloat64(),
		UnrealizedPnL:        pnl.InexactFloat64(),
		UnrealizedPnLPercent: pnlPct.InexactFloat64(),
		MarginRatio:          ratioF,
		MarginCall:           ratioF < profile.MarginCallThreshold,
		Liquidate:            ratioF < profile.LiquidationThreshold,
		Warning:              warning(p.Leverage, &ratioF, profile),
	}, nil
}

func unrealized(side domain.PositionSide, entry, current, size decimal.Decimal) decimal.Decimal {
	diff := current.Sub(entry)
	if side == domain.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(size)
}

// liquidationPrice is the isolated-margin liquidation price:
// long entry*(1 - 1/lev + mmr), short entry*(1 + 1/lev - mmr).
func liquidationPrice(side domain.PositionSide, entry, lev, mmr decimal.Decimal) decimal.Decimal {
	inv := one.Div(lev)
	if side == domain.PositionSideShort {
		return entry.Mul(one.Add(inv).Sub(mmr))
	}
	return entry.Mul(one.Sub(inv).Add(mmr))
}

// ---------------------------------------------------------------------------
// Leverage settings
// ---------------------------------------------------------------------------

// LeverageSetting is an accepted leverage choice with its warning.
type LeverageSetting struct {
	Exchange    string            `json:"exchange"`
	Symbol      string            `json:"symbol"`
	Leverage    float64           `json:"leverage"`
	MarginType  domain.MarginType `json:"margin_type"`
	MaxLeverage float64           `json:"max_leverage"`
	Warning     RiskWarning       `json:"warning"`
}

// SetLeverage validates a leverage choice and returns it together with its
// risk warning. An empty margin type means cross.
func (e *Engine) SetLeverage(exchange, symbol string, leverage float64, marginType domain.MarginType) (*LeverageSetting, error) {
	profile, err := e.ValidateLeverage(exchange, leverage)
	if err != nil {
		return nil, err
	}
	switch marginType {
	case "":
		marginType = domain.MarginCross
	case domain.MarginCross, domain.MarginIsolated:
	default:
		return nil, fmt.Errorf("%w: unknown margin type %q", ErrInvalidInput, marginType)
	}
	return &LeverageSetting{
		Exchange:    exchange,
		Symbol:      symbol,
		Leverage:    leverage,
		MarginType:  marginType,
		MaxLeverage: profile.MaxLeverage,
		Warning:     warning(leverage, nil, profile),
	}, nil
}

// ---------------------------------------------------------------------------
// Positions and accounts
// ---------------------------------------------------------------------------

// positionRatio returns (margin + pnl) / margin in percent.
func positionRatio(margin, pnl float64) float64 {
	if margin <= 0 {
		return 0
	}
	m := decimal.NewFromFloat(margin)
	return m.Add(decimal.NewFromFloat(pnl)).Div(m).Mul(hundred).InexactFloat64()
}

// LiquidationCheck is a liquidation simulation with the warning for the
// position's leverage and margin ratio.
type LiquidationCheck struct {
	domain.LiquidationSimulation
	Warning RiskWarning `json:"warning"`
}

// SimulateLiquidation reports how close pos is to liquidation at
// currentPrice, with the warning for its leverage and margin ratio. A zero
// LiquidationPrice on the position is derived from the exchange profile.
func (e *Engine) SimulateLiquidation(exchange string, pos domain.Position, currentPrice float64) (*LiquidationCheck, error) {
	profile, err := e.ValidateLeverage(exchange, pos.Leverage)
	if err != nil {
		return nil, err
	}
	if !(currentPrice > 0) || !(pos.EntryPrice > 0) || !(pos.Size > 0) {
		return nil, fmt.Errorf("%w: prices and size must be positive", ErrInvalidInput)
	}

	liq := pos.LiquidationPrice
	if liq <= 0 {
		liq = liquidationPrice(pos.Side, decimal.NewFromFloat(pos.EntryPrice), decimal.NewFromFloat(pos.Leverage),
			decimal.NewFromFloat(profile.MaintenanceMarginRate)).InexactFloat64()
	}
	margin := pos.Margin
	if margin <= 0 {
		margin = pos.EntryPrice * pos.Size / pos.Leverage
	}

	var distance float64
	var would bool
	if pos.Side == domain.PositionSideShort {
		distance = liq - currentPrice
		would = currentPrice >= liq
	} else {
		distance = currentPrice - liq
		would = currentPrice <= liq
	}
	ratio := positionRatio(margin, pos.PnLAt(currentPrice))

	sim := &LiquidationCheck{LiquidationSimulation: domain.LiquidationSimulation{
		PositionID:       pos.ID,
		CurrentPrice:     currentPrice,
		LiquidationPrice: liq,
		MarginRatio:      ratio,
		IsAtRisk:         ratio < profile.MarginCallThreshold,
		WouldLiquidate:   would,
		DistancePercent:  distance / currentPrice * 100,
	}}
	sim.Warning = warning(pos.Leverage, &ratio, profile)
	if would {
		sim.EstimatedLoss = margin
	}
	return sim, nil
}

// BuildMarginAccount aggregates positions into an account view, marking each
// position at marks[symbol] (entry price when absent).
func (e *Engine) BuildMarginAccount(userID, exchange string, balance float64, positions []domain.Position, marks map[string]float64) (*domain.MarginAccount, error) {
	if _, err := e.Profile(exchange); err != nil {
		return nil, err
	}
	acct := &domain.MarginAccount{
		UserID:    userID,
		Exchange:  exchange,
		Balance:   balance,
		Positions: make([]domain.Position, 0, len(positions)),
	}
	used, pnl := decimal.Zero, decimal.Zero
	for _, p := range positions {
		if p.Leverage <= 0 {
			p.Leverage = 1
		}
		if p.Margin <= 0 {
			p.Margin = p.EntryPrice * p.Size / p.Leverage
		}
		mark, ok := marks[p.Symbol]
		if !ok || !(mark > 0) {
			mark = p.EntryPrice
		}
		p.UnrealizedPnL = p.PnLAt(mark)
		used = used.Add(decimal.NewFromFloat(p.Margin))
		pnl = pnl.Add(decimal.NewFromFloat(p.UnrealizedPnL))
		acct.Positions = append(acct.Positions, p)
	}
	equity := decimal.NewFromFloat(balance).Add(pnl)
	acct.Equity = equity.InexactFloat64()
	acct.UnrealizedPnL = pnl.InexactFloat64()
	acct.UsedMargin = used.InexactFloat64()
	acct.FreeMargin = equity.Sub(used).InexactFloat64()
	if used.IsPositive() {
		acct.MarginLevel = equity.Div(used).Mul(hundred).InexactFloat64()
	}
	acct.LiquidationRisk = accountRisk(acct.MarginLevel, used.IsPositive())
	return acct, nil
}

func accountRisk(level float64, inUse bool) string {
	switch {
	case !inUse || level >= AccountSafeLevel:
		return "safe"
	case level >= AccountWarningLevel:
		return "warning"
	case level >= AccountDangerLevel:
		return "danger"
	}
	return "critical"
}

// Urgency ranks a margin-call alert.
type Urgency string

const (
	UrgencyWarning  Urgency = "warning"  // below margin-call threshold
	UrgencyCritical Urgency = "critical" // below liquidation threshold
)

// PositionAlert flags a position whose margin ratio crossed a threshold.
type PositionAlert struct {
	Position    domain.Position `json:"position"`
	MarginRatio float64         `json:"margin_ratio"`
	Urgency     Urgency         `json:"urgency"`
	Warning     RiskWarning     `json:"warning"`
}

// MarginCallReport lists the positions of an account that need attention.
type MarginCallReport struct {
	HasMarginCall bool            `json:"has_margin_call"`
	Positions     []PositionAlert `json:"positions"`
}

// CheckMarginCall evaluates every position of account against the exchange
// thresholds. Positions must already carry their unrealized P&L, as
// BuildMarginAccount produces.
func (e *Engine) CheckMarginCall(account *domain.MarginAccount) (*MarginCallReport, error) {
	profile, err := e.Profile(account.Exchange)
	if err != nil {
		return nil, err
	}
	report := &MarginCallReport{Positions: []PositionAlert{}}
	for _, p := range account.Positions {
		ratio := positionRatio(p.Margin, p.UnrealizedPnL)
		var urgency Urgency
		switch {
		case ratio < profile.LiquidationThreshold:
			urgency = UrgencyCritical
		case ratio < profile.MarginCallThreshold:
			urgency = UrgencyWarning
		default:
			continue
		}
		lev := p.Leverage
		if lev <= 0 || math.IsNaN(lev) {
			lev = 1
		}
		report.Positions = append(report.Positions, PositionAlert{
			Position:    p,
			MarginRatio: ratio,
			Urgency:     urgency,
			Warning:     warning(lev, &ratio, profile),
		})
	}
	report.HasMarginCall = len(report.Positions) > 0
	return report, nil
}
