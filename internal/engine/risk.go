package engine

import (
	"context"

	"strategos/internal/domain"
	"strategos/internal/events"
	"strategos/internal/risk"
)

// Every risk operation publishes the warning it produced so compliance
// logging sees each leverage decision. Publish failures are logged only.

// CalculateMargin computes margin requirements for a position.
func (e *Engine) CalculateMargin(ctx context.Context, p risk.MarginParams) (*risk.MarginCalculation, error) {
	calc, err := e.risk.CalculateMargin(p)
	if err != nil {
		return nil, err
	}
	ratio := calc.MarginRatio
	e.publishWarning(ctx, events.NewRiskWarningIssued("calculate_margin", p.Exchange, "", p.Leverage, &ratio, calc.Warning))
	return calc, nil
}

// SimulateLiquidation reports how close pos is to liquidation at price.
func (e *Engine) SimulateLiquidation(ctx context.Context, exchange string, pos domain.Position, price float64) (*risk.LiquidationCheck, error) {
	check, err := e.risk.SimulateLiquidation(exchange, pos, price)
	if err != nil {
		return nil, err
	}
	ratio := check.MarginRatio
	e.publishWarning(ctx, events.NewRiskWarningIssued("simulate_liquidation", exchange, pos.Symbol, pos.Leverage, &ratio, check.Warning))
	return check, nil
}

// SetLeverage validates a leverage choice.
func (e *Engine) SetLeverage(ctx context.Context, exchange, symbol string, leverage float64, marginType domain.MarginType) (*risk.LeverageSetting, error) {
	s, err := e.risk.SetLeverage(exchange, symbol, leverage, marginType)
	if err != nil {
		return nil, err
	}
	e.publishWarning(ctx, events.NewRiskWarningIssued("set_leverage", exchange, symbol, leverage, nil, s.Warning))
	return s, nil
}

// AccountReview is a margin account with its margin-call report.
type AccountReview struct {
	Account *domain.MarginAccount  `json:"account"`
	Report  *risk.MarginCallReport `json:"report"`
}

// ReviewAccount builds the account view of positions marked at marks and
// checks it for margin calls. Every alerted position publishes its warning.
func (e *Engine) ReviewAccount(ctx context.Context, userID, exchange string, balance float64, positions []domain.Position, marks map[string]float64) (*AccountReview, error) {
	acct, err := e.risk.BuildMarginAccount(userID, exchange, balance, positions, marks)
	if err != nil {
		return nil, err
	}
	report, err := e.risk.CheckMarginCall(acct)
	if err != nil {
		return nil, err
	}
	for _, a := range report.Positions {
		ratio := a.MarginRatio
		e.publishWarning(ctx, events.NewRiskWarningIssued("margin_call", exchange, a.Position.Symbol, a.Position.Leverage, &ratio, a.Warning))
	}
	if report.HasMarginCall {
		e.logger.Warn("margin call", "user", userID, "exchange", exchange, "positions", len(report.Positions))
	}
	return &AccountReview{Account: acct, Report: report}, nil
}

func (e *Engine) publishWarning(ctx context.Context, ev events.RiskWarningIssued) {
	if err := e.publisher.PublishRiskWarning(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn("publish risk warning failed", "exchange", ev.Exchange, "operation", ev.Operation, "error", err)
	}
}
