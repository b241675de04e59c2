// Package events publishes backtest summaries and risk warnings to
// downstream consumers such as reporting and compliance logging.
package events

import (
	"context"
	"time"

	"strategos/internal/domain"
	"strategos/internal/risk"
)

// Default topic names.
const (
	TopicBacktests    = "strategos.backtests"
	TopicRiskWarnings = "strategos.risk-warnings"
)

// Topics names the destinations of each event kind.
type Topics struct {
	Backtests    string `yaml:"backtests" json:"backtests"`
	RiskWarnings string `yaml:"risk_warnings" json:"risk_warnings"`
}

// WithDefaults fills empty topic names.
func (t Topics) WithDefaults() Topics {
	if t.Backtests == "" {
		t.Backtests = TopicBacktests
	}
	if t.RiskWarnings == "" {
		t.RiskWarnings = TopicRiskWarnings
	}
	return t
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	PublishBacktest(ctx context.Context, ev BacktestCompleted) error
	PublishRiskWarning(ctx context.Context, ev RiskWarningIssued) error
	Close() error
}

// BacktestCompleted summarizes a terminal backtest run.
type BacktestCompleted struct {
	ResultID      string               `json:"result_id"`
	StrategyID    string               `json:"strategy_id"`
	Symbol        string               `json:"symbol"`
	Status        domain.RunStatus     `json:"status"`
	FailureReason domain.FailureReason `json:"failure_reason,omitempty"`
	TotalReturn   float64              `json:"total_return"`
	SharpeRatio   float64              `json:"sharpe_ratio"`
	MaxDrawdown   float64              `json:"max_drawdown"`
	WinRate       float64              `json:"win_rate"`
	TotalTrades   int                  `json:"total_trades"`
	CompletedAt   time.Time            `json:"completed_at"`
}

// NewBacktestCompleted builds the event for res.
func NewBacktestCompleted(res *domain.BacktestResult) BacktestCompleted {
	ev := BacktestCompleted{
		ResultID:      res.ID,
		StrategyID:    res.StrategyID,
		Symbol:        res.Symbol,
		Status:        res.Status,
		FailureReason: res.FailureReason,
		TotalReturn:   res.Metrics.TotalReturn,
		SharpeRatio:   res.Metrics.SharpeRatio,
		MaxDrawdown:   res.Metrics.MaxDrawdown,
		WinRate:       res.Metrics.WinRate,
		TotalTrades:   res.Metrics.TotalTrades,
	}
	if res.CompletedAt != nil {
		ev.CompletedAt = *res.CompletedAt
	}
	return ev
}

// RiskWarningIssued records a warning returned by a risk calculation.
type RiskWarningIssued struct {
	Exchange        string         `json:"exchange"`
	Symbol          string         `json:"symbol,omitempty"`
	Operation       string         `json:"operation"`
	Leverage        float64        `json:"leverage"`
	MarginRatio     *float64       `json:"margin_ratio,omitempty"`
	Level           risk.RiskLevel `json:"level"`
	Message         string         `json:"message"`
	Recommendations []string       `json:"recommendations"`
	IssuedAt        time.Time      `json:"issued_at"`
}

// NewRiskWarningIssued builds the event for a warning.
func NewRiskWarningIssued(op, exchange, symbol string, leverage float64, ratio *float64, w risk.RiskWarning) RiskWarningIssued {
	return RiskWarningIssued{
		Exchange:        exchange,
		Symbol:          symbol,
		Operation:       op,
		Leverage:        leverage,
		MarginRatio:     ratio,
		Level:           w.Level,
		Message:         w.Message,
		Recommendations: w.Recommendations,
		IssuedAt:        time.Now().UTC(),
	}
}

// key returns the partition key of a risk warning.
func (ev RiskWarningIssued) key() string {
	if ev.Symbol != "" {
		return ev.Exchange + "/" + ev.Symbol
	}
	return ev.Exchange
}
