// Package domain defines the core value types shared across the backtesting
// and risk packages: bars, orders, positions, trades and results.
package domain

import (
	"slices"
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV candle. A backtest treats an ordered slice of bars as
// its only time axis.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`
}

// ---------------------------------------------------------------------------
// Orders and positions
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is a simulated order. Price is the reference price the fill model
// starts from (bar close, stop level); AvgFillPrice includes slippage.
type Order struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       float64     `json:"quantity"`
	Price          *float64    `json:"price,omitempty"`
	StopPrice      *float64    `json:"stop_price,omitempty"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   *float64    `json:"avg_fill_price,omitempty"`
	Fee            float64     `json:"fee"`
	Status         OrderStatus `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// EntrySide returns the order side that opens a position in this direction.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide returns the order side that closes a position in this direction.
func (s PositionSide) ExitSide() OrderSide {
	if s == PositionSideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Position is derived from filled orders.
type Position struct {
	ID               string       `json:"id"`
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Size             float64      `json:"size"`
	EntryPrice       float64      `json:"entry_price"`
	Leverage         float64      `json:"leverage"`
	Margin           float64      `json:"margin"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	LiquidationPrice float64      `json:"liquidation_price,omitempty"`
	OpenedAt         time.Time    `json:"opened_at"`
}

// PnLAt returns the unrealized profit of the position marked at price.
func (p *Position) PnLAt(price float64) float64 {
	diff := price - p.EntryPrice
	if p.Side == PositionSideShort {
		diff = -diff
	}
	return diff * p.Size
}

// ---------------------------------------------------------------------------
// Backtest results
// ---------------------------------------------------------------------------

// RunStatus is the lifecycle state of a backtest run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the run has finished, successfully or not.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusAborted
}

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitReasonSignal      ExitReason = "signal"
	ExitReasonStopLoss    ExitReason = "stop_loss"
	ExitReasonTakeProfit  ExitReason = "take_profit"
	ExitReasonTrailing    ExitReason = "trailing_stop"
	ExitReasonLiquidation ExitReason = "liquidation"
	ExitReasonMaxDrawdown ExitReason = "max_drawdown"
	ExitReasonEndOfData   ExitReason = "end_of_data"
)

// EquityPoint is one sample of the equity curve, appended once per bar.
// ReturnPercent and Drawdown are percentages; Drawdown is never positive.
type EquityPoint struct {
	Date          time.Time `json:"date"`
	Equity        float64   `json:"equity"`
	ReturnPercent float64   `json:"return_percent"`
	Drawdown      float64   `json:"drawdown"`
	// Exposure is the open position's notional value as a percent of
	// equity; zero when flat.
	Exposure float64 `json:"exposure"`
}

// Trade is a closed round trip. PnL is net of entry and exit fees.
type Trade struct {
	Symbol       string       `json:"symbol"`
	Side         PositionSide `json:"side"`
	EntryTime    time.Time    `json:"entry_time"`
	ExitTime     time.Time    `json:"exit_time"`
	EntryPrice   float64      `json:"entry_price"`
	ExitPrice    float64      `json:"exit_price"`
	Quantity     float64      `json:"quantity"`
	Fees         float64      `json:"fees"`
	Slippage     float64      `json:"slippage"`
	PnL          float64      `json:"pnl"`
	PnLPercent   float64      `json:"pnl_percent"`
	ExitReason   ExitReason   `json:"exit_reason"`
	BarsHeld     int          `json:"bars_held"`
	EntryOrderID string       `json:"entry_order_id"`
	ExitOrderID  string       `json:"exit_order_id"`
}

// Metrics holds the summary statistics of a completed run. ProfitFactor is
// nil when there were winning trades but no losing ones (unbounded).
type Metrics struct {
	TotalReturn   float64  `json:"total_return"`
	SharpeRatio   float64  `json:"sharpe_ratio"`
	MaxDrawdown   float64  `json:"max_drawdown"`
	WinRate       float64  `json:"win_rate"`
	TotalTrades   int      `json:"total_trades"`
	WinningTrades int      `json:"winning_trades"`
	LosingTrades  int      `json:"losing_trades"`
	ProfitFactor  *float64 `json:"profit_factor"`
}

// FailureReason classifies why a run did not complete.
type FailureReason string

const (
	FailureNoData        FailureReason = "NoData"
	FailureInvalidConfig FailureReason = "InvalidConfig"
	FailureAborted       FailureReason = "Aborted"
)

// BacktestResult is written once when a run reaches a terminal state and is
// read-only afterwards.
type BacktestResult struct {
	ID             string        `json:"id"`
	StrategyID     string        `json:"strategy_id"`
	Symbol         string        `json:"symbol"`
	Status         RunStatus     `json:"status"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	InitialCapital float64       `json:"initial_capital"`
	FinalEquity    float64       `json:"final_equity"`
	Metrics        Metrics       `json:"metrics"`
	EquityCurve    []EquityPoint `json:"equity_curve"`
	Trades         []Trade       `json:"trades"`
	Orders         []Order       `json:"orders,omitempty"`
}

// Clone returns a deep copy of r that shares no slices or pointers with it.
func (r *BacktestResult) Clone() *BacktestResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Metrics.ProfitFactor = cloneFloat(r.Metrics.ProfitFactor)
	cp.EquityCurve = slices.Clone(r.EquityCurve)
	cp.Trades = slices.Clone(r.Trades)
	cp.Orders = slices.Clone(r.Orders)
	for i := range cp.Orders {
		o := &cp.Orders[i]
		o.Price = cloneFloat(o.Price)
		o.StopPrice = cloneFloat(o.StopPrice)
		o.AvgFillPrice = cloneFloat(o.AvgFillPrice)
	}
	return &cp
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// ---------------------------------------------------------------------------
// Margin
// ---------------------------------------------------------------------------

// MarginType selects how collateral backs a leveraged position.
type MarginType string

const (
	MarginIsolated MarginType = "isolated"
	MarginCross    MarginType = "cross"
)

// MarginAccount aggregates leveraged positions for one user on one exchange.
// MarginLevel is equity over used margin, in percent, and is zero when no
// margin is in use.
type MarginAccount struct {
	UserID          string     `json:"user_id"`
	Exchange        string     `json:"exchange"`
	Positions       []Position `json:"positions"`
	Balance         float64    `json:"balance"`
	Equity          float64    `json:"equity"`
	UnrealizedPnL   float64    `json:"unrealized_pnl"`
	UsedMargin      float64    `json:"used_margin"`
	FreeMargin      float64    `json:"free_margin"`
	MarginLevel     float64    `json:"margin_level"`
	LiquidationRisk string     `json:"liquidation_risk"`
}

// LiquidationSimulation describes how close a position is to forced closure.
type LiquidationSimulation struct {
	PositionID       string  `json:"position_id"`
	CurrentPrice     float64 `json:"current_price"`
	LiquidationPrice float64 `json:"liquidation_price"`
	MarginRatio      float64 `json:"margin_ratio"`
	IsAtRisk         bool    `json:"is_at_risk"`
	WouldLiquidate   bool    `json:"would_liquidate"`
	DistancePercent  float64 `json:"distance_percent"`
	EstimatedLoss    float64 `json:"estimated_loss"`
}
