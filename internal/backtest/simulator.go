package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"strategos/internal/broker"
	"strategos/internal/domain"
	"strategos/internal/indicator"
	"strategos/internal/metrics"
	"strategos/internal/risk"
	"strategos/internal/strategy"
)

// Simulator runs backtests. It holds no per-run state, so one Simulator may
// run any number of isolated simulations concurrently.
type Simulator struct {
	risk   *risk.Engine
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewSimulator creates a Simulator. riskEngine may be nil, in which case only
// unleveraged runs are accepted.
func NewSimulator(riskEngine *risk.Engine, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		risk:   riskEngine,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Run replays bars through strat. The returned result is always non-nil and
// in a terminal state. When the run does not complete the error is a
// *SimulationError whose Reason matches the result's FailureReason.
//
// Each bar is processed in this order: cancellation check, intrabar exits of
// an open position (liquidation, stop loss, take profit, trailing stop), the
// exit rule at the close, the entry rule at the close when flat, and finally
// the equity mark. A position closed on a bar is not reopened on that bar.
func (s *Simulator) Run(ctx context.Context, strat *strategy.Strategy, bars []domain.Bar, cfg Config) (*domain.BacktestResult, error) {
	res := &domain.BacktestResult{
		ID:             s.newID(),
		Status:         domain.RunStatusRunning,
		StartedAt:      s.now().UTC(),
		InitialCapital: cfg.InitialCapital,
		FinalEquity:    cfg.InitialCapital,
		EquityCurve:    []domain.EquityPoint{},
		Trades:         []domain.Trade{},
	}
	if strat != nil {
		res.StrategyID = strat.ID
		res.Symbol = strat.Symbol
	}

	r, serr := s.prepare(strat, bars, cfg)
	if serr != nil {
		return s.fail(res, nil, serr)
	}
	res.Symbol = r.symbol

	if serr := r.loop(ctx); serr != nil {
		return s.fail(res, r, serr)
	}

	completed := s.now().UTC()
	res.Status = domain.RunStatusCompleted
	res.CompletedAt = &completed
	r.fillResult(res)
	tf := cfg.Timeframe
	if tf == "" {
		tf = strat.Timeframe
	}
	res.Metrics = metrics.Aggregate(metrics.Input{
		InitialCapital: cfg.InitialCapital,
		FinalEquity:    res.FinalEquity,
		Curve:          res.EquityCurve,
		Trades:         res.Trades,
		Timeframe:      tf,
	})

	s.logger.Info("backtest completed",
		"id", res.ID,
		"strategy", res.StrategyID,
		"symbol", res.Symbol,
		"bars", len(bars),
		"trades", len(res.Trades),
		"total_return", res.Metrics.TotalReturn,
	)
	return res, nil
}

func (s *Simulator) fail(res *domain.BacktestResult, r *run, serr *SimulationError) (*domain.BacktestResult, error) {
	done := s.now().UTC()
	res.CompletedAt = &done
	res.Status = domain.RunStatusFailed
	if serr.Reason == domain.FailureAborted {
		res.Status = domain.RunStatusAborted
	}
	res.FailureReason = serr.Reason
	res.Error = serr.Error()
	if r != nil {
		r.fillResult(res)
	}
	s.logger.Warn("backtest did not complete", "id", res.ID, "strategy", res.StrategyID, "reason", serr.Reason, "error", serr)
	return res, serr
}

// prepare validates the inputs and builds the per-run state.
func (s *Simulator) prepare(strat *strategy.Strategy, bars []domain.Bar, cfg Config) (*run, *SimulationError) {
	if len(bars) == 0 {
		return nil, simErr(domain.FailureNoData, nil, "no bars")
	}
	if strat == nil {
		return nil, simErr(domain.FailureInvalidConfig, nil, "no strategy")
	}
	switch {
	case !(cfg.InitialCapital > 0):
		return nil, simErr(domain.FailureInvalidConfig, nil, "initial capital %v must be positive", cfg.InitialCapital)
	case !(cfg.FeeRatePercent >= 0):
		return nil, simErr(domain.FailureInvalidConfig, nil, "fee rate %v must not be negative", cfg.FeeRatePercent)
	case !(cfg.SlippagePercent >= 0):
		return nil, simErr(domain.FailureInvalidConfig, nil, "slippage %v must not be negative", cfg.SlippagePercent)
	}
	if err := strat.Validate(); err != nil {
		return nil, simErr(domain.FailureInvalidConfig, err, "strategy %s", strat.ID)
	}
	for i, b := range bars {
		if !(b.Close > 0) {
			return nil, simErr(domain.FailureInvalidConfig, nil, "bar %d has non-positive close %v", i, b.Close)
		}
		if i > 0 && b.Timestamp.Before(bars[i-1].Timestamp) {
			return nil, simErr(domain.FailureInvalidConfig, nil, "bar %d is out of order", i)
		}
	}

	exit := strat.Exit
	if exit == nil && cfg.DefaultExit != nil {
		if err := cfg.DefaultExit.Validate(); err != nil {
			return nil, simErr(domain.FailureInvalidConfig, err, "default exit")
		}
		exit = cfg.DefaultExit
	}
	rm := strat.RiskManagement
	if exit == nil && rm.StopLoss == nil && rm.TakeProfit == nil && rm.TrailingStop == nil {
		return nil, simErr(domain.FailureInvalidConfig, nil, "strategy %s has no exit rule and no default exit was supplied", strat.ID)
	}

	lev := cfg.leverage()
	leveraged := lev != 1 || cfg.Exchange != ""
	if leveraged {
		if s.risk == nil {
			return nil, simErr(domain.FailureInvalidConfig, nil, "leverage %vx requires a risk engine", lev)
		}
		if _, err := s.risk.ValidateLeverage(cfg.Exchange, lev); err != nil {
			return nil, simErr(domain.FailureInvalidConfig, err, "leverage rejected")
		}
	}

	ops := strat.Operands()
	if exit != nil && exit != strat.Exit {
		exit.Walk(func(l *strategy.Leaf) { ops = append(ops, l.Left) })
	}
	calc, err := indicator.NewCalculator(bars, ops)
	if err != nil {
		return nil, simErr(domain.FailureInvalidConfig, err, "indicators")
	}

	symbol := strat.Symbol
	if symbol == "" {
		symbol = bars[0].Symbol
	}
	return &run{
		sim:       s,
		strat:     strat,
		bars:      bars,
		cfg:       cfg,
		lev:       lev,
		leveraged: leveraged,
		exit:      exit,
		calc:      calc,
		broker: broker.NewSimulatorBroker(broker.FillModel{
			FeeRatePercent:  cfg.FeeRatePercent,
			SlippagePercent: cfg.SlippagePercent,
			Leverage:        lev,
		}),
		symbol:  symbol,
		balance: cfg.InitialCapital,
		peak:    cfg.InitialCapital,
		curve:   make([]domain.EquityPoint, 0, len(bars)),
		trades:  []domain.Trade{},
	}, nil
}

// ---------------------------------------------------------------------------
// Per-run state
// ---------------------------------------------------------------------------

type run struct {
	sim       *Simulator
	strat     *strategy.Strategy
	bars      []domain.Bar
	cfg       Config
	lev       float64
	leveraged bool
	exit      *strategy.Node
	calc      *indicator.Calculator
	broker    *broker.SimulatorBroker
	symbol    string

	// balance is realized cash: initial capital plus realized P&L less fees.
	balance float64
	peak    float64
	halted  bool
	open    *openTrade
	prev    strategy.Snapshot

	curve  []domain.EquityPoint
	trades []domain.Trade
}

type openTrade struct {
	pos       domain.Position
	entryBar  int
	entryRef  float64
	entryFee  float64
	orderID   string
	entryTime time.Time
	// extreme is the most favorable price seen on completed bars since entry.
	extreme float64
}

// sign is +1 for long positions and -1 for short ones.
func (o *openTrade) sign() float64 {
	if o.pos.Side == domain.PositionSideShort {
		return -1
	}
	return 1
}

// level returns the price pct percent away from base in the position's
// favorable direction (negative pct for adverse levels).
func (o *openTrade) level(base, pct float64) float64 {
	return base * (1 + o.sign()*pct/100)
}

// returnAt is the unleveraged price return of the position at price, in percent.
func (o *openTrade) returnAt(price float64) float64 {
	return (price - o.pos.EntryPrice) / o.pos.EntryPrice * 100 * o.sign()
}

// adverseHit reports whether the bar traded through level against the
// position, and the fill reference allowing for a gap through the open.
func (o *openTrade) adverseHit(bar domain.Bar, level float64) (bool, float64) {
	if o.sign() > 0 {
		return bar.Low <= level, math.Min(level, bar.Open)
	}
	return bar.High >= level, math.Max(level, bar.Open)
}

func (o *openTrade) favorableHit(bar domain.Bar, level float64) (bool, float64) {
	if o.sign() > 0 {
		return bar.High >= level, math.Max(level, bar.Open)
	}
	return bar.Low <= level, math.Min(level, bar.Open)
}

func (r *run) equity(price float64) float64 {
	if r.open == nil {
		return r.balance
	}
	return r.balance + r.open.pos.PnLAt(price)
}

// exposure returns the open notional at price as a percent of equity.
func (r *run) exposure(price, equity float64) float64 {
	if r.open == nil || equity <= 0 {
		return 0
	}
	return r.open.pos.Size * price / equity * 100
}

func (r *run) loop(ctx context.Context) *SimulationError {
	maxDD := r.strat.RiskManagement.MaxDrawdownPercent
	last := len(r.bars) - 1

	for i, bar := range r.bars {
		if err := ctx.Err(); err != nil {
			return simErr(domain.FailureAborted, err, "cancelled at bar %d of %d", i, len(r.bars))
		}
		r.broker.SetTime(bar.Timestamp)
		cur := r.calc.Snapshot(i)

		exited := false
		if r.open != nil && i > r.open.entryBar {
			hit, err := r.intrabar(ctx, i, bar)
			if err != nil {
				return simErr(domain.FailureInvalidConfig, err, "bar %d", i)
			}
			exited = hit
		}

		if r.open != nil {
			cur[strategy.PositionReturn()] = r.open.returnAt(bar.Close)
			if r.exit != nil {
				hit, err := strategy.Evaluate(*r.exit, cur, r.prev)
				if err != nil && !errors.Is(err, strategy.ErrInsufficientData) {
					return simErr(domain.FailureInvalidConfig, err, "exit rule at bar %d", i)
				}
				if hit {
					if err := r.close(ctx, i, domain.OrderTypeMarket, bar.Close, domain.ExitReasonSignal); err != nil {
						return simErr(domain.FailureInvalidConfig, err, "bar %d", i)
					}
					exited = true
				}
			}
		}

		if r.open == nil && !r.halted && !exited && i < last {
			hit, err := strategy.Evaluate(r.strat.Entry, cur, r.prev)
			if err != nil && !errors.Is(err, strategy.ErrInsufficientData) {
				return simErr(domain.FailureInvalidConfig, err, "entry rule at bar %d", i)
			}
			if hit {
				if err := r.enter(ctx, i, bar); err != nil {
					return simErr(domain.FailureInvalidConfig, err, "bar %d", i)
				}
			}
		}

		if i == last && r.open != nil {
			if err := r.close(ctx, i, domain.OrderTypeMarket, bar.Close, domain.ExitReasonEndOfData); err != nil {
				return simErr(domain.FailureInvalidConfig, err, "bar %d", i)
			}
		}

		equity := r.equity(bar.Close)
		r.peak = math.Max(r.peak, equity)
		dd := (equity - r.peak) / r.peak * 100
		if !r.halted && maxDD > 0 && dd <= -maxDD {
			r.halted = true
			r.sim.logger.Info("max drawdown reached, halting entries",
				"strategy", r.strat.ID, "bar", i, "drawdown", dd, "limit", maxDD)
			if r.open != nil {
				if err := r.close(ctx, i, domain.OrderTypeMarket, bar.Close, domain.ExitReasonMaxDrawdown); err != nil {
					return simErr(domain.FailureInvalidConfig, err, "bar %d", i)
				}
				equity = r.equity(bar.Close)
				dd = (equity - r.peak) / r.peak * 100
			}
		}
		r.curve = append(r.curve, domain.EquityPoint{
			Date:          bar.Timestamp,
			Equity:        equity,
			ReturnPercent: (equity - r.cfg.InitialCapital) / r.cfg.InitialCapital * 100,
			Drawdown:      math.Min(0, dd),
			Exposure:      r.exposure(bar.Close, equity),
		})

		r.prev = cur
		if r.cfg.Progress != nil {
			r.cfg.Progress(Progress{Bar: i + 1, Total: len(r.bars), Equity: equity})
		}
	}
	return nil
}

// intrabar applies the price-level exits of the open position using the
// bar's range. It reports whether the position was closed.
func (r *run) intrabar(ctx context.Context, i int, bar domain.Bar) (bool, error) {
	o := r.open
	rm := r.strat.RiskManagement

	if liq := o.pos.LiquidationPrice; liq > 0 {
		if hit, ref := o.adverseHit(bar, liq); hit {
			return true, r.close(ctx, i, domain.OrderTypeStop, ref, domain.ExitReasonLiquidation)
		}
	}
	if rm.StopLoss != nil {
		if hit, ref := o.adverseHit(bar, o.level(o.pos.EntryPrice, -*rm.StopLoss)); hit {
			return true, r.close(ctx, i, domain.OrderTypeStop, ref, domain.ExitReasonStopLoss)
		}
	}
	if rm.TakeProfit != nil {
		if hit, ref := o.favorableHit(bar, o.level(o.pos.EntryPrice, *rm.TakeProfit)); hit {
			return true, r.close(ctx, i, domain.OrderTypeLimit, ref, domain.ExitReasonTakeProfit)
		}
	}
	if rm.TrailingStop != nil {
		if hit, ref := o.adverseHit(bar, o.level(o.extreme, -*rm.TrailingStop)); hit {
			return true, r.close(ctx, i, domain.OrderTypeStop, ref, domain.ExitReasonTrailing)
		}
	}

	if o.sign() > 0 {
		o.extreme = math.Max(o.extreme, bar.High)
	} else {
		o.extreme = math.Min(o.extreme, bar.Low)
	}
	return false, nil
}

// enter opens a position at the bar's close. Sizing is a share of current
// equity or a fixed amount, scaled by leverage.
func (r *run) enter(ctx context.Context, i int, bar domain.Bar) error {
	equity := r.equity(bar.Close)
	if equity <= 0 {
		return nil
	}
	var budget float64
	switch ps := r.strat.PositionSizing; ps.Type {
	case strategy.SizingFixedPercent:
		budget = equity * ps.Percent / 100
	case strategy.SizingFixedAmount:
		budget = math.Min(ps.Amount, equity)
	}
	qty := budget * r.lev / bar.Close
	if !(qty > 0) {
		return nil
	}

	ref := bar.Close
	filled, err := r.broker.SubmitOrder(ctx, &domain.Order{
		Symbol:   r.symbol,
		Side:     r.strat.Side.EntrySide(),
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
		Price:    &ref,
	})
	if err != nil {
		if errors.Is(err, broker.ErrOrderRejected) {
			r.sim.logger.Debug("entry order rejected", "strategy", r.strat.ID, "bar", i, "error", err)
			return nil
		}
		return err
	}
	pos, ok := r.broker.Position(r.symbol)
	if !ok {
		return fmt.Errorf("entry order %s filled without a position", filled.ID)
	}
	r.balance -= filled.Fee

	if r.leveraged {
		calc, err := r.sim.risk.CalculateMargin(risk.MarginParams{
			EntryPrice:   pos.EntryPrice,
			Size:         pos.Size,
			Leverage:     r.lev,
			Side:         pos.Side,
			CurrentPrice: pos.EntryPrice,
			Exchange:     r.cfg.Exchange,
			MarginType:   r.cfg.MarginType,
			FreeBalance:  math.Max(0, r.balance-pos.Margin),
		})
		if err != nil {
			return fmt.Errorf("margin for entry: %w", err)
		}
		pos.LiquidationPrice = calc.LiquidationPrice
		r.sim.logger.Debug("leveraged entry",
			"strategy", r.strat.ID, "bar", i, "leverage", r.lev,
			"liquidation_price", calc.LiquidationPrice, "risk", calc.Warning.Level)
	}

	r.open = &openTrade{
		pos:       pos,
		entryBar:  i,
		entryRef:  ref,
		entryFee:  filled.Fee,
		orderID:   filled.ID,
		entryTime: bar.Timestamp,
		extreme:   pos.EntryPrice,
	}
	return nil
}

// close exits the whole open position with an order of type typ at
// reference price ref and records the round trip.
func (r *run) close(ctx context.Context, i int, typ domain.OrderType, ref float64, reason domain.ExitReason) error {
	o := r.open
	order := &domain.Order{
		Symbol:   r.symbol,
		Side:     o.pos.Side.ExitSide(),
		Type:     typ,
		Quantity: o.pos.Size,
	}
	if typ == domain.OrderTypeStop {
		order.StopPrice = &ref
	} else {
		order.Price = &ref
	}
	filled, err := r.broker.SubmitOrder(ctx, order)
	if err != nil {
		return fmt.Errorf("close position (%s): %w", reason, err)
	}

	exit := *filled.AvgFillPrice
	gross := o.pos.PnLAt(exit)
	r.balance += gross - filled.Fee
	pnl := gross - o.entryFee - filled.Fee

	r.trades = append(r.trades, domain.Trade{
		Symbol:       r.symbol,
		Side:         o.pos.Side,
		EntryTime:    o.entryTime,
		ExitTime:     r.bars[i].Timestamp,
		EntryPrice:   o.pos.EntryPrice,
		ExitPrice:    exit,
		Quantity:     o.pos.Size,
		Fees:         o.entryFee + filled.Fee,
		Slippage:     (math.Abs(o.pos.EntryPrice-o.entryRef) + math.Abs(exit-ref)) * o.pos.Size,
		PnL:          pnl,
		PnLPercent:   pnl / (o.pos.EntryPrice * o.pos.Size / r.lev) * 100,
		ExitReason:   reason,
		BarsHeld:     i - o.entryBar,
		EntryOrderID: o.orderID,
		ExitOrderID:  filled.ID,
	})
	r.open = nil
	return nil
}

// fillResult copies the run's ledger into res.
func (r *run) fillResult(res *domain.BacktestResult) {
	res.EquityCurve = r.curve
	res.Trades = r.trades
	res.Orders = r.broker.Orders()
	res.FinalEquity = r.balance
	if n := len(r.curve); n > 0 {
		res.FinalEquity = r.curve[n-1].Equity
	}
}
