package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"strategos/internal/backtest"
	"strategos/internal/domain"
	"strategos/internal/events"
	"strategos/internal/metrics"
	"strategos/internal/store"
	"strategos/internal/strategy"
)

// RunRequest describes one backtest. The strategy is Strategy when set,
// otherwise the registered strategy StrategyID. Bars come from the request
// when present, otherwise from the bar store for the strategy's symbol and
// timeframe between Start and End.
type RunRequest struct {
	StrategyID string             `json:"strategy_id,omitempty"`
	Strategy   *strategy.Strategy `json:"strategy,omitempty"`
	Bars       []domain.Bar       `json:"bars,omitempty"`
	Market     string             `json:"market,omitempty"`
	Start      time.Time          `json:"start"`
	End        time.Time          `json:"end"`
	Config     *backtest.Config   `json:"config,omitempty"`
}

// Submit resolves req and runs it. See Run for the result contract.
func (e *Engine) Submit(ctx context.Context, req RunRequest) (*domain.BacktestResult, error) {
	strat, bars, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, strat, bars, e.config(req.Config))
}

// Run simulates strat over bars, stores the terminal result and publishes a
// summary event. A run that fails or is aborted still returns its result
// together with a *backtest.SimulationError. Other errors mean the result
// could not be stored.
func (e *Engine) Run(ctx context.Context, strat *strategy.Strategy, bars []domain.Bar, cfg backtest.Config) (*domain.BacktestResult, error) {
	res, runErr := e.sim.Run(ctx, strat, bars, cfg)

	// The run context may already be cancelled; the result is still recorded.
	saveCtx := context.WithoutCancel(ctx)
	if err := e.results.Save(saveCtx, res); err != nil {
		return res, fmt.Errorf("save result %s: %w", res.ID, err)
	}
	if err := e.publisher.PublishBacktest(saveCtx, events.NewBacktestCompleted(res)); err != nil {
		e.logger.Warn("publish backtest event failed", "id", res.ID, "error", err)
	}
	return res, runErr
}

// RunFromStore runs the registered strategy id over stored bars.
func (e *Engine) RunFromStore(ctx context.Context, id, market string, start, end time.Time, cfg *backtest.Config) (*domain.BacktestResult, error) {
	return e.Submit(ctx, RunRequest{StrategyID: id, Market: market, Start: start, End: end, Config: cfg})
}

// RunMany runs reqs in parallel, at most MaxConcurrent at a time. Results
// are returned in request order. Simulation failures are reported through
// each result's status; the returned error is the first request that could
// not be resolved or stored, and the remaining runs are aborted.
func (e *Engine) RunMany(ctx context.Context, reqs []RunRequest) ([]*domain.BacktestResult, error) {
	results := make([]*domain.BacktestResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	for i, req := range reqs {
		g.Go(func() error {
			res, err := e.Submit(gctx, req)
			results[i] = res
			if err != nil && !errors.Is(err, backtest.ErrSimulation) {
				return fmt.Errorf("run %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	e.logger.Info("batch backtest finished", "runs", len(reqs), "error", err)
	return results, err
}

func (e *Engine) resolve(ctx context.Context, req RunRequest) (*strategy.Strategy, []domain.Bar, error) {
	strat := req.Strategy
	if strat == nil {
		var err error
		if strat, err = e.Strategy(req.StrategyID); err != nil {
			return nil, nil, err
		}
	}
	if len(req.Bars) > 0 {
		return strat, req.Bars, nil
	}
	if e.bars == nil {
		return nil, nil, ErrNoBarStore
	}
	market := req.Market
	if market == "" {
		market = e.market
	}
	bars, err := e.bars.ReadBars(ctx, market, strat.Timeframe, strat.Symbol, req.Start, req.End)
	if err != nil {
		return nil, nil, fmt.Errorf("read bars for %s: %w", strat.Symbol, err)
	}
	return strat, bars, nil
}

// config fills cfg from the engine defaults. Zero fee and slippage are
// meaningful, so only capital, exchange and margin type are filled.
func (e *Engine) config(cfg *backtest.Config) backtest.Config {
	if cfg == nil {
		return e.defaults
	}
	out := *cfg
	if out.InitialCapital == 0 {
		out.InitialCapital = e.defaults.InitialCapital
	}
	if out.Exchange == "" && out.Leverage > 1 {
		out.Exchange = e.defaults.Exchange
	}
	if out.MarginType == "" {
		out.MarginType = e.defaults.MarginType
	}
	return out
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// Result returns a stored result.
func (e *Engine) Result(ctx context.Context, id string) (*domain.BacktestResult, error) {
	return e.results.GetByID(ctx, id)
}

// Results lists a strategy's results, newest first.
func (e *Engine) Results(ctx context.Context, strategyID string, page store.Page) ([]*domain.BacktestResult, error) {
	return e.results.ListByStrategy(ctx, strategyID, page)
}

// RecentResults lists the latest results across strategies.
func (e *Engine) RecentResults(ctx context.Context, limit int) ([]*domain.BacktestResult, error) {
	return e.results.ListRecent(ctx, limit)
}

// DeleteResult removes a stored result.
func (e *Engine) DeleteResult(ctx context.Context, id string) error {
	return e.results.Delete(ctx, id)
}

// Compare ranks stored results.
func (e *Engine) Compare(ctx context.Context, ids []string) (metrics.Comparison, error) {
	return store.CompareStrategies(ctx, e.results, ids)
}

// Analyze computes the extended risk metrics of a stored result against an
// annual benchmark return in percent.
func (e *Engine) Analyze(ctx context.Context, id string, benchmarkReturn float64) (metrics.Advanced, error) {
	res, err := e.results.GetByID(ctx, id)
	if err != nil {
		return metrics.Advanced{}, err
	}
	return metrics.ComputeAdvanced(metrics.Input{
		InitialCapital:  res.InitialCapital,
		FinalEquity:     res.FinalEquity,
		Curve:           res.EquityCurve,
		Trades:          res.Trades,
		BenchmarkReturn: benchmarkReturn,
	}), nil
}

// Export writes a stored result for reporting and returns the file paths.
func (e *Engine) Export(ctx context.Context, id string) (equityPath, tradesPath string, err error) {
	if e.exporter == nil {
		return "", "", ErrNoExporter
	}
	res, err := e.results.GetByID(ctx, id)
	if err != nil {
		return "", "", err
	}
	return e.exporter.ExportResult(ctx, res)
}
