// Package store defines storage interfaces for historical bars and backtest
// results, with Parquet, SQLite and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategos/internal/domain"
	"strategos/internal/metrics"
)

var (
	// ErrNotFound is returned when no result has the requested id.
	ErrNotFound = errors.New("result not found")
	// ErrResultExists is returned when saving over a stored result.
	ErrResultExists = errors.New("result already exists")
	// ErrNotTerminal is returned when saving a run that has not finished.
	ErrNotTerminal = errors.New("result is not in a terminal state")
)

// Page limits a listing. A zero Limit means DefaultPageLimit.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 500
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars, replacing bars with the same
	// symbol and timestamp.
	WriteBars(ctx context.Context, market, timeframe string, bars []domain.Bar) error

	// ReadBars returns bars for symbol within [start, end], ordered by time.
	ReadBars(ctx context.Context, market, timeframe, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols stored for market and timeframe.
	ListSymbols(ctx context.Context, market, timeframe string) ([]string, error)
}

// ResultStore persists terminal backtest results. Results are write-once.
type ResultStore interface {
	// Save stores a terminal result. It fails with ErrResultExists when the
	// id is taken and ErrNotTerminal when the run has not finished.
	Save(ctx context.Context, res *domain.BacktestResult) error

	// GetByID returns the result with id or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.BacktestResult, error)

	// ListByStrategy returns results of a strategy, newest first.
	ListByStrategy(ctx context.Context, strategyID string, page Page) ([]*domain.BacktestResult, error)

	// ListRecent returns the most recent results across all strategies.
	ListRecent(ctx context.Context, limit int) ([]*domain.BacktestResult, error)

	// Delete removes the result with id or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}

func checkSavable(res *domain.BacktestResult) error {
	if res == nil || res.ID == "" {
		return fmt.Errorf("save result: missing id")
	}
	if !res.Status.Terminal() {
		return fmt.Errorf("save result %s (%s): %w", res.ID, res.Status, ErrNotTerminal)
	}
	return nil
}

// CompareStrategies loads the results with ids and ranks them. Any missing
// id fails the whole comparison.
func CompareStrategies(ctx context.Context, rs ResultStore, ids []string) (metrics.Comparison, error) {
	results := make([]*domain.BacktestResult, 0, len(ids))
	for _, id := range ids {
		res, err := rs.GetByID(ctx, id)
		if err != nil {
			return metrics.Comparison{}, fmt.Errorf("compare %s: %w", id, err)
		}
		results = append(results, res)
	}
	return metrics.Compare(results), nil
}
