// Package broker defines the Broker interface and the simulated broker that
// backs backtests: it fills orders under a slippage and fee model and derives
// positions from the fills.
package broker

import (
	"context"
	"errors"

	"strategos/internal/domain"
)

var (
	ErrOrderRejected = errors.New("order rejected")
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderTerminal = errors.New("order already in a terminal state")
)

// Broker abstracts order execution and position tracking.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// SubmitOrder sends an order for execution and returns its updated state.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of a non-terminal order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetPositions returns all currently open positions.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetOrders returns every order submitted so far, in submission order.
	GetOrders(ctx context.Context) ([]domain.Order, error)
}
