package broker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"strategos/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// FillModel configures simulated execution. Rates are percentages.
type FillModel struct {
	FeeRatePercent  float64
	SlippagePercent float64
	// Leverage recorded on positions opened by this broker; zero means 1.
	Leverage float64
}

// SimulatorBroker implements the Broker interface for backtesting. Market and
// stop orders fill immediately and completely at their reference price
// adjusted by slippage; limit orders fill at the limit price. Positions are
// derived from fills. A SimulatorBroker belongs to a single run and is not
// safe for concurrent use.
type SimulatorBroker struct {
	fill      FillModel
	now       time.Time
	seq       int
	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	sequence  []string
}

// NewSimulatorBroker creates a new SimulatorBroker with empty position and
// order maps.
func NewSimulatorBroker(fill FillModel) *SimulatorBroker {
	if fill.Leverage <= 0 {
		fill.Leverage = 1
	}
	return &SimulatorBroker{
		fill:      fill,
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SetTime sets the simulated clock used to stamp orders and positions.
func (b *SimulatorBroker) SetTime(t time.Time) {
	b.now = t
}

// SubmitOrder validates and fills the order, updating positions. A rejected
// order is recorded with status rejected and returned together with an error
// wrapping ErrOrderRejected.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	o := *order
	if o.ID == "" {
		b.seq++
		o.ID = fmt.Sprintf("ord-%06d", b.seq)
	}
	if _, dup := b.orders[o.ID]; dup {
		return nil, fmt.Errorf("submit order %s: duplicate id", o.ID)
	}
	o.CreatedAt, o.UpdatedAt = b.now, b.now
	o.Status = domain.OrderStatusPending
	b.orders[o.ID] = &o
	b.sequence = append(b.sequence, o.ID)

	ref, reason := b.validate(&o)
	if reason != "" {
		o.Status = domain.OrderStatusRejected
		o.Reason = reason
		out := o
		return &out, fmt.Errorf("%w: %s", ErrOrderRejected, reason)
	}

	price := ref
	if o.Type != domain.OrderTypeLimit {
		price = b.slipped(o.Side, ref)
	}
	o.FilledQuantity = o.Quantity
	o.AvgFillPrice = &price
	o.Fee = o.Quantity * price * b.fill.FeeRatePercent / 100
	o.Status = domain.OrderStatusFilled
	b.apply(&o)

	out := o
	return &out, nil
}

// validate returns the reference price of the order, or a rejection reason.
func (b *SimulatorBroker) validate(o *domain.Order) (float64, string) {
	if o.Quantity <= 0 {
		return 0, "quantity must be positive"
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return 0, fmt.Sprintf("unknown side %q", o.Side)
	}

	var ref *float64
	switch o.Type {
	case domain.OrderTypeMarket, domain.OrderTypeLimit:
		ref = o.Price
	case domain.OrderTypeStop:
		ref = o.StopPrice
	default:
		return 0, fmt.Sprintf("order type %q not supported by simulator", o.Type)
	}
	if ref == nil || *ref <= 0 {
		return 0, "order has no positive reference price"
	}

	if p, ok := b.positions[o.Symbol]; ok && o.Side == p.Side.ExitSide() && o.Quantity > p.Size*(1+1e-9) {
		return 0, fmt.Sprintf("quantity %v exceeds open position %v", o.Quantity, p.Size)
	}
	return *ref, ""
}

func (b *SimulatorBroker) slipped(side domain.OrderSide, ref float64) float64 {
	s := b.fill.SlippagePercent / 100
	if side == domain.OrderSideBuy {
		return ref * (1 + s)
	}
	return ref * (1 - s)
}

// apply updates the position of the order's symbol with a fill.
func (b *SimulatorBroker) apply(o *domain.Order) {
	price := *o.AvgFillPrice
	p, ok := b.positions[o.Symbol]
	if !ok {
		side := domain.PositionSideLong
		if o.Side == domain.OrderSideSell {
			side = domain.PositionSideShort
		}
		b.positions[o.Symbol] = &domain.Position{
			ID:         o.ID,
			Symbol:     o.Symbol,
			Side:       side,
			Size:       o.FilledQuantity,
			EntryPrice: price,
			Leverage:   b.fill.Leverage,
			Margin:     o.FilledQuantity * price / b.fill.Leverage,
			OpenedAt:   b.now,
		}
		return
	}

	if o.Side == p.Side.EntrySide() {
		size := p.Size + o.FilledQuantity
		p.EntryPrice = (p.EntryPrice*p.Size + price*o.FilledQuantity) / size
		p.Size = size
		p.Margin = p.Size * p.EntryPrice / p.Leverage
		return
	}

	p.Size -= o.FilledQuantity
	if p.Size <= 1e-12 {
		delete(b.positions, o.Symbol)
		return
	}
	p.Margin = p.Size * p.EntryPrice / p.Leverage
}

// Position returns the open position for symbol, if any.
func (b *SimulatorBroker) Position(symbol string) (domain.Position, bool) {
	p, ok := b.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// CancelOrder cancels a pending or open order.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotFound)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("cancel %s (%s): %w", orderID, o.Status, ErrOrderTerminal)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = b.now
	return nil
}

// GetPositions returns all simulated positions sorted by symbol.
func (b *SimulatorBroker) GetPositions(_ context.Context) ([]domain.Position, error) {
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// GetOrders returns copies of all orders in submission order.
func (b *SimulatorBroker) GetOrders(_ context.Context) ([]domain.Order, error) {
	return b.Orders(), nil
}

// Orders returns copies of all orders in submission order.
func (b *SimulatorBroker) Orders() []domain.Order {
	out := make([]domain.Order, 0, len(b.sequence))
	for _, id := range b.sequence {
		out = append(out, *b.orders[id])
	}
	return out
}
