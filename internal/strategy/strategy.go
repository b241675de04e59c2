// Package strategy defines the compiled strategy representation (condition
// trees, position sizing and risk rules), evaluates condition trees against
// indicator snapshots, compiles editor node graphs into that representation,
// and provides a Registry for compiled strategies.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"strategos/internal/domain"
)

// ---------------------------------------------------------------------------
// Operands
// ---------------------------------------------------------------------------

// OperandKind selects what the left side of a leaf condition reads.
type OperandKind string

const (
	OperandPrice          OperandKind = "price"
	OperandVolume         OperandKind = "volume"
	OperandIndicator      OperandKind = "indicator"
	OperandPositionReturn OperandKind = "position_return" // open position P&L, percent
)

// PriceSource is the bar field a price or indicator reads.
type PriceSource string

const (
	SourceOpen  PriceSource = "open"
	SourceHigh  PriceSource = "high"
	SourceLow   PriceSource = "low"
	SourceClose PriceSource = "close"
)

// IndicatorType names a supported technical indicator.
type IndicatorType string

const (
	IndicatorSMA        IndicatorType = "sma"
	IndicatorEMA        IndicatorType = "ema"
	IndicatorRSI        IndicatorType = "rsi"
	IndicatorMACD       IndicatorType = "macd"
	IndicatorBollinger  IndicatorType = "bollinger"
	IndicatorATR        IndicatorType = "atr"
	IndicatorStochastic IndicatorType = "stochastic"
	IndicatorMomentum   IndicatorType = "momentum"
)

// Known reports whether t is a supported indicator.
func (t IndicatorType) Known() bool {
	switch t {
	case IndicatorSMA, IndicatorEMA, IndicatorRSI, IndicatorMACD,
		IndicatorBollinger, IndicatorATR, IndicatorStochastic, IndicatorMomentum:
		return true
	}
	return false
}

// Operand identifies a value resolved per bar. It is comparable and is used
// directly as a Snapshot key.
type Operand struct {
	Kind      OperandKind   `json:"kind"`
	Source    PriceSource   `json:"source,omitempty"`
	Indicator IndicatorType `json:"indicator,omitempty"`
	Period    int           `json:"period,omitempty"`
	// Output selects a secondary series of multi-output indicators:
	// "signal"/"histogram" for MACD, "upper"/"lower" for Bollinger bands.
	Output string `json:"output,omitempty"`
}

// Price returns a price operand for the given source.
func Price(src PriceSource) Operand { return Operand{Kind: OperandPrice, Source: src} }

// Volume returns the volume operand.
func Volume() Operand { return Operand{Kind: OperandVolume} }

// PositionReturn returns the open-position return operand.
func PositionReturn() Operand { return Operand{Kind: OperandPositionReturn} }

// Indicator returns an indicator operand over close prices.
func Indicator(t IndicatorType, period int) Operand {
	return Operand{Kind: OperandIndicator, Indicator: t, Period: period, Source: SourceClose}
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandPrice:
		return "price(" + string(o.Source) + ")"
	case OperandIndicator:
		s := fmt.Sprintf("%s(%d,%s)", o.Indicator, o.Period, o.Source)
		if o.Output != "" {
			s += "." + o.Output
		}
		return s
	}
	return string(o.Kind)
}

func (o Operand) validate() error {
	switch o.Kind {
	case OperandPrice:
		switch o.Source {
		case SourceOpen, SourceHigh, SourceLow, SourceClose:
			return nil
		}
		return fmt.Errorf("price operand: unknown source %q", o.Source)
	case OperandVolume, OperandPositionReturn:
		return nil
	case OperandIndicator:
		if !o.Indicator.Known() {
			return fmt.Errorf("unknown indicator %q", o.Indicator)
		}
		if o.Period <= 0 {
			return fmt.Errorf("indicator %s: period must be positive", o.Indicator)
		}
		return nil
	}
	return fmt.Errorf("unknown operand kind %q", o.Kind)
}

// Snapshot holds the operand values resolved at one bar. A missing key means
// the value is not available yet (for example an indicator whose period
// exceeds the history seen so far).
type Snapshot map[Operand]float64

// Value returns the value of o and whether it is available.
func (s Snapshot) Value(o Operand) (float64, bool) {
	v, ok := s[o]
	return v, ok
}

// ---------------------------------------------------------------------------
// Condition trees
// ---------------------------------------------------------------------------

// Operator is a leaf comparison.
type Operator string

const (
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpCrossAbove Operator = "cross_above"
	OpCrossBelow Operator = "cross_below"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGt, OpGte, OpLt, OpLte, OpEq, OpNeq, OpCrossAbove, OpCrossBelow:
		return true
	}
	return false
}

// Logic combines the children of a Group.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Leaf compares a resolved operand against a constant.
type Leaf struct {
	Left  Operand  `json:"left"`
	Op    Operator `json:"operator"`
	Right float64  `json:"right"`
}

// Group combines child conditions with and/or logic.
type Group struct {
	Logic      Logic  `json:"logic"`
	Conditions []Node `json:"conditions"`
}

// Node is a tagged variant: exactly one of Leaf or Group is set.
type Node struct {
	Leaf  *Leaf  `json:"leaf,omitempty"`
	Group *Group `json:"group,omitempty"`
}

// LeafNode wraps a leaf condition in a Node.
func LeafNode(left Operand, op Operator, right float64) Node {
	return Node{Leaf: &Leaf{Left: left, Op: op, Right: right}}
}

// All returns an AND group of the given nodes.
func All(nodes ...Node) Node { return Node{Group: &Group{Logic: LogicAnd, Conditions: nodes}} }

// Any returns an OR group of the given nodes.
func Any(nodes ...Node) Node { return Node{Group: &Group{Logic: LogicOr, Conditions: nodes}} }

var (
	ErrEmptyNode  = errors.New("condition node has neither leaf nor group")
	ErrEmptyGroup = errors.New("condition group has no children")
	ErrCycle      = errors.New("condition tree contains a cycle")
)

// Validate checks the tree invariants: each node is exactly one variant,
// every group has at least one child, leaves are well formed and no group is
// reachable from itself.
func (n Node) Validate() error {
	return n.validate(make(map[*Group]bool))
}

func (n Node) validate(onPath map[*Group]bool) error {
	switch {
	case n.Leaf != nil && n.Group != nil:
		return errors.New("condition node has both leaf and group")
	case n.Leaf != nil:
		if !n.Leaf.Op.Valid() {
			return fmt.Errorf("unsupported operator %q", n.Leaf.Op)
		}
		return n.Leaf.Left.validate()
	case n.Group != nil:
		g := n.Group
		if onPath[g] {
			return ErrCycle
		}
		if g.Logic != LogicAnd && g.Logic != LogicOr {
			return fmt.Errorf("unknown group logic %q", g.Logic)
		}
		if len(g.Conditions) == 0 {
			return ErrEmptyGroup
		}
		onPath[g] = true
		defer delete(onPath, g)
		for _, c := range g.Conditions {
			if err := c.validate(onPath); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrEmptyNode
}

// Walk calls fn for every leaf in depth-first order.
func (n Node) Walk(fn func(*Leaf)) {
	if n.Leaf != nil {
		fn(n.Leaf)
		return
	}
	if n.Group != nil {
		for _, c := range n.Group.Conditions {
			c.Walk(fn)
		}
	}
}

// ---------------------------------------------------------------------------
// Strategy
// ---------------------------------------------------------------------------

// SizingType selects how entry quantity is computed.
type SizingType string

const (
	SizingFixedPercent SizingType = "fixed_percent"
	SizingFixedAmount  SizingType = "fixed_amount"
)

// PositionSizing decides how much capital an entry commits.
type PositionSizing struct {
	Type    SizingType `json:"type"`
	Percent float64    `json:"percent,omitempty"` // of current equity, (0, 100]
	Amount  float64    `json:"amount,omitempty"`  // quote currency
}

// RiskManagement holds per-trade and per-run risk limits. Stop, target and
// trailing distances are percentages from the entry (or peak) price.
type RiskManagement struct {
	StopLoss           *float64 `json:"stop_loss,omitempty"`
	TakeProfit         *float64 `json:"take_profit,omitempty"`
	TrailingStop       *float64 `json:"trailing_stop,omitempty"`
	MaxDrawdownPercent float64  `json:"max_drawdown_percent"`
}

// Strategy is the compiled, immutable form of a user strategy. Exit is nil
// when the author defined no exit rule.
type Strategy struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Symbol         string              `json:"symbol"`
	Timeframe      string              `json:"timeframe"`
	Side           domain.PositionSide `json:"side"`
	Entry          Node                `json:"entry_conditions"`
	Exit           *Node               `json:"exit_conditions,omitempty"`
	PositionSizing PositionSizing      `json:"position_sizing"`
	RiskManagement RiskManagement      `json:"risk_management"`
}

// Validate checks the strategy's condition trees and sizing rule.
func (s *Strategy) Validate() error {
	if err := s.Entry.Validate(); err != nil {
		return fmt.Errorf("entry conditions: %w", err)
	}
	if s.Exit != nil {
		if err := s.Exit.Validate(); err != nil {
			return fmt.Errorf("exit conditions: %w", err)
		}
	}
	switch s.PositionSizing.Type {
	case SizingFixedPercent:
		if s.PositionSizing.Percent <= 0 || s.PositionSizing.Percent > 100 {
			return fmt.Errorf("position sizing percent %v out of range (0, 100]", s.PositionSizing.Percent)
		}
	case SizingFixedAmount:
		if s.PositionSizing.Amount <= 0 {
			return fmt.Errorf("position sizing amount %v must be positive", s.PositionSizing.Amount)
		}
	default:
		return fmt.Errorf("unknown position sizing type %q", s.PositionSizing.Type)
	}
	if s.Side != domain.PositionSideLong && s.Side != domain.PositionSideShort {
		return fmt.Errorf("unknown side %q", s.Side)
	}
	return nil
}

// Operands returns the distinct operands referenced by the entry and exit
// trees, in a stable order.
func (s *Strategy) Operands() []Operand {
	seen := make(map[Operand]bool)
	collect := func(l *Leaf) { seen[l.Left] = true }
	s.Entry.Walk(collect)
	if s.Exit != nil {
		s.Exit.Walk(collect)
	}
	ops := make([]Operand, 0, len(seen))
	for o := range seen {
		ops = append(ops, o)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].String() < ops[j].String() })
	return ops
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds compiled strategies keyed by ID. It is safe for concurrent
// use; stored strategies are treated as immutable.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]*Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its ID.
func (r *Registry) Register(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID] = s
}

// Get retrieves a strategy by ID. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(id string) (*Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// List returns a sorted slice of all registered strategy IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
