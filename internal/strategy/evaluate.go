package strategy

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a condition references a value that
// is not available at the current bar. Callers treat it as "not triggered".
var ErrInsufficientData = errors.New("insufficient data")

// Evaluate evaluates a condition tree against the snapshot of the current bar.
// prev is the snapshot of the previous bar and may be nil on the first bar,
// in which case cross operators never trigger.
//
// Evaluation has no side effects. Groups short-circuit, but the outcome does
// not depend on child order: an AND group is false as soon as any child is
// false and an OR group is true as soon as any child is true; only when
// neither decides does a child lacking data surface ErrInsufficientData.
func Evaluate(n Node, cur, prev Snapshot) (bool, error) {
	switch {
	case n.Leaf != nil:
		return evaluateLeaf(n.Leaf, cur, prev)
	case n.Group != nil:
		return evaluateGroup(n.Group, cur, prev)
	}
	return false, ErrEmptyNode
}

func evaluateGroup(g *Group, cur, prev Snapshot) (bool, error) {
	if len(g.Conditions) == 0 {
		return false, ErrEmptyGroup
	}
	var missing error
	for _, c := range g.Conditions {
		ok, err := Evaluate(c, cur, prev)
		if err != nil {
			if !errors.Is(err, ErrInsufficientData) {
				return false, err
			}
			missing = err
			continue
		}
		switch g.Logic {
		case LogicAnd:
			if !ok {
				return false, nil
			}
		case LogicOr:
			if ok {
				return true, nil
			}
		default:
			return false, fmt.Errorf("unknown group logic %q", g.Logic)
		}
	}
	if missing != nil {
		return false, missing
	}
	return g.Logic == LogicAnd, nil
}

func evaluateLeaf(l *Leaf, cur, prev Snapshot) (bool, error) {
	left, ok := cur.Value(l.Left)
	if !ok {
		return false, fmt.Errorf("%s: %w", l.Left, ErrInsufficientData)
	}

	switch l.Op {
	case OpGt:
		return left > l.Right, nil
	case OpGte:
		return left >= l.Right, nil
	case OpLt:
		return left < l.Right, nil
	case OpLte:
		return left <= l.Right, nil
	case OpEq:
		// Exact comparison; callers should pre-round thresholds.
		return left == l.Right, nil
	case OpNeq:
		return left != l.Right, nil
	case OpCrossAbove, OpCrossBelow:
		if prev == nil {
			return false, nil
		}
		before, ok := prev.Value(l.Left)
		if !ok {
			return false, nil
		}
		if l.Op == OpCrossAbove {
			return before <= l.Right && left > l.Right, nil
		}
		return before >= l.Right && left < l.Right, nil
	}
	return false, fmt.Errorf("unsupported operator %q", l.Op)
}
