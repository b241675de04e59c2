package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"strategos/internal/domain"
)

// Defaults applied when the graph leaves a setting unspecified.
const (
	DefaultSymbol             = "BTC/USDT"
	DefaultTimeframe          = "1h"
	DefaultIndicatorPeriod    = 14
	DefaultMaxDrawdownPercent = 20
	DefaultSizingPercent      = 100
)

// strategyNamespace seeds name-based strategy IDs.
var strategyNamespace = uuid.MustParse("6f1c3d52-8a4e-4b7f-9c2d-3e5a7b9d1f04")

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrorKind classifies a compile failure.
type ErrorKind string

const (
	KindMissingNode         ErrorKind = "MissingNode"
	KindInvalidConfig       ErrorKind = "InvalidConfig"
	KindUnsupportedOperator ErrorKind = "UnsupportedOperator"
)

// Sentinels matched by errors.Is against a *CompileError of the same kind.
var (
	ErrMissingNode         = errors.New("missing node")
	ErrInvalidConfig       = errors.New("invalid config")
	ErrUnsupportedOperator = errors.New("unsupported operator")
)

// CompileError describes one problem in a submitted graph.
type CompileError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	NodeID  string    `json:"node_id,omitempty"`
}

func (e *CompileError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is reports whether target is the sentinel for this error's kind.
func (e *CompileError) Is(target error) bool {
	switch e.Kind {
	case KindMissingNode:
		return target == ErrMissingNode
	case KindInvalidConfig:
		return target == ErrInvalidConfig
	case KindUnsupportedOperator:
		return target == ErrUnsupportedOperator
	}
	return false
}

// CompileErrors is the error returned by Compile. It lists every problem
// found so authors can fix them in one pass.
type CompileErrors []*CompileError

func (es CompileErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "compile strategy: " + strings.Join(msgs, "; ")
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (es CompileErrors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

type compiler struct {
	nodes []GraphNode
	edges []Edge
	errs  CompileErrors
}

func (c *compiler) fail(kind ErrorKind, nodeID, format string, args ...any) {
	c.errs = append(c.errs, &CompileError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

// Compile turns an editor graph into a Strategy. It is a pure function of its
// arguments: the same graph and metadata always yield an identical Strategy,
// including its ID. On failure the returned error is a CompileErrors.
//
// The entry condition is the AND of the trigger's condition and one leaf per
// indicator-to-condition edge. The exit condition is the OR of the risk
// node's stop-loss and take-profit legs, and is nil when the graph has no
// risk node.
func Compile(nodes []GraphNode, edges []Edge, meta Metadata) (*Strategy, error) {
	c := &compiler{nodes: nodes, edges: edges}

	triggers := c.ofType(NodeTrigger)
	actions := c.ofType(NodeAction)
	switch {
	case len(triggers) == 0:
		c.fail(KindMissingNode, "", "a trigger node is required")
	case len(triggers) > 1:
		c.fail(KindInvalidConfig, triggers[1].ID, "exactly one trigger node is allowed, found %d", len(triggers))
	}
	if len(actions) == 0 {
		c.fail(KindMissingNode, "", "at least one action node is required")
	}
	if len(c.errs) > 0 {
		return nil, c.errs
	}
	trigger := triggers[0]
	if !c.reachesAction(trigger.ID) {
		c.fail(KindMissingNode, trigger.ID, "no action node is reachable from the trigger")
		return nil, c.errs
	}

	risks := c.ofType(NodeRisk)
	if len(risks) > 1 {
		c.fail(KindInvalidConfig, risks[1].ID, "at most one risk node is allowed, found %d", len(risks))
	}
	var risk *GraphNode
	if len(risks) > 0 {
		risk = &risks[0]
	}

	s := &Strategy{
		Name:        meta.Name,
		Description: meta.Description,
		Symbol:      configString(trigger.Data.Config, "symbol"),
		Timeframe:   configString(trigger.Data.Config, "timeframe"),
		Side:        domain.PositionSideLong,
	}
	if s.Symbol == "" {
		s.Symbol = DefaultSymbol
	}
	if s.Timeframe == "" {
		s.Timeframe = DefaultTimeframe
	}

	entry := c.entryConditions(trigger)
	if len(entry) == 0 && len(c.errs) == 0 {
		c.fail(KindInvalidConfig, "", "entry condition is empty")
	}
	s.Entry = All(entry...)
	s.RiskManagement = c.riskManagement(risk)
	s.Exit = exitConditions(s.RiskManagement)
	s.PositionSizing, s.Side = c.positionSizing(actions)

	if len(c.errs) > 0 {
		return nil, c.errs
	}
	if err := s.Validate(); err != nil {
		c.fail(KindInvalidConfig, "", "%v", err)
		return nil, c.errs
	}

	id, err := graphID(nodes, edges, meta)
	if err != nil {
		c.fail(KindInvalidConfig, "", "encode graph: %v", err)
		return nil, c.errs
	}
	s.ID = id
	return s, nil
}

// graphID derives a stable UUID from the canonical JSON encoding of the
// input. encoding/json sorts map keys, so config maps encode identically.
func graphID(nodes []GraphNode, edges []Edge, meta Metadata) (string, error) {
	canonical, err := json.Marshal(struct {
		Meta  Metadata    `json:"meta"`
		Nodes []GraphNode `json:"nodes"`
		Edges []Edge      `json:"edges"`
	}{meta, nodes, edges})
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(strategyNamespace, canonical).String(), nil
}

func (c *compiler) ofType(typ string) []GraphNode {
	var out []GraphNode
	for _, n := range c.nodes {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func (c *compiler) node(id string) (GraphNode, bool) {
	for _, n := range c.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

// reachesAction walks edges breadth-first from start. The visited set keeps
// cyclic graphs from looping.
func (c *compiler) reachesAction(start string) bool {
	adj := make(map[string][]string)
	for _, e := range c.edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if visited[next] {
				continue
			}
			visited[next] = true
			if n, ok := c.node(next); ok && n.Type == NodeAction {
				return true
			}
			queue = append(queue, next)
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Entry
// ---------------------------------------------------------------------------

func (c *compiler) entryConditions(trigger GraphNode) []Node {
	var leaves []Node
	if leaf, ok := c.triggerLeaf(trigger); ok {
		leaves = append(leaves, leaf)
	}

	conditions := c.ofType(NodeCondition)
	for _, ind := range c.ofType(NodeIndicator) {
		targets := make(map[string]bool)
		for _, e := range c.edges {
			if e.Source == ind.ID {
				targets[e.Target] = true
			}
		}
		for _, cond := range conditions {
			if !targets[cond.ID] {
				continue
			}
			if leaf, ok := c.indicatorLeaf(ind, cond); ok {
				leaves = append(leaves, leaf)
			}
		}
	}
	return leaves
}

var triggerOperators = map[string]Operator{
	"cross_above": OpCrossAbove,
	"cross_below": OpCrossBelow,
	"above":       OpGt,
	"below":       OpLt,
}

func (c *compiler) triggerLeaf(n GraphNode) (Node, bool) {
	cfg := n.Data.Config
	if cfg == nil {
		c.fail(KindInvalidConfig, n.ID, "trigger node has no config")
		return Node{}, false
	}

	value, ok, err := configFloat(cfg, "value")
	if err != nil {
		c.fail(KindInvalidConfig, n.ID, "%v", err)
		return Node{}, false
	}
	if !ok {
		c.fail(KindInvalidConfig, n.ID, "trigger value is required")
		return Node{}, false
	}

	typ := configString(cfg, "type")
	switch typ {
	case "price_cross", "price_above", "price_below":
		cond := configString(cfg, "condition")
		var op Operator
		switch {
		case cond != "":
			if op, ok = triggerOperators[cond]; !ok {
				c.fail(KindUnsupportedOperator, n.ID, "unsupported trigger condition %q", cond)
				return Node{}, false
			}
		case typ == "price_above":
			op = OpGt
		case typ == "price_below":
			op = OpLt
		default:
			c.fail(KindInvalidConfig, n.ID, "price_cross trigger needs condition cross_above or cross_below")
			return Node{}, false
		}
		return LeafNode(Price(SourceClose), op, value), true
	case "volume":
		return LeafNode(Volume(), OpGt, value), true
	}
	c.fail(KindInvalidConfig, n.ID, "unsupported trigger type %q", typ)
	return Node{}, false
}

var conditionOperators = map[string]Operator{
	">": OpGt, "gt": OpGt, "greater_than": OpGt,
	">=": OpGte, "gte": OpGte,
	"<": OpLt, "lt": OpLt, "less_than": OpLt,
	"<=": OpLte, "lte": OpLte,
	"=": OpEq, "==": OpEq, "eq": OpEq, "equals": OpEq,
	"!=": OpNeq, "neq": OpNeq,
	"cross_above": OpCrossAbove, "crosses_above": OpCrossAbove,
	"cross_below": OpCrossBelow, "crosses_below": OpCrossBelow,
}

var indicatorOutputs = map[IndicatorType][]string{
	IndicatorMACD:      {"signal", "histogram"},
	IndicatorBollinger: {"upper", "lower"},
}

func (c *compiler) indicatorLeaf(ind, cond GraphNode) (Node, bool) {
	icfg, ccfg := ind.Data.Config, cond.Data.Config
	if icfg == nil {
		c.fail(KindInvalidConfig, ind.ID, "indicator node has no config")
		return Node{}, false
	}
	if ccfg == nil {
		c.fail(KindInvalidConfig, cond.ID, "condition node has no config")
		return Node{}, false
	}

	typ := IndicatorType(strings.ToLower(configString(icfg, "type")))
	if !typ.Known() {
		c.fail(KindInvalidConfig, ind.ID, "unknown indicator type %q", typ)
		return Node{}, false
	}
	period := DefaultIndicatorPeriod
	if p, ok, err := configFloat(icfg, "period"); err != nil {
		c.fail(KindInvalidConfig, ind.ID, "%v", err)
		return Node{}, false
	} else if ok {
		if p <= 0 || p != math.Trunc(p) {
			c.fail(KindInvalidConfig, ind.ID, "period must be a positive integer, got %v", p)
			return Node{}, false
		}
		period = int(p)
	}
	source := PriceSource(configString(icfg, "source"))
	if source == "" {
		source = SourceClose
	}
	output := configString(icfg, "output")
	if output == "middle" || output == "macd" {
		output = ""
	}
	if output != "" && !contains(indicatorOutputs[typ], output) {
		c.fail(KindInvalidConfig, ind.ID, "indicator %s has no output %q", typ, output)
		return Node{}, false
	}

	opText, right, ok := c.conditionSpec(cond)
	if !ok {
		return Node{}, false
	}
	op, known := conditionOperators[strings.ToLower(opText)]
	if !known {
		c.fail(KindUnsupportedOperator, cond.ID, "unsupported operator %q", opText)
		return Node{}, false
	}

	left := Operand{Kind: OperandIndicator, Indicator: typ, Period: period, Source: source, Output: output}
	if err := left.validate(); err != nil {
		c.fail(KindInvalidConfig, ind.ID, "%v", err)
		return Node{}, false
	}
	return LeafNode(left, op, right), true
}

// conditionSpec reads the operator and threshold of a condition node, either
// from the first entry of its "conditions" list or from top-level
// "operator"/"value" keys.
func (c *compiler) conditionSpec(cond GraphNode) (string, float64, bool) {
	cfg := cond.Data.Config
	rightKey := "value"
	if list, ok := cfg["conditions"].([]any); ok {
		if len(list) == 0 {
			c.fail(KindInvalidConfig, cond.ID, "condition list is empty")
			return "", 0, false
		}
		first, ok := list[0].(map[string]any)
		if !ok {
			c.fail(KindInvalidConfig, cond.ID, "condition entry is not an object")
			return "", 0, false
		}
		cfg, rightKey = first, "right"
	}

	op := configString(cfg, "operator")
	if op == "" {
		c.fail(KindInvalidConfig, cond.ID, "condition operator is required")
		return "", 0, false
	}
	right, ok, err := configFloat(cfg, rightKey)
	if err != nil {
		c.fail(KindInvalidConfig, cond.ID, "%v", err)
		return "", 0, false
	}
	if !ok {
		c.fail(KindInvalidConfig, cond.ID, "condition threshold %q is required", rightKey)
		return "", 0, false
	}
	return op, right, true
}

// ---------------------------------------------------------------------------
// Exit, risk and sizing
// ---------------------------------------------------------------------------

// riskDistance reads an optional percentage from the risk node. Zero counts
// as unset.
func (c *compiler) riskDistance(n *GraphNode, key string) *float64 {
	v, ok, err := configFloat(n.Data.Config, key)
	if err != nil {
		c.fail(KindInvalidConfig, n.ID, "%v", err)
		return nil
	}
	if !ok || v == 0 {
		return nil
	}
	v = math.Abs(v)
	return &v
}

// exitConditions derives the exit tree from the stop-loss and take-profit
// distances. It returns nil when neither is set.
func exitConditions(rm RiskManagement) *Node {
	var legs []Node
	if rm.StopLoss != nil {
		legs = append(legs, LeafNode(PositionReturn(), OpLt, -*rm.StopLoss))
	}
	if rm.TakeProfit != nil {
		legs = append(legs, LeafNode(PositionReturn(), OpGt, *rm.TakeProfit))
	}
	if len(legs) == 0 {
		return nil
	}
	exit := Any(legs...)
	return &exit
}

func (c *compiler) riskManagement(risk *GraphNode) RiskManagement {
	rm := RiskManagement{MaxDrawdownPercent: DefaultMaxDrawdownPercent}
	if risk == nil || risk.Data.Config == nil {
		return rm
	}
	rm.StopLoss = c.riskDistance(risk, "stopLoss")
	rm.TakeProfit = c.riskDistance(risk, "takeProfit")
	rm.TrailingStop = c.riskDistance(risk, "trailingStop")
	if dd := c.riskDistance(risk, "maxDrawdown"); dd != nil {
		if *dd > 100 {
			c.fail(KindInvalidConfig, risk.ID, "maxDrawdown %v exceeds 100 percent", *dd)
		} else {
			rm.MaxDrawdownPercent = *dd
		}
	}
	return rm
}

// positionSizing reads sizing from the first buy action. Graphs whose only
// entry action is a short sale size from that action and trade short.
func (c *compiler) positionSizing(actions []GraphNode) (PositionSizing, domain.PositionSide) {
	side := domain.PositionSideLong
	var src *GraphNode
	for i := range actions {
		if configString(actions[i].Data.Config, "type") == "buy" {
			src = &actions[i]
			break
		}
	}
	if src == nil {
		for i := range actions {
			if configString(actions[i].Data.Config, "type") == "short" {
				src, side = &actions[i], domain.PositionSideShort
				break
			}
		}
	}
	if src == nil {
		return PositionSizing{Type: SizingFixedPercent, Percent: DefaultSizingPercent}, side
	}

	cfg := src.Data.Config
	amount, ok, err := configFloat(cfg, "amount")
	if err != nil {
		c.fail(KindInvalidConfig, src.ID, "%v", err)
		return PositionSizing{}, side
	}
	if !ok {
		amount = DefaultSizingPercent
	}
	if configString(cfg, "amountType") == "percent" {
		if amount <= 0 || amount > 100 {
			c.fail(KindInvalidConfig, src.ID, "percent amount %v out of range (0, 100]", amount)
		}
		return PositionSizing{Type: SizingFixedPercent, Percent: amount}, side
	}
	if amount <= 0 {
		c.fail(KindInvalidConfig, src.ID, "amount %v must be positive", amount)
	}
	return PositionSizing{Type: SizingFixedAmount, Amount: amount}, side
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
