package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Node types understood by the compiler.
const (
	NodeTrigger   = "trigger"
	NodeIndicator = "indicator"
	NodeCondition = "condition"
	NodeAction    = "action"
	NodeRisk      = "risk"
)

// GraphNode is one node of an editor graph as submitted by the builder UI.
type GraphNode struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData carries the free-form configuration of a GraphNode.
type NodeData struct {
	Label  string         `json:"label,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge is a directed connection between two graph nodes.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Graph is a complete editor graph.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []Edge      `json:"edges"`
}

// Metadata names the strategy being compiled.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Config accessors
// ---------------------------------------------------------------------------

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// configFloat reads a numeric config value. Builder UIs send numbers both as
// JSON numbers and as strings. ok is false when the key is absent or empty;
// err is set when the value is present but not numeric.
func configFloat(cfg map[string]any, key string) (v float64, ok bool, err error) {
	raw, present := cfg[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	switch t := raw.(type) {
	case float64:
		return t, true, nil
	case float32:
		return float64(t), true, nil
	case int:
		return float64(t), true, nil
	case int64:
		return float64(t), true, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return f, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %q is not a number", key, t)
		}
		return f, true, nil
	}
	return 0, false, fmt.Errorf("%s: unexpected type %T", key, raw)
}
