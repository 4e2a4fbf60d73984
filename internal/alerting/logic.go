package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

type NodeKind int

const (
	NodeLeaf NodeKind = iota
	NodeAnd
	NodeOr
)

const condPrefix = "cond:"

// Node is one element of a rule's logic tree: a leaf referencing a named
// condition, or an AND/OR over children.
type Node struct {
	Kind     NodeKind
	Code     string
	Children []Node
}

type wireNode struct {
	Ref      string     `json:"ref,omitempty"`
	Op       string     `json:"op,omitempty"`
	Children []wireNode `json:"children,omitempty"`
}

// ParseNode decodes the stored JSON form: {"ref":"cond:CODE"} for leaves and
// {"op":"AND"|"OR","children":[...]} for operators. A missing op means AND.
func ParseNode(data []byte) (Node, error) {
	if len(data) == 0 || string(data) == "null" {
		return Node{}, errors.New("empty logic tree")
	}
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return Node{}, fmt.Errorf("decode logic tree: %w", err)
	}
	return fromWire(w)
}

func fromWire(w wireNode) (Node, error) {
	if w.Ref != "" {
		code, ok := strings.CutPrefix(w.Ref, condPrefix)
		if !ok || code == "" {
			return Node{}, fmt.Errorf("logic tree ref %q: want %s<CODE>", w.Ref, condPrefix)
		}
		return Node{Kind: NodeLeaf, Code: code}, nil
	}
	n := Node{Kind: NodeAnd}
	switch strings.ToUpper(strings.TrimSpace(w.Op)) {
	case "", "AND":
	case "OR":
		n.Kind = NodeOr
	default:
		return Node{}, fmt.Errorf("logic tree op %q: want AND or OR", w.Op)
	}
	for _, c := range w.Children {
		child, err := fromWire(c)
		if err != nil {
			return Node{}, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func (n Node) toWire() wireNode {
	if n.Kind == NodeLeaf {
		return wireNode{Ref: condPrefix + n.Code}
	}
	w := wireNode{Op: "AND"}
	if n.Kind == NodeOr {
		w.Op = "OR"
	}
	for _, c := range n.Children {
		w.Children = append(w.Children, c.toWire())
	}
	return w
}

func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.toWire())
}

func (n *Node) UnmarshalJSON(data []byte) error {
	parsed, err := ParseNode(data)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// Codes lists the distinct condition codes referenced by the tree, sorted.
func (n Node) Codes() []string {
	seen := make(map[string]struct{})
	n.collect(seen)
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (n Node) collect(seen map[string]struct{}) {
	if n.Kind == NodeLeaf {
		seen[n.Code] = struct{}{}
		return
	}
	for _, c := range n.Children {
		c.collect(seen)
	}
}

// NodeResult is the evaluation trace of one node.
type NodeResult struct {
	Node     Node         `json:"node"`
	Result   bool         `json:"result"`
	Skipped  bool         `json:"skipped,omitempty"`
	Details  []string     `json:"details,omitempty"`
	Children []NodeResult `json:"children,omitempty"`
}

// leafFunc evaluates one named condition.
type leafFunc func(code string) (bool, []string, error)

// evalNode walks the tree with short-circuiting. Children after the deciding
// one are reported as skipped.
func evalNode(n Node, leaf leafFunc) (NodeResult, error) {
	res := NodeResult{Node: n}
	if n.Kind == NodeLeaf {
		ok, details, err := leaf(n.Code)
		if err != nil {
			return res, err
		}
		res.Result, res.Details = ok, details
		return res, nil
	}
	if len(n.Children) == 0 {
		res.Details = append(res.Details, "Empty operator node")
		return res, nil
	}
	acc := n.Kind == NodeAnd
	decided := false
	for _, child := range n.Children {
		if decided {
			res.Children = append(res.Children, NodeResult{Node: child, Skipped: true})
			continue
		}
		cr, err := evalNode(child, leaf)
		if err != nil {
			return res, err
		}
		res.Children = append(res.Children, cr)
		if n.Kind == NodeAnd {
			acc = acc && cr.Result
			decided = !acc
		} else {
			acc = acc || cr.Result
			decided = acc
		}
	}
	res.Result = acc
	return res, nil
}
