// Package sq is the boolean query tree: AND/OR/NOT over field lookups.
package sq

import (
	"fmt"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain"
)

// Connector joins the children of a node.
type Connector string

// Connectors.
const (
	AND Connector = "AND"
	OR  Connector = "OR"
)

// Op is a comparison operator of a lookup.
type Op string

// Lookup operators.
const (
	OpContent    Op = "content"
	OpContains   Op = "contains"
	OpExact      Op = "exact"
	OpGT         Op = "gt"
	OpGTE        Op = "gte"
	OpLT         Op = "lt"
	OpLTE        Op = "lte"
	OpIn         Op = "in"
	OpStartsWith Op = "startswith"
	OpEndsWith   Op = "endswith"
	OpRange      Op = "range"
	OpFuzzy      Op = "fuzzy"
)

var validOps = map[Op]bool{
	OpContent: true, OpContains: true, OpExact: true, OpGT: true, OpGTE: true, OpLT: true,
	OpLTE: true, OpIn: true, OpStartsWith: true, OpEndsWith: true, OpRange: true, OpFuzzy: true,
}

// LookupSep separates the field from the operator.
const LookupSep = "__"

// ContentField is the sentinel field meaning "the document field".
const ContentField = "content"

// Lookup is a parsed "field__op" expression.
type Lookup struct {
	Field string
	Op    Op
}

// ParseLookup splits an expression. A missing operator means content.
func ParseLookup(expr string) (Lookup, error) {
	field, op, found := strings.Cut(expr, LookupSep)
	if field == "" {
		return Lookup{}, domain.NewFieldError(expr, fmt.Errorf("empty field in lookup"))
	}
	if !found {
		return Lookup{Field: field, Op: OpContent}, nil
	}
	if !validOps[Op(op)] {
		return Lookup{}, domain.NewFieldError(field, fmt.Errorf("unknown lookup operator %q", op))
	}
	return Lookup{Field: field, Op: Op(op)}, nil
}

// Leaf is one (lookup, value) predicate.
type Leaf struct {
	Expr  string
	Value any
}

// Node is an AND/OR node with an optional negation. Children are *Node or Leaf.
type Node struct {
	Connector Connector
	Negated   bool
	Children  []any
}

// Q creates a single-predicate node.
func Q(expr string, value any) *Node {
	return &Node{Connector: AND, Children: []any{Leaf{Expr: expr, Value: value}}}
}

// And combines nodes with AND.
func And(nodes ...*Node) *Node { return combineAll(AND, nodes) }

// Or combines nodes with OR.
func Or(nodes ...*Node) *Node { return combineAll(OR, nodes) }

func combineAll(conn Connector, nodes []*Node) *Node {
	out := &Node{Connector: AND}
	for _, n := range nodes {
		out = out.combine(n, conn)
	}
	return out
}

// And returns n AND other.
func (n *Node) And(other *Node) *Node { return n.combine(other, AND) }

// Or returns n OR other.
func (n *Node) Or(other *Node) *Node { return n.combine(other, OR) }

// Not returns the negation of n.
func (n *Node) Not() *Node {
	out := &Node{Connector: AND}
	out.Add(n.Clone(), AND)
	out.Negated = !out.Negated
	return out
}

func (n *Node) combine(other *Node, conn Connector) *Node {
	if other.IsEmpty() {
		return n.Clone()
	}
	if n.IsEmpty() {
		return other.Clone()
	}
	out := &Node{Connector: conn}
	out.Add(n.Clone(), conn)
	out.Add(other.Clone(), conn)
	return out
}

// Add attaches child with conn. Same-connector, non-negated children are
// flattened into n; a connector change pushes the current children down.
func (n *Node) Add(child any, conn Connector) {
	if len(n.Children) == 0 {
		n.Connector = conn
	}
	if n.Connector != conn {
		pushed := &Node{Connector: n.Connector, Negated: n.Negated, Children: n.Children}
		n.Connector = conn
		n.Negated = false
		n.Children = []any{pushed, child}
		return
	}
	if c, ok := child.(*Node); ok && !c.Negated && (c.Connector == conn || len(c.Children) == 1) {
		n.Children = append(n.Children, c.Children...)
		return
	}
	n.Children = append(n.Children, child)
}

// IsEmpty reports whether the node has no children.
func (n *Node) IsEmpty() bool { return n == nil || len(n.Children) == 0 }

// Clone deep-copies the tree. Leaf values are shared.
func (n *Node) Clone() *Node {
	if n == nil {
		return &Node{Connector: AND}
	}
	out := &Node{Connector: n.Connector, Negated: n.Negated, Children: make([]any, len(n.Children))}
	for i, c := range n.Children {
		if child, ok := c.(*Node); ok {
			out.Children[i] = child.Clone()
			continue
		}
		out.Children[i] = c
	}
	return out
}

// FragmentFunc renders one predicate in a dialect.
type FragmentFunc func(field string, op Op, value any) (string, error)

// Render compiles the tree, wrapping multi-child and negated nodes in parentheses.
func (n *Node) Render(fragment FragmentFunc) (string, error) {
	if n == nil {
		return "", nil
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		var (
			s   string
			err error
		)
		switch child := c.(type) {
		case *Node:
			s, err = child.Render(fragment)
		case Leaf:
			var l Lookup
			if l, err = ParseLookup(child.Expr); err == nil {
				s, err = fragment(l.Field, l.Op, child.Value)
			}
		default:
			err = fmt.Errorf("unexpected query tree child %T", c)
		}
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	out := strings.Join(parts, " "+string(n.Connector)+" ")
	if out == "" {
		return "", nil
	}
	switch {
	case n.Negated:
		out = "NOT (" + out + ")"
	case len(n.Children) != 1:
		out = "(" + out + ")"
	}
	return out, nil
}

// Walk visits every leaf with whether it sits under an odd number of negations.
func (n *Node) Walk(fn func(leaf Leaf, negated bool)) {
	n.walk(false, fn)
}

func (n *Node) walk(negated bool, fn func(Leaf, bool)) {
	if n == nil {
		return
	}
	negated = negated != n.Negated
	for _, c := range n.Children {
		switch child := c.(type) {
		case *Node:
			child.walk(negated, fn)
		case Leaf:
			fn(child, negated)
		}
	}
}
