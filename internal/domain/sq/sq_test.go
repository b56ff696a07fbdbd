package sq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kailas-cloud/needle/internal/domain"
)

// frag renders content lookups bare and others as field:op(value), each in parentheses.
func frag(field string, op Op, value any) (string, error) {
	if field == ContentField {
		return fmt.Sprintf("(%v)", value), nil
	}
	return fmt.Sprintf("%s:(%s %v)", field, op, value), nil
}

func render(t *testing.T, n *Node) string {
	t.Helper()
	s, err := n.Render(frag)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	return s
}

func TestParseLookup(t *testing.T) {
	tests := []struct {
		expr string
		want Lookup
	}{
		{"content", Lookup{"content", OpContent}},
		{"title", Lookup{"title", OpContent}},
		{"pub_date__lte", Lookup{"pub_date", OpLTE}},
		{"id__in", Lookup{"id", OpIn}},
		{"title__startswith", Lookup{"title", OpStartsWith}},
	}
	for _, tt := range tests {
		got, err := ParseLookup(tt.expr)
		if err != nil {
			t.Errorf("ParseLookup(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLookup(%q) = %+v, want %+v", tt.expr, got, tt.want)
		}
	}

	for _, bad := range []string{"title__bogus", "__exact", ""} {
		if _, err := ParseLookup(bad); !errors.Is(err, domain.ErrField) {
			t.Errorf("ParseLookup(%q): expected ErrField, got %v", bad, err)
		}
	}
}

func TestRender(t *testing.T) {
	hello := Q("content", "hello")
	world := Q("content", "world")
	tests := []struct {
		name string
		node *Node
		want string
	}{
		{"single", hello, "(hello)"},
		{"and", hello.And(world), "((hello) AND (world))"},
		{"or", hello.Or(world), "((hello) OR (world))"},
		{"not", hello.Not(), "NOT ((hello))"},
		{"not not", hello.Not().Not(), "NOT (NOT ((hello)))"},
		{"and flattens", And(hello, world, Q("content", "x")), "((hello) AND (world) AND (x))"},
		{"mixed", hello.Or(world).And(Q("title", "t").Not()), "(((hello) OR (world)) AND NOT (title:(content t)))"},
		{"not or", hello.Or(world).Not(), "NOT (((hello) OR (world)))"},
		{"and with empty", hello.And(&Node{}), "(hello)"},
		{"empty", &Node{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := render(t, tt.node); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_UnknownOp(t *testing.T) {
	_, err := Q("title__nope", "x").Render(frag)
	if !errors.Is(err, domain.ErrField) {
		t.Errorf("expected ErrField, got %v", err)
	}
}

func TestClone_RendersIdentically(t *testing.T) {
	trees := []*Node{
		Q("content", "a"),
		Q("content", "a").And(Q("b__gt", 3)).Or(Q("c__in", []any{1, 2}).Not()),
		Or(Q("x", "1"), Q("y", "2")).Not().And(Q("z", "3")),
	}
	for _, tree := range trees {
		c := tree.Clone()
		if render(t, tree) != render(t, c) {
			t.Errorf("clone renders differently: %q vs %q", render(t, tree), render(t, c))
		}
		c.Children = append(c.Children, Leaf{Expr: "extra", Value: 1})
		if len(c.Children) == len(tree.Children) {
			t.Error("clone shares children with original")
		}
	}
}

func TestNot_DoesNotMutate(t *testing.T) {
	a := Q("content", "a")
	_ = a.Not()
	if a.Negated {
		t.Error("Not() mutated the receiver")
	}
}

func TestAdd_ConnectorChangePushesDown(t *testing.T) {
	root := &Node{Connector: AND}
	root.Add(Q("content", "a").Not(), AND)
	root.Add(Q("content", "b"), OR)
	if got := render(t, root); got != "(NOT ((a)) OR (b))" {
		t.Errorf("got %q", got)
	}
}

func TestWalk(t *testing.T) {
	tree := Q("content", "a").And(Q("content", "b").Not()).And(Q("content", "c").Not().Not())
	got := map[any]bool{}
	tree.Walk(func(l Leaf, negated bool) { got[l.Value] = negated })
	want := map[any]bool{"a": false, "b": true, "c": false}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("leaf %v negated=%v, want %v", k, got[k], v)
		}
	}
}
