package pdyn

import (
	"fmt"
	"strings"
)

// nodeOp enumerates IR value kinds.
type nodeOp int

const (
	nodePlaceholder nodeOp = iota
	nodeConst
	nodeGetLocal
	nodeStoreFast
	nodeGetAttr
	nodeGetIndex
	nodeCallFunction
	nodeDeref
	nodeOutput
	nodeGuard // reserved
)

var nodeOpNames = [...]string{
	nodePlaceholder:  "placeholder",
	nodeConst:        "const",
	nodeGetLocal:     "get_local",
	nodeStoreFast:    "store_fast",
	nodeGetAttr:      "get_attr",
	nodeGetIndex:     "get_index",
	nodeCallFunction: "call_function",
	nodeDeref:        "deref",
	nodeOutput:       "output",
	nodeGuard:        "guard",
}

func (op nodeOp) String() string { return nodeOpNames[op] }

// node is a single IR value. Nodes are created by createNode, owned by
// exactly one graph, and never mutated afterwards. args and kwargs hold
// *node references, nested []any containers of such, or plain literals;
// the executor distinguishes by runtime type.
type node struct {
	op     nodeOp
	target any
	args   []any
	kwargs map[string]any
	name   string
	index  int
}

func (n *node) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%%%d = %s(target=%s, name=%s, args=%s)",
		n.index, n.op, shortString(n.target), n.name, shortArgs(n.args))
}

func shortArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if an, ok := a.(*node); ok && an != nil {
			parts[i] = fmt.Sprintf("%%%d", an.index)
			continue
		}
		parts[i] = shortString(a)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// graph is an append-only ordered node sequence. The order is the
// topological order produced by the symbolic interpreter and is the order
// the executor evaluates in.
type graph struct {
	nodes []*node
}

func newGraph() *graph { return &graph{} }

// createNode appends a node and returns it.
func (g *graph) createNode(op nodeOp, target any, args []any, kwargs map[string]any, name string) *node {
	n := &node{op: op, target: target, args: args, kwargs: kwargs, name: name, index: len(g.nodes)}
	g.nodes = append(g.nodes, n)
	return n
}

// placeholders returns the placeholder subsequence in argument order.
func (g *graph) placeholders() []*node {
	var out []*node
	for _, n := range g.nodes {
		if n.op == nodePlaceholder {
			out = append(out, n)
		}
	}
	return out
}

// output returns the unique output node, or nil if the graph has none.
func (g *graph) output() *node {
	for _, n := range g.nodes {
		if n.op == nodeOutput {
			return n
		}
	}
	return nil
}

func (g *graph) String() string {
	var b strings.Builder
	b.WriteString("graph(\n")
	for _, n := range g.nodes {
		b.WriteString("  ")
		b.WriteString(n.String())
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}
