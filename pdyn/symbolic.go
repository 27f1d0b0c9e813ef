package pdyn

import (
	"fmt"
	"sort"

	"golang.org/x/tools/container/intsets"
)

// condLocal is the conventional local name probed for a φ-selector
// condition: the last boolean a conditional branch consumed, when the
// traced program stored it under this name.
const condLocal = "cond"

// tracer symbolically executes a function's bytecode over its CFG and
// accumulates the dataflow graph and the guards that justify specializing
// against the observed configuration.
type tracer struct {
	g       *graph
	fn      *Function
	guards  []guardRecord
	closed  map[string]any // closure cell snapshots taken at trace time
	aborted bool
}

// traceFunction decodes fn, walks its CFG in reverse postorder and returns
// the dataflow graph plus guard records. An unsupported opcode or control
// shape does not fail the trace: it leaves an unhandled_opcode sentinel in
// the guard list, which the cache turns into a permanent-delegation entry.
func traceFunction(fn *Function) (*graph, []guardRecord, error) {
	c, err := buildCFG(fn.code)
	if err != nil {
		return nil, nil, err
	}
	t := &tracer{g: newGraph(), fn: fn, closed: map[string]any{}}

	for _, name := range fn.code.FreeVars {
		if cell, ok := fn.cells[name]; ok {
			if v, set := cell.Get(); set {
				t.closed[name] = v
			}
		}
	}
	// The entry in-state maps every formal parameter to its placeholder,
	// so parameter reads resolve through the local map instead of
	// degrading to get_local.
	entryState := map[string]*node{}
	for _, p := range fn.code.Params {
		entryState[p] = t.g.createNode(nodePlaceholder, p, nil, nil, p)
	}

	if in, ok := c.backEdge(); ok {
		// loops are outside the supported family
		t.abort(in.Op.String(), in.Offset)
		return t.g, t.guards, nil
	}

	outStates := map[int]map[string]*node{}
	var visited intsets.Sparse
	sawReturn := false
	for _, off := range c.reversePostorder() {
		bb := c.blocks[off]
		state := t.mergeIn(bb, outStates, &visited)
		if off == c.entry {
			state = entryState
		}
		out := t.runBlock(bb, state, &sawReturn)
		if t.aborted {
			break
		}
		outStates[off] = out
		visited.Insert(off)
	}
	return t.g, t.guards, nil
}

func (t *tracer) abort(opname string, offset int) {
	t.guards = append(t.guards, guardRecord{kind: guardUnhandledOpcode, name: opname, offset: offset})
	t.aborted = true
}

// mergeIn computes a block's in-state from the out-states of its already
// visited predecessors. Names every predecessor agrees on merge first, so
// an agreed condition local is visible when divergent names need a
// φ-selector.
func (t *tracer) mergeIn(bb *basicBlock, outStates map[int]map[string]*node, visited *intsets.Sparse) map[string]*node {
	var preds []map[string]*node
	for _, p := range bb.preds {
		if visited.Has(p) {
			if s, ok := outStates[p]; ok {
				preds = append(preds, s)
			}
		}
	}
	state := map[string]*node{}
	if len(preds) == 0 {
		return state
	}
	if len(preds) == 1 {
		for k, v := range preds[0] {
			state[k] = v
		}
		return state
	}

	nameSet := map[string]bool{}
	for _, ps := range preds {
		for k := range ps {
			nameSet[k] = true
		}
	}
	names := make([]string, 0, len(nameSet))
	for k := range nameSet {
		names = append(names, k)
	}
	sort.Strings(names)

	var divergent []string
	for _, k := range names {
		first, ok := preds[0][k]
		agreed := ok
		for _, ps := range preds[1:] {
			v, ok := ps[k]
			if !ok || v != first {
				agreed = false
				break
			}
		}
		if agreed {
			state[k] = first
			continue
		}
		divergent = append(divergent, k)
	}

	for _, k := range divergent {
		var vals []*node // per-pred values, nil for absent
		var distinct []*node
		for _, ps := range preds {
			v := ps[k]
			vals = append(vals, v)
			if v == nil {
				continue
			}
			seen := false
			for _, d := range distinct {
				if d == v {
					seen = true
					break
				}
			}
			if !seen {
				distinct = append(distinct, v)
			}
		}
		allPresent := true
		for _, v := range vals {
			if v == nil {
				allPresent = false
				break
			}
		}
		if allPresent && len(distinct) == 2 {
			if cond := state[condLocal]; cond != nil {
				phi := t.g.createNode(nodeCallFunction, builtinPhiSelect,
					[]any{cond, distinct[0], distinct[1]}, nil, "phi_"+k)
				state[k] = phi
				continue
			}
		}
		// degenerate: keep the first available definition and force
		// fallback at runtime
		for _, v := range vals {
			if v != nil {
				state[k] = v
				break
			}
		}
		t.guards = append(t.guards, guardRecord{kind: guardPhiUnmerged, name: k, candidates: distinct})
	}
	return state
}

// runBlock symbolically executes one block over an abstract value stack,
// threading the local-name map from the in-state to the returned out-state.
func (t *tracer) runBlock(bb *basicBlock, inState map[string]*node, sawReturn *bool) map[string]*node {
	locals := make(map[string]*node, len(inState))
	for k, v := range inState {
		locals[k] = v
	}
	// The abstract stack is per-block: values do not flow across block
	// boundaries. An underflowing pop means the code expects exactly that,
	// so the trace degrades to fallback instead of replaying wrong values.
	var stack []*node
	underflow := false
	push := func(n *node) { stack = append(stack, n) }
	pop := func() *node {
		if len(stack) == 0 {
			underflow = true
			return nil
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return n
	}
	popN := func(n int) []*node {
		out := make([]*node, n)
		for i := n - 1; i >= 0; i-- {
			out[i] = pop()
		}
		return out
	}

	for _, in := range bb.instrs {
		switch in.Op {
		case OpLoadFast:
			name := in.Argval.(string)
			n := locals[name]
			if n == nil {
				n = t.g.createNode(nodeGetLocal, name, nil, nil, name)
			}
			push(n)

		case OpStoreFast:
			name := in.Argval.(string)
			v := pop()
			locals[name] = v
			t.g.createNode(nodeStoreFast, name, []any{v}, nil, name)

		case OpLoadConst:
			c := in.Argval
			push(t.g.createNode(nodeConst, c, nil, nil, shortString(c)))

		case OpLoadGlobal:
			name := in.Argval.(string)
			if v, ok := t.fn.globals.Lookup(name); ok {
				push(t.g.createNode(nodeConst, v, nil, nil, name))
				t.guards = append(t.guards, guardRecord{kind: guardGlobalEq, name: name, value: v})
				break
			}
			// undefined at trace time: keep the name symbolically
			push(t.g.createNode(nodeConst, name, nil, nil, name))

		case OpLoadDeref:
			name := in.Argval.(string)
			if v, ok := t.closed[name]; ok {
				push(t.g.createNode(nodeConst, v, nil, nil, "deref_"+name))
				t.guards = append(t.guards, guardRecord{kind: guardDerefEq, name: name, value: v})
				break
			}
			push(t.g.createNode(nodeDeref, name, nil, nil, name))

		case OpLoadAttr:
			attr := in.Argval.(string)
			base := pop()
			if base != nil && base.op == nodeConst {
				if v, err := getAttr(base.target, attr); err == nil {
					push(t.g.createNode(nodeConst, v, nil, nil, base.name+"."+attr))
					t.guards = append(t.guards, guardRecord{kind: guardAttrEq, base: base, attr: attr, value: v})
					break
				}
			}
			push(t.g.createNode(nodeGetAttr, attr, []any{base}, nil, attr))

		case OpBuildList:
			elems := popN(in.Arg)
			push(t.g.createNode(nodeCallFunction, builtinMakeList, nodesToArgs(elems), nil,
				fmt.Sprintf("list_%d", in.Arg)))

		case OpBuildMap:
			items := popN(2 * in.Arg)
			pairs := make([]any, 0, in.Arg)
			for i := 0; i < len(items); i += 2 {
				pairs = append(pairs, []any{items[i], items[i+1]})
			}
			push(t.g.createNode(nodeCallFunction, builtinDict, []any{pairs}, nil,
				fmt.Sprintf("map_%d", in.Arg)))

		case OpUnpackEx:
			before := in.Arg >> 8
			after := in.Arg & 0xff
			seq := pop()
			for i := 0; i < before; i++ {
				push(t.g.createNode(nodeGetIndex, i, []any{seq}, nil, fmt.Sprintf("unpack_%d", i)))
			}
			// the star rest is a fresh list of seq[before:len(seq)-after]
			rest := NewBuiltin("unpack_rest", func(args []any, _ map[string]any) (any, error) {
				xs, ok := args[0].([]any)
				if !ok || len(xs) < before+after {
					return nil, fmt.Errorf("cannot unpack %s into %d+%d slots", shortString(args[0]), before, after)
				}
				return builtinList.Call([]any{xs[before : len(xs)-after]}, nil)
			})
			push(t.g.createNode(nodeCallFunction, rest, []any{seq}, nil, "unpack_star"))
			for i := 0; i < after; i++ {
				push(t.g.createNode(nodeGetIndex, -(after - i), []any{seq}, nil,
					fmt.Sprintf("unpack_%d", before+i)))
			}

		case OpCall:
			args := popN(in.Arg)
			callee := pop()
			if c, ok := knownCallable(callee); ok {
				push(t.g.createNode(nodeCallFunction, c, nodesToArgs(args), nil, c.Name()))
				break
			}
			push(t.g.createNode(nodeCallFunction, builtinApply,
				nodesToArgs(append([]*node{callee}, args...)), nil, "call_gen"))

		case OpCallKW:
			kwNamesNode := pop()
			var kwNames []string
			if kwNamesNode != nil && kwNamesNode.op == nodeConst {
				kwNames, _ = kwNamesNode.target.([]string)
			}
			raw := popN(in.Arg)
			k := len(kwNames)
			if k > len(raw) {
				// malformed name tuple; treat every argument as positional
				k = 0
			}
			pos := raw[:len(raw)-k]
			kwargs := make(map[string]any, k)
			for i, name := range kwNames[:k] {
				kwargs[name] = raw[len(raw)-k+i]
			}
			callee := pop()
			if c, ok := knownCallable(callee); ok {
				push(t.g.createNode(nodeCallFunction, c, nodesToArgs(pos), kwargs, "call_kw"))
				break
			}
			push(t.g.createNode(nodeCallFunction, builtinApply,
				nodesToArgs(append([]*node{callee}, pos...)), kwargs, "call_kw"))

		case OpCallEx:
			var kwargsNode *node
			if in.Arg&1 != 0 {
				kwargsNode = pop()
			}
			argsNode := pop()
			callee := pop()
			args := []any{callee, argsNode, nil}
			if kwargsNode != nil {
				args[2] = kwargsNode
			}
			push(t.g.createNode(nodeCallFunction, builtinApplyEx, args, nil, "call_ex"))

		case OpBinaryAdd, OpBinarySubtract, OpBinaryMultiply, OpBinaryTrueDivide:
			r := pop()
			l := pop()
			push(t.g.createNode(nodeCallFunction, binopTargets[in.Op], []any{l, r}, nil, "binop"))

		case OpPopJumpIfFalse, OpPopJumpIfTrue:
			cond := pop()
			t.guards = append(t.guards, guardRecord{kind: guardIsBool, base: cond})
			// no node produced: flow is block-level

		case OpJump:
			// flow is block-level

		case OpReturnValue:
			val := pop()
			if underflow {
				t.abort(in.Op.String(), in.Offset)
				return locals
			}
			if *sawReturn {
				// a second reachable return cannot keep the single-output
				// invariant; degrade to fallback
				t.abort(in.Op.String(), in.Offset)
				return locals
			}
			*sawReturn = true
			t.g.createNode(nodeOutput, "output", []any{val}, nil, "return")
			return locals

		case OpPopTop:
			pop()

		default:
			t.abort(in.Op.String(), in.Offset)
			return locals
		}
		if underflow {
			t.abort(in.Op.String(), in.Offset)
			return locals
		}
	}
	return locals
}

// knownCallable reports whether a callee node is a constant snapshot of a
// real callable the replay may invoke directly.
func knownCallable(n *node) (Callable, bool) {
	if n == nil || n.op != nodeConst {
		return nil, false
	}
	c, ok := n.target.(Callable)
	return c, ok
}

func nodesToArgs(nodes []*node) []any {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = n
	}
	return out
}
