package pdyn

import (
	"github.com/pkg/errors"
)

// Known pure host functions. The symbolic interpreter snapshots these into
// call_function targets, so their pointer identity must be stable for the
// life of the process.
var (
	builtinAdd = NewBuiltin("add", func(args []any, _ map[string]any) (any, error) {
		return binaryAdd(args[0], args[1])
	})
	builtinSub = NewBuiltin("sub", func(args []any, _ map[string]any) (any, error) {
		return binaryArith("sub", args[0], args[1])
	})
	builtinMul = NewBuiltin("mul", func(args []any, _ map[string]any) (any, error) {
		return binaryArith("mul", args[0], args[1])
	})
	builtinDiv = NewBuiltin("div", func(args []any, _ map[string]any) (any, error) {
		return binaryArith("div", args[0], args[1])
	})
	builtinGt = NewBuiltin("gt", func(args []any, _ map[string]any) (any, error) {
		return compareNumbers(args[0], args[1], func(l, r float64) bool { return l > r })
	})
	builtinLt = NewBuiltin("lt", func(args []any, _ map[string]any) (any, error) {
		return compareNumbers(args[0], args[1], func(l, r float64) bool { return l < r })
	})
	builtinLen = NewBuiltin("len", func(args []any, _ map[string]any) (any, error) {
		switch x := args[0].(type) {
		case []any:
			return len(x), nil
		case map[string]any:
			return len(x), nil
		case string:
			return len(x), nil
		}
		return nil, errors.Errorf("object of type %T has no len()", args[0])
	})

	// makeList builds a list from its arguments (BUILD_LIST). list copies
	// an existing sequence (star slot of UNPACK_EX). The two arities are
	// distinct callables so both replay without ambiguity.
	builtinMakeList = NewBuiltin("make_list", func(args []any, _ map[string]any) (any, error) {
		out := make([]any, len(args))
		copy(out, args)
		return out, nil
	})
	builtinList = NewBuiltin("list", func(args []any, _ map[string]any) (any, error) {
		seq, ok := args[0].([]any)
		if !ok {
			return nil, errors.Errorf("list() argument must be a sequence, not %T", args[0])
		}
		out := make([]any, len(seq))
		copy(out, seq)
		return out, nil
	})
	builtinDict = NewBuiltin("dict", func(args []any, _ map[string]any) (any, error) {
		pairs, ok := args[0].([]any)
		if !ok {
			return nil, errors.Errorf("dict() argument must be a pair sequence, not %T", args[0])
		}
		out := make(map[string]any, len(pairs))
		for _, p := range pairs {
			kv, ok := p.([]any)
			if !ok || len(kv) != 2 {
				return nil, errors.New("dict() pair sequence is malformed")
			}
			k, ok := kv[0].(string)
			if !ok {
				return nil, errors.Errorf("dict() keys must be strings, not %T", kv[0])
			}
			out[k] = kv[1]
		}
		return out, nil
	})

	// phiSelect reconciles divergent branch definitions: cond picks the
	// first value when truthy, the second otherwise.
	builtinPhiSelect = NewBuiltin("phi_select", func(args []any, _ map[string]any) (any, error) {
		if truthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil
	})

	// apply invokes an opaque callable: (callable, args...) plus kwargs.
	builtinApply = NewBuiltin("apply", func(args []any, kwargs map[string]any) (any, error) {
		c, ok := args[0].(Callable)
		if !ok {
			return nil, errors.Errorf("%s object is not callable", shortString(args[0]))
		}
		return c.Call(args[1:], kwargs)
	})

	// applyEx invokes a callable with an argument sequence and an optional
	// kwargs map, the replay form of CALL_EX.
	builtinApplyEx = NewBuiltin("apply_ex", func(args []any, _ map[string]any) (any, error) {
		c, ok := args[0].(Callable)
		if !ok {
			return nil, errors.Errorf("%s object is not callable", shortString(args[0]))
		}
		seq, ok := args[1].([]any)
		if !ok {
			return nil, errors.Errorf("argument sequence must be a list, not %T", args[1])
		}
		var kw map[string]any
		if args[2] != nil {
			if kw, ok = args[2].(map[string]any); !ok {
				return nil, errors.Errorf("keyword map must be a map, not %T", args[2])
			}
		}
		return c.Call(seq, kw)
	})
)

// binopTargets maps arithmetic opcodes to their known callables.
var binopTargets = map[Opcode]*Builtin{
	OpBinaryAdd:        builtinAdd,
	OpBinarySubtract:   builtinSub,
	OpBinaryMultiply:   builtinMul,
	OpBinaryTrueDivide: builtinDiv,
}

// StdBuiltins returns the builtin namespace shared by host programs. Each
// call returns a fresh namespace over the same callable identities, so
// global snapshots taken through it stay valid.
func StdBuiltins() *Namespace {
	ns := NewNamespace(nil)
	for _, b := range []*Builtin{
		builtinAdd, builtinSub, builtinMul, builtinDiv,
		builtinGt, builtinLt, builtinLen,
		builtinMakeList, builtinList, builtinDict,
		builtinApply, builtinApplyEx, builtinPhiSelect,
	} {
		ns.Set(b.Name(), b)
	}
	return ns
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func bothInts(l, r any) (int, int, bool) {
	li, ok := l.(int)
	if !ok {
		return 0, 0, false
	}
	ri, ok := r.(int)
	return li, ri, ok
}

// binaryAdd also concatenates strings and lists, the host's notion of +.
func binaryAdd(l, r any) (any, error) {
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return ls + rs, nil
		}
	}
	if ll, ok := l.([]any); ok {
		if rl, ok := r.([]any); ok {
			out := make([]any, 0, len(ll)+len(rl))
			out = append(out, ll...)
			return append(out, rl...), nil
		}
	}
	return binaryArith("add", l, r)
}

// binaryArith is numeric arithmetic: int op int stays int except for true
// division, everything else widens to float64.
func binaryArith(op string, l, r any) (any, error) {
	if li, ri, ok := bothInts(l, r); ok && op != "div" {
		switch op {
		case "add":
			return li + ri, nil
		case "sub":
			return li - ri, nil
		case "mul":
			return li * ri, nil
		}
	}
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, errors.Errorf("unsupported operand types for %s: %T and %T", op, l, r)
	}
	switch op {
	case "add":
		return lf + rf, nil
	case "sub":
		return lf - rf, nil
	case "mul":
		return lf * rf, nil
	case "div":
		if rf == 0 {
			return nil, errors.New("division by zero")
		}
		return lf / rf, nil
	}
	return nil, errors.Errorf("unknown arithmetic op %q", op)
}

func compareNumbers(l, r any, cmp func(l, r float64) bool) (any, error) {
	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, errors.Errorf("unsupported operand types for comparison: %T and %T", l, r)
	}
	return cmp(lf, rf), nil
}

// evalBinop is the direct VM's arithmetic dispatch; it shares semantics
// with the builtin targets the tracer snapshots.
func evalBinop(op Opcode, l, r any) (any, error) {
	switch op {
	case OpBinaryAdd:
		return binaryAdd(l, r)
	case OpBinarySubtract:
		return binaryArith("sub", l, r)
	case OpBinaryMultiply:
		return binaryArith("mul", l, r)
	case OpBinaryTrueDivide:
		return binaryArith("div", l, r)
	}
	return nil, errors.Errorf("not a binary opcode: %s", op)
}
