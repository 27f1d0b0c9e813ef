package pdyn

import "github.com/pkg/errors"

// runGraph evaluates g under the given placeholder bindings and returns the
// value of the output node's first argument. Failures internal to replay
// come back as execError; errors raised by call targets propagate
// unchanged.
func runGraph(g *graph, bindings map[string]any) (any, error) {
	values := make(map[*node]any, len(g.nodes))
	for _, ph := range g.placeholders() {
		if ph.name == "" {
			return nil, internalf(errMissingBinding, "placeholder without a name")
		}
		v, ok := bindings[ph.name]
		if !ok {
			return nil, internalf(errMissingBinding, "placeholder %q", ph.name)
		}
		values[ph] = v
	}

	var resolve func(a any) (any, error)
	resolve = func(a any) (any, error) {
		switch x := a.(type) {
		case *node:
			v, ok := values[x]
			if !ok {
				return nil, internalf(errNotEvaluated, "%s", x)
			}
			return v, nil
		case []any:
			out := make([]any, len(x))
			for i, e := range x {
				v, err := resolve(e)
				if err != nil {
					return nil, err
				}
				out[i] = v
			}
			return out, nil
		case map[string]any:
			out := make(map[string]any, len(x))
			for k, e := range x {
				v, err := resolve(e)
				if err != nil {
					return nil, err
				}
				out[k] = v
			}
			return out, nil
		}
		return a, nil
	}

	for _, n := range g.nodes {
		switch n.op {
		case nodePlaceholder:
			// bound above

		case nodeConst:
			values[n] = n.target

		case nodeCallFunction:
			target, ok := n.target.(Callable)
			if !ok {
				return nil, internalf(errUnsupportedOp, "call_function target %s", shortString(n.target))
			}
			args := make([]any, len(n.args))
			for i, a := range n.args {
				v, err := resolve(a)
				if err != nil {
					return nil, err
				}
				args[i] = v
			}
			var kwargs map[string]any
			if len(n.kwargs) > 0 {
				kwargs = make(map[string]any, len(n.kwargs))
				for k, a := range n.kwargs {
					v, err := resolve(a)
					if err != nil {
						return nil, err
					}
					kwargs[k] = v
				}
			}
			v, err := target.Call(args, kwargs)
			if err != nil {
				return nil, err
			}
			values[n] = v

		case nodeGetAttr:
			base, err := resolve(n.args[0])
			if err != nil {
				return nil, err
			}
			v, err := getAttr(base, n.target.(string))
			if err != nil {
				return nil, err
			}
			values[n] = v

		case nodeGetIndex:
			base, err := resolve(n.args[0])
			if err != nil {
				return nil, err
			}
			seq, ok := base.([]any)
			if !ok {
				return nil, errors.Errorf("%T object is not subscriptable", base)
			}
			i := n.target.(int)
			if i < 0 {
				i += len(seq)
			}
			if i < 0 || i >= len(seq) {
				return nil, errors.New("list index out of range")
			}
			values[n] = seq[i]

		case nodeGetLocal:
			// debug path: the symbolic interpreter resolves locals through
			// its local map, so this is rarely live
			values[n] = n.target

		case nodeStoreFast, nodeGuard:
			// no executor effect; downstream nodes must not reference them

		case nodeOutput:
			return resolve(n.args[0])

		default:
			return nil, internalf(errUnsupportedOp, "%s", n.op)
		}
	}
	return nil, internalf(errUnsupportedOp, "no output node found")
}
