package pdyn

import (
	"github.com/pkg/errors"
)

// listIterator drives FOR_ITER over host lists.
type listIterator struct {
	items []any
	i     int
}

func (it *listIterator) next() (any, bool) {
	if it.i >= len(it.items) {
		return nil, false
	}
	v := it.items[it.i]
	it.i++
	return v, true
}

// evalCode executes a function's bytecode directly, with real control flow.
// It is the reference semantics the tracer specializes against, and the
// delegation target whenever a trace cannot be used.
func evalCode(fn *Function, locals map[string]any) (any, error) {
	code := fn.code
	instrs := code.Instrs
	offsetIndex := make(map[int]int, len(instrs))
	for i, in := range instrs {
		offsetIndex[in.Offset] = i
	}
	jump := func(in Instr) (int, error) {
		target, ok := in.Argval.(int)
		if !ok {
			return 0, errors.Errorf("%s at offset %d has non-integer target", in.Op, in.Offset)
		}
		i, ok := offsetIndex[target]
		if !ok {
			return 0, errors.Errorf("%s at offset %d targets unknown offset %d", in.Op, in.Offset, target)
		}
		return i, nil
	}

	var stack []any
	push := func(v any) { stack = append(stack, v) }
	pop := func() (any, error) {
		if len(stack) == 0 {
			return nil, errors.New("value stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}
	popN := func(n int) ([]any, error) {
		if len(stack) < n {
			return nil, errors.New("value stack underflow")
		}
		out := make([]any, n)
		copy(out, stack[len(stack)-n:])
		stack = stack[:len(stack)-n]
		return out, nil
	}

	for pc := 0; pc < len(instrs); pc++ {
		in := instrs[pc]
		switch in.Op {
		case OpLoadFast:
			name := in.Argval.(string)
			v, ok := locals[name]
			if !ok {
				return nil, errors.Errorf("local %q referenced before assignment", name)
			}
			push(v)

		case OpStoreFast:
			v, err := pop()
			if err != nil {
				return nil, err
			}
			locals[in.Argval.(string)] = v

		case OpLoadConst:
			push(in.Argval)

		case OpLoadGlobal:
			name := in.Argval.(string)
			v, ok := fn.globals.Lookup(name)
			if !ok {
				return nil, errors.Errorf("name %q is not defined", name)
			}
			push(v)

		case OpLoadDeref:
			name := in.Argval.(string)
			cell, ok := fn.cells[name]
			if !ok {
				return nil, errors.Errorf("no cell for free variable %q", name)
			}
			v, set := cell.Get()
			if !set {
				return nil, errors.Errorf("free variable %q referenced before assignment", name)
			}
			push(v)

		case OpLoadAttr:
			base, err := pop()
			if err != nil {
				return nil, err
			}
			v, err := getAttr(base, in.Argval.(string))
			if err != nil {
				return nil, err
			}
			push(v)

		case OpBuildList:
			elems, err := popN(in.Arg)
			if err != nil {
				return nil, err
			}
			push(elems)

		case OpBuildMap:
			items, err := popN(2 * in.Arg)
			if err != nil {
				return nil, err
			}
			m := make(map[string]any, in.Arg)
			for i := 0; i < len(items); i += 2 {
				k, ok := items[i].(string)
				if !ok {
					return nil, errors.Errorf("map keys must be strings, not %T", items[i])
				}
				m[k] = items[i+1]
			}
			push(m)

		case OpUnpackEx:
			before := in.Arg >> 8
			after := in.Arg & 0xff
			v, err := pop()
			if err != nil {
				return nil, err
			}
			seq, ok := v.([]any)
			if !ok {
				return nil, errors.Errorf("cannot unpack %T", v)
			}
			if len(seq) < before+after {
				return nil, errors.Errorf("not enough values to unpack (expected at least %d, got %d)",
					before+after, len(seq))
			}
			// Slots are pushed left to right: pre-star elements, the star
			// rest as a fresh list, then post-star elements. Stores written
			// after the unpack consume them right to left.
			for i := 0; i < before; i++ {
				push(seq[i])
			}
			rest := make([]any, len(seq)-before-after)
			copy(rest, seq[before:len(seq)-after])
			push(rest)
			for i := 0; i < after; i++ {
				push(seq[len(seq)-after+i])
			}

		case OpCall:
			args, err := popN(in.Arg)
			if err != nil {
				return nil, err
			}
			callee, err := pop()
			if err != nil {
				return nil, err
			}
			c, ok := callee.(Callable)
			if !ok {
				return nil, errors.Errorf("%s object is not callable", shortString(callee))
			}
			v, err := c.Call(args, nil)
			if err != nil {
				return nil, err
			}
			push(v)

		case OpCallKW:
			namesVal, err := pop()
			if err != nil {
				return nil, err
			}
			kwNames, ok := namesVal.([]string)
			if !ok {
				return nil, errors.Errorf("CALL_KW expects a name tuple, got %T", namesVal)
			}
			raw, err := popN(in.Arg)
			if err != nil {
				return nil, err
			}
			callee, err := pop()
			if err != nil {
				return nil, err
			}
			c, ok := callee.(Callable)
			if !ok {
				return nil, errors.Errorf("%s object is not callable", shortString(callee))
			}
			k := len(kwNames)
			if k > len(raw) {
				return nil, errors.New("CALL_KW keyword names exceed argument count")
			}
			kwargs := make(map[string]any, k)
			for i, name := range kwNames {
				kwargs[name] = raw[len(raw)-k+i]
			}
			v, err := c.Call(raw[:len(raw)-k], kwargs)
			if err != nil {
				return nil, err
			}
			push(v)

		case OpCallEx:
			var kwargs map[string]any
			if in.Arg&1 != 0 {
				kv, err := pop()
				if err != nil {
					return nil, err
				}
				if kv != nil {
					m, ok := kv.(map[string]any)
					if !ok {
						return nil, errors.Errorf("keyword map must be a map, not %T", kv)
					}
					kwargs = m
				}
			}
			av, err := pop()
			if err != nil {
				return nil, err
			}
			args, ok := av.([]any)
			if !ok {
				return nil, errors.Errorf("argument sequence must be a list, not %T", av)
			}
			callee, err := pop()
			if err != nil {
				return nil, err
			}
			c, ok := callee.(Callable)
			if !ok {
				return nil, errors.Errorf("%s object is not callable", shortString(callee))
			}
			v, err := c.Call(args, kwargs)
			if err != nil {
				return nil, err
			}
			push(v)

		case OpBinaryAdd, OpBinarySubtract, OpBinaryMultiply, OpBinaryTrueDivide:
			r, err := pop()
			if err != nil {
				return nil, err
			}
			l, err := pop()
			if err != nil {
				return nil, err
			}
			v, err := evalBinop(in.Op, l, r)
			if err != nil {
				return nil, err
			}
			push(v)

		case OpPopJumpIfFalse, OpPopJumpIfTrue:
			cond, err := pop()
			if err != nil {
				return nil, err
			}
			taken := truthy(cond)
			if in.Op == OpPopJumpIfFalse {
				taken = !taken
			}
			if taken {
				i, err := jump(in)
				if err != nil {
					return nil, err
				}
				pc = i - 1
			}

		case OpJump:
			i, err := jump(in)
			if err != nil {
				return nil, err
			}
			pc = i - 1

		case OpGetIter:
			v, err := pop()
			if err != nil {
				return nil, err
			}
			seq, ok := v.([]any)
			if !ok {
				return nil, errors.Errorf("%T object is not iterable", v)
			}
			push(&listIterator{items: seq})

		case OpForIter:
			if len(stack) == 0 {
				return nil, errors.New("value stack underflow")
			}
			it, ok := stack[len(stack)-1].(*listIterator)
			if !ok {
				return nil, errors.Errorf("FOR_ITER on non-iterator %T", stack[len(stack)-1])
			}
			if v, ok := it.next(); ok {
				push(v)
				break
			}
			// exhausted: drop the iterator and branch past the loop
			stack = stack[:len(stack)-1]
			i, err := jump(in)
			if err != nil {
				return nil, err
			}
			pc = i - 1

		case OpReturnValue:
			return pop()

		case OpPopTop:
			if _, err := pop(); err != nil {
				return nil, err
			}

		default:
			return nil, errors.Errorf("direct eval: unknown opcode %s at offset %d", in.Op, in.Offset)
		}
	}
	return nil, errors.Errorf("%s: code fell off the end without returning", code.Name)
}
