package pdyn

// Shared host program constructions used across the package tests.

func testGlobals() *Namespace { return NewNamespace(StdBuiltins()) }

// simpleForward is (x*scale + bias) + 1.0, pure binops, no globals.
func simpleForward(globals *Namespace) *Function {
	c := NewCode("simple_forward", "x", "scale", "bias")
	c.Emit(OpLoadFast, "x")
	c.Emit(OpLoadFast, "scale")
	c.Emit(OpBinaryMultiply, nil)
	c.Emit(OpLoadFast, "bias")
	c.Emit(OpBinaryAdd, nil)
	c.Emit(OpLoadConst, 1.0)
	c.Emit(OpBinaryAdd, nil)
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}

// controlFlowForward is
//
//	z = x + y
//	cond = gt(z, 10)
//	if cond { z = z * 2 } else { z = z + 5 }
//	return z
//
// The condition is stored under the conventional name the tracer probes
// when it needs a φ-selector.
func controlFlowForward(globals *Namespace) *Function {
	c := NewCode("control_flow_forward", "x", "y")
	c.Emit(OpLoadFast, "x")
	c.Emit(OpLoadFast, "y")
	c.Emit(OpBinaryAdd, nil)
	c.Emit(OpStoreFast, "z")
	c.Emit(OpLoadGlobal, "gt")
	c.Emit(OpLoadFast, "z")
	c.Emit(OpLoadConst, 10)
	c.Emit(OpCall, 2)
	c.Emit(OpStoreFast, "cond")
	c.Emit(OpLoadFast, "cond")
	branch := c.Emit(OpPopJumpIfFalse, 0)
	// then: z = z * 2
	c.Emit(OpLoadFast, "z")
	c.Emit(OpLoadConst, 2)
	c.Emit(OpBinaryMultiply, nil)
	c.Emit(OpStoreFast, "z")
	exit := c.Emit(OpJump, 0)
	// else: z = z + 5
	c.PatchJump(branch, c.NextOffset())
	c.Emit(OpLoadFast, "z")
	c.Emit(OpLoadConst, 5)
	c.Emit(OpBinaryAdd, nil)
	c.Emit(OpStoreFast, "z")
	// join
	c.PatchJump(exit, c.NextOffset())
	c.Emit(OpLoadFast, "z")
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}

// callsHelper is return helper(x, y), resolving helper through globals.
func callsHelper(globals *Namespace) *Function {
	c := NewCode("calls_helper", "x", "y")
	c.Emit(OpLoadGlobal, "helper")
	c.Emit(OpLoadFast, "x")
	c.Emit(OpLoadFast, "y")
	c.Emit(OpCall, 2)
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}

// closureAdd is return x + k where k is closed over.
func closureAdd(globals *Namespace, k *Cell) *Function {
	c := NewCode("closure_add", "x")
	c.FreeVars = []string{"k"}
	c.Emit(OpLoadFast, "x")
	c.Emit(OpLoadDeref, "k")
	c.Emit(OpBinaryAdd, nil)
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, map[string]*Cell{"k": k})
}

// timesPi is return math.pi * x, reading pi off a module global.
func timesPi(globals *Namespace) *Function {
	c := NewCode("times_pi", "x")
	c.Emit(OpLoadGlobal, "math")
	c.Emit(OpLoadAttr, "pi")
	c.Emit(OpLoadFast, "x")
	c.Emit(OpBinaryMultiply, nil)
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}

// iterates touches GET_ITER, which is outside the traceable family.
func iterates(globals *Namespace) *Function {
	c := NewCode("iterates", "xs")
	c.Emit(OpLoadFast, "xs")
	c.Emit(OpGetIter, nil)
	c.Emit(OpPopTop, nil)
	c.Emit(OpLoadConst, 1)
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}

// sumList is a FOR_ITER loop: the direct VM runs it, the tracer rejects
// its back-edge.
func sumList(globals *Namespace) *Function {
	c := NewCode("sum_list", "xs")
	c.Emit(OpLoadConst, 0)
	c.Emit(OpStoreFast, "total")
	c.Emit(OpLoadFast, "xs")
	c.Emit(OpGetIter, nil)
	loop := c.NextOffset()
	forIter := c.Emit(OpForIter, 0)
	c.Emit(OpStoreFast, "v")
	c.Emit(OpLoadFast, "total")
	c.Emit(OpLoadFast, "v")
	c.Emit(OpBinaryAdd, nil)
	c.Emit(OpStoreFast, "total")
	c.Emit(OpJump, loop)
	c.PatchJump(forIter, c.NextOffset())
	c.Emit(OpLoadFast, "total")
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}

// constBody is an empty body returning a constant.
func constBody(globals *Namespace) *Function {
	c := NewCode("const_body")
	c.Emit(OpLoadConst, 42)
	c.Emit(OpReturnValue, nil)
	return NewFunction(c, globals, nil)
}
