package pdyn

// instrSize is the code-unit width of one instruction.
const instrSize = 2

// Code is the bytecode object of a host function. Params lists the parameter
// names in declaration order; every parameter binds positionally or by
// keyword, and there is no keyword-only parameter kind. FreeVars names the
// closed-over cells the function expects.
type Code struct {
	Name     string
	Params   []string
	Defaults map[string]any
	FreeVars []string
	Instrs   []Instr

	offsetIndex map[int]int
}

// NewCode returns an empty code object for name with the given parameters.
func NewCode(name string, params ...string) *Code {
	return &Code{
		Name:        name,
		Params:      params,
		Defaults:    map[string]any{},
		offsetIndex: map[int]int{},
	}
}

// Emit appends one instruction and returns its index. Argval carries the
// opcode payload (a name, a constant, or a jump offset); integer payloads
// are mirrored into Arg for count-style opcodes.
func (c *Code) Emit(op Opcode, argval any) int {
	off := len(c.Instrs) * instrSize
	in := Instr{Offset: off, Op: op, Argval: argval}
	if v, ok := argval.(int); ok {
		in.Arg = v
	}
	if c.offsetIndex == nil {
		c.offsetIndex = map[int]int{}
	}
	c.offsetIndex[off] = len(c.Instrs)
	c.Instrs = append(c.Instrs, in)
	return len(c.Instrs) - 1
}

// PatchJump rewrites the jump target of the instruction at index. Forward
// jumps are emitted with a placeholder and patched once the target offset
// is known.
func (c *Code) PatchJump(index, offset int) {
	c.Instrs[index].Argval = offset
	c.Instrs[index].Arg = offset
}

// NextOffset returns the offset the next emitted instruction will get.
func (c *Code) NextOffset() int { return len(c.Instrs) * instrSize }

// indexOf maps a bytecode offset back to an instruction index.
func (c *Code) indexOf(offset int) (int, bool) {
	i, ok := c.offsetIndex[offset]
	return i, ok
}

// paramSet reports whether name is a formal parameter.
func (c *Code) paramSet() map[string]bool {
	m := make(map[string]bool, len(c.Params))
	for _, p := range c.Params {
		m[p] = true
	}
	return m
}
