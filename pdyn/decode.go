package pdyn

import (
	"github.com/pkg/errors"
	"golang.org/x/tools/container/intsets"
)

// basicBlock is a maximal straight-line instruction range. A block ends at
// (and includes) a branch, a return, or the instruction immediately
// preceding another leader.
type basicBlock struct {
	startOffset int
	instrs      []Instr
	succs       []int
	preds       []int
}

func (bb *basicBlock) terminator() Instr { return bb.instrs[len(bb.instrs)-1] }

// cfg is the decoded block partition of one code object. order lists block
// start offsets ascending; block ranges partition the instruction stream.
type cfg struct {
	blocks map[int]*basicBlock
	order  []int
	entry  int
	instrs []Instr
}

// buildCFG linearly decodes code, detects leaders, splits blocks and wires
// successor and predecessor edges.
func buildCFG(code *Code) (*cfg, error) {
	instrs := code.Instrs
	if len(instrs) == 0 {
		return nil, errors.Errorf("%s: empty code object", code.Name)
	}
	offsetIndex := make(map[int]int, len(instrs))
	for i, in := range instrs {
		offsetIndex[in.Offset] = i
	}

	// Leaders: the first instruction, every branch target, and every
	// instruction immediately following a branch or return.
	var leaders intsets.Sparse
	leaders.Insert(instrs[0].Offset)
	for i, in := range instrs {
		if in.Op.isJump() {
			target, ok := in.Argval.(int)
			if !ok {
				return nil, errors.Errorf("%s: %s at offset %d has non-integer target",
					code.Name, in.Op, in.Offset)
			}
			if _, known := offsetIndex[target]; !known {
				return nil, errors.Errorf("%s: %s at offset %d targets unknown offset %d",
					code.Name, in.Op, in.Offset, target)
			}
			leaders.Insert(target)
		}
		if (in.Op.isJump() || in.Op.isReturn()) && i+1 < len(instrs) {
			leaders.Insert(instrs[i+1].Offset)
		}
	}

	c := &cfg{
		blocks: map[int]*basicBlock{},
		entry:  instrs[0].Offset,
		instrs: instrs,
	}
	for i := 0; i < len(instrs); {
		start := instrs[i].Offset
		end := i + 1
		for end < len(instrs) && !leaders.Has(instrs[end].Offset) {
			end++
		}
		bb := &basicBlock{startOffset: start, instrs: instrs[i:end]}
		c.blocks[start] = bb
		c.order = append(c.order, start)
		i = end
	}

	// Successor edges from each terminator. Predecessors are filled as the
	// exact inverse, in ascending block order so downstream consumers see a
	// deterministic merge order.
	for _, start := range c.order {
		bb := c.blocks[start]
		last := bb.terminator()
		lastIdx := offsetIndex[last.Offset]
		fallthroughTo := func() {
			if lastIdx+1 < len(instrs) {
				off := instrs[lastIdx+1].Offset
				if _, ok := c.blocks[off]; ok {
					bb.succs = append(bb.succs, off)
				}
			}
		}
		switch {
		case last.Op.isReturn():
			// no successors
		case last.Op.isJump():
			target := last.Argval.(int)
			if _, ok := c.blocks[target]; !ok {
				return nil, errors.Errorf("%s: jump target %d is not a block leader", code.Name, target)
			}
			bb.succs = append(bb.succs, target)
			if last.Op.isCondJump() {
				fallthroughTo()
			}
		default:
			fallthroughTo()
		}
	}
	for _, start := range c.order {
		for _, s := range c.blocks[start].succs {
			succ, ok := c.blocks[s]
			if !ok {
				return nil, errors.Errorf("%s: successor %d is not a registered block", code.Name, s)
			}
			succ.preds = append(succ.preds, start)
		}
	}
	return c, nil
}

// flatten concatenates block instruction ranges in ascending order,
// reproducing the original instruction stream.
func (c *cfg) flatten() []Instr {
	out := make([]Instr, 0, len(c.instrs))
	for _, start := range c.order {
		out = append(out, c.blocks[start].instrs...)
	}
	return out
}

// backEdge returns the first branch whose target does not move forward.
// The supported control shapes are loop-free, so any such edge makes the
// function untraceable.
func (c *cfg) backEdge() (Instr, bool) {
	for _, in := range c.instrs {
		if !in.Op.isJump() {
			continue
		}
		if target, ok := in.Argval.(int); ok && target <= in.Offset {
			return in, true
		}
	}
	return Instr{}, false
}

// reversePostorder yields the block offsets reachable from the entry, every
// block after all of its (forward-edge) predecessors. With a loop-free CFG
// this is a topological order.
func (c *cfg) reversePostorder() []int {
	var visited intsets.Sparse
	var post []int
	var walk func(off int)
	walk = func(off int) {
		if !visited.Insert(off) {
			return
		}
		for _, s := range c.blocks[off].succs {
			walk(s)
		}
		post = append(post, off)
	}
	walk(c.entry)
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}
