package vm

// Coalescer runs a union-find merge over an SsaFunction's values, driven
// by each instruction's Kind.Identify hook. Two SSA values that end
// up in the same set are candidates for sharing one physical register at
// the x64 JIT boundary; block parameters and their incoming arguments are
// pre-unioned before any hook runs, since a block parameter is always the
// same storage location as whatever its predecessors pass for it.
type Coalescer struct {
	parent map[SSAValueID]SSAValueID
	rank   map[SSAValueID]int
}

func newCoalescer() *Coalescer {
	return &Coalescer{parent: map[SSAValueID]SSAValueID{}, rank: map[SSAValueID]int{}}
}

func (c *Coalescer) find(v SSAValueID) SSAValueID {
	p, ok := c.parent[v]
	if !ok {
		c.parent[v] = v
		return v
	}
	if p == v {
		return v
	}
	root := c.find(p)
	c.parent[v] = root
	return root
}

// Union records that a and b must share the same storage.
func (c *Coalescer) Union(a, b SSAValueID) {
	ra, rb := c.find(a), c.find(b)
	if ra == rb {
		return
	}
	if c.rank[ra] < c.rank[rb] {
		ra, rb = rb, ra
	}
	c.parent[rb] = ra
	if c.rank[ra] == c.rank[rb] {
		c.rank[ra]++
	}
}

// SameClass reports whether a and b have been unioned together.
func (c *Coalescer) SameClass(a, b SSAValueID) bool { return c.find(a) == c.find(b) }

// Coalesce runs the coalescer over fn: every block parameter is unioned
// with the corresponding argument from each predecessor edge, then every
// instruction whose Kind declares an Identify hook gets a chance to union
// its own inputs and outputs (e.g. Swap crossing its two operands,
// Duplicate identifying both outputs with its single input). It then
// rewrites fn in place: every block parameter, instruction
// input/output, and terminator/branch argument is renamed to its union-find
// representative, and every instruction whose Kind declares an Identify
// hook is treated as contributing only identifications and removed from
// its block; whether its outputs were all unioned is not checked. It returns the
// resulting Coalescer so callers can still query equivalence classes, e.g.
// when deciding physical register assignment at the x64 boundary.
func Coalesce(set *InstructionSet, fn *SsaFunction) *Coalescer {
	c := newCoalescer()

	for _, blk := range fn.Blocks {
		for _, pred := range fn.Blocks {
			switch pred.Term.Kind {
			case TermJump:
				if pred.Term.Then == blk.ID {
					unionArgs(c, blk.Params, pred.Term.ThenArgs)
				}
			case TermBranch:
				if pred.Term.Then == blk.ID {
					unionArgs(c, blk.Params, pred.Term.ThenArgs)
				}
				if pred.Term.Else == blk.ID {
					unionArgs(c, blk.Params, pred.Term.ElseArgs)
				}
			}
		}
	}

	identified := make([][]bool, len(fn.Blocks))
	for bi, blk := range fn.Blocks {
		identified[bi] = make([]bool, len(blk.Instrs))
		for i := range blk.Instrs {
			inst := &blk.Instrs[i]
			meta := set.Metadata(inst.Opcode)
			if meta.Identify != nil {
				meta.Identify(c, inst)
				identified[bi][i] = true
			}
		}
	}

	for bi, blk := range fn.Blocks {
		for i := range blk.Params {
			blk.Params[i] = c.find(blk.Params[i])
		}

		kept := blk.Instrs[:0]
		for i, inst := range blk.Instrs {
			if identified[bi][i] {
				continue
			}
			for j := range inst.Inputs {
				inst.Inputs[j] = c.find(inst.Inputs[j])
			}
			for j := range inst.Outputs {
				inst.Outputs[j] = c.find(inst.Outputs[j])
			}
			kept = append(kept, inst)
		}
		blk.Instrs = kept

		switch blk.Term.Kind {
		case TermJump:
			for i := range blk.Term.ThenArgs {
				blk.Term.ThenArgs[i] = c.find(blk.Term.ThenArgs[i])
			}
		case TermBranch:
			blk.Term.Cond = c.find(blk.Term.Cond)
			for i := range blk.Term.ThenArgs {
				blk.Term.ThenArgs[i] = c.find(blk.Term.ThenArgs[i])
			}
			for i := range blk.Term.ElseArgs {
				blk.Term.ElseArgs[i] = c.find(blk.Term.ElseArgs[i])
			}
		case TermReturn:
			for i := range blk.Term.Results {
				blk.Term.Results[i] = c.find(blk.Term.Results[i])
			}
		}
	}

	return c
}

func unionArgs(c *Coalescer, params, args []SSAValueID) {
	n := len(params)
	if len(args) < n {
		n = len(args)
	}
	for i := 0; i < n; i++ {
		c.Union(params[i], args[i])
	}
}
