package vm

import "sort"

// SSAValueID names a single-assignment value within an SsaFunction.
type SSAValueID int

// BlockID names a basic block within an SsaFunction, in the order blocks
// were discovered (increasing by starting offset).
type BlockID int

// SSAInstruction is one instruction lowered into a basic block, with its
// stack traffic renamed to SSA values. Call's Inputs begin with the
// callee FunctionRef value, followed by its declared parameters.
type SSAInstruction struct {
	Opcode     Opcode
	Immediates []Value
	Inputs     []SSAValueID
	Outputs    []SSAValueID
}

// TerminatorKind distinguishes the three shapes a Block may end with:
// falling out via Return, an unconditional Jump, or a conditional
// JumpIf/JumpIfNot pair folded into a single two-way branch.
type TerminatorKind int

const (
	TermReturn TerminatorKind = iota
	TermJump
	TermBranch
)

// Terminator ends a Block. For TermBranch, Then is the successor taken
// when Cond is true and Else the one taken when it is false: for JumpIf
// Then is the jump target and Else the fallthrough, for JumpIfNot the
// other way round.
type Terminator struct {
	Kind TerminatorKind

	Cond SSAValueID

	Then     BlockID
	ThenArgs []SSAValueID
	Else     BlockID
	ElseArgs []SSAValueID

	Results []SSAValueID
}

// Block is a maximal straight-line instruction run entered only at its
// start and left only through Term. Params are block arguments
// introduced lazily whenever the block consults a stack entry its own
// instructions never produced; each stands in for whatever the block's
// predecessors leave at that depth, and the list is ordered deepest slot
// first so Params[i] pairs with every incoming edge's args[i].
type Block struct {
	ID     BlockID
	Start  InstructionIndex
	Params []SSAValueID
	Instrs []SSAInstruction
	Term   Terminator
}

// SsaFunction is a Function's bytecode rebuilt into basic-block form with
// every value in single-assignment form, the input to register coalescing
// and to the x64 JIT boundary.
type SsaFunction struct {
	Source *Function
	Blocks []*Block
}

// blockStarts returns the sorted set of instruction indices that begin a
// basic block: offset 0, every jump/branch target, and every instruction
// immediately following a terminator.
func blockStarts(fn *Function) []InstructionIndex {
	starts := map[InstructionIndex]bool{0: true}
	ix := InstructionIndex(0)
	for int(ix) < fn.Len() {
		op := fn.opcodeAt(ix)
		meta := fn.set.Metadata(op)
		next := ix + InstructionIndex(1+meta.ImmediateValueCount)
		switch op {
		case OpJump, OpJumpIf, OpJumpIfNot:
			target := ix + InstructionIndex(As[int](fn.At(ix+1)))
			starts[target] = true
			if int(next) < fn.Len() {
				starts[next] = true
			}
		case OpReturn:
			if int(next) < fn.Len() {
				starts[next] = true
			}
		}
		ix = next
	}
	out := make([]InstructionIndex, 0, len(starts))
	for ix := range starts {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// symStack is the per-block symbolic value stack used while lowering one
// block's instructions. Consulting an entry below the bottom lazily
// introduces a block parameter, standing in for whatever value the
// block's predecessors leave at that depth.
type symStack struct {
	values []SSAValueID
	params *[]SSAValueID
	next   *SSAValueID
}

// ensure extends the stack's bottom with fresh block parameters until it
// holds at least n entries. Parameters are introduced shallowest-first, so
// each later one sits deeper; buildBlock reverses the final parameter list
// so index 0 names the deepest slot, matching the deepest-first order edge
// arguments are listed in.
func (s *symStack) ensure(n int) {
	for len(s.values) < n {
		v := *s.next
		*s.next++
		*s.params = append(*s.params, v)
		s.values = append([]SSAValueID{v}, s.values...)
	}
}

func (s *symStack) pop() SSAValueID {
	s.ensure(1)
	v := s.values[len(s.values)-1]
	s.values = s.values[:len(s.values)-1]
	return v
}

func (s *symStack) popN(n int) []SSAValueID {
	s.ensure(n)
	out := append([]SSAValueID(nil), s.values[len(s.values)-n:]...)
	s.values = s.values[:len(s.values)-n]
	return out
}

// tail returns the deepest-first copy of the stack's top n entries without
// consuming them. Terminators use it because a conditional branch hands the
// same stack tail to both successors.
func (s *symStack) tail(n int) []SSAValueID {
	s.ensure(n)
	return append([]SSAValueID(nil), s.values[len(s.values)-n:]...)
}

func (s *symStack) push(v SSAValueID) { s.values = append(s.values, v) }

// arity resolves an instruction's parameter/return counts, reading a
// dynamic-arity kind's InstructionSpecification from its first immediate
// Call shares this path: its arity comes from its specification
// immediate, not from metadata.
func arity(fn *Function, ix InstructionIndex, meta Metadata) (params, returns int) {
	params, returns = meta.ParameterCount, meta.ReturnCount
	if params == DynamicArity || returns == DynamicArity {
		spec := As[InstructionSpecification](fn.At(ix + 1))
		params, returns = int(spec.Parameters), int(spec.Returns)
	}
	return params, returns
}

// Construct rebuilds fn's linear instruction stream into basic-block SSA
// form. Block parameter counts are interdependent: a block that
// ends in a jump must supply as many edge arguments as its target declares
// parameters, and supplying them can force the block to introduce
// parameters of its own. countParams is therefore iterated to a fixed
// point (counts only grow, and are bounded by the deepest stack access in
// the function, so the iteration terminates); a second pass then builds
// the real instructions and wires terminator arguments to matching
// successors.
func Construct(fn *Function) *SsaFunction {
	starts := blockStarts(fn)
	idOf := make(map[InstructionIndex]BlockID, len(starts))
	for i, s := range starts {
		idOf[s] = BlockID(i)
	}
	ends := make([]InstructionIndex, len(starts))
	for i := range starts {
		if i+1 < len(starts) {
			ends[i] = starts[i+1]
		} else {
			ends[i] = InstructionIndex(fn.Len())
		}
	}

	paramCounts := make([]int, len(starts))
	for changed := true; changed; {
		changed = false
		for i, start := range starts {
			n := countParams(fn, start, ends[i], idOf, paramCounts, i)
			if n > paramCounts[i] {
				paramCounts[i] = n
				changed = true
			}
		}
	}

	blocks := make([]*Block, len(starts))
	for i, start := range starts {
		blocks[i] = &Block{ID: BlockID(i), Start: start}
	}

	var nextVal SSAValueID
	for i, start := range starts {
		buildBlock(fn, blocks[i], start, ends[i], idOf, paramCounts, &nextVal)
	}

	return &SsaFunction{Source: fn, Blocks: blocks}
}

// countParams runs the symbolic-stack simulation for one block using a
// scratch value counter, keeping only the resulting parameter count. It
// includes the demand a terminator's edge arguments place on the stack,
// using the current (possibly still growing) estimate of each target's
// parameter count.
func countParams(fn *Function, start, end InstructionIndex, idOf map[InstructionIndex]BlockID, paramCounts []int, self int) int {
	var params []SSAValueID
	var scratch SSAValueID
	stack := &symStack{params: &params, next: &scratch}
	ix := start
	for ix < end {
		op := fn.opcodeAt(ix)
		meta := fn.set.Metadata(op)
		switch op {
		case OpJump:
			target := ix + InstructionIndex(As[int](fn.At(ix+1)))
			stack.ensure(paramCounts[idOf[target]])
			return len(params)
		case OpJumpIf, OpJumpIfNot:
			stack.pop()
			target := ix + InstructionIndex(As[int](fn.At(ix+1)))
			fallthroughIx := ix + InstructionIndex(1+meta.ImmediateValueCount)
			stack.ensure(max(paramCounts[idOf[target]], paramCounts[idOf[fallthroughIx]]))
			return len(params)
		case OpReturn:
			stack.popN(fn.Returns)
			return len(params)
		case OpCall:
			pc, rc := arity(fn, ix, meta)
			stack.pop() // callee FunctionRef, pushed last so topmost
			stack.popN(pc)
			for i := 0; i < rc; i++ {
				scratch++
				stack.push(scratch)
			}
		default:
			pc, rc := arity(fn, ix, meta)
			stack.popN(pc)
			// A "consume" instruction pops its inputs and leaves only
			// fresh return values on the stack. An "execute" instruction
			// leaves its inputs' stack slots occupied, so
			// each of them is still part of the output list alongside
			// any fresh return values (e.g. Swap reorders in place,
			// Duplicate's input slot still holds a value after it runs).
			freshCount := rc
			if !meta.ConsumesInput {
				freshCount += pc
			}
			for i := 0; i < freshCount; i++ {
				scratch++
				stack.push(scratch)
			}
		}
		ix += InstructionIndex(1 + meta.ImmediateValueCount)
	}
	if self+1 < len(paramCounts) {
		stack.ensure(paramCounts[self+1])
	}
	return len(params)
}

// buildBlock performs the real lowering pass for one block, now that
// every block's parameter count is known, assigning globally unique SSA
// value IDs from *nextVal.
func buildBlock(fn *Function, blk *Block, start, end InstructionIndex, idOf map[InstructionIndex]BlockID, paramCounts []int, nextVal *SSAValueID) {
	stack := &symStack{params: &blk.Params, next: nextVal}
	ix := start
	for ix < end {
		op := fn.opcodeAt(ix)
		meta := fn.set.Metadata(op)
		imms := make([]Value, meta.ImmediateValueCount)
		for i := range imms {
			imms[i] = fn.At(ix + 1 + InstructionIndex(i))
		}

		switch op {
		case OpJump:
			target := ix + InstructionIndex(As[int](imms[0]))
			tid := idOf[target]
			blk.Term = Terminator{Kind: TermJump, Then: tid, ThenArgs: stack.tail(paramCounts[tid])}
			reverseParams(blk)
			return

		case OpJumpIf, OpJumpIfNot:
			cond := stack.pop()
			target := ix + InstructionIndex(As[int](imms[0]))
			fallthroughIx := ix + InstructionIndex(1+meta.ImmediateValueCount)
			targetID := idOf[target]
			fallID := idOf[fallthroughIx]

			var thenID, elseID BlockID
			if op == OpJumpIf {
				thenID, elseID = targetID, fallID
			} else {
				thenID, elseID = fallID, targetID
			}
			// Both successors receive the same stack tail, each sized to
			// its own parameter count; tail reads without consuming so the
			// second edge sees the same entries as the first.
			stack.ensure(max(paramCounts[thenID], paramCounts[elseID]))
			blk.Term = Terminator{
				Kind:     TermBranch,
				Cond:     cond,
				Then:     thenID,
				ThenArgs: stack.tail(paramCounts[thenID]),
				Else:     elseID,
				ElseArgs: stack.tail(paramCounts[elseID]),
			}
			reverseParams(blk)
			return

		case OpReturn:
			blk.Term = Terminator{Kind: TermReturn, Results: stack.tail(fn.Returns)}
			reverseParams(blk)
			return

		case OpCall:
			pc, rc := arity(fn, ix, meta)
			callee := stack.pop()
			params := stack.popN(pc)
			inputs := append([]SSAValueID{callee}, params...)
			outputs := make([]SSAValueID, rc)
			for i := range outputs {
				outputs[i] = *nextVal
				*nextVal++
				stack.push(outputs[i])
			}
			blk.Instrs = append(blk.Instrs, SSAInstruction{Opcode: op, Immediates: imms, Inputs: inputs, Outputs: outputs})

		default:
			pc, rc := arity(fn, ix, meta)
			inputs := stack.popN(pc)
			// See the matching branch in countParams: a non-consuming
			// instruction's output list is its own inputs (now occupying
			// fresh registers) followed by any newly computed
			// return values; a consuming instruction's output list is
			// only the latter.
			outCount := rc
			if !meta.ConsumesInput {
				outCount += pc
			}
			outputs := make([]SSAValueID, outCount)
			for i := range outputs {
				outputs[i] = *nextVal
				*nextVal++
				stack.push(outputs[i])
			}
			blk.Instrs = append(blk.Instrs, SSAInstruction{Opcode: op, Immediates: imms, Inputs: inputs, Outputs: outputs})
		}

		ix += InstructionIndex(1 + meta.ImmediateValueCount)
	}

	// The block ran off its own end without hitting a terminating
	// instruction: it was split here only because some other block's
	// jump targets this offset, not because this block itself branches.
	// Synthesize a fallthrough edge to the next block in offset order.
	next := blk.ID + 1
	requireHardenedErr(int(next) < len(paramCounts), ErrMalformedJump, "vm: ssa fallthrough past function end")
	blk.Term = Terminator{Kind: TermJump, Then: next, ThenArgs: stack.tail(paramCounts[next])}
	reverseParams(blk)
}

// reverseParams flips a block's parameter list from introduction order
// (shallowest stack slot first) to stack order (deepest first), so that
// Params[i] pairs positionally with every incoming edge's args[i], which
// are listed deepest-first.
func reverseParams(blk *Block) {
	for i, j := 0, len(blk.Params)-1; i < j; i, j = i+1, j-1 {
		blk.Params[i], blk.Params[j] = blk.Params[j], blk.Params[i]
	}
}
