package vm

import "runtime/debug"

// ValueStack is the contiguous, growable buffer of Values an invocation
// operates on. Growth is amortized geometric growth via slice append: existing
// elements are preserved and the operation that triggered growth still
// completes, so no handler ever observes a partially grown stack.
type ValueStack struct {
	data []Value
}

// NewValueStack creates an empty value stack with room for initialCapacity
// values before its first reallocation.
func NewValueStack(initialCapacity int) *ValueStack {
	return &ValueStack{data: make([]Value, 0, initialCapacity)}
}

// Len reports how many values are currently on the stack.
func (s *ValueStack) Len() int { return s.len() }

// Reset empties the stack without releasing its backing array, so a
// ValueStack can be reused across invocations.
func (s *ValueStack) Reset() { s.data = s.data[:0] }

// Push appends a value to the top of the stack.
func (s *ValueStack) Push(v Value) { s.push(v) }

// Pop removes and returns the top value of the stack.
func (s *ValueStack) Pop() Value { return s.pop() }

// Values returns the stack's contents, bottom to top. The returned slice
// aliases the stack's backing array and must not be retained across
// further Push/Pop calls.
func (s *ValueStack) Values() []Value { return s.data }

func (s *ValueStack) push(v Value) { s.data = append(s.data, v) }

func (s *ValueStack) pop() Value {
	requireHardenedErr(len(s.data) > 0, ErrStackUnderflow, "vm: ValueStack.pop")
	if len(s.data) == 0 {
		return Value{}
	}
	v := s.data[len(s.data)-1]
	s.data = s.data[:len(s.data)-1]
	return v
}

func (s *ValueStack) popN(n int) []Value {
	requireHardenedErr(len(s.data) >= n, ErrStackUnderflow, "vm: ValueStack.popN")
	start := len(s.data) - n
	if start < 0 {
		start = 0
	}
	out := append([]Value(nil), s.data[start:]...)
	s.data = s.data[:start]
	return out
}

func (s *ValueStack) peek(depth int) Value {
	idx := len(s.data) - 1 - depth
	requireHardenedErr(idx >= 0, ErrStackUnderflow, "vm: ValueStack.peek")
	if idx < 0 {
		return Value{}
	}
	return s.data[idx]
}

func (s *ValueStack) len() int { return len(s.data) }

// frame is a runtime record pushed on the call stack for each active
// invocation. returnFn == nil marks the landing-pad sentinel that
// terminates Invoke when popped by a Return.
type frame struct {
	returnFn *Function
	returnIP InstructionIndex
	state    []any
}

// statefulSlots holds, for an instruction set, the ordered list of
// opcodes that carry per-function state, and a lookup from opcode to its
// slot index in a frame's state tuple. Computed once per invocation
// rather than per call.
type statefulSlots struct {
	opcodes []Opcode
	slotOf  map[Opcode]int
}

func newStatefulSlots(set *InstructionSet) *statefulSlots {
	ss := &statefulSlots{slotOf: map[Opcode]int{}}
	for op := firstUserOpcode; int(op) < set.Size(); op++ {
		m := set.Metadata(op)
		if m.HasState {
			ss.slotOf[op] = len(ss.opcodes)
			ss.opcodes = append(ss.opcodes, op)
		}
	}
	return ss
}

func (ss *statefulSlots) newTuple(newState map[Opcode]func() any) []any {
	if len(ss.opcodes) == 0 {
		return nil
	}
	tuple := make([]any, len(ss.opcodes))
	for i, op := range ss.opcodes {
		if ctor, ok := newState[op]; ok && ctor != nil {
			tuple[i] = ctor()
		}
	}
	return tuple
}

// dispatch carries the mutable state threaded through every instruction:
// the value stack, the call stack, the active function and instruction
// pointer within it, and the fragment used to resolve Call targets. It is
// mutated in place by a single explicit loop (run), so VM-level recursion
// depth never consumes host call-stack frames.
type dispatch struct {
	stack    *ValueStack
	calls    []frame
	fragment *ProgramFragment
	set      *InstructionSet
	slots    *statefulSlots
	newState map[Opcode]func() any
	debugger *Debugger

	fn *Function
	ip InstructionIndex
}

// Invoke runs fn to completion against stack, starting at its entry point
// with stack already holding fn's parameters at its top. Invoking the
// same function twice on equal value stacks yields equal value stacks;
// dispatch is strictly sequential with no suspension points.
func (p *ProgramFragment) Invoke(fn *Function, stack *ValueStack, newState map[Opcode]func() any) {
	p.invoke(fn, stack, newState, nil)
}

// InvokeWithDebugger runs fn exactly as Invoke does, but additionally
// fires dbg's breakpoint hooks at function entry.
func (p *ProgramFragment) InvokeWithDebugger(fn *Function, stack *ValueStack, newState map[Opcode]func() any, dbg *Debugger) {
	p.invoke(fn, stack, newState, dbg)
}

func (p *ProgramFragment) invoke(fn *Function, stack *ValueStack, newState map[Opcode]func() any, dbg *Debugger) {
	fn.invoked = true

	d := &dispatch{
		stack:    stack,
		fragment: p,
		set:      p.set,
		slots:    newStatefulSlots(p.set),
		newState: newState,
		debugger: dbg,
		fn:       fn,
		ip:       0,
	}
	// Install the landing-pad frame: its absence of a returnFn is what
	// Return recognizes to end the invocation. It doubles as the entry
	// function's own frame, so it carries a state tuple like any frame
	// pushed by Call does.
	d.calls = append(d.calls, frame{returnFn: nil, state: d.slots.newTuple(newState)})

	if dbg != nil {
		dbg.fire(fn, stack)
	}

	restore := disableGCDuringDispatch()
	defer restore()

	d.run()
}

// disableGCDuringDispatch turns the garbage collector off for the
// duration of the tight instruction-dispatch loop (allocation there is
// limited to stack growth, not per-instruction traffic) and restores the
// prior GOGC-derived percentage afterward.
func disableGCDuringDispatch() func() {
	prior := debug.SetGCPercent(-1)
	return func() { debug.SetGCPercent(prior) }
}

func (d *dispatch) run() {
	for {
		requireHardenedErr(d.ip >= 0 && int(d.ip) < d.fn.Len(), ErrMalformedJump, "vm: dispatch")
		op := d.fn.opcodeAt(d.ip)
		switch op {
		case OpCall:
			ref := As[FunctionRef](d.stack.pop())
			callee := d.fragment.Function(ref)
			d.calls = append(d.calls, frame{
				returnFn: d.fn,
				returnIP: d.ip + 2,
				state:    d.slots.newTuple(d.newState),
			})
			d.fn = callee
			d.ip = 0
			if d.debugger != nil {
				d.debugger.fire(callee, d.stack)
			}

		case OpJump:
			offset := As[int](d.fn.At(d.ip + 1))
			d.ip += InstructionIndex(offset)

		case OpJumpIf:
			cond := As[bool](d.stack.pop())
			if cond {
				offset := As[int](d.fn.At(d.ip + 1))
				d.ip += InstructionIndex(offset)
			} else {
				d.ip += 2
			}

		case OpJumpIfNot:
			cond := As[bool](d.stack.pop())
			if !cond {
				offset := As[int](d.fn.At(d.ip + 1))
				d.ip += InstructionIndex(offset)
			} else {
				d.ip += 2
			}

		case OpReturn:
			requireHardenedErr(len(d.calls) > 0, ErrFrameUnderflow, "vm: dispatch return")
			top := d.calls[len(d.calls)-1]
			d.calls = d.calls[:len(d.calls)-1]
			if top.returnFn == nil {
				// Landing pad: this invocation is complete.
				return
			}
			d.fn = top.returnFn
			d.ip = top.returnIP

		default:
			meta := d.set.Metadata(op)
			requireHardenedErr(meta.Handler != nil, ErrUnknownOpcode, "vm: dispatch")
			ctx := &ExecContext{stack: d.stack}
			if meta.ImmediateValueCount > 0 {
				ctx.Immediates = make([]Value, meta.ImmediateValueCount)
				for i := 0; i < meta.ImmediateValueCount; i++ {
					ctx.Immediates[i] = d.fn.At(d.ip + 1 + InstructionIndex(i))
				}
			}
			if meta.HasState {
				if slot, ok := d.slots.slotOf[op]; ok {
					ctx.State = d.calls[len(d.calls)-1].state[slot]
				}
			}
			if meta.Handler != nil {
				meta.Handler(ctx)
			}
			d.ip += InstructionIndex(1 + meta.ImmediateValueCount)
		}
	}
}
