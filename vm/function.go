package vm

import "fmt"

// InstructionIndex addresses a cell offset into a Function's instruction
// stream. Index 0 is the first instruction's opcode cell.
type InstructionIndex int

// Interval names a contiguous region of a Function's instruction stream,
// typically one instruction plus its immediates.
type Interval struct {
	Start InstructionIndex
	End   InstructionIndex // exclusive
}

// Len reports the number of cells spanned by the interval.
func (iv Interval) Len() int { return int(iv.End - iv.Start) }

// Function is an append-only buffer of opcodes and immediates. entrySelf
// is a self-referencing FunctionRef so a function's own Call sites can
// address it without a separate lookup; stream holds the instruction
// cells proper, addressed by InstructionIndex starting at 0.
type Function struct {
	name       string
	Parameters int
	Returns    int

	set *InstructionSet

	entrySelf FunctionRef
	stream    []Value

	invoked bool
}

// NewFunction creates a function with the given signature, assembled
// against set. It is grown by Append/AppendWithPlaceholders calls and
// frozen by the caller's first Invoke.
func NewFunction(name string, parameters, returns int, set *InstructionSet) *Function {
	return &Function{
		name:       name,
		Parameters: parameters,
		Returns:    returns,
		set:        set,
		stream:     make([]Value, 0, 16),
	}
}

// Name returns the function's declared name.
func (f *Function) Name() string { return f.name }

// Ref returns the function's own FunctionRef within its fragment, the
// value a Call site pushes to invoke it. It is the zero FunctionRef for a
// function constructed outside a fragment via NewFunction.
func (f *Function) Ref() FunctionRef { return f.entrySelf }

// InstructionSet returns the instruction set this function is assembled
// against.
func (f *Function) InstructionSet() *InstructionSet { return f.set }

// Len reports the number of cells currently in the instruction stream.
func (f *Function) Len() int { return len(f.stream) }

func (f *Function) requireMutable(op string) {
	requireHardened(!f.invoked, "vm: %s called on function %q after it has been invoked", op, f.name)
}

// Append appends the opcode cell for op followed by immediates coerced to
// Value at the call site (conversion happens via New[T] at each caller,
// e.g. f.Append(addOp, vm.New(int64(1))): the declared immediate type is
// fixed where the argument is written, not inside the library). It is the
// caller's responsibility to pass exactly Metadata(op).ImmediateValueCount
// immediates (or, for a dynamic-arity op, an InstructionSpecification
// followed by any further declared immediates).
func (f *Function) Append(op Opcode, immediates ...Value) Interval {
	f.requireMutable("append")
	start := InstructionIndex(len(f.stream))
	f.stream = append(f.stream, New(op))
	f.stream = append(f.stream, immediates...)
	return Interval{Start: start, End: InstructionIndex(len(f.stream))}
}

// AppendWithPlaceholders appends the opcode cell for op and reserves
// immCount uninitialized cells after it, returning the interval so the
// caller can patch them later via SetValue — used when a jump target is
// not known at append time.
func (f *Function) AppendWithPlaceholders(op Opcode, immCount int) Interval {
	f.requireMutable("append_with_placeholders")
	start := InstructionIndex(len(f.stream))
	f.stream = append(f.stream, New(op))
	for i := 0; i < immCount; i++ {
		f.stream = append(f.stream, Uninitialized())
	}
	return Interval{Start: start, End: InstructionIndex(len(f.stream))}
}

// SetValue writes immediate k of the instruction occupying interval iv.
// Once Invoke has been called on the owning function, SetValue is the
// only permitted mutation of the stream.
func (f *Function) SetValue(iv Interval, k int, v Value) {
	idx := int(iv.Start) + 1 + k
	requireHardenedErr(idx < int(iv.End) && k >= 0, ErrSetValueOutOfRange, "vm: Function.SetValue")
	if idx >= int(iv.End) || k < 0 {
		return
	}
	f.stream[idx] = v
}

// RawAppend appends a single already-constructed cell, for low-level
// writers that build the stream cell by cell rather than through Append.
func (f *Function) RawAppend(v Value) InstructionIndex {
	idx := InstructionIndex(len(f.stream))
	f.stream = append(f.stream, v)
	return idx
}

// At returns the cell at instruction index ix.
func (f *Function) At(ix InstructionIndex) Value {
	return f.stream[ix]
}

// opcodeAt reads the cell at ix as an Opcode; ix must address an
// instruction's opcode cell, not one of its immediates. Used by
// disassembly, serialization, dispatch and SSA construction.
func (f *Function) opcodeAt(ix InstructionIndex) Opcode {
	return As[Opcode](f.stream[ix])
}

// Disassemble renders the function's instruction stream as a human
// readable listing, one instruction per line.
func (f *Function) Disassemble() string {
	var b []byte
	ix := InstructionIndex(0)
	for int(ix) < len(f.stream) {
		op := f.opcodeAt(ix)
		meta := f.set.Metadata(op)
		b = append(b, []byte(formatDisasmLine(int(ix), meta, f.stream, ix))...)
		ix += InstructionIndex(1 + meta.ImmediateValueCount)
	}
	return string(b)
}

func formatDisasmLine(offset int, meta Metadata, stream []Value, ix InstructionIndex) string {
	name := meta.Name
	if name == "" {
		name = "?"
	}
	if meta.ImmediateValueCount == 0 {
		return fmt.Sprintf("%4d: %s\n", offset, name)
	}
	imms := make([]uint64, meta.ImmediateValueCount)
	for i := range imms {
		imms[i] = stream[int(ix)+1+i].Raw()
	}
	return fmt.Sprintf("%4d: %s %v\n", offset, name, imms)
}
