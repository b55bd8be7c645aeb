package vm

// Opcode is a stable index into an InstructionSet's ordered kind list. The
// five built-ins always occupy opcodes 0 through 4, in this order,
// regardless of what a user passes to NewInstructionSet.
type Opcode uint32

const (
	OpCall Opcode = iota
	OpJump
	OpJumpIf
	OpJumpIfNot
	OpReturn

	firstUserOpcode
)

func (o Opcode) String() string {
	switch o {
	case OpCall:
		return "call"
	case OpJump:
		return "jump"
	case OpJumpIf:
		return "jump_if"
	case OpJumpIfNot:
		return "jump_if_not"
	case OpReturn:
		return "return"
	default:
		return "opcode"
	}
}

// DynamicArity is the sentinel ParameterCount/ReturnCount value for
// instructions whose arity is determined per call site by an
// InstructionSpecification immediate, rather than fixed at Kind-definition
// time.
const DynamicArity = -1

// InstructionSpecification is the {parameters, returns} pair carried as
// the first immediate of a dynamic-arity instruction, including the
// built-in Call. Its fields are int32, not int: a Value cell holds at
// most 8 bytes, and two platform ints (8 bytes each on amd64/arm64) would
// not fit together in one cell.
type InstructionSpecification struct {
	Parameters int32
	Returns    int32
}

// ExecContext is the view of interpreter state a user-supplied Handler is
// given: its own immediates, its per-function state slot, and the
// pop/peek/push primitives of the value stack. Built-in instructions
// (Call, Jump, JumpIf, JumpIfNot, Return) are handled directly by the
// interpreter and never see an ExecContext.
//
// A Kind carries its calling convention as explicit Metadata, and the
// handler is a plain closure using the stack primitives directly. Whether
// a handler's actual stack traffic agrees with its declared Metadata is a
// user contract the library does not verify.
type ExecContext struct {
	Immediates []Value
	State      any

	stack *ValueStack
}

// Pop removes and returns the top value of the value stack.
func (c *ExecContext) Pop() Value { return c.stack.pop() }

// PopN removes and returns the top n values of the value stack, ordered
// deepest-first (index 0 is the value that was pushed earliest of the n).
func (c *ExecContext) PopN(n int) []Value { return c.stack.popN(n) }

// Peek returns the value stack entry at depth below the top (0 is the top)
// without removing it.
func (c *ExecContext) Peek(depth int) Value { return c.stack.peek(depth) }

// Push appends a value to the top of the value stack.
func (c *ExecContext) Push(v Value) { c.stack.push(v) }

// Len reports how many values are currently on the value stack.
func (c *ExecContext) Len() int { return c.stack.len() }

// Stack exposes the underlying ValueStack directly, for callers (such as a
// Debugger hook) that need StateSnapshot's read-only view rather than the
// pop/peek/push primitives above.
func (c *ExecContext) Stack() *ValueStack { return c.stack }

// Handler is the executable entity a user-supplied Kind provides.
type Handler func(ctx *ExecContext)

// IdentifyFunc lets a Kind participate in register coalescing: given the
// SSA instruction it lowered to, it records argument/output equivalences
// with the coalescer (e.g. Swap identifies crossed inputs/outputs,
// Duplicate identifies both outputs with its input).
type IdentifyFunc func(c *Coalescer, inst *SSAInstruction)

// Kind is one instruction definition: a handler, its calling convention
// (captured as the Metadata fields below), optionally a per-function state
// slot, optionally a name, and optionally an SSA-coalescing hint.
type Kind struct {
	Name string

	// ImmediateValueCount is the number of Value cells following the
	// opcode cell in the instruction stream.
	ImmediateValueCount int

	// ParameterCount and ReturnCount are fixed arities, or DynamicArity,
	// in which case the first immediate at each append site is an
	// InstructionSpecification giving the actual counts.
	ParameterCount int
	ReturnCount    int

	// ConsumesInput is true for "consume"-named handlers (inputs are
	// popped) and for the built-ins that pop (Call, JumpIf, JumpIfNot).
	ConsumesInput bool

	// HasState is true if this Kind requires a per-function state slot
	// in every call frame.
	HasState bool

	// FunctionRefImmediates lists, by 0-based index into this Kind's
	// declared immediates, which ones hold a FunctionRef. The wire format
	// serializes those immediates as a cross-function name reference
	// resolved through the fragment's declared-function registry, rather
	// than as a raw cell.
	FunctionRefImmediates []int

	Handler  Handler
	Identify IdentifyFunc
}

// Metadata is the derived, per-opcode calling-convention record an
// InstructionSet exposes.
type Metadata struct {
	Name                string
	ImmediateValueCount int
	ParameterCount      int
	ReturnCount         int
	ConsumesInput       bool
	HasState            bool

	// FunctionRefImmediates mirrors Kind.FunctionRefImmediates.
	FunctionRefImmediates []int

	Handler  Handler
	Identify IdentifyFunc
}

func builtinMetadata() [5]Metadata {
	return [5]Metadata{
		OpCall: {
			Name:                "call",
			ImmediateValueCount: 1,
			ParameterCount:      DynamicArity,
			ReturnCount:         DynamicArity,
			ConsumesInput:       true,
		},
		OpJump: {
			Name:                "jump",
			ImmediateValueCount: 1,
			ParameterCount:      0,
			ReturnCount:         0,
			ConsumesInput:       false,
		},
		OpJumpIf: {
			Name:                "jump_if",
			ImmediateValueCount: 1,
			ParameterCount:      1,
			ReturnCount:         0,
			ConsumesInput:       true,
		},
		OpJumpIfNot: {
			Name:                "jump_if_not",
			ImmediateValueCount: 1,
			ParameterCount:      1,
			ReturnCount:         0,
			ConsumesInput:       true,
		},
		OpReturn: {
			Name:                "return",
			ImmediateValueCount: 0,
			ParameterCount:      0,
			ReturnCount:         0,
			ConsumesInput:       false,
		},
	}
}
