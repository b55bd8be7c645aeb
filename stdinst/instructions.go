// Package stdinst is an example instruction set: a small
// stack-manipulation and arithmetic vocabulary good enough to assemble and
// run real programs (fibonacci, a hello-world loop) in tests, and the
// fibonacci demo in cmd/stackvm. It is not part of the core library; a user of
// package vm is expected to define their own instruction set the way this
// package does.
package stdinst

import (
	"fmt"
	"io"
	"reflect"

	"stackvm/vm"
)

var functionRefType = reflect.TypeOf(vm.FunctionRef{})

// Push pushes its single immediate, of type T, onto the value stack. A
// Kind is a value, not a type, so each concrete T gets its own Kind built
// by this generic constructor, named explicitly by the caller to keep
// opcodes distinguishable.
func Push[T any](name string) vm.Kind {
	k := vm.Kind{
		Name:                name,
		ImmediateValueCount: 1,
		ParameterCount:      0,
		ReturnCount:         1,
		Handler: func(ctx *vm.ExecContext) {
			ctx.Push(ctx.Immediates[0])
		},
		// Unlike Swap/Duplicate below, Push has no Identify hook: its output
		// originates from an immediate baked into the instruction stream,
		// not from another SSA value, so there is nothing to union it with.
	}
	// A Push[vm.FunctionRef] instruction's single immediate is a callee
	// reference: the wire format must serialize it as a cross-function
	// name, not a raw cell, so it round-trips even if a reader declares
	// functions in a different order than the writer.
	var zero T
	if reflect.TypeOf(zero) == functionRefType {
		k.FunctionRefImmediates = []int{0}
	}
	return k
}

// Drop pops and discards the top value.
var Drop = vm.Kind{
	Name:                "drop",
	ImmediateValueCount: 0,
	ParameterCount:      1,
	ReturnCount:         0,
	ConsumesInput:       true,
	Handler: func(ctx *vm.ExecContext) {
		ctx.Pop()
	},
}

// Swap exchanges the top two values. It is an "execute"-convention
// instruction (ConsumesInput false): it returns no new values of its own
// (ReturnCount 0). Its two stack slots keep holding a value each, just
// renamed, which SSA construction accounts for without Swap having to
// declare a ReturnCount of 2.
var Swap = vm.Kind{
	Name:                "swap",
	ImmediateValueCount: 0,
	ParameterCount:      2,
	ReturnCount:         0,
	Handler: func(ctx *vm.ExecContext) {
		vs := ctx.PopN(2)
		ctx.Push(vs[1])
		ctx.Push(vs[0])
	},
	Identify: func(c *vm.Coalescer, inst *vm.SSAInstruction) {
		// Output 0 is input 1's value and output 1 is input 0's value: the
		// physical storage crosses over, it is never computed.
		c.Union(inst.Outputs[0], inst.Inputs[1])
		c.Union(inst.Outputs[1], inst.Inputs[0])
	},
}

// Duplicate pushes a second copy of the top value. It is an
// "execute"-convention instruction (ConsumesInput false): it returns
// exactly the one new value it computes (ReturnCount 1). Its own input
// slot keeps holding a value too, which SSA construction folds into the
// output list automatically.
var Duplicate = vm.Kind{
	Name:                "duplicate",
	ImmediateValueCount: 0,
	ParameterCount:      1,
	ReturnCount:         1,
	Handler: func(ctx *vm.ExecContext) {
		v := ctx.Peek(0)
		ctx.Push(v)
	},
	Identify: func(c *vm.Coalescer, inst *vm.SSAInstruction) {
		c.Union(inst.Outputs[0], inst.Inputs[0])
		c.Union(inst.Outputs[1], inst.Inputs[0])
	},
}

// Rotate cyclically rotates the top N values toward the bottom by amount:
// the deepest amount values wrap around to the top, so [1 2 3] rotated by
// 1 becomes [2 3 1] (bottom to top). It is the
// example dynamic-arity instruction (the convention Call itself uses): its
// first immediate is the {parameters, returns} specification naming how
// many stack cells it touches, and its second is the shift amount.
var Rotate = vm.Kind{
	Name:                "rotate",
	ImmediateValueCount: 2,
	ParameterCount:      vm.DynamicArity,
	ReturnCount:         vm.DynamicArity,
	ConsumesInput:       true,
	Handler: func(ctx *vm.ExecContext) {
		spec := vm.As[vm.InstructionSpecification](ctx.Immediates[0])
		n := int(spec.Parameters)
		amount := int(vm.As[int32](ctx.Immediates[1])) % n
		vs := ctx.PopN(n)
		rotated := append(append([]vm.Value{}, vs[amount:]...), vs[:amount]...)
		for _, v := range rotated {
			ctx.Push(v)
		}
	},
}

func numericBinary[T numeric](name string, op func(a, b T) T) vm.Kind {
	return vm.Kind{
		Name:                name,
		ImmediateValueCount: 0,
		ParameterCount:      2,
		ReturnCount:         1,
		ConsumesInput:       true,
		Handler: func(ctx *vm.ExecContext) {
			vs := ctx.PopN(2)
			a, b := vm.As[T](vs[0]), vm.As[T](vs[1])
			ctx.Push(vm.New(op(a, b)))
		},
	}
}

type numeric interface {
	~int32 | ~int64 | ~float32 | ~float64
}

// Add, Sub and Mul build generic binary arithmetic instructions over any
// numeric cell type.
func Add[T numeric](name string) vm.Kind {
	return numericBinary(name, func(a, b T) T { return a + b })
}

func Sub[T numeric](name string) vm.Kind {
	return numericBinary(name, func(a, b T) T { return a - b })
}

func Mul[T numeric](name string) vm.Kind {
	return numericBinary(name, func(a, b T) T { return a * b })
}

// LessThan compares the top two values, pushing a bool.
func LessThan[T numeric](name string) vm.Kind {
	return vm.Kind{
		Name:                name,
		ImmediateValueCount: 0,
		ParameterCount:      2,
		ReturnCount:         1,
		ConsumesInput:       true,
		Handler: func(ctx *vm.ExecContext) {
			vs := ctx.PopN(2)
			a, b := vm.As[T](vs[0]), vm.As[T](vs[1])
			ctx.Push(vm.New(a < b))
		},
	}
}

// Equal compares the top two values for equality, pushing a bool.
func Equal[T comparable](name string) vm.Kind {
	return vm.Kind{
		Name:                name,
		ImmediateValueCount: 0,
		ParameterCount:      2,
		ReturnCount:         1,
		ConsumesInput:       true,
		Handler: func(ctx *vm.ExecContext) {
			vs := ctx.PopN(2)
			a, b := vm.As[T](vs[0]), vm.As[T](vs[1])
			ctx.Push(vm.New(a == b))
		},
	}
}

// PrintInt64 pops a single int64 and prints it to standard output; it
// stands in for a host I/O device call.
var PrintInt64 = vm.Kind{
	Name:                "print_i64",
	ImmediateValueCount: 0,
	ParameterCount:      1,
	ReturnCount:         0,
	ConsumesInput:       true,
	Handler: func(ctx *vm.ExecContext) {
		fmt.Println(vm.As[int64](ctx.Pop()))
	},
}

// PrintString pops a *string and writes it, newline-terminated, to a sink
// threaded in through per-function state: the caller supplies the sink
// via the newState map passed to Invoke, keyed by this Kind's opcode,
// instead of the instruction reaching for a global writer.
var PrintString = vm.Kind{
	Name:                "print_str",
	ImmediateValueCount: 0,
	ParameterCount:      1,
	ReturnCount:         0,
	ConsumesInput:       true,
	HasState:            true,
	Handler: func(ctx *vm.ExecContext) {
		w, _ := ctx.State.(io.Writer)
		s := vm.As[*string](ctx.Pop())
		if w != nil {
			fmt.Fprintln(w, *s)
		}
	},
}

// Standard is the example instruction set used by tests and cmd/stackvm.
func Standard() *vm.InstructionSet {
	return vm.NewInstructionSet(
		Push[int64]("push_i64"),
		Push[float64]("push_f64"),
		Push[bool]("push_bool"),
		Push[vm.FunctionRef]("push_fn"),
		Push[*string]("push_str"),
		Drop,
		Swap,
		Duplicate,
		Rotate,
		Add[int64]("add_i64"),
		Sub[int64]("sub_i64"),
		Mul[int64]("mul_i64"),
		LessThan[int64]("lt_i64"),
		Equal[int64]("eq_i64"),
		PrintInt64,
		PrintString,
	)
}

// OpcodeFor is a small convenience so tests and cmd/stackvm can look up an
// opcode by its registered name without re-deriving the Standard() set's
// ordering by hand.
func OpcodeFor(set *vm.InstructionSet, name string) vm.Opcode {
	op, ok := set.OpcodeFor(name)
	if !ok {
		panic("stdinst: unknown instruction " + name)
	}
	return op
}
