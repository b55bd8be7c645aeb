package vm_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"stackvm/stdinst"
	"stackvm/vm"
)

// buildFibonacci assembles recursive Fibonacci: fib(n) = n if n < 2,
// else fib(n-1) + fib(n-2). The branch past the base case is patched via
// AppendWithPlaceholders/SetValue after the base case's body is known,
// exactly as any forward branch must be built.
func buildFibonacci(t *testing.T) (*vm.ProgramFragment, *vm.Function) {
	t.Helper()
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	ref, fn := frag.Declare("fib", 1, 1)

	pushI64 := stdinst.OpcodeFor(set, "push_i64")
	pushFn := stdinst.OpcodeFor(set, "push_fn")
	dup := stdinst.OpcodeFor(set, "duplicate")
	swap := stdinst.OpcodeFor(set, "swap")
	lt := stdinst.OpcodeFor(set, "lt_i64")
	sub := stdinst.OpcodeFor(set, "sub_i64")
	add := stdinst.OpcodeFor(set, "add_i64")

	fn.Append(dup)
	fn.Append(pushI64, vm.New(int64(2)))
	fn.Append(lt)
	jmp := fn.AppendWithPlaceholders(vm.OpJumpIfNot, 1)
	fn.Append(vm.OpReturn) // base case: stack is already [n]

	recurseStart := vm.InstructionIndex(fn.Len())
	fn.SetValue(jmp, 0, vm.New(int(recurseStart-jmp.Start)))

	fn.Append(dup)
	fn.Append(pushI64, vm.New(int64(1)))
	fn.Append(sub)
	fn.Append(pushFn, vm.New(ref))
	fn.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 1}))
	fn.Append(swap)
	fn.Append(pushI64, vm.New(int64(2)))
	fn.Append(sub)
	fn.Append(pushFn, vm.New(ref))
	fn.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 1}))
	fn.Append(add)
	fn.Append(vm.OpReturn)

	return frag, fn
}

func invokeFib(frag *vm.ProgramFragment, fn *vm.Function, n int64) int64 {
	stack := vm.NewValueStack(8)
	stack.Push(vm.New(n))
	frag.Invoke(fn, stack, nil)
	return vm.As[int64](stack.Pop())
}

func TestFibonacci(t *testing.T) {
	frag, fn := buildFibonacci(t)
	require.Equal(t, int64(610), invokeFib(frag, fn, 15))
}

func TestFibonacciLarger(t *testing.T) {
	frag, fn := buildFibonacci(t)
	require.Equal(t, int64(75025), invokeFib(frag, fn, 25))
}

func TestInterpreterDeterminism(t *testing.T) {
	frag, fn := buildFibonacci(t)
	require.Equal(t, invokeFib(frag, fn, 15), invokeFib(frag, fn, 15))
}

// Package-level so their addresses stay reachable for the duration of the
// test: a Value only carries raw bits, so nothing but the ordinary Go
// reference graph keeps a pushed pointer's referent alive; the caller
// owns that lifetime.
var (
	helloGreeting = "hello"
	helloWorld    = "world"
)

func TestHelloLoop(t *testing.T) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	_, fn := frag.Declare("hello", 0, 0)

	pushStr := stdinst.OpcodeFor(set, "push_str")
	printStr := stdinst.OpcodeFor(set, "print_str")

	fn.Append(pushStr, vm.New(&helloGreeting))
	fn.Append(printStr)
	fn.Append(pushStr, vm.New(&helloWorld))
	fn.Append(printStr)
	fn.Append(vm.OpReturn)

	var sink strings.Builder
	stack := vm.NewValueStack(4)
	frag.Invoke(fn, stack, map[vm.Opcode]func() any{
		printStr: func() any { return &sink },
	})

	require.Equal(t, "hello\nworld\n", sink.String())
	require.Equal(t, 0, stack.Len())
}

func buildBreakpointProgram(t *testing.T) (*vm.ProgramFragment, *vm.Function) {
	t.Helper()
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	pushFn := stdinst.OpcodeFor(set, "push_fn")
	noArgs := vm.InstructionSpecification{Parameters: 0, Returns: 0}

	refD, fnD := frag.Declare("d", 0, 0)
	fnD.Append(vm.OpReturn)

	refC, fnC := frag.Declare("c", 0, 0)
	fnC.Append(pushFn, vm.New(refD))
	fnC.Append(vm.OpCall, vm.New(noArgs))
	fnC.Append(vm.OpReturn)

	refB, fnB := frag.Declare("b", 0, 0)
	fnB.Append(pushFn, vm.New(refC))
	fnB.Append(vm.OpCall, vm.New(noArgs))
	fnB.Append(pushFn, vm.New(refC))
	fnB.Append(vm.OpCall, vm.New(noArgs))
	fnB.Append(vm.OpReturn)

	_, fnA := frag.Declare("a", 0, 0)
	fnA.Append(pushFn, vm.New(refB))
	fnA.Append(vm.OpCall, vm.New(noArgs))
	fnA.Append(pushFn, vm.New(refB))
	fnA.Append(vm.OpCall, vm.New(noArgs))
	fnA.Append(vm.OpReturn)

	return frag, fnA
}

func TestDebuggerBreakpointFiresOncePerEntry(t *testing.T) {
	frag, fnA := buildBreakpointProgram(t)

	dbg := vm.NewDebugger()
	hits := 0
	dbg.Break("c", func(name string, ctx *vm.ExecContext) { hits++ })

	stack := vm.NewValueStack(4)
	frag.InvokeWithDebugger(fnA, stack, nil, dbg)

	require.Equal(t, 4, hits)
}

func TestDebuggerDuplicateBreakpointAborts(t *testing.T) {
	prior := vm.Hardened
	vm.Hardened = true
	defer func() { vm.Hardened = prior }()

	dbg := vm.NewDebugger()
	dbg.Break("c", func(string, *vm.ExecContext) {})
	require.Panics(t, func() {
		dbg.Break("c", func(string, *vm.ExecContext) {})
	})
}

// buildGrowthProgram exercises stack growth: pushN recursively pushes n
// sentinel values (one per stack frame, left behind as it unwinds), dropN
// recursively removes them again. Both recurse n deep, which doubles as a
// dispatch-budget check: the interpreter's dispatch loop is iterative
// (run, in interpreter.go), so VM-level recursion depth is bounded only
// by the heap-backed call-stack slice, never by the host Go call stack.
func buildGrowthProgram(t *testing.T, n int64) (*vm.ProgramFragment, *vm.Function) {
	t.Helper()
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)

	pushI64 := stdinst.OpcodeFor(set, "push_i64")
	pushFn := stdinst.OpcodeFor(set, "push_fn")
	dup := stdinst.OpcodeFor(set, "duplicate")
	swap := stdinst.OpcodeFor(set, "swap")
	eq := stdinst.OpcodeFor(set, "eq_i64")
	sub := stdinst.OpcodeFor(set, "sub_i64")
	drop := stdinst.OpcodeFor(set, "drop")

	refPushN, fnPushN := frag.Declare("push_n", 1, 0)
	fnPushN.Append(dup)
	fnPushN.Append(pushI64, vm.New(int64(0)))
	fnPushN.Append(eq)
	jmpPush := fnPushN.AppendWithPlaceholders(vm.OpJumpIf, 1)
	// fallthrough (n != 0): leave a sentinel, recurse on n-1.
	fnPushN.Append(pushI64, vm.New(int64(999)))
	fnPushN.Append(swap)
	fnPushN.Append(pushI64, vm.New(int64(1)))
	fnPushN.Append(sub)
	fnPushN.Append(pushFn, vm.New(refPushN))
	fnPushN.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 0}))
	fnPushN.Append(vm.OpReturn)
	pushBase := vm.InstructionIndex(fnPushN.Len())
	fnPushN.SetValue(jmpPush, 0, vm.New(int(pushBase-jmpPush.Start)))
	fnPushN.Append(drop) // n == 0: nothing left to push, drop the counter.
	fnPushN.Append(vm.OpReturn)

	refDropN, fnDropN := frag.Declare("drop_n", 1, 0)
	fnDropN.Append(dup)
	fnDropN.Append(pushI64, vm.New(int64(0)))
	fnDropN.Append(eq)
	jmpDrop := fnDropN.AppendWithPlaceholders(vm.OpJumpIf, 1)
	// fallthrough (n != 0): drop one sentinel, recurse on n-1.
	fnDropN.Append(swap)
	fnDropN.Append(drop)
	fnDropN.Append(pushI64, vm.New(int64(1)))
	fnDropN.Append(sub)
	fnDropN.Append(pushFn, vm.New(refDropN))
	fnDropN.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 0}))
	fnDropN.Append(vm.OpReturn)
	dropBase := vm.InstructionIndex(fnDropN.Len())
	fnDropN.SetValue(jmpDrop, 0, vm.New(int(dropBase-jmpDrop.Start)))
	fnDropN.Append(drop) // n == 0: only the counter remains.
	fnDropN.Append(vm.OpReturn)

	_, fnGrow := frag.Declare("grow_test", 0, 0)
	fnGrow.Append(pushI64, vm.New(n))
	fnGrow.Append(pushFn, vm.New(refPushN))
	fnGrow.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 0}))
	fnGrow.Append(pushI64, vm.New(n))
	fnGrow.Append(pushFn, vm.New(refDropN))
	fnGrow.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 0}))
	fnGrow.Append(vm.OpReturn)

	return frag, fnGrow
}

func TestStackGrowthAndDispatchBudget(t *testing.T) {
	const n = 1_000_000
	frag, fnGrow := buildGrowthProgram(t, n)

	stack := vm.NewValueStack(0) // force reallocation from the very first push
	frag.Invoke(fnGrow, stack, nil)

	require.Equal(t, 0, stack.Len())
}

// TestRotateDynamicArity drives the dynamic-arity convention through a
// user-supplied kind rather than the built-in Call: rotate's
// first immediate is its {parameters, returns} specification, and the
// handler sizes its stack traffic from it at run time.
func TestRotateDynamicArity(t *testing.T) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	_, fn := frag.Declare("rot", 0, 3)

	pushI64 := stdinst.OpcodeFor(set, "push_i64")
	rotate := stdinst.OpcodeFor(set, "rotate")

	fn.Append(pushI64, vm.New(int64(1)))
	fn.Append(pushI64, vm.New(int64(2)))
	fn.Append(pushI64, vm.New(int64(3)))
	fn.Append(rotate,
		vm.New(vm.InstructionSpecification{Parameters: 3, Returns: 3}),
		vm.New(int32(1)))
	fn.Append(vm.OpReturn)

	stack := vm.NewValueStack(4)
	frag.Invoke(fn, stack, nil)

	require.Equal(t, 3, stack.Len())
	vs := stack.Values()
	require.Equal(t, int64(2), vm.As[int64](vs[0]))
	require.Equal(t, int64(3), vm.As[int64](vs[1]))
	require.Equal(t, int64(1), vm.As[int64](vs[2]))
}

func TestPopFromEmptyStackAborts(t *testing.T) {
	prior := vm.Hardened
	vm.Hardened = true
	defer func() { vm.Hardened = prior }()

	stack := vm.NewValueStack(0)
	require.Panics(t, func() {
		stack.Pop()
	})
}
