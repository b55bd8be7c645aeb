package main

import (
	"stackvm/stdinst"
	"stackvm/vm"
)

// buildDemoFragment assembles the recursive Fibonacci program used to
// exercise run/serialize/debug; it is the same shape as the library's own
// fibonacci test fixture, kept here so the CLI has something concrete to
// drive without importing the vm package's test files.
func buildDemoFragment() (*vm.ProgramFragment, *vm.InstructionSet) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	_, fn := frag.Declare("fib", 1, 1)

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
	fn.Append(vm.OpReturn)

	recurseStart := vm.InstructionIndex(fn.Len())
	fn.SetValue(jmp, 0, vm.New(int(recurseStart-jmp.Start)))

	fn.Append(dup)
	fn.Append(pushI64, vm.New(int64(1)))
	fn.Append(sub)
	fn.Append(pushFn, vm.New(fn.Ref()))
	fn.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 1}))
	fn.Append(swap)
	fn.Append(pushI64, vm.New(int64(2)))
	fn.Append(sub)
	fn.Append(pushFn, vm.New(fn.Ref()))
	fn.Append(vm.OpCall, vm.New(vm.InstructionSpecification{Parameters: 1, Returns: 1}))
	fn.Append(add)
	fn.Append(vm.OpReturn)

	return frag, set
}
