package vm

import (
	"fmt"
	"strings"
)

// StateSnapshot renders a human-readable dump of a function and the value
// stack at some instruction pointer: one line naming the next instruction
// to run, followed by the stack's current contents. It is a debugging aid
// only, not part of the dispatch loop itself; callers (such as a Debugger
// hook) invoke it whenever they want a readable view of where execution
// stands.
func StateSnapshot(fn *Function, ip InstructionIndex, stack *ValueStack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "function %s @ %d\n", fn.Name(), ip)
	if ip < InstructionIndex(fn.Len()) {
		op := fn.opcodeAt(ip)
		meta := fn.set.Metadata(op)
		fmt.Fprintf(&b, "next> %s", formatDisasmLine(int(ip), meta, fn.stream, ip))
	} else {
		fmt.Fprintf(&b, "next> <end of function>\n")
	}
	fmt.Fprintf(&b, "stack (bottom to top, %d values)> %v\n", stack.Len(), stack.Values())
	return b.String()
}
