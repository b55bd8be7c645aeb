package vm

// Debugger installs function-entry breakpoints that fire when dispatch is
// about to execute a function's very first instruction. At most one
// breakpoint may be installed per function at a time.
//
// A Function is an append-only Value stream interpreted by a shared
// dispatch loop, so there is no per-function entry handler to splice a
// trampoline into. Instead, dispatch consults the installed Debugger at
// the two places a function is entered (Invoke's initial IP=0, and Call's
// callee IP=0). The hook fires exactly once per entry, and functions
// without a breakpoint pay no per-instruction overhead.
type Debugger struct {
	breaks map[string]*breakpoint
}

type breakpoint struct {
	hook func(name string, ctx *ExecContext)
}

// NewDebugger creates a debugger with no breakpoints installed.
func NewDebugger() *Debugger {
	return &Debugger{breaks: map[string]*breakpoint{}}
}

// Break installs a function-entry breakpoint on the function named name.
// hook runs synchronously, before the function's first instruction
// dispatches; its ExecContext exposes the value stack as it stands at
// entry (parameters already pushed by the caller) but carries no
// immediates of its own. Installing a second breakpoint on a function
// that already has one is a hardened-mode contract violation.
func (d *Debugger) Break(name string, hook func(name string, ctx *ExecContext)) {
	requireHardenedErr(d.breaks[name] == nil, ErrDuplicateBreakpoint, "vm: Debugger.Break "+name)
	if d.breaks[name] != nil {
		return
	}
	d.breaks[name] = &breakpoint{hook: hook}
}

// Clear removes the breakpoint on name, if any.
func (d *Debugger) Clear(name string) {
	delete(d.breaks, name)
}

// fire is called by the dispatch loop whenever it is about to execute
// fn's first instruction.
func (d *Debugger) fire(fn *Function, stack *ValueStack) {
	bp, ok := d.breaks[fn.name]
	if !ok {
		return
	}
	Log.WithField("function", fn.name).Info("breakpoint hit")
	if bp.hook != nil {
		bp.hook(fn.name, &ExecContext{stack: stack})
	}
}
