package vm

import "github.com/google/uuid"

// FunctionRef is a stable, 32-bit reference to a function owned by a
// ProgramFragment. It is small enough to live inside a single Value,
// which is how a Call instruction's callee operand is represented on the
// value stack and in the instruction stream's immediates.
type FunctionRef struct {
	Index uint32
}

// ProgramFragment is a name -> function map with stable indices; functions
// within a fragment may reference one another by FunctionRef. Functions
// are owned exclusively by their fragment.
type ProgramFragment struct {
	id        uuid.UUID
	set       *InstructionSet
	functions []*Function
	byName    map[string]FunctionRef
}

// NewProgramFragment creates an empty fragment whose functions will all be
// assembled against set.
func NewProgramFragment(set *InstructionSet) *ProgramFragment {
	return &ProgramFragment{
		id:     uuid.New(),
		set:    set,
		byName: make(map[string]FunctionRef),
	}
}

// ID returns a stable identifier for this fragment. The Writer emits it as
// a wire-format header, which the Reader skips without checking; it has
// no bearing on program semantics.
func (p *ProgramFragment) ID() uuid.UUID { return p.id }

// Declare creates a new function named name with the given signature,
// owned by this fragment, and returns both its stable FunctionRef and a
// mutable handle to append instructions to it.
func (p *ProgramFragment) Declare(name string, parameters, returns int) (FunctionRef, *Function) {
	ref := FunctionRef{Index: uint32(len(p.functions))}
	fn := NewFunction(name, parameters, returns, p.set)
	fn.entrySelf = ref
	p.functions = append(p.functions, fn)
	p.byName[name] = ref
	return ref, fn
}

// Lookup resolves a name to its FunctionRef.
func (p *ProgramFragment) Lookup(name string) (FunctionRef, bool) {
	ref, ok := p.byName[name]
	return ref, ok
}

// Function returns the function referenced by ref.
func (p *ProgramFragment) Function(ref FunctionRef) *Function {
	requireHardenedErr(int(ref.Index) < len(p.functions), ErrUnknownFunction, "vm: ProgramFragment.Function")
	if int(ref.Index) >= len(p.functions) {
		return nil
	}
	return p.functions[ref.Index]
}

// FunctionByName returns the function named name, or nil if none exists.
func (p *ProgramFragment) FunctionByName(name string) *Function {
	ref, ok := p.byName[name]
	if !ok {
		return nil
	}
	return p.Function(ref)
}

// InstructionSet returns the instruction set this fragment's functions are
// assembled against.
func (p *ProgramFragment) InstructionSet() *InstructionSet { return p.set }

// Names returns the declared function names, in declaration order.
func (p *ProgramFragment) Names() []string {
	names := make([]string, len(p.functions))
	for name, ref := range p.byName {
		names[ref.Index] = name
	}
	return names
}

// Len reports how many functions this fragment owns.
func (p *ProgramFragment) Len() int { return len(p.functions) }
