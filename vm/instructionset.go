package vm

// InstructionSet is the closed, ordered list of instruction kinds a
// function is assembled against. The five built-ins are always present at
// opcodes 0..4; user-supplied kinds are deduplicated by name and appended
// starting at opcode 5, in first-seen order.
type InstructionSet struct {
	kinds    []Kind
	metadata []Metadata
	byName   map[string]Opcode
}

// NewInstructionSet builds an InstructionSet from a flat list of
// user-supplied Kinds. Kinds with a repeated Name are collapsed to a
// single opcode; every other Kind is assumed distinct.
func NewInstructionSet(kinds ...Kind) *InstructionSet {
	set := &InstructionSet{
		byName: make(map[string]Opcode, len(kinds)+5),
	}

	builtins := builtinMetadata()
	set.metadata = append(set.metadata, builtins[:]...)
	for op, m := range builtins {
		if m.Name != "" {
			set.byName[m.Name] = Opcode(op)
		}
	}

	seen := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k.Name != "" && seen[k.Name] {
			continue
		}
		if k.Name != "" {
			seen[k.Name] = true
		}
		set.kinds = append(set.kinds, k)
		op := Opcode(len(set.metadata))
		set.metadata = append(set.metadata, Metadata{
			Name:                k.Name,
			ImmediateValueCount: k.ImmediateValueCount,
			ParameterCount:      k.ParameterCount,
			ReturnCount:         k.ReturnCount,
			ConsumesInput:       k.ConsumesInput,
			HasState:            k.HasState,

			FunctionRefImmediates: k.FunctionRefImmediates,

			Handler:  k.Handler,
			Identify: k.Identify,
		})
		if k.Name != "" {
			set.byName[k.Name] = op
		}
	}
	return set
}

// Size returns the number of opcodes in the set, built-ins included.
func (s *InstructionSet) Size() int { return len(s.metadata) }

// Metadata returns the derived calling-convention information for opcode
// op. Looking up an out-of-range opcode is a hardened-mode contract
// violation.
func (s *InstructionSet) Metadata(op Opcode) Metadata {
	requireHardenedErr(int(op) < len(s.metadata), ErrUnknownOpcode, "vm: instruction set metadata lookup")
	if int(op) >= len(s.metadata) {
		return Metadata{}
	}
	return s.metadata[op]
}

// OpcodeFor returns the opcode assigned to the kind with the given name,
// and whether a kind with that name exists in this set. Built-in kinds are
// addressable by their lower-case names ("call", "jump", "jump_if",
// "jump_if_not", "return").
func (s *InstructionSet) OpcodeFor(name string) (Opcode, bool) {
	op, ok := s.byName[name]
	return op, ok
}

// HasFunctionState reports whether any instruction in the set carries
// per-function state, which determines whether call frames need a state
// tuple at all.
func (s *InstructionSet) HasFunctionState() bool {
	for _, k := range s.kinds {
		if k.HasState {
			return true
		}
	}
	return false
}
