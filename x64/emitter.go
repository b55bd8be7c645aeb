// Package x64 is a minimal x86-64 code generator, interfaced through the
// shape a JIT loader would consume: a flat, position-independent byte
// buffer. Emitted bytes are verified in tests by decoding them back with
// golang.org/x/arch/x86/x86asm rather than by re-implementing a
// disassembler of our own.
//
// The scope is the lowering contract only: turning the simplest SSA
// shapes (constants, adds, a single return slot) into well-formed machine
// code. Register allocation happens upstream, in vm's coalescing pass.
package x64

import "encoding/binary"

// Register names the small set of general-purpose 64-bit registers this
// minimal emitter addresses directly; it is not a general register
// allocator (that is register coalescing's job, vm.Coalesce, upstream of
// this package).
type Register byte

const (
	RAX Register = 0
	RCX Register = 1
	RDX Register = 2
	RBX Register = 3
)

// Builder accumulates raw instruction bytes for a single function body.
// It has no knowledge of labels or relocations beyond what Emit* methods
// need locally; mapping the buffer executable is the loader's job, not
// this package's.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty instruction buffer.
func NewBuilder() *Builder { return &Builder{} }

// Bytes returns the accumulated machine code.
func (b *Builder) Bytes() []byte { return b.buf }

// Len reports how many bytes have been emitted so far.
func (b *Builder) Len() int { return len(b.buf) }

// MovImm64 emits `mov reg, imm64` (REX.W + B8+reg + imm64 little-endian),
// the canonical way to materialize a 64-bit constant that does not fit a
// 32-bit immediate.
func (b *Builder) MovImm64(reg Register, imm uint64) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x01 // REX.B, extends the B8+reg opcode register field
	}
	b.buf = append(b.buf, rex, 0xB8+byte(reg&0x7))
	var imm8 [8]byte
	binary.LittleEndian.PutUint64(imm8[:], imm)
	b.buf = append(b.buf, imm8[:]...)
}

// AddRegReg emits `add dst, src` (REX.W + 01 /r) in register-register
// form, the shape a Kind's x64 emitter hook would produce for an Add
// instruction lowered from SSA.
func (b *Builder) AddRegReg(dst, src Register) {
	modrm := byte(0xC0) | (byte(src&0x7) << 3) | byte(dst&0x7)
	b.buf = append(b.buf, 0x48, 0x01, modrm)
}

// Ret emits a near return (C3), ending the function body.
func (b *Builder) Ret() {
	b.buf = append(b.buf, 0xC3)
}

// EmitConstantReturn assembles the smallest possible function body that
// returns a compile-time int64 constant in RAX: `mov rax, imm64; ret`.
// It stands in for the trivial SSA shape (a single block, no parameters,
// Return of one immediate) that a constant-folded lowering would produce,
// without requiring this package to understand the full SSA pipeline
// upstream of it.
func EmitConstantReturn(v int64) []byte {
	b := NewBuilder()
	b.MovImm64(RAX, uint64(v))
	b.Ret()
	return b.Bytes()
}

// EmitAddReturn assembles `mov rax, a; mov rcx, b; add rax, rcx; ret`,
// the shape a lowered Add SSA instruction with two constant operands
// takes once register coalescing has assigned both operands distinct
// physical registers.
func EmitAddReturn(a, c int64) []byte {
	b := NewBuilder()
	b.MovImm64(RAX, uint64(a))
	b.MovImm64(RCX, uint64(c))
	b.AddRegReg(RAX, RCX)
	b.Ret()
	return b.Bytes()
}
