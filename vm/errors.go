package vm

import (
	stderrors "errors"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// Hardened controls whether contract violations (stack underflow, frame
// underflow, unknown opcode, malformed jump target, value type mismatch,
// duplicate breakpoint, ...) are diagnosed and aborted. With Hardened
// false, the corresponding preconditions are simply not checked and
// violating them is undefined behavior.
var Hardened = true

// Sentinel errors for contract violations raised in hardened mode.
// Compare against these with errors.Is; wrapping preserves them.
var (
	ErrStackUnderflow      = stderrors.New("vm: pop from an empty value stack")
	ErrFrameUnderflow      = stderrors.New("vm: return with an empty call stack below the landing pad")
	ErrUnknownOpcode       = stderrors.New("vm: opcode not found in instruction set")
	ErrMalformedJump       = stderrors.New("vm: jump target outside the instruction stream")
	ErrValueTypeMismatch   = stderrors.New("vm: value type mismatch")
	ErrDuplicateBreakpoint = stderrors.New("vm: function already has a breakpoint installed")
	ErrUnknownFunction     = stderrors.New("vm: reference to an unknown function")
	ErrSetValueOutOfRange  = stderrors.New("vm: set_value index out of the instruction's immediate range")
)

// requireHardened aborts the program (via panic, caught only by tests that
// explicitly want to observe the contract violation) when Hardened is true
// and cond is false. It is a no-op, meaning the caller proceeds with
// whatever undefined consequence follows, when Hardened is false.
func requireHardened(cond bool, format string, args ...any) {
	if cond || !Hardened {
		return
	}
	Log.Errorf(format, args...)
	panic(fmt.Sprintf(format, args...))
}

// requireHardenedErr is like requireHardened but panics with a specific
// sentinel error (optionally wrapped with extra context), so callers that
// recover can distinguish failure modes via errors.Is.
func requireHardenedErr(cond bool, sentinel error, context string) {
	if cond || !Hardened {
		return
	}
	err := errors.Wrap(sentinel, context)
	Log.WithError(err).Error("contract violation")
	panic(err)
}

// abortTypeMismatch raises the hardened-mode diagnostic for a typed read
// that disagrees with the Value's stored tag. Split out of As so the
// mismatch message is only built on the failing path.
func abortTypeMismatch(stored, requested reflect.Type) {
	err := errors.Wrapf(ErrValueTypeMismatch, "stored %v, requested %v", stored, requested)
	Log.WithError(err).Error("contract violation")
	panic(err)
}
