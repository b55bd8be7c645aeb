package vm_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"stackvm/stdinst"
	"stackvm/vm"
)

func TestSerializeDeserializeFibonacci(t *testing.T) {
	frag, _ := buildFibonacci(t)
	set := frag.InstructionSet()

	var buf bytes.Buffer
	w := vm.NewWriter(&buf, set)
	require.NoError(t, w.WriteFragment(frag))

	r := vm.NewReader(&buf, set)
	frag2, err := r.ReadFragment()
	require.NoError(t, err)

	fn2 := frag2.FunctionByName("fib")
	require.NotNil(t, fn2)
	require.Equal(t, int64(610), invokeFib(frag2, fn2, 15))
}

// TestRoundTripCellEquality checks that deserialize(serialize(P)) yields
// functions whose raw instruction cells are identical to P's, cell for
// cell.
func TestRoundTripCellEquality(t *testing.T) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	pushI64 := stdinst.OpcodeFor(set, "push_i64")
	add := stdinst.OpcodeFor(set, "add_i64")

	_, fn := frag.Declare("addTwo", 0, 1)
	fn.Append(pushI64, vm.New(int64(40)))
	fn.Append(pushI64, vm.New(int64(2)))
	fn.Append(add)
	fn.Append(vm.OpReturn)

	var buf bytes.Buffer
	require.NoError(t, vm.NewWriter(&buf, set).WriteFragment(frag))

	frag2, err := vm.NewReader(&buf, set).ReadFragment()
	require.NoError(t, err)
	fn2 := frag2.FunctionByName("addTwo")
	require.NotNil(t, fn2)

	require.Equal(t, fn.Len(), fn2.Len())
	for i := 0; i < fn.Len(); i++ {
		ix := vm.InstructionIndex(i)
		require.Equal(t, fn.At(ix).Raw(), fn2.At(ix).Raw(), "cell %d", i)
	}
}

func TestDeserializeTruncatedInputReturnsError(t *testing.T) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	_, fn := frag.Declare("f", 0, 0)
	fn.Append(vm.OpReturn)

	var buf bytes.Buffer
	require.NoError(t, vm.NewWriter(&buf, set).WriteFragment(frag))

	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := vm.NewReader(bytes.NewReader(truncated), set).ReadFragment()
	require.Error(t, err)
}

func TestDeserializeUnknownOpcodeReturnsError(t *testing.T) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	_, fn := frag.Declare("f", 0, 0)
	fn.Append(vm.OpReturn)

	var buf bytes.Buffer
	require.NoError(t, vm.NewWriter(&buf, set).WriteFragment(frag))

	// The body is the final two bytes of the wire image (a lone return
	// opcode); overwrite it with an opcode far past the set's size.
	wire := buf.Bytes()
	wire[len(wire)-2] = 0xff
	wire[len(wire)-1] = 0xff

	_, err := vm.NewReader(bytes.NewReader(wire), set).ReadFragment()
	require.ErrorIs(t, err, vm.ErrMalformedWire)
}

func TestFunctionSignatureRoundTrips(t *testing.T) {
	set := stdinst.Standard()
	frag := vm.NewProgramFragment(set)
	_, fn := frag.Declare("sig", 3, 2)
	fn.Append(vm.OpReturn)

	var buf bytes.Buffer
	require.NoError(t, vm.NewWriter(&buf, set).WriteFragment(frag))
	frag2, err := vm.NewReader(&buf, set).ReadFragment()
	require.NoError(t, err)

	fn2 := frag2.FunctionByName("sig")
	require.Equal(t, 3, fn2.Parameters)
	require.Equal(t, 2, fn2.Returns)
}
