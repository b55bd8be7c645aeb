package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	cases := []int64{
		0, 1, -1, 2, 127, -128, 255, -255, 256, -256,
		65535, -65536, 1 << 24, -(1 << 24), 1 << 31, -(1 << 31),
		1<<56 - 1, math.MaxInt64, math.MinInt64,
	}
	for _, n := range cases {
		wire := appendVarint(nil, n)
		got, consumed, err := readVarintAt(wire, 0)
		require.NoError(t, err, "n=%d", n)
		require.Equal(t, n, got, "n=%d", n)
		require.Equal(t, len(wire), consumed, "reader must consume exactly the bytes the writer produced (n=%d)", n)
	}
}

func TestVarintEncodingIsMinimal(t *testing.T) {
	// 0..255 fit a single magnitude byte: length byte, sign marker, one
	// magnitude byte.
	require.Len(t, appendVarint(nil, 0), 3)
	require.Len(t, appendVarint(nil, 255), 3)
	require.Len(t, appendVarint(nil, 256), 4)
	require.Len(t, appendVarint(nil, math.MaxInt64), 10)
}

func TestVarintRejectsMalformedLength(t *testing.T) {
	_, _, err := readVarintAt([]byte{10, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 0)
	require.ErrorIs(t, err, ErrVarintTooWide)

	_, _, err = readVarintAt([]byte{1, 0}, 0)
	require.ErrorIs(t, err, ErrMalformedWire)

	_, _, err = readVarintAt([]byte{5, 0, 1}, 0)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestFixedWidthRoundTrip(t *testing.T) {
	for _, v := range []uint16{0, 1, 0x1234, math.MaxUint16} {
		r := &wireReader{buf: appendFixed16(nil, v)}
		got, err := r.readFixed16("test")
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Zero(t, r.remaining())
	}
	for _, v := range []uint32{0, 1, 0xdeadbeef, math.MaxUint32} {
		r := &wireReader{buf: appendFixed32(nil, v)}
		got, err := r.readFixed32("test")
		require.NoError(t, err)
		require.Equal(t, v, got)
		require.Zero(t, r.remaining())
	}
}

func TestWireWriterBackPatch(t *testing.T) {
	w := &wireWriter{}
	slot := w.reserve(4)
	w.write([]byte("body"))
	w.patchFixed32(slot, uint32(w.cursor()))

	r := &wireReader{buf: w.buf}
	patched, err := r.readFixed32("test")
	require.NoError(t, err)
	require.Equal(t, uint32(8), patched)
	require.Equal(t, 4, r.remaining())
}
