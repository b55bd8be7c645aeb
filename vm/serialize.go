package vm

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Wire-format errors are returned, not panicked, even in Hardened mode:
// malformed or truncated input is an ordinary, expected failure of
// untrusted data, distinct from a contract violation by the caller's own
// code.
var (
	ErrTruncated      = errors.New("vm: truncated wire data")
	ErrMalformedWire  = errors.New("vm: malformed wire data")
	ErrVarintTooWide  = errors.New("vm: variable-length integer exceeds 8 bytes")
	ErrUnknownFuncRef = errors.New("vm: cross-function reference to undeclared function")
	ErrBodyTooLarge   = errors.New("vm: function body exceeds the wire format's uint16 length field")
)

// wireWriter is the serialization sink: write N bytes, write one byte,
// reserve a slot and return its cursor for a later back-patch, read the
// current cursor, and random-access write at a prior cursor. The buffer is
// handed to the caller's io.Writer in one piece once every back-patch has
// landed.
type wireWriter struct {
	buf []byte
}

func (w *wireWriter) write(b []byte)   { w.buf = append(w.buf, b...) }
func (w *wireWriter) writeByte(b byte) { w.buf = append(w.buf, b) }
func (w *wireWriter) cursor() int      { return len(w.buf) }

// reserve appends n zero bytes and returns the cursor of the first, to be
// filled in by a patch call once the value is known.
func (w *wireWriter) reserve(n int) int {
	cur := len(w.buf)
	w.buf = append(w.buf, make([]byte, n)...)
	return cur
}

func (w *wireWriter) patchFixed32(cur int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[cur:], v)
}

func (w *wireWriter) patchFixed16(cur int, v uint16) {
	binary.LittleEndian.PutUint16(w.buf[cur:], v)
}

func (w *wireWriter) writeFixed16(v uint16) { w.buf = appendFixed16(w.buf, v) }
func (w *wireWriter) writeFixed32(v uint32) { w.buf = appendFixed32(w.buf, v) }
func (w *wireWriter) writeVarint(n int64)   { w.buf = appendVarint(w.buf, n) }

// writeName writes a function name as a fixed uint32 length followed by
// the name's bytes, used both for a function's own declared name and for
// a cross-function reference immediate.
func (w *wireWriter) writeName(s string) {
	w.writeFixed32(uint32(len(s)))
	w.write([]byte(s))
}

// Writer serializes a ProgramFragment to the binary wire format: a
// fragment header, a declaration table (one reserved byte-offset slot,
// name, and arity per function), then each function's body prefixed by a
// back-patched uint16 length, with the declaration table's offset slot
// patched to the body's position. Each instruction's opcode cell is a
// fixed uint16; Call's immediate is two variable-length integers
// ({parameters, returns}) and Jump/JumpIf/JumpIfNot's is one
// variable-length integer (the branch offset). An immediate that holds a
// FunctionRef (as flagged by the owning Kind's FunctionRefImmediates) is
// written as a cross-function name reference, the name-length+name-bytes
// pair of the referenced function, not as a raw cell. Because every
// declaration precedes every body, a reader has registered all names
// before the first reference resolves, which is what lets recursive and
// mutually-recursive programs round-trip.
type Writer struct {
	w   io.Writer
	set *InstructionSet
}

// NewWriter wraps w for serializing fragments assembled against set.
func NewWriter(w io.Writer, set *InstructionSet) *Writer {
	return &Writer{w: w, set: set}
}

// WriteFragment serializes p in full. It returns a wrapped error rather
// than panicking on any failure; nothing reaches the underlying io.Writer
// unless the whole fragment encoded cleanly.
func (wr *Writer) WriteFragment(p *ProgramFragment) error {
	w := &wireWriter{}

	idBytes, _ := p.id.MarshalBinary()
	w.writeFixed32(uint32(len(idBytes)))
	w.write(idBytes)

	names := p.Names()
	w.writeFixed32(uint32(len(names)))

	// Declaration table: a reserved offset slot per function, back-patched
	// below once the body's position is known.
	offsetSlots := make([]int, len(names))
	for i, name := range names {
		fn := p.FunctionByName(name)
		offsetSlots[i] = w.reserve(4)
		w.writeName(name)
		w.writeVarint(int64(fn.Parameters))
		w.writeVarint(int64(fn.Returns))
	}

	for i, name := range names {
		fn := p.FunctionByName(name)
		w.patchFixed32(offsetSlots[i], uint32(w.cursor()))
		lengthSlot := w.reserve(2)
		bodyStart := w.cursor()
		if err := renderBody(w, p, wr.set, fn); err != nil {
			return errors.Wrapf(err, "vm: write function %q", name)
		}
		bodyLen := w.cursor() - bodyStart
		if bodyLen > math.MaxUint16 {
			return errors.Wrapf(ErrBodyTooLarge, "vm: function %q body is %d bytes", name, bodyLen)
		}
		w.patchFixed16(lengthSlot, uint16(bodyLen))
	}

	if _, err := wr.w.Write(w.buf); err != nil {
		return errors.Wrap(err, "vm: write fragment")
	}
	return nil
}

// renderBody encodes fn's instruction stream, one opcode cell plus its
// per-kind immediate payload at a time.
func renderBody(w *wireWriter, p *ProgramFragment, set *InstructionSet, fn *Function) error {
	ix := InstructionIndex(0)
	for int(ix) < fn.Len() {
		op := fn.opcodeAt(ix)
		meta := set.Metadata(op)
		w.writeFixed16(uint16(op))

		switch op {
		case OpCall:
			spec := As[InstructionSpecification](fn.At(ix + 1))
			w.writeVarint(int64(spec.Parameters))
			w.writeVarint(int64(spec.Returns))

		case OpJump, OpJumpIf, OpJumpIfNot:
			w.writeVarint(int64(As[int](fn.At(ix + 1))))

		case OpReturn:
			// No immediates.

		default:
			for i := 0; i < meta.ImmediateValueCount; i++ {
				cell := fn.At(ix + 1 + InstructionIndex(i))
				if isFunctionRefImmediate(meta, i) {
					ref := As[FunctionRef](cell)
					callee := p.Function(ref)
					if callee == nil {
						return errors.Wrapf(ErrUnknownFuncRef, "vm: cannot resolve function index %d", ref.Index)
					}
					w.writeName(callee.Name())
					continue
				}
				var raw [8]byte
				binary.LittleEndian.PutUint64(raw[:], cell.Raw())
				w.write(raw[:])
			}
		}

		ix += InstructionIndex(1 + meta.ImmediateValueCount)
	}
	return nil
}

func isFunctionRefImmediate(meta Metadata, i int) bool {
	for _, k := range meta.FunctionRefImmediates {
		if k == i {
			return true
		}
	}
	return false
}

// appendVarint appends n's wire encoding to buf and returns the grown
// slice: one length byte L covering everything that follows, then a
// one-byte sign marker and L-1 big-endian magnitude bytes, the minimum
// needed to represent |n|.
func appendVarint(buf []byte, n int64) []byte {
	neg := byte(0)
	mag := uint64(n)
	if n < 0 {
		neg = 1
		mag = uint64(-n)
	}
	var tmp [8]byte
	k := 0
	for mag > 0 {
		tmp[k] = byte(mag & 0xff)
		mag >>= 8
		k++
	}
	if k == 0 {
		k = 1 // zero still occupies one magnitude byte
	}
	buf = append(buf, byte(k+1), neg)
	for i := k - 1; i >= 0; i-- {
		buf = append(buf, tmp[i])
	}
	return buf
}

// readVarintAt decodes a variable-length integer from b starting at off,
// mirroring appendVarint's wire shape. It returns the value and the number
// of bytes consumed, length byte included.
func readVarintAt(b []byte, off int) (int64, int, error) {
	if off >= len(b) {
		return 0, 0, errors.Wrap(ErrTruncated, "vm: read varint length")
	}
	l := int(b[off])
	if l < 2 {
		return 0, 0, errors.Wrap(ErrMalformedWire, "vm: read varint length")
	}
	if l > 9 {
		return 0, 0, errors.Wrap(ErrVarintTooWide, "vm: read varint")
	}
	if off+1+l > len(b) {
		return 0, 0, errors.Wrap(ErrTruncated, "vm: read varint payload")
	}
	neg := b[off+1]
	var v uint64
	for _, bb := range b[off+2 : off+1+l] {
		v = (v << 8) | uint64(bb)
	}
	if neg != 0 {
		return -int64(v), 1 + l, nil
	}
	return int64(v), 1 + l, nil
}

func appendFixed16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendFixed32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// wireReader mirrors wireWriter: read N bytes at the current cursor, read
// one byte, skip N bytes, random-access repositioning to a prior cursor,
// and a remaining-size query. It operates over the fully buffered wire
// image so random access is cheap.
type wireReader struct {
	buf []byte
	pos int
}

func (r *wireReader) remaining() int { return len(r.buf) - r.pos }

func (r *wireReader) read(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errors.Wrap(ErrTruncated, what)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *wireReader) readByte(what string) (byte, error) {
	b, err := r.read(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *wireReader) skip(n int, what string) error {
	_, err := r.read(n, what)
	return err
}

// seek repositions the cursor to a prior back-patched offset.
func (r *wireReader) seek(pos int, what string) error {
	if pos < 0 || pos > len(r.buf) {
		return errors.Wrap(ErrMalformedWire, what)
	}
	r.pos = pos
	return nil
}

func (r *wireReader) readFixed16(what string) (uint16, error) {
	b, err := r.read(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *wireReader) readFixed32(what string) (uint32, error) {
	b, err := r.read(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *wireReader) readVarint(what string) (int64, error) {
	v, n, err := readVarintAt(r.buf, r.pos)
	if err != nil {
		return 0, errors.Wrap(err, what)
	}
	r.pos += n
	return v, nil
}

func (r *wireReader) readName(what string) (string, error) {
	n, err := r.readFixed32(what)
	if err != nil {
		return "", err
	}
	b, err := r.read(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Reader deserializes a ProgramFragment previously written by a Writer.
type Reader struct {
	r   io.Reader
	set *InstructionSet
}

// NewReader wraps r for deserializing fragments against set. The caller
// must use the same instruction set the fragment was written with: the
// wire format stores opcodes, not names, for instruction cells (function
// names are kept for cross-function reference resolution only).
func NewReader(r io.Reader, set *InstructionSet) *Reader {
	return &Reader{r: r, set: set}
}

// ReadFragment deserializes a fragment. It returns a wrapped error rather
// than panicking on truncated or malformed input. The declaration
// table is read first, registering every function's name with the new
// fragment, and each body is then decoded at the byte offset its
// declaration slot was back-patched with — so a cross-function reference
// immediate can resolve any function in the fragment regardless of
// declaration order, including forward and mutual recursion.
func (rd *Reader) ReadFragment() (*ProgramFragment, error) {
	wire, err := io.ReadAll(rd.r)
	if err != nil {
		return nil, errors.Wrap(err, "vm: read fragment")
	}
	r := &wireReader{buf: wire}

	idLen, err := r.readFixed32("vm: read fragment id length")
	if err != nil {
		return nil, err
	}
	if err := r.skip(int(idLen), "vm: read fragment id"); err != nil {
		return nil, err
	}

	count, err := r.readFixed32("vm: read function count")
	if err != nil {
		return nil, err
	}

	frag := NewProgramFragment(rd.set)
	type pending struct {
		fn     *Function
		offset int
	}
	bodies := make([]pending, 0, count)

	for i := uint32(0); i < count; i++ {
		offset, err := r.readFixed32("vm: read function offset")
		if err != nil {
			return nil, err
		}
		name, err := r.readName("vm: read function name")
		if err != nil {
			return nil, err
		}
		params, err := r.readVarint("vm: read parameter count")
		if err != nil {
			return nil, err
		}
		returns, err := r.readVarint("vm: read return count")
		if err != nil {
			return nil, err
		}
		_, fn := frag.Declare(name, int(params), int(returns))
		bodies = append(bodies, pending{fn: fn, offset: int(offset)})
	}

	for _, p := range bodies {
		if err := r.seek(p.offset, "vm: seek to function body"); err != nil {
			return nil, errors.Wrapf(err, "vm: function %q", p.fn.Name())
		}
		bodyLen, err := r.readFixed16("vm: read body length")
		if err != nil {
			return nil, err
		}
		body, err := r.read(int(bodyLen), "vm: read function body")
		if err != nil {
			return nil, errors.Wrapf(err, "vm: function %q", p.fn.Name())
		}
		if err := decodeBody(rd.set, frag, p.fn, body); err != nil {
			return nil, errors.Wrapf(err, "vm: function %q", p.fn.Name())
		}
	}
	return frag, nil
}

func decodeBody(set *InstructionSet, frag *ProgramFragment, fn *Function, body []byte) error {
	r := &wireReader{buf: body}
	for r.remaining() > 0 {
		rawOp, err := r.readFixed16("vm: opcode cell")
		if err != nil {
			return err
		}
		op := Opcode(rawOp)
		if int(op) >= set.Size() {
			return errors.Wrapf(ErrMalformedWire, "vm: opcode %d out of range", op)
		}
		meta := set.Metadata(op)

		switch op {
		case OpCall:
			params, err := r.readVarint("vm: call parameters")
			if err != nil {
				return err
			}
			returns, err := r.readVarint("vm: call returns")
			if err != nil {
				return err
			}
			fn.Append(op, New(InstructionSpecification{Parameters: int32(params), Returns: int32(returns)}))

		case OpJump, OpJumpIf, OpJumpIfNot:
			offset, err := r.readVarint("vm: jump offset")
			if err != nil {
				return err
			}
			fn.Append(op, New(int(offset)))

		case OpReturn:
			fn.Append(op)

		default:
			iv := fn.AppendWithPlaceholders(op, meta.ImmediateValueCount)
			for i := 0; i < meta.ImmediateValueCount; i++ {
				if isFunctionRefImmediate(meta, i) {
					name, err := r.readName("vm: function reference immediate")
					if err != nil {
						return err
					}
					ref, ok := frag.Lookup(name)
					if !ok {
						return errors.Wrapf(ErrUnknownFuncRef, "vm: function reference %q", name)
					}
					fn.SetValue(iv, i, New(ref))
					continue
				}
				raw, err := r.read(8, "vm: immediate cell")
				if err != nil {
					return err
				}
				var v Value
				v.SetRaw(binary.LittleEndian.Uint64(raw))
				fn.SetValue(iv, i, v)
			}
		}
	}
	return nil
}
