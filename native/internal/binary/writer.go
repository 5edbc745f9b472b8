package binary

import (
	"bytes"
	"encoding/binary"
)

// Writer accumulates an encoded module.
type Writer struct {
	buf bytes.Buffer
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return w.buf.Len() }

// Byte writes a single byte.
func (w *Writer) Byte(b byte) { w.buf.WriteByte(b) }

// WriteBytes writes b as is.
func (w *Writer) WriteBytes(b []byte) { w.buf.Write(b) }

// WriteU32 writes an unsigned LEB128 u32 in its shortest form.
func (w *Writer) WriteU32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// WriteFixedU32 writes v as a five byte LEB128, the padded form used for
// sizes patched after the fact.
func (w *Writer) WriteFixedU32(v uint32) {
	for i := 0; i < 4; i++ {
		w.buf.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
	w.buf.WriteByte(byte(v & 0x7f))
}

// WriteS64 writes a signed LEB128 in its shortest form.
func (w *Writer) WriteS64(v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			w.buf.WriteByte(b)
			return
		}
		w.buf.WriteByte(b | 0x80)
	}
}

// WriteF32 writes raw f32 bits little-endian.
func (w *Writer) WriteF32(bits uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], bits)
	w.buf.Write(b[:])
}

// WriteF64 writes raw f64 bits little-endian.
func (w *Writer) WriteF64(bits uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], bits)
	w.buf.Write(b[:])
}

// WriteName writes a length-prefixed name.
func (w *Writer) WriteName(s string) {
	w.WriteU32(uint32(len(s)))
	w.buf.WriteString(s)
}
