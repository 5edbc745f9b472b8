package binary

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Reader decodes wasm primitives from a byte slice. Failures are returned as
// diagnostics located at the offending offset.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Position returns the current offset.
func (r *Reader) Position() int { return r.pos }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.data) - r.pos }

// Sub returns a reader over the next n bytes and advances past them. The
// sub-reader reports offsets relative to the parent's data.
func (r *Reader) Sub(n int, what string) (*Reader, error) {
	if n < 0 || n > r.Len() {
		return nil, r.errorf("%s extends past end of data", what)
	}
	sub := &Reader{data: r.data[:r.pos+n], pos: r.pos}
	r.pos += n
	return sub, nil
}

func (r *Reader) errorf(format string, args ...any) *Diagnostic {
	return Errorf(Loc{Offset: r.pos}, format, args...)
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.errorf("unable to read u8: unexpected end of data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes reads exactly n bytes. The result aliases the input.
func (r *Reader) ReadBytes(n int, what string) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, r.errorf("unable to read %s: unexpected end of data", what)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) leb(maxBytes int, what string) (uint64, byte, int, error) {
	var result uint64
	var shift uint
	start := r.pos
	for i := 0; ; i++ {
		if i == maxBytes {
			r.pos = start
			return 0, 0, 0, r.errorf("unable to read %s: leb128 too long", what)
		}
		if r.pos >= len(r.data) {
			r.pos = start
			return 0, 0, 0, r.errorf("unable to read %s: unexpected end of data", what)
		}
		b := r.data[r.pos]
		r.pos++
		result |= uint64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			return result, b, int(shift), nil
		}
	}
}

// ReadU32 reads an unsigned LEB128 u32.
func (r *Reader) ReadU32(what string) (uint32, error) {
	v, _, _, err := r.leb(5, what)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, r.errorf("unable to read %s: value out of range", what)
	}
	return uint32(v), nil
}

// ReadS32 reads a signed LEB128 i32.
func (r *Reader) ReadS32(what string) (int32, error) {
	v, last, shift, err := r.leb(5, what)
	if err != nil {
		return 0, err
	}
	if shift < 64 && last&0x40 != 0 {
		v |= ^uint64(0) << shift
	}
	n := int64(v)
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, r.errorf("unable to read %s: value out of range", what)
	}
	return int32(n), nil
}

// ReadS33 reads the signed 33-bit LEB128 used for block type indices.
func (r *Reader) ReadS33(what string) (int64, error) {
	v, last, shift, err := r.leb(5, what)
	if err != nil {
		return 0, err
	}
	if shift < 64 && last&0x40 != 0 {
		v |= ^uint64(0) << shift
	}
	return int64(v), nil
}

// ReadS64 reads a signed LEB128 i64.
func (r *Reader) ReadS64(what string) (int64, error) {
	v, last, shift, err := r.leb(10, what)
	if err != nil {
		return 0, err
	}
	if shift < 64 && last&0x40 != 0 {
		v |= ^uint64(0) << shift
	}
	return int64(v), nil
}

// ReadF32 reads a little-endian f32 as raw bits.
func (r *Reader) ReadF32(what string) (uint32, error) {
	b, err := r.ReadBytes(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadF64 reads a little-endian f64 as raw bits.
func (r *Reader) ReadF64(what string) (uint64, error) {
	b, err := r.ReadBytes(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadName reads a length-prefixed UTF-8 name.
func (r *Reader) ReadName(what string) (string, error) {
	n, err := r.ReadU32(what + " length")
	if err != nil {
		return "", err
	}
	start := r.pos
	b, err := r.ReadBytes(int(n), what)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", Errorf(Loc{Offset: start}, "invalid utf-8 encoding in %s", what)
	}
	return string(b), nil
}
