// Package memory provides typed access to a module's linear memory.
//
// Addresses are plain byte offsets. Values are little-endian and may be
// unaligned. Every access is bounds-checked; an access outside the current
// memory size is a fatal error (see errors.Fatal).
package memory

import (
	"encoding/binary"
	"math"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/errors"
)

// Accessor reads and writes primitive values at byte addresses.
type Accessor struct {
	mem wabtgo.Memory
}

// NewAccessor wraps mem.
func NewAccessor(mem wabtgo.Memory) *Accessor {
	return &Accessor{mem: mem}
}

// Memory returns the underlying memory.
func (a *Accessor) Memory() wabtgo.Memory {
	return a.mem
}

// Size returns the current memory size in bytes.
func (a *Accessor) Size() uint32 {
	return a.mem.Size()
}

// InBounds reports whether [addr, addr+n) lies inside memory.
func (a *Accessor) InBounds(addr, n uint32) bool {
	return uint64(addr)+uint64(n) <= uint64(a.mem.Size())
}

func (a *Accessor) view(addr, n uint32) []byte {
	if !a.InBounds(addr, n) {
		errors.Fatal(errors.OutOfBounds(addr, n, a.mem.Size()))
	}
	b, ok := a.mem.Read(addr, n)
	if !ok {
		errors.Fatal(errors.OutOfBounds(addr, n, a.mem.Size()))
	}
	return b
}

func (a *Accessor) write(addr uint32, b []byte) {
	if !a.InBounds(addr, uint32(len(b))) || !a.mem.Write(addr, b) {
		errors.Fatal(errors.OutOfBounds(addr, uint32(len(b)), a.mem.Size()))
	}
}

func (a *Accessor) LoadU8(addr uint32) uint8 { return a.view(addr, 1)[0] }
func (a *Accessor) LoadI8(addr uint32) int8  { return int8(a.LoadU8(addr)) }

func (a *Accessor) LoadU16(addr uint32) uint16 {
	return binary.LittleEndian.Uint16(a.view(addr, 2))
}

func (a *Accessor) LoadI16(addr uint32) int16 { return int16(a.LoadU16(addr)) }

func (a *Accessor) LoadU32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(a.view(addr, 4))
}

func (a *Accessor) LoadI32(addr uint32) int32 { return int32(a.LoadU32(addr)) }

func (a *Accessor) LoadU64(addr uint32) uint64 {
	return binary.LittleEndian.Uint64(a.view(addr, 8))
}

func (a *Accessor) LoadI64(addr uint32) int64 { return int64(a.LoadU64(addr)) }

func (a *Accessor) LoadF32(addr uint32) float32 {
	return math.Float32frombits(a.LoadU32(addr))
}

func (a *Accessor) LoadF64(addr uint32) float64 {
	return math.Float64frombits(a.LoadU64(addr))
}

func (a *Accessor) StoreU8(addr uint32, v uint8) { a.write(addr, []byte{v}) }
func (a *Accessor) StoreI8(addr uint32, v int8)  { a.StoreU8(addr, uint8(v)) }

func (a *Accessor) StoreU16(addr uint32, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	a.write(addr, b[:])
}

func (a *Accessor) StoreI16(addr uint32, v int16) { a.StoreU16(addr, uint16(v)) }

func (a *Accessor) StoreU32(addr uint32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.write(addr, b[:])
}

func (a *Accessor) StoreI32(addr uint32, v int32) { a.StoreU32(addr, uint32(v)) }

func (a *Accessor) StoreU64(addr uint32, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	a.write(addr, b[:])
}

func (a *Accessor) StoreI64(addr uint32, v int64) { a.StoreU64(addr, uint64(v)) }

func (a *Accessor) StoreF32(addr uint32, v float32) {
	a.StoreU32(addr, math.Float32bits(v))
}

func (a *Accessor) StoreF64(addr uint32, v float64) {
	a.StoreU64(addr, math.Float64bits(v))
}

// Bytes returns a copy of n bytes at addr.
func (a *Accessor) Bytes(addr, n uint32) []byte {
	out := make([]byte, n)
	copy(out, a.view(addr, n))
	return out
}

// View returns n bytes at addr aliasing memory. The slice is invalidated by
// any call that may grow memory.
func (a *Accessor) View(addr, n uint32) []byte {
	return a.view(addr, n)
}

// WriteBytes copies b into memory at addr.
func (a *Accessor) WriteBytes(addr uint32, b []byte) {
	a.write(addr, b)
}

// Zero clears n bytes at addr.
func (a *Accessor) Zero(addr, n uint32) {
	if n == 0 {
		a.view(addr, 0)
		return
	}
	a.write(addr, make([]byte, n))
}

// String decodes n bytes at addr.
func (a *Accessor) String(addr, n uint32) string {
	return string(a.view(addr, n))
}

// CString decodes the null-terminated byte run starting at addr. A run that
// reaches the end of memory without a terminator is out of bounds.
func (a *Accessor) CString(addr uint32) string {
	size := a.mem.Size()
	if addr >= size {
		errors.Fatal(errors.OutOfBounds(addr, 1, size))
	}
	rest := a.view(addr, size-addr)
	for i, c := range rest {
		if c == 0 {
			return string(rest[:i])
		}
	}
	errors.Fatal(errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
		Value(addr).
		Detail("unterminated string at 0x%x", addr).
		Build())
	return ""
}

// WriteCString stores s followed by a null byte at addr.
func (a *Accessor) WriteCString(addr uint32, s string) {
	b := make([]byte, len(s)+1)
	copy(b, s)
	a.write(addr, b)
}
