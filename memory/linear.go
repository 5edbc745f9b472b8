package memory

import "math"

// PageSize is the wasm page size in bytes.
const PageSize = 65536

// maxPages is the largest page count addressable with 32-bit offsets.
const maxPages = 65536

// Linear is a Go-owned growable linear memory.
type Linear struct {
	buf   []byte
	limit uint32
}

// NewLinear creates a memory of initial pages. A zero limit allows growth up
// to the 4 GiB address space.
func NewLinear(initial, limit uint32) *Linear {
	if limit == 0 || limit > maxPages {
		limit = maxPages
	}
	if initial > limit {
		initial = limit
	}
	return &Linear{
		buf:   make([]byte, uint64(initial)*PageSize),
		limit: limit,
	}
}

// Size returns the memory size in bytes, saturating at the largest uint32.
func (m *Linear) Size() uint32 {
	if uint64(len(m.buf)) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(len(m.buf))
}

// Pages returns the memory size in pages.
func (m *Linear) Pages() uint32 {
	return uint32(uint64(len(m.buf)) / PageSize)
}

// Read returns a view of byteCount bytes at offset.
func (m *Linear) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset:end:end], true
}

// Write copies v to offset.
func (m *Linear) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// Grow extends the memory by deltaPages zeroed pages and returns the previous
// page count, following memory.grow.
func (m *Linear) Grow(deltaPages uint32) (uint32, bool) {
	prev := m.Pages()
	if uint64(prev)+uint64(deltaPages) > uint64(m.limit) {
		return prev, false
	}
	if deltaPages == 0 {
		return prev, true
	}
	grown := make([]byte, uint64(prev+deltaPages)*PageSize)
	copy(grown, m.buf)
	m.buf = grown
	return prev, true
}
