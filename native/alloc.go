package native

import (
	"fmt"
	"math"
	"slices"

	"github.com/wippyai/wabt-go/memory"
)

const (
	// heapBase keeps the null page and the static return area out of the
	// heap.
	heapBase   = 1024
	allocAlign = 8
)

type span struct {
	addr uint32
	size uint32
}

// allocator is a first-fit allocator over linear memory. Free spans are
// kept sorted and coalesced; a span that reaches the top of the heap is
// returned to the untouched region.
type allocator struct {
	mem  *memory.Linear
	live map[uint32]uint32
	free []span
	top  uint32
}

func newAllocator(mem *memory.Linear) *allocator {
	return &allocator{mem: mem, live: make(map[uint32]uint32), top: heapBase}
}

func alignSize(size uint32) (uint32, bool) {
	if size == 0 {
		size = 1
	}
	if size > math.MaxUint32-(allocAlign-1) {
		return 0, false
	}
	return (size + allocAlign - 1) &^ (allocAlign - 1), true
}

// alloc returns the address of size bytes, or 0 when memory cannot grow.
// The block is not cleared.
func (a *allocator) alloc(size uint32) uint32 {
	n, ok := alignSize(size)
	if !ok {
		return 0
	}
	for i, s := range a.free {
		if s.size < n {
			continue
		}
		if s.size == n {
			a.free = slices.Delete(a.free, i, i+1)
		} else {
			a.free[i] = span{addr: s.addr + n, size: s.size - n}
		}
		a.live[s.addr] = n
		return s.addr
	}

	end := uint64(a.top) + uint64(n)
	if end > math.MaxUint32 {
		return 0
	}
	if have := uint64(a.mem.Size()); end > have {
		pages := (end - have + memory.PageSize - 1) / memory.PageSize
		if _, ok := a.mem.Grow(uint32(pages)); !ok {
			return 0
		}
	}
	addr := a.top
	a.top = uint32(end)
	a.live[addr] = n
	return addr
}

// calloc is alloc followed by zeroing.
func (a *allocator) calloc(size uint32) uint32 {
	addr := a.alloc(size)
	if addr == 0 {
		return 0
	}
	b, _ := a.mem.Read(addr, a.live[addr])
	clear(b)
	return addr
}

func (a *allocator) release(addr uint32) error {
	if addr == 0 {
		return nil
	}
	n, ok := a.live[addr]
	if !ok {
		return fmt.Errorf("free of address %#x that is not allocated", addr)
	}
	delete(a.live, addr)

	i, _ := slices.BinarySearchFunc(a.free, addr, func(s span, t uint32) int {
		switch {
		case s.addr < t:
			return -1
		case s.addr > t:
			return 1
		}
		return 0
	})
	a.free = slices.Insert(a.free, i, span{addr: addr, size: n})

	if i+1 < len(a.free) && a.free[i].addr+a.free[i].size == a.free[i+1].addr {
		a.free[i].size += a.free[i+1].size
		a.free = slices.Delete(a.free, i+1, i+2)
	}
	if i > 0 && a.free[i-1].addr+a.free[i-1].size == a.free[i].addr {
		a.free[i-1].size += a.free[i].size
		a.free = slices.Delete(a.free, i, i+1)
		i--
	}
	if last := a.free[len(a.free)-1]; last.addr+last.size == a.top {
		a.top = last.addr
		a.free = a.free[:len(a.free)-1]
	}
	return nil
}

// realloc moves the block at addr to one of size bytes, keeping the common
// prefix. Address 0 allocates; size 0 frees and returns 0.
func (a *allocator) realloc(addr, size uint32) (uint32, error) {
	if addr == 0 {
		return a.alloc(size), nil
	}
	old, ok := a.live[addr]
	if !ok {
		return 0, fmt.Errorf("realloc of address %#x that is not allocated", addr)
	}
	if size == 0 {
		return 0, a.release(addr)
	}
	if n, ok := alignSize(size); ok && n <= old {
		return addr, nil
	}
	moved := a.alloc(size)
	if moved == 0 {
		return 0, nil
	}
	src, _ := a.mem.Read(addr, old)
	dst, _ := a.mem.Read(moved, old)
	copy(dst, src)
	return moved, a.release(addr)
}

func (a *allocator) isLive(addr uint32) bool {
	for base, n := range a.live {
		if addr >= base && addr < base+n {
			return true
		}
	}
	return false
}

// inUse returns the number of live blocks and their total size.
func (a *allocator) inUse() (blocks int, bytes uint64) {
	for _, n := range a.live {
		bytes += uint64(n)
	}
	return len(a.live), bytes
}
