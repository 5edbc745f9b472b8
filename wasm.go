package wabtgo

import "context"

// Memory is the linear memory of a compiled module instance.
// wazero's api.Memory satisfies it directly.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

// TableFunc is a function installed in a module's indirect call table.
// Arguments and results are machine words.
type TableFunc func(ctx context.Context, args []uint64) ([]uint64, error)

// CallTable is the indirect call table of a module instance.
// Index 0 is reserved as the null function pointer.
type CallTable interface {
	// Add installs fn under the machine call signature sig and returns its index.
	Add(sig string, fn TableFunc) (uint32, error)

	// Remove frees the slot at index.
	Remove(index uint32) error

	// Get returns the function and signature stored at index.
	Get(index uint32) (TableFunc, string, bool)

	// Size returns the number of slots currently in the table, including the null slot.
	Size() uint32
}

// Module is a compiled module instance as seen by the marshalling layer:
// a set of exported functions taking machine words, a linear memory and
// an indirect call table.
type Module interface {
	Memory() Memory
	Call(ctx context.Context, name string, args ...uint64) ([]uint64, error)
	Table() CallTable
}

// LiveChecker is implemented by modules whose allocator can report whether
// an address lies inside a live allocation.
type LiveChecker interface {
	IsLive(addr uint32) bool
}
