package native

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/memory"
	"github.com/wippyai/wabt-go/table"
)

type exportFunc func(ctx context.Context, args []uint64) ([]uint64, error)

type export struct {
	fn     exportFunc
	params int
}

// Module is an in-process libwabt instance. Like a compiled module instance
// it runs one call at a time and is not safe for concurrent use.
type Module struct {
	errors  map[uint32]*errorsObj
	modules map[uint32]*moduleObj
	exports map[string]export
	mem     *memory.Linear
	acc     *memory.Accessor
	heap    *allocator
	table   *table.CallTable
	log     *zap.Logger
	closed  bool
}

var (
	_ wabtgo.Module      = (*Module)(nil)
	_ wabtgo.LiveChecker = (*Module)(nil)
)

// New creates an instance with its own memory and call table.
func New(cfg *Config) *Module {
	mem := memory.NewLinear(cfg.initialPages(), cfg.memoryLimit())
	m := &Module{
		errors:  make(map[uint32]*errorsObj),
		modules: make(map[uint32]*moduleObj),
		exports: make(map[string]export),
		mem:     mem,
		acc:     memory.NewAccessor(mem),
		heap:    newAllocator(mem),
		table:   table.New(cfg.tableLimit()),
		log:     Logger(),
	}
	m.registerAllocator()
	m.registerLayouts()
	m.registerObjects()
	m.registerOps()
	m.registerInterp()
	m.registerEmbedding()
	return m
}

func (m *Module) define(name string, params int, fn exportFunc) {
	if _, dup := m.exports[name]; dup {
		panic("native: duplicate export " + name)
	}
	m.exports[name] = export{fn: fn, params: params}
}

// Memory returns the instance's linear memory.
func (m *Module) Memory() wabtgo.Memory { return m.mem }

// Table returns the instance's indirect call table.
func (m *Module) Table() wabtgo.CallTable { return m.table }

// IsLive reports whether addr lies inside a live allocation.
func (m *Module) IsLive(addr uint32) bool { return m.heap.isLive(addr) }

// Exports returns the export names in sorted order.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// InUse returns the number of live heap blocks and their total size.
func (m *Module) InUse() (blocks int, bytes uint64) { return m.heap.inUse() }

// Call invokes an export. An out of bounds access inside the call fails it
// the way a trap would.
func (m *Module) Call(ctx context.Context, name string, args ...uint64) (results []uint64, err error) {
	if m.closed {
		return nil, errors.Released(errors.PhaseCall, "module instance")
	}
	e, ok := m.exports[name]
	if !ok {
		return nil, fmt.Errorf("export %q not found", name)
	}
	if len(args) != e.params {
		return nil, fmt.Errorf("export %q: expected %d params, but passed %d", name, e.params, len(args))
	}
	err = errors.Catch(func() error {
		var callErr error
		results, callErr = e.fn(ctx, args)
		return callErr
	})
	if err != nil {
		m.log.Debug("call failed", zap.String("export", name), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return results, nil
}

// Close releases the call table. Later calls fail.
func (m *Module) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.table.Close()
}

func word(v uint32) []uint64 { return []uint64{uint64(v)} }

func arg32(args []uint64, i int) uint32 { return uint32(args[i]) }

func (m *Module) registerAllocator() {
	m.define("malloc", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return word(m.heap.alloc(arg32(args, 0))), nil
	})
	m.define("free", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return nil, m.heap.release(arg32(args, 0))
	})
	m.define("realloc", 2, func(_ context.Context, args []uint64) ([]uint64, error) {
		addr, err := m.heap.realloc(arg32(args, 0), arg32(args, 1))
		return word(addr), err
	})
}

func (m *Module) registerLayouts() {
	for _, s := range layouts {
		size := s.size
		m.define("wabt_sizeof_"+s.name, 0, func(context.Context, []uint64) ([]uint64, error) {
			return word(size), nil
		})
		for _, f := range s.order {
			off := s.offsets[f]
			m.define("wabt_offsetof_"+s.name+"_"+f, 0, func(context.Context, []uint64) ([]uint64, error) {
				return word(off), nil
			})
		}
	}
}

// mallocz allocates a zeroed block and fails the call when memory is
// exhausted.
func (m *Module) mallocz(size uint32) (uint32, error) {
	addr := m.heap.calloc(size)
	if addr == 0 {
		return 0, fmt.Errorf("out of memory allocating %d bytes", size)
	}
	return addr, nil
}

// allocBytes copies b into a fresh block.
func (m *Module) allocBytes(b []byte) (uint32, error) {
	addr, err := m.mallocz(uint32(len(b)))
	if err != nil {
		return 0, err
	}
	m.acc.WriteBytes(addr, b)
	return addr, nil
}

// allocCString copies s into a fresh null-terminated block.
func (m *Module) allocCString(s string) (uint32, error) {
	addr, err := m.mallocz(uint32(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	m.acc.WriteCString(addr, s)
	return addr, nil
}

func (m *Module) freeAll(addrs ...uint32) {
	for _, a := range addrs {
		if err := m.heap.release(a); err != nil {
			m.log.Warn("release failed", zap.Uint32("addr", a), zap.Error(err))
		}
	}
}
