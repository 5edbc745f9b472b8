package abi

import (
	"context"

	"go.uber.org/zap"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/memory"
)

// HeapConfig configures a Heap. Nil selects the defaults.
type HeapConfig struct {
	Logger *zap.Logger
	// Malloc and Free name the module's allocator exports.
	Malloc string
	Free   string
	// Debug enables the use-after-free guard on every handle access.
	Debug bool
}

// Heap allocates and tracks handles in one module instance. It is not safe
// for concurrent use; a module instance runs one operation at a time.
type Heap struct {
	mod    wabtgo.Module
	mem    *memory.Accessor
	log    *zap.Logger
	live   wabtgo.LiveChecker
	blocks map[uint32]uint32
	freed  map[uint32]uint32
	malloc string
	free   string
	debug  bool
}

// NewHeap binds a heap to mod.
func NewHeap(mod wabtgo.Module, cfg *HeapConfig) *Heap {
	if cfg == nil {
		cfg = &HeapConfig{}
	}
	h := &Heap{
		mod:    mod,
		mem:    memory.NewAccessor(mod.Memory()),
		log:    cfg.Logger,
		malloc: cfg.Malloc,
		free:   cfg.Free,
		debug:  cfg.Debug,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.malloc == "" {
		h.malloc = "malloc"
	}
	if h.free == "" {
		h.free = "free"
	}
	if lc, ok := mod.(wabtgo.LiveChecker); ok {
		h.live = lc
	}
	if h.debug {
		h.blocks = make(map[uint32]uint32)
		h.freed = make(map[uint32]uint32)
	}
	return h
}

// Module returns the bound module instance.
func (h *Heap) Module() wabtgo.Module { return h.mod }

// Memory returns the accessor over the module's memory.
func (h *Heap) Memory() *memory.Accessor { return h.mem }

// Debug reports whether the use-after-free guard is enabled.
func (h *Heap) Debug() bool { return h.debug }

// Logger returns the heap's logger.
func (h *Heap) Logger() *zap.Logger { return h.log }

// Call invokes an export. A failing call is reported as a trap of the call
// phase.
func (h *Heap) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	results, err := h.mod.Call(ctx, name, args...)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCall, errors.KindTrap, err, name)
	}
	return results, nil
}

// Call32 invokes an export returning a single 32-bit result.
func (h *Heap) Call32(ctx context.Context, name string, args ...uint64) (uint32, error) {
	results, err := h.Call(ctx, name, args...)
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, errors.New(errors.PhaseCall, errors.KindTypeMismatch).
			Path(name).
			Expected("1 result").
			Detail("got %d", len(results)).
			Build()
	}
	return uint32(results[0]), nil
}

// Malloc allocates size bytes in the module. An allocator failure is fatal.
func (h *Heap) Malloc(ctx context.Context, size uint32) uint32 {
	n := max(size, 1)
	results, err := h.mod.Call(ctx, h.malloc, uint64(n))
	if err != nil || len(results) != 1 || uint32(results[0]) == 0 {
		fe := errors.AllocationFailed(size)
		fe.Cause = err
		errors.Fatal(fe)
	}
	addr := uint32(results[0])
	if h.debug {
		for a, sz := range h.freed {
			if a < addr+n && addr < a+sz {
				delete(h.freed, a)
			}
		}
		h.blocks[addr] = n
	}
	h.log.Debug("malloc", zap.Uint32("size", size), zap.Uint32("addr", addr))
	return addr
}

// Mallocz allocates size zeroed bytes.
func (h *Heap) Mallocz(ctx context.Context, size uint32) uint32 {
	addr := h.Malloc(ctx, size)
	h.mem.Zero(addr, size)
	return addr
}

// Free returns addr to the module allocator. Freeing 0 is a no-op.
func (h *Heap) Free(ctx context.Context, addr uint32) error {
	if addr == 0 {
		return nil
	}
	if h.debug {
		sz, ok := h.blocks[addr]
		if !ok {
			if _, wasFreed := h.freed[addr]; wasFreed {
				return errors.InvalidInput(errors.PhaseAlloc, "double free of host allocation")
			}
		} else {
			delete(h.blocks, addr)
			h.freed[addr] = sz
		}
	}
	if _, err := h.mod.Call(ctx, h.free, uint64(addr)); err != nil {
		h.log.Warn("free failed", zap.Uint32("addr", addr), zap.Error(err))
		return errors.Wrap(errors.PhaseAlloc, errors.KindTrap, err, "free")
	}
	h.log.Debug("free", zap.Uint32("addr", addr))
	return nil
}

// IsLive reports whether addr may be accessed. Without a module allocator
// that can answer, only blocks this heap allocated and freed are known.
func (h *Heap) IsLive(addr uint32) bool {
	if h.live != nil {
		return h.live.IsLive(addr)
	}
	for a, sz := range h.blocks {
		if addr >= a && addr < a+sz {
			return true
		}
	}
	for a, sz := range h.freed {
		if addr >= a && addr < a+sz {
			return false
		}
	}
	return true
}

func mustDefined(t Type) {
	if s, ok := t.(*Struct); ok && !s.defined {
		errors.Fatal(errors.New(errors.PhaseAlloc, errors.KindInvalidInput).
			Actual(s.name).
			Detail("struct layout not defined").
			Build())
	}
}

// Allocate returns an owning handle to zeroed storage for one t.
func (h *Heap) Allocate(ctx context.Context, t Type) *Value {
	mustDefined(t)
	return h.allocateRun(ctx, t, 0)
}

// AllocateArray returns an owning handle to n zeroed elements of t.
func (h *Heap) AllocateArray(ctx context.Context, elem Type, n uint32) *Value {
	mustDefined(elem)
	return h.allocateRun(ctx, elem, n)
}

func (h *Heap) allocateRun(ctx context.Context, t Type, count uint32) *Value {
	size := t.Size()
	if count > 0 {
		total := uint64(size) * uint64(count)
		if total > uint64(^uint32(0)) {
			errors.Fatal(errors.AllocationFailed(^uint32(0)))
		}
		size = uint32(total)
	}
	addr := h.Mallocz(ctx, size)
	v := &Value{heap: h, typ: t, addr: addr, count: count}
	v.release = func(ctx context.Context) error { return h.Free(ctx, addr) }
	return v
}

// AllocateBytes copies b into a new owning []u8 handle.
func (h *Heap) AllocateBytes(ctx context.Context, b []byte) *Value {
	addr := h.Malloc(ctx, uint32(len(b)))
	h.mem.WriteBytes(addr, b)
	v := &Value{heap: h, typ: U8, addr: addr, count: uint32(len(b))}
	v.release = func(ctx context.Context) error { return h.Free(ctx, addr) }
	return v
}

// AllocateString copies s without a terminator.
func (h *Heap) AllocateString(ctx context.Context, s string) *Value {
	return h.AllocateBytes(ctx, []byte(s))
}

// AllocateCString copies s followed by a null byte. Len excludes the
// terminator.
func (h *Heap) AllocateCString(ctx context.Context, s string) *Value {
	addr := h.Malloc(ctx, uint32(len(s))+1)
	h.mem.WriteCString(addr, s)
	v := &Value{heap: h, typ: U8, addr: addr, count: uint32(len(s))}
	v.release = func(ctx context.Context) error { return h.Free(ctx, addr) }
	return v
}

// Wrap returns a view of the t at addr. The view does not keep the storage
// alive and releasing it frees nothing.
func (h *Heap) Wrap(t Type, addr uint32) *Value {
	return &Value{heap: h, typ: t, addr: addr}
}

// WrapArray returns a view of n consecutive elements at addr.
func (h *Heap) WrapArray(elem Type, addr, n uint32) *Value {
	return &Value{heap: h, typ: elem, addr: addr, count: n}
}

// Adopt takes ownership of a t the module returned. Releasing it runs the
// struct's destructor export, or free when it has none. Adopting address 0
// yields nil.
func (h *Heap) Adopt(t Type, addr uint32) *Value {
	if addr == 0 {
		return nil
	}
	v := &Value{heap: h, typ: t, addr: addr}
	if s, ok := t.(*Struct); ok && s.destructor != "" {
		name := s.destructor
		v.release = func(ctx context.Context) error {
			_, err := h.Call(ctx, name, uint64(addr))
			if err != nil {
				h.log.Warn("destroy failed", zap.String("type", s.name), zap.Uint32("addr", addr), zap.Error(err))
				return err
			}
			h.log.Debug("destroy", zap.String("type", s.name), zap.Uint32("addr", addr))
			return nil
		}
		return v
	}
	v.release = func(ctx context.Context) error { return h.Free(ctx, addr) }
	return v
}
