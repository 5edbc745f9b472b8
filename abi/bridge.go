package abi

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/errors"
)

// HostFunc is a Go callback installed in the module's call table. Arguments
// arrive decoded by the function type's params; the result is encoded by its
// result type (return nil for void).
type HostFunc func(ctx context.Context, args []any) (any, error)

// Bridge installs host callbacks into a module instance's call table.
type Bridge struct {
	heap  *Heap
	table wabtgo.CallTable
}

// NewBridge creates a bridge for the heap's module.
func NewBridge(heap *Heap) *Bridge {
	return &Bridge{heap: heap, table: heap.mod.Table()}
}

// Table returns the underlying call table.
func (b *Bridge) Table() wabtgo.CallTable { return b.table }

// Entry is a call table slot seen from the host.
type Entry struct {
	bridge   *Bridge
	typ      *Function
	err      error
	index    uint32
	owning   bool
	released bool
}

// Index returns the table index, the value a module stores as a function
// pointer.
func (e *Entry) Index() uint32 { return e.index }

// Type returns the entry's function type.
func (e *Entry) Type() *Function { return e.typ }

// Owning reports whether releasing the entry frees its slot.
func (e *Entry) Owning() bool { return e.owning }

// Err returns the last failure of the callback, if any.
func (e *Entry) Err() error { return e.err }

// TakeErr returns and clears the last failure.
func (e *Entry) TakeErr() error {
	err := e.err
	e.err = nil
	return err
}

// Release frees an owning entry's slot once. Non-owning entries are left
// alone.
func (e *Entry) Release(ctx context.Context) error {
	if e == nil || !e.owning || e.released {
		return nil
	}
	e.released = true
	if err := e.bridge.table.Remove(e.index); err != nil {
		e.bridge.heap.log.Warn("unregister failed", zap.Uint32("index", e.index), zap.Error(err))
		return errors.Wrap(errors.PhaseHost, errors.KindNotFound, err, "unregister callback")
	}
	e.bridge.heap.log.Debug("unregister", zap.Uint32("index", e.index))
	return nil
}

// Register wraps fn for the table and installs it under ft's call signature.
// A callback error or panic is recorded on the entry and returned to the
// module as a failure of the call, which the module reports as a trap.
func (b *Bridge) Register(ft *Function, fn HostFunc) (*Entry, error) {
	if ft == nil || fn == nil {
		return nil, errors.InvalidInput(errors.PhaseHost, "register needs a function type and a callback")
	}
	e := &Entry{bridge: b, typ: ft, owning: true}

	wrapper := func(ctx context.Context, words []uint64) (out []uint64, err error) {
		defer func() {
			if r := recover(); r != nil {
				if _, fatal := errors.AsFatal(r); fatal {
					panic(r)
				}
				err = fmt.Errorf("host callback panicked: %v", r)
			}
			if err != nil {
				e.err = err
			}
		}()
		return invoke(ctx, ft, fn, words)
	}

	index, err := b.table.Add(ft.CallSignature(), wrapper)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseHost, errors.KindAllocation, err, "register callback")
	}
	e.index = index
	b.heap.log.Debug("register", zap.Uint32("index", index), zap.String("sig", ft.CallSignature()))
	return e, nil
}

func invoke(ctx context.Context, ft *Function, fn HostFunc, words []uint64) ([]uint64, error) {
	if len(words) != len(ft.params) {
		return nil, errors.New(errors.PhaseHost, errors.KindTypeMismatch).
			Expected(ft.CallSignature()).
			Detail("called with %d arguments", len(words)).
			Build()
	}
	args := make([]any, len(words))
	for i, p := range ft.params {
		a, err := p.Decode(words[i])
		if err != nil {
			return nil, err
		}
		args[i] = a
	}

	res, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	if ft.result == Void {
		return nil, nil
	}
	w, err := ft.result.Encode(res)
	if err != nil {
		return nil, err
	}
	return []uint64{w}, nil
}

// ReferenceExisting describes a slot the module already owns. Releasing the
// entry does nothing.
func (b *Bridge) ReferenceExisting(ft *Function, index uint32) *Entry {
	return &Entry{bridge: b, typ: ft, index: index}
}

// Unregister releases e.
func (b *Bridge) Unregister(ctx context.Context, e *Entry) error {
	return e.Release(ctx)
}
