// Package table implements a module's indirect call table on the host side.
//
// Slot 0 is the null function pointer and is never handed out. Freed slots
// are reused before the table grows, and free slots at the end of the table
// are trimmed so that a table returns to its starting size once every entry
// added after that point has been removed.
package table

import (
	"context"
	"errors"
	"fmt"
	"sync"

	wabtgo "github.com/wippyai/wabt-go"
)

var (
	ErrClosed     = errors.New("call table closed")
	ErrFull       = errors.New("call table full")
	ErrNoSuchFunc = errors.New("no function at table index")
)

// EventType identifies a table lifecycle notification.
type EventType uint8

const (
	EventAdded EventType = iota
	EventRemoved
)

// Event describes a slot change.
type Event struct {
	Signature string
	Index     uint32
	Type      EventType
}

// Observer receives slot change notifications.
type Observer interface {
	OnTableEvent(Event)
}

type slot struct {
	fn    wabtgo.TableFunc
	sig   string
	valid bool
}

// CallTable is a slot table of host functions keyed by index.
// Implements wabtgo.CallTable.
type CallTable struct {
	slots     []slot
	freeList  []uint32
	observers []Observer
	limit     uint32
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
}

var _ wabtgo.CallTable = (*CallTable)(nil)

// New creates a table holding only the null slot. A zero limit leaves the
// table unbounded; otherwise Size never exceeds limit.
func New(limit uint32) *CallTable {
	return &CallTable{
		slots:    make([]slot, 1, 64),
		freeList: make([]uint32, 0, 16),
		limit:    limit,
	}
}

// Add installs fn with call signature sig and returns its index.
func (t *CallTable) Add(sig string, fn wabtgo.TableFunc) (uint32, error) {
	if fn == nil {
		return 0, fmt.Errorf("add %q: nil function", sig)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}

	s := slot{fn: fn, sig: sig, valid: true}
	index, ok := t.popFree()
	if ok {
		t.slots[index] = s
	} else {
		if t.limit != 0 && uint32(len(t.slots)) >= t.limit {
			t.mu.Unlock()
			return 0, ErrFull
		}
		t.slots = append(t.slots, s)
		index = uint32(len(t.slots) - 1)
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventAdded, Index: index, Signature: sig})
	return index, nil
}

// popFree returns a reusable slot. Entries beyond the trimmed end are stale
// and discarded.
func (t *CallTable) popFree() (uint32, bool) {
	for len(t.freeList) > 0 {
		index := t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		if int(index) < len(t.slots) && !t.slots[index].valid {
			return index, true
		}
	}
	return 0, false
}

// Remove frees the slot at index.
func (t *CallTable) Remove(index uint32) error {
	t.mu.Lock()
	if index == 0 || int(index) >= len(t.slots) || !t.slots[index].valid {
		t.mu.Unlock()
		return fmt.Errorf("%w %d", ErrNoSuchFunc, index)
	}

	sig := t.slots[index].sig
	t.slots[index] = slot{}
	t.freeList = append(t.freeList, index)

	for n := len(t.slots); n > 1 && !t.slots[n-1].valid; n-- {
		t.slots = t.slots[:n-1]
	}
	if len(t.freeList) > 2*len(t.slots) {
		t.compactFreeList()
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventRemoved, Index: index, Signature: sig})
	return nil
}

func (t *CallTable) compactFreeList() {
	kept := t.freeList[:0]
	for _, index := range t.freeList {
		if int(index) < len(t.slots) && !t.slots[index].valid {
			kept = append(kept, index)
		}
	}
	t.freeList = kept
}

// Get returns the function and signature at index.
func (t *CallTable) Get(index uint32) (wabtgo.TableFunc, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(index) >= len(t.slots) {
		return nil, "", false
	}
	s := t.slots[index]
	if !s.valid {
		return nil, "", false
	}
	return s.fn, s.sig, true
}

// Call invokes the function at index after checking its signature.
func (t *CallTable) Call(ctx context.Context, index uint32, sig string, args []uint64) ([]uint64, error) {
	fn, have, ok := t.Get(index)
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrNoSuchFunc, index)
	}
	if sig != "" && have != sig {
		return nil, fmt.Errorf("table index %d: signature %q, called as %q", index, have, sig)
	}
	return fn(ctx, args)
}

// Size returns the number of slots including the null slot.
func (t *CallTable) Size() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.slots))
}

// Len returns the number of installed functions.
func (t *CallTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, s := range t.slots {
		if s.valid {
			count++
		}
	}
	return count
}

// Each iterates over installed functions in index order.
func (t *CallTable) Each(fn func(index uint32, sig string) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i, s := range t.slots {
		if s.valid && !fn(uint32(i), s.sig) {
			break
		}
	}
}

// Subscribe adds an observer for slot events.
func (t *CallTable) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer.
func (t *CallTable) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Close drops every slot and stops accepting additions.
func (t *CallTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.slots = t.slots[:1]
	t.freeList = nil
	return nil
}

func (t *CallTable) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnTableEvent(e)
	}
}
