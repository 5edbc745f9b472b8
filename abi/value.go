package abi

import (
	"context"
	"fmt"

	"github.com/wippyai/wabt-go/errors"
)

// Releaser is anything with an explicit teardown.
type Releaser interface {
	Release(ctx context.Context) error
}

// ReleaseFunc adapts a function to Releaser.
type ReleaseFunc func(ctx context.Context) error

func (f ReleaseFunc) Release(ctx context.Context) error { return f(ctx) }

// Value is a typed handle to an address in linear memory. A Value with a
// non-zero count denotes that many consecutive elements.
type Value struct {
	heap     *Heap
	typ      Type
	release  func(ctx context.Context) error
	attached []Releaser
	addr     uint32
	count    uint32
	released bool
}

// Address returns the handle's address.
func (v *Value) Address() uint32 { return v.addr }

// Type returns the handle's descriptor.
func (v *Value) Type() Type { return v.typ }

// Len returns the element count of a run, or 1.
func (v *Value) Len() uint32 {
	if v.count == 0 {
		return 1
	}
	return v.count
}

// Owning reports whether releasing the handle frees its storage.
func (v *Value) Owning() bool { return v.release != nil }

// Released reports whether Release has run.
func (v *Value) Released() bool { return v.released }

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s@0x%x", v.typ, v.addr)
}

func (v *Value) at(off uint32, t Type) *Value {
	return &Value{heap: v.heap, typ: t, addr: v.addr + off}
}

func (v *Value) check(path ...string) {
	if v.released && v.release != nil {
		errors.Fatal(errors.UseAfterFree(path, v.addr, v.typ.String()))
	}
	if v.heap.debug && !v.heap.IsLive(v.addr) {
		errors.Fatal(errors.UseAfterFree(path, v.addr, v.typ.String()))
	}
}

// Get loads the value: a decoded primitive, a *Value for pointers and arrays
// (nil for address 0), or a uint32 table index for functions.
func (v *Value) Get() (any, error) {
	v.check()
	return v.typ.get(v)
}

// Set stores x: a Go number or bool for primitives, a *Value (or nil) of the
// pointee type for pointers and arrays, an *Entry (or nil) for functions and
// a *Value of the same struct to copy a struct.
func (v *Value) Set(x any) error {
	v.check()
	return v.typ.set(v, x)
}

// Int loads an integer primitive.
func (v *Value) Int() (int64, error) {
	x, err := v.Get()
	if err != nil {
		return 0, err
	}
	switch n := x.(type) {
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	}
	return 0, errors.TypeMismatch(errors.PhaseDecode, nil, "integer", v.typ.String())
}

// Uint loads an unsigned integer primitive.
func (v *Value) Uint() (uint64, error) {
	n, err := v.Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.Range(errors.PhaseDecode, nil, n, "unsigned", fmt.Sprintf("negative value %d", n))
	}
	return uint64(n), nil
}

// Float loads a float primitive.
func (v *Value) Float() (float64, error) {
	x, err := v.Get()
	if err != nil {
		return 0, err
	}
	switch f := x.(type) {
	case float32:
		return float64(f), nil
	case float64:
		return f, nil
	}
	return 0, errors.TypeMismatch(errors.PhaseDecode, nil, "float", v.typ.String())
}

// Bool loads a bool primitive.
func (v *Value) Bool() (bool, error) {
	x, err := v.Get()
	if err != nil {
		return false, err
	}
	b, ok := x.(bool)
	if !ok {
		return false, errors.TypeMismatch(errors.PhaseDecode, nil, "bool", v.typ.String())
	}
	return b, nil
}

func wordPrimitive(t Type) (*Primitive, bool) {
	switch tt := t.(type) {
	case *Primitive:
		return tt, tt.kind != primVoid
	case *Pointer, *Array, *Function:
		return U32, true
	}
	return nil, false
}

// Word loads the raw stored bits of a scalar without conversion. It is the
// only way to read 64-bit integers.
func (v *Value) Word() (uint64, error) {
	v.check()
	p, ok := wordPrimitive(v.typ)
	if !ok {
		return 0, errors.TypeMismatch(errors.PhaseDecode, nil, "scalar", v.typ.String())
	}
	return p.load(v.heap.mem, v.addr), nil
}

// SetWord stores raw bits into a scalar without conversion.
func (v *Value) SetWord(w uint64) error {
	v.check()
	p, ok := wordPrimitive(v.typ)
	if !ok {
		return errors.TypeMismatch(errors.PhaseEncode, nil, "scalar", v.typ.String())
	}
	p.store(v.heap.mem, v.addr, w)
	return nil
}

// Lookup returns a view of the named struct field.
func (v *Value) Lookup(name string) (*Value, error) {
	s, ok := v.typ.(*Struct)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseType, []string{name}, "struct", v.typ.String())
	}
	f, ok := s.byName[name]
	if !ok {
		return nil, errors.New(errors.PhaseType, errors.KindTypeMismatch).
			Path(s.name, name).
			Actual(s.name).
			Detail("no such field").
			Build()
	}
	v.check(s.name, name)
	return v.at(f.Offset, f.Type), nil
}

// Field is Lookup for field names known to exist; an unknown name is a
// programming error and is raised as fatal.
func (v *Value) Field(name string) *Value {
	fv, err := v.Lookup(name)
	if err != nil {
		fe := err.(*errors.Error)
		errors.Fatal(fe)
	}
	return fv
}

// Load reads a struct field through its compiled accessor.
func (v *Value) Load(name string) (any, error) {
	f, err := v.field(name)
	if err != nil {
		return nil, err
	}
	v.check(v.typ.Name(), name)
	return f.get(v)
}

// Store writes a struct field through its compiled accessor.
func (v *Value) Store(name string, x any) error {
	f, err := v.field(name)
	if err != nil {
		return err
	}
	v.check(v.typ.Name(), name)
	if err := f.set(v, x); err != nil {
		if e, ok := err.(*errors.Error); ok && len(e.Path) == 0 {
			e.Path = []string{v.typ.Name(), name}
		}
		return err
	}
	return nil
}

func (v *Value) field(name string) (*Field, error) {
	s, ok := v.typ.(*Struct)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseType, []string{name}, "struct", v.typ.String())
	}
	f, ok := s.byName[name]
	if !ok {
		return nil, errors.New(errors.PhaseType, errors.KindTypeMismatch).
			Path(s.name, name).
			Detail("no such field").
			Build()
	}
	return f, nil
}

// Deref follows a pointer. Address 0 yields nil.
func (v *Value) Deref() (*Value, error) {
	p, ok := v.typ.(*Pointer)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseDecode, nil, "pointer", v.typ.String())
	}
	v.check()
	return p.deref(v), nil
}

// SetPointer stores target's address. The target must be a handle of the
// pointee type; nil stores 0.
func (v *Value) SetPointer(target *Value) error {
	if _, ok := v.typ.(*Pointer); !ok {
		return errors.TypeMismatch(errors.PhaseEncode, nil, "pointer", v.typ.String())
	}
	return v.Set(target)
}

// Index returns a view of element i. For an Array handle the elements are
// found through the stored pointer; otherwise they follow the handle's own
// address and a run's count bounds i.
func (v *Value) Index(i uint32) *Value {
	v.check()
	if a, ok := v.typ.(*Array); ok {
		base := v.heap.mem.LoadU32(v.addr)
		return &Value{heap: v.heap, typ: a.elem, addr: base + i*a.elem.Size()}
	}
	if v.count > 0 && i >= v.count {
		errors.Fatal(errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
			Actual(v.typ.String()).
			Value(i).
			Detail("index %d out of range [0, %d)", i, v.count).
			Build())
	}
	return v.at(i*v.typ.Size(), v.typ)
}

// Elements returns views of the first n elements. Zero selects the run's
// count.
func (v *Value) Elements(n uint32) []*Value {
	if n == 0 {
		n = v.count
	}
	out := make([]*Value, n)
	for i := range out {
		out[i] = v.Index(uint32(i))
	}
	return out
}

// Bytes copies the handle's storage.
func (v *Value) Bytes() []byte {
	v.check()
	return v.heap.mem.Bytes(v.addr, v.Len()*v.typ.Size())
}

// CString decodes the null-terminated string at the handle's address.
func (v *Value) CString() string {
	v.check()
	return v.heap.mem.CString(v.addr)
}

// Attach makes rs collaborators of v: releasing v releases them afterwards,
// in the order attached.
func (v *Value) Attach(rs ...Releaser) *Value {
	for _, r := range rs {
		if r != nil {
			v.attached = append(v.attached, r)
		}
	}
	return v
}

// Detach removes r from v's collaborators.
func (v *Value) Detach(r Releaser) bool {
	for i, a := range v.attached {
		if a == r {
			v.attached = append(v.attached[:i], v.attached[i+1:]...)
			return true
		}
	}
	return false
}

// Release frees an owning handle, then releases its collaborators. Later
// calls are no-ops, as is releasing a view without collaborators.
func (v *Value) Release(ctx context.Context) error {
	if v == nil || v.released {
		return nil
	}
	v.released = true

	var errs []error
	if v.release != nil {
		if err := v.release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	attached := v.attached
	v.attached = nil
	for _, r := range attached {
		if err := r.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Expect checks that v has exactly type t.
func Expect(v *Value, t Type) error {
	if v == nil {
		return errors.TypeMismatch(errors.PhaseCall, nil, t.String(), "nil")
	}
	if v.typ != t {
		return errors.TypeMismatch(errors.PhaseCall, nil, t.String(), v.typ.String())
	}
	return nil
}

// Arg checks that v is a handle of type t and returns its address as a call
// argument. Mismatches are reported in pointer form.
func Arg(v *Value, t Type) (uint64, error) {
	if v == nil {
		return 0, errors.TypeMismatch(errors.PhaseCall, nil, "*"+t.String(), "nil")
	}
	if v.typ != t {
		return 0, errors.TypeMismatch(errors.PhaseCall, nil, "*"+t.String(), "*"+v.typ.String())
	}
	v.check()
	return uint64(v.addr), nil
}

// Per-descriptor load and store.

func (p *Primitive) get(v *Value) (any, error) {
	return p.Decode(p.load(v.heap.mem, v.addr))
}

func (p *Primitive) set(v *Value, x any) error {
	w, err := p.Encode(x)
	if err != nil {
		return err
	}
	p.store(v.heap.mem, v.addr, w)
	return nil
}

func (p *Pointer) deref(v *Value) *Value {
	addr := v.heap.mem.LoadU32(v.addr)
	if addr == 0 {
		return nil
	}
	return &Value{heap: v.heap, typ: p.elem, addr: addr}
}

func (p *Pointer) get(v *Value) (any, error) {
	if target := p.deref(v); target != nil {
		return target, nil
	}
	return nil, nil
}

func (p *Pointer) set(v *Value, x any) error {
	return storeAddress(v, p.elem, p, x)
}

func (a *Array) get(v *Value) (any, error) {
	addr := v.heap.mem.LoadU32(v.addr)
	if addr == 0 {
		return nil, nil
	}
	return &Value{heap: v.heap, typ: a.elem, addr: addr}, nil
}

func (a *Array) set(v *Value, x any) error {
	return storeAddress(v, a.elem, a, x)
}

func storeAddress(v *Value, elem, holder Type, x any) error {
	var addr uint32
	switch target := x.(type) {
	case nil:
	case *Value:
		if target != nil {
			if target.typ != elem {
				return errors.TypeMismatch(errors.PhaseEncode, nil, holder.String(), "*"+target.typ.String())
			}
			addr = target.addr
		}
	default:
		return errors.TypeMismatch(errors.PhaseEncode, nil, holder.String(), fmt.Sprintf("%T", x))
	}
	v.heap.mem.StoreU32(v.addr, addr)
	return nil
}

func (f *Function) get(v *Value) (any, error) {
	return v.heap.mem.LoadU32(v.addr), nil
}

func (f *Function) set(v *Value, x any) error {
	var index uint32
	switch e := x.(type) {
	case nil:
	case *Entry:
		if e != nil {
			if e.typ != f {
				return errors.TypeMismatch(errors.PhaseEncode, nil, f.String(), e.typ.String())
			}
			index = e.index
		}
	default:
		return errors.TypeMismatch(errors.PhaseEncode, nil, f.String(), fmt.Sprintf("%T", x))
	}
	v.heap.mem.StoreU32(v.addr, index)
	return nil
}

func (s *Struct) get(v *Value) (any, error) {
	return nil, errors.New(errors.PhaseDecode, errors.KindUnsupported).
		Actual(s.name).
		Detail("struct values are accessed by field").
		Build()
}

func (s *Struct) set(v *Value, x any) error {
	src, ok := x.(*Value)
	if !ok || src == nil || src.typ != s {
		return errors.TypeMismatch(errors.PhaseEncode, nil, s.name, fmt.Sprintf("%v", x))
	}
	src.check()
	v.heap.mem.WriteBytes(v.addr, v.heap.mem.Bytes(src.addr, s.size))
	return nil
}

// compileField binds the field's accessors to its offset and descriptor
// once, at definition time.
func compileField(f *Field) {
	off, t := f.Offset, f.Type
	switch ft := t.(type) {
	case *Primitive:
		f.get = func(base *Value) (any, error) {
			return ft.Decode(ft.load(base.heap.mem, base.addr+off))
		}
		f.set = func(base *Value, x any) error {
			w, err := ft.Encode(x)
			if err != nil {
				return err
			}
			ft.store(base.heap.mem, base.addr+off, w)
			return nil
		}
	default:
		f.get = func(base *Value) (any, error) { return t.get(base.at(off, t)) }
		f.set = func(base *Value, x any) error { return t.set(base.at(off, t), x) }
	}
}
