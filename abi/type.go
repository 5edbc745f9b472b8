// Package abi describes values in a module's linear memory and marshals them
// between Go and the module.
//
// Descriptors (Type) form a closed algebra: Primitive, Pointer, Array,
// Function and Struct. A Registry memoizes derived descriptors so identity
// comparison can be used to check a handle's type at a call boundary. Struct
// layouts are never computed here; they come from a Layout supplied by the
// module build.
//
// A Value is a typed handle to an address. Handles are either owning
// (allocated by, or transferred to, the host) or views. Owning handles must be
// released; release is idempotent and releasing a view is a no-op.
package abi

import (
	"fmt"
	"strings"
)

// Call signature characters, following the emscripten dynCall convention.
const (
	SigI32  byte = 'i'
	SigI64  byte = 'j'
	SigF32  byte = 'f'
	SigF64  byte = 'd'
	SigVoid byte = 'v'
)

// WordSize is the size of a pointer or table index in linear memory.
const WordSize = 4

// Type describes a value stored in linear memory.
type Type interface {
	// Name is the registry name of the descriptor.
	Name() string
	// Size is the number of bytes the value occupies.
	Size() uint32
	// Signature is the call signature character used when the value is
	// passed as a machine word.
	Signature() byte
	String() string

	get(v *Value) (any, error)
	set(v *Value, x any) error
}

// Pointer is a word-sized address of a value of type Elem.
type Pointer struct {
	elem Type
}

func (p *Pointer) Name() string    { return "*" + p.elem.Name() }
func (p *Pointer) Size() uint32    { return WordSize }
func (p *Pointer) Signature() byte { return SigI32 }
func (p *Pointer) String() string  { return "*" + p.elem.String() }

// Elem returns the pointee descriptor.
func (p *Pointer) Elem() Type { return p.elem }

// Array is represented like a Pointer to its first element but is accessed
// by index.
type Array struct {
	elem Type
}

func (a *Array) Name() string    { return "[]" + a.elem.Name() }
func (a *Array) Size() uint32    { return WordSize }
func (a *Array) Signature() byte { return SigI32 }
func (a *Array) String() string  { return "[]" + a.elem.String() }

// Elem returns the element descriptor.
func (a *Array) Elem() Type { return a.elem }

// Function describes a function pointer. Stored in memory it is a table
// index.
type Function struct {
	result *Primitive
	params []*Primitive
	sig    string
}

func (f *Function) Name() string    { return f.String() }
func (f *Function) Size() uint32    { return WordSize }
func (f *Function) Signature() byte { return SigI32 }

func (f *Function) String() string {
	var b strings.Builder
	b.WriteString("func(")
	for i, p := range f.params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name())
	}
	b.WriteByte(')')
	if f.result != Void {
		b.WriteByte(' ')
		b.WriteString(f.result.Name())
	}
	return b.String()
}

// Result returns the result descriptor (Void for none).
func (f *Function) Result() *Primitive { return f.result }

// Params returns the parameter descriptors.
func (f *Function) Params() []*Primitive { return f.params }

// CallSignature returns the result character followed by one character per
// parameter, e.g. "iii" or "vi".
func (f *Function) CallSignature() string { return f.sig }

// Struct is a named aggregate whose size and field offsets come from the
// module's own layout.
type Struct struct {
	byName     map[string]*Field
	name       string
	destructor string
	fields     []*Field
	size       uint32
	defined    bool
}

func (s *Struct) Name() string    { return s.name }
func (s *Struct) Size() uint32    { return s.size }
func (s *Struct) Signature() byte { return SigI32 }
func (s *Struct) String() string  { return s.name }

// Fields returns the fields in definition order.
func (s *Struct) Fields() []*Field { return s.fields }

// Field returns the named field.
func (s *Struct) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Destructor returns the export that tears down module-created instances,
// or "" when plain free is enough.
func (s *Struct) Destructor() string { return s.destructor }

// Defined reports whether the layout has been supplied. Declared structs can
// be pointed to before they are defined.
func (s *Struct) Defined() bool { return s.defined }

// Field is a struct member with accessors compiled at definition time.
type Field struct {
	Type   Type
	get    func(v *Value) (any, error)
	set    func(v *Value, x any) error
	Name   string
	Offset uint32
}

func (f *Field) String() string {
	return fmt.Sprintf("%s %s @%d", f.Name, f.Type, f.Offset)
}
