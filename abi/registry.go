package abi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wippyai/wabt-go/errors"
)

// FieldSpec names a struct member and its descriptor.
type FieldSpec struct {
	Type Type
	Name string
}

// StructSpec describes a struct to define. Offsets and size are queried
// from the Layout.
type StructSpec struct {
	Name       string
	Destructor string
	Fields     []FieldSpec
}

// Registry holds descriptors shared by every module instance of one module
// build. It holds no addresses and is safe for concurrent use.
type Registry struct {
	prims    map[string]*Primitive
	pointers map[Type]*Pointer
	arrays   map[Type]*Array
	funcs    map[string]*Function
	structs  map[string]*Struct
	mu       sync.RWMutex
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry preloaded with the predefined primitives.
func NewRegistry() *Registry {
	r := &Registry{
		prims:    make(map[string]*Primitive, len(builtins)),
		pointers: make(map[Type]*Pointer),
		arrays:   make(map[Type]*Array),
		funcs:    make(map[string]*Function),
		structs:  make(map[string]*Struct),
	}
	for _, p := range builtins {
		r.prims[p.name] = p
	}
	return r
}

// DefinePrimitive registers a primitive. Redefining a name with the same
// shape returns the existing descriptor.
func (r *Registry) DefinePrimitive(name string, size uint32, sig byte, rng *Range) (*Primitive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.prims[name]; ok {
		if p.size != size || p.sig != sig || !sameRange(p.rng, rng) {
			return nil, errors.InvalidInput(errors.PhaseType, "primitive "+name+" redefined with a different shape")
		}
		return p, nil
	}
	p, err := newPrimitive(name, size, sig, rng)
	if err != nil {
		return nil, err
	}
	r.prims[name] = p
	return p, nil
}

func sameRange(a, b *Range) bool {
	if a == nil || b == nil {
		return true
	}
	return *a == *b
}

// Primitive looks up a primitive by name.
func (r *Registry) Primitive(name string) (*Primitive, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prims[name]
	return p, ok
}

// PointerTo returns the pointer descriptor for t. Repeated calls with the
// same pointee return the same descriptor.
func (r *Registry) PointerTo(t Type) *Pointer {
	r.mu.RLock()
	p, ok := r.pointers[t]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pointers[t]; ok {
		return p
	}
	p = &Pointer{elem: t}
	r.pointers[t] = p
	return p
}

// ArrayOf returns the array descriptor for elements of t, memoized like
// PointerTo.
func (r *Registry) ArrayOf(t Type) *Array {
	r.mu.RLock()
	a, ok := r.arrays[t]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.arrays[t]; ok {
		return a
	}
	a = &Array{elem: t}
	r.arrays[t] = a
	return a
}

// FunctionType returns the function descriptor for result and params. Every
// param and the result must be a primitive; pass addresses as U32.
func (r *Registry) FunctionType(result Type, params ...Type) (*Function, error) {
	res, ok := result.(*Primitive)
	if !ok {
		return nil, errors.TypeMismatch(errors.PhaseType, []string{"result"}, "primitive", describe(result))
	}
	prims := make([]*Primitive, len(params))
	for i, t := range params {
		p, ok := t.(*Primitive)
		if !ok || p.kind == primVoid {
			return nil, errors.TypeMismatch(errors.PhaseType, []string{fmt.Sprintf("param%d", i)}, "non-void primitive", describe(t))
		}
		prims[i] = p
	}

	var key strings.Builder
	fmt.Fprintf(&key, "%p(", res)
	for _, p := range prims {
		fmt.Fprintf(&key, "%p,", p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.funcs[key.String()]; ok {
		return f, nil
	}

	sig := make([]byte, 0, len(prims)+1)
	sig = append(sig, res.sig)
	for _, p := range prims {
		sig = append(sig, p.sig)
	}
	f := &Function{result: res, params: prims, sig: string(sig)}
	r.funcs[key.String()] = f
	return f, nil
}

func describe(t Type) string {
	if t == nil {
		return "nil"
	}
	return t.String()
}

// Declare returns the struct descriptor for name, creating an undefined one
// if needed, so that pointers to it can be formed before its layout is known.
func (r *Registry) Declare(name string) *Struct {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.declareLocked(name)
}

func (r *Registry) declareLocked(name string) *Struct {
	s, ok := r.structs[name]
	if !ok {
		s = &Struct{name: name}
		r.structs[name] = s
	}
	return s
}

// Struct looks up a defined struct by name.
func (r *Registry) Struct(name string) (*Struct, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.structs[name]
	if !ok || !s.defined {
		return nil, false
	}
	return s, true
}

// DefineStruct defines a struct, querying layout once for its size and each
// field offset. A struct already defined under the same name and fields is
// returned as is, without querying layout again.
func (r *Registry) DefineStruct(ctx context.Context, layout Layout, spec StructSpec) (*Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.declareLocked(spec.Name)
	if s.defined {
		if !sameFields(s, spec) {
			return nil, errors.InvalidInput(errors.PhaseType, "struct "+spec.Name+" redefined with different fields")
		}
		return s, nil
	}

	size, err := layout.SizeOf(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	fields := make([]*Field, 0, len(spec.Fields))
	byName := make(map[string]*Field, len(spec.Fields))
	for _, fs := range spec.Fields {
		if _, dup := byName[fs.Name]; dup {
			return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("struct %s: duplicate field %s", spec.Name, fs.Name))
		}
		if fs.Type == nil {
			return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("struct %s: field %s has no type", spec.Name, fs.Name))
		}
		if inner, ok := fs.Type.(*Struct); ok && (inner == s || !inner.defined) {
			return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("struct %s: field %s embeds undefined struct %s", spec.Name, fs.Name, inner.name))
		}
		if p, ok := fs.Type.(*Primitive); ok && p.kind == primVoid {
			return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("struct %s: field %s is void", spec.Name, fs.Name))
		}

		off, err := layout.OffsetOf(ctx, spec.Name, fs.Name)
		if err != nil {
			return nil, err
		}
		if uint64(off)+uint64(fs.Type.Size()) > uint64(size) {
			return nil, errors.New(errors.PhaseType, errors.KindInvalidInput).
				Path(spec.Name, fs.Name).
				Detail("offset %d with size %d exceeds struct size %d", off, fs.Type.Size(), size).
				Build()
		}

		f := &Field{Name: fs.Name, Type: fs.Type, Offset: off}
		compileField(f)
		fields = append(fields, f)
		byName[fs.Name] = f
	}

	s.size = size
	s.fields = fields
	s.byName = byName
	s.destructor = spec.Destructor
	s.defined = true
	return s, nil
}

func sameFields(s *Struct, spec StructSpec) bool {
	if len(s.fields) != len(spec.Fields) {
		return false
	}
	for i, f := range s.fields {
		if f.Name != spec.Fields[i].Name || f.Type != spec.Fields[i].Type {
			return false
		}
	}
	return true
}
