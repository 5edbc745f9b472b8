// Package binary holds the module IR shared by the text and binary front
// ends, and the binary format codec.
package binary

import "strings"

// Binary format constants.
const (
	Magic   = 0x6d736100
	Version = 1
)

// ValType is a value type byte.
type ValType byte

const (
	I32       ValType = 0x7f
	I64       ValType = 0x7e
	F32       ValType = 0x7d
	F64       ValType = 0x7c
	V128      ValType = 0x7b
	FuncRef   ValType = 0x70
	ExternRef ValType = 0x6f

	// Unknown is the polymorphic type of an unreachable stack slot. It is
	// never encoded.
	Unknown ValType = 0
)

func (v ValType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case V128:
		return "v128"
	case FuncRef:
		return "funcref"
	case ExternRef:
		return "externref"
	case Unknown:
		return "any"
	}
	return "<invalid>"
}

// IsRef reports whether v is a reference type.
func (v ValType) IsRef() bool { return v == FuncRef || v == ExternRef }

func validValType(b byte) bool {
	switch ValType(b) {
	case I32, I64, F32, F64, V128, FuncRef, ExternRef:
		return true
	}
	return false
}

// TypeList formats types the way diagnostics print stacks: "[i32, i64]".
func TypeList(ts []ValType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (ft FuncType) Equal(o FuncType) bool {
	if len(ft.Params) != len(o.Params) || len(ft.Results) != len(o.Results) {
		return false
	}
	for i, p := range ft.Params {
		if p != o.Params[i] {
			return false
		}
	}
	for i, r := range ft.Results {
		if r != o.Results[i] {
			return false
		}
	}
	return true
}

// ExternKind is the kind of an import or export.
type ExternKind byte

const (
	KindFunc ExternKind = iota
	KindTable
	KindMemory
	KindGlobal
)

func (k ExternKind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		return "memory"
	case KindGlobal:
		return "global"
	}
	return "<invalid>"
}

// Limits bound a table or memory. Max is nil when unbounded.
type Limits struct {
	Max *uint32
	Min uint32
}

type TableType struct {
	Limits Limits
	Elem   ValType
}

type MemoryType struct {
	Limits Limits
	Shared bool
}

type GlobalType struct {
	Type    ValType
	Mutable bool
}

// Import is an imported function, table, memory or global. Exactly the
// descriptor matching Kind is set; functions use TypeIdx.
type Import struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	Module  string
	Name    string
	Loc     Loc
	TypeIdx uint32
	Kind    ExternKind
}

// Func is a function defined in the module.
type Func struct {
	Locals  []ValType
	Body    []Instr
	Loc     Loc
	TypeIdx uint32
}

type Global struct {
	Init []Instr
	Type GlobalType
	Loc  Loc
}

type Export struct {
	Name  string
	Loc   Loc
	Index uint32
	Kind  ExternKind
}

// ElemMode selects how an element segment is used.
type ElemMode byte

const (
	ElemActive ElemMode = iota
	ElemPassive
	ElemDeclarative
)

// Elem is an element segment of function indices.
type Elem struct {
	Offset []Instr
	Funcs  []uint32
	Loc    Loc
	Table  uint32
	Mode   ElemMode
}

// Data is a data segment.
type Data struct {
	Offset  []Instr
	Init    []byte
	Loc     Loc
	Memory  uint32
	Passive bool
}

// Custom is a custom section kept verbatim. After is the id of the known
// section it followed, 0 when it came before all of them.
type Custom struct {
	Name  string
	Data  []byte
	After byte
}

// Names are the debug names of module items, without the leading '$'.
type Names struct {
	Funcs    map[uint32]string
	Locals   map[uint32]map[uint32]string
	Types    map[uint32]string
	Tables   map[uint32]string
	Memories map[uint32]string
	Globals  map[uint32]string
	Module   string
}

// NewNames creates an empty name table.
func NewNames() *Names {
	return &Names{
		Funcs:    make(map[uint32]string),
		Locals:   make(map[uint32]map[uint32]string),
		Types:    make(map[uint32]string),
		Tables:   make(map[uint32]string),
		Memories: make(map[uint32]string),
		Globals:  make(map[uint32]string),
	}
}

// Empty reports whether no name is set.
func (n *Names) Empty() bool {
	if n == nil {
		return true
	}
	return n.Module == "" && len(n.Funcs) == 0 && len(n.Locals) == 0 && len(n.Types) == 0 &&
		len(n.Tables) == 0 && len(n.Memories) == 0 && len(n.Globals) == 0
}

// Local returns the name of local idx in function fn.
func (n *Names) Local(fn, idx uint32) string {
	if n == nil {
		return ""
	}
	return n.Locals[fn][idx]
}

// SetLocal names local idx of function fn.
func (n *Names) SetLocal(fn, idx uint32, name string) {
	m, ok := n.Locals[fn]
	if !ok {
		m = make(map[uint32]string)
		n.Locals[fn] = m
	}
	m[idx] = name
}

// Module is a decoded or parsed module. Function, table, memory and global
// index spaces start with the imports of that kind.
type Module struct {
	Names     *Names
	Start     *uint32
	DataCount *uint32
	Types     []FuncType
	Imports   []Import
	Funcs     []Func
	Tables    []TableType
	Memories  []MemoryType
	Globals   []Global
	Exports   []Export
	Elems     []Elem
	Datas     []Data
	Customs   []Custom

	// NamedRefs makes the text writer print references by name where one
	// exists.
	NamedRefs bool
}

func (m *Module) importCount(k ExternKind) uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == k {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() uint32 { return m.importCount(KindFunc) + uint32(len(m.Funcs)) }

// NumTables returns the size of the table index space.
func (m *Module) NumTables() uint32 { return m.importCount(KindTable) + uint32(len(m.Tables)) }

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() uint32 {
	return m.importCount(KindMemory) + uint32(len(m.Memories))
}

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() uint32 { return m.importCount(KindGlobal) + uint32(len(m.Globals)) }

// NumFuncImports returns the number of imported functions.
func (m *Module) NumFuncImports() uint32 { return m.importCount(KindFunc) }

// FuncTypeIdx returns the type index of function idx.
func (m *Module) FuncTypeIdx(idx uint32) (uint32, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			continue
		}
		if n == idx {
			return imp.TypeIdx, true
		}
		n++
	}
	local := idx - n
	if idx < n || local >= uint32(len(m.Funcs)) {
		return 0, false
	}
	return m.Funcs[local].TypeIdx, true
}

// FuncType returns the signature of function idx.
func (m *Module) FuncType(idx uint32) (FuncType, bool) {
	ti, ok := m.FuncTypeIdx(idx)
	if !ok || ti >= uint32(len(m.Types)) {
		return FuncType{}, false
	}
	return m.Types[ti], true
}

// GlobalType returns the type of global idx.
func (m *Module) GlobalType(idx uint32) (GlobalType, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindGlobal {
			continue
		}
		if n == idx {
			return *imp.Global, true
		}
		n++
	}
	local := idx - n
	if idx < n || local >= uint32(len(m.Globals)) {
		return GlobalType{}, false
	}
	return m.Globals[local].Type, true
}

// TableType returns the type of table idx.
func (m *Module) TableType(idx uint32) (TableType, bool) {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind != KindTable {
			continue
		}
		if n == idx {
			return *imp.Table, true
		}
		n++
	}
	local := idx - n
	if idx < n || local >= uint32(len(m.Tables)) {
		return TableType{}, false
	}
	return m.Tables[local], true
}

// AddType returns the index of ft, appending it when new.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// ExportsOf returns the export names of the item idx of kind k.
func (m *Module) ExportsOf(k ExternKind, idx uint32) []string {
	var out []string
	for _, e := range m.Exports {
		if e.Kind == k && e.Index == idx {
			out = append(out, e.Name)
		}
	}
	return out
}
