package binary

import (
	"fmt"
	"maps"
	"slices"
)

const (
	nameModule   byte = 0
	nameFunction byte = 1
	nameLocal    byte = 2
	nameType     byte = 4
	nameTable    byte = 5
	nameMemory   byte = 6
	nameGlobal   byte = 7
)

func readNameMap(r *Reader, into map[uint32]string) error {
	var last uint32
	first := true
	return vec(r, "name", func() error {
		idx, err := r.ReadU32("name index")
		if err != nil {
			return err
		}
		if !first && idx <= last {
			return r.errorf("name index %d is out of order", idx)
		}
		first, last = false, idx
		name, err := r.ReadName("name")
		if err != nil {
			return err
		}
		into[idx] = name
		return nil
	})
}

func (d *decoder) nameSection(r *Reader) error {
	names := NewNames()
	prev := -1
	for r.Len() > 0 {
		start := r.Position()
		id, err := r.ReadByte()
		if err != nil {
			return err
		}
		size, err := r.ReadU32("name subsection size")
		if err != nil {
			return err
		}
		sub, err := r.Sub(int(size), "name subsection")
		if err != nil {
			return err
		}
		if int(id) <= prev {
			return Errorf(Loc{Offset: start}, "duplicate or out-of-order name subsection: %d", id)
		}
		prev = int(id)

		switch id {
		case nameModule:
			names.Module, err = sub.ReadName("module name")
		case nameFunction:
			err = readNameMap(sub, names.Funcs)
		case nameLocal:
			err = vec(sub, "function", func() error {
				fn, err := sub.ReadU32("function index")
				if err != nil {
					return err
				}
				locals := make(map[uint32]string)
				if err := readNameMap(sub, locals); err != nil {
					return err
				}
				if len(locals) > 0 {
					names.Locals[fn] = locals
				}
				return nil
			})
		case nameType:
			err = readNameMap(sub, names.Types)
		case nameTable:
			err = readNameMap(sub, names.Tables)
		case nameMemory:
			err = readNameMap(sub, names.Memories)
		case nameGlobal:
			err = readNameMap(sub, names.Globals)
		default:
			// labels and future subsections are skipped
			_, err = sub.ReadBytes(sub.Len(), "name subsection")
		}
		if err != nil {
			return err
		}
		if sub.Len() != 0 {
			return sub.errorf("unfinished name subsection")
		}
	}
	d.m.Names = names
	return nil
}

func writeNameMap(w *Writer, m map[uint32]string) {
	w.WriteU32(uint32(len(m)))
	for _, idx := range slices.Sorted(maps.Keys(m)) {
		w.WriteU32(idx)
		w.WriteName(m[idx])
	}
}

// encodeNames returns the payload of the "name" custom section.
func encodeNames(n *Names) []byte {
	var out Writer
	sub := func(id byte, body func(w *Writer)) {
		var w Writer
		body(&w)
		out.Byte(id)
		out.WriteU32(uint32(w.Len()))
		out.WriteBytes(w.Bytes())
	}
	simple := func(id byte, m map[uint32]string) {
		if len(m) > 0 {
			sub(id, func(w *Writer) { writeNameMap(w, m) })
		}
	}

	if n.Module != "" {
		sub(nameModule, func(w *Writer) { w.WriteName(n.Module) })
	}
	simple(nameFunction, n.Funcs)
	if len(n.Locals) > 0 {
		sub(nameLocal, func(w *Writer) {
			w.WriteU32(uint32(len(n.Locals)))
			for _, fn := range slices.Sorted(maps.Keys(n.Locals)) {
				w.WriteU32(fn)
				writeNameMap(w, n.Locals[fn])
			}
		})
	}
	simple(nameType, n.Types)
	simple(nameTable, n.Tables)
	simple(nameMemory, n.Memories)
	simple(nameGlobal, n.Globals)
	return out.Bytes()
}

func fillNames(into map[uint32]string, count uint32, prefix string) {
	for i := uint32(0); i < count; i++ {
		if into[i] == "" {
			into[i] = fmt.Sprintf("%s%d", prefix, i)
		}
	}
}

// GenerateNames gives every unnamed function, parameter, local, type,
// table, memory and global a name derived from its index.
func (m *Module) GenerateNames() {
	if m.Names == nil {
		m.Names = NewNames()
	}
	n := m.Names
	fillNames(n.Types, uint32(len(m.Types)), "t")
	fillNames(n.Funcs, m.NumFuncs(), "f")
	fillNames(n.Tables, m.NumTables(), "T")
	fillNames(n.Memories, m.NumMemories(), "M")
	fillNames(n.Globals, m.NumGlobals(), "g")

	imported := m.NumFuncImports()
	for i := range m.Funcs {
		fn := imported + uint32(i)
		ft, ok := m.FuncType(fn)
		if !ok {
			continue
		}
		params := uint32(len(ft.Params))
		for p := uint32(0); p < params; p++ {
			if n.Local(fn, p) == "" {
				n.SetLocal(fn, p, fmt.Sprintf("p%d", p))
			}
		}
		for l := range m.Funcs[i].Locals {
			idx := params + uint32(l)
			if n.Local(fn, idx) == "" {
				n.SetLocal(fn, idx, fmt.Sprintf("l%d", l))
			}
		}
	}
}

// ApplyNames makes references to named items use their names when the
// module is written as text.
func (m *Module) ApplyNames() {
	m.NamedRefs = true
}
