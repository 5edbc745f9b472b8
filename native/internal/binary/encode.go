package binary

import (
	"fmt"
	"io"
	"strings"
)

// WriteOptions configure Encode.
type WriteOptions struct {
	// Log receives an annotated dump of the output when set.
	Log io.Writer
	// CanonicalizeLEBs writes section and body sizes in their shortest
	// form instead of padded to five bytes.
	CanonicalizeLEBs bool
	// Relocatable adds a linking section and relocations for calls.
	Relocatable bool
	// WriteDebugNames emits the name section.
	WriteDebugNames bool
}

type reloc struct {
	offset uint32
	index  uint32
}

type encoder struct {
	m        *Module
	opts     WriteOptions
	out      Writer
	sections uint32
	codeSec  uint32
	relocs   []reloc
}

// Encode writes m in the binary format.
func Encode(m *Module, opts WriteOptions) []byte {
	e := &encoder{m: m, opts: opts}
	e.encode()
	return e.out.Bytes()
}

func (e *encoder) logf(offset int, data []byte, format string, args ...any) {
	if e.opts.Log == nil {
		return
	}
	fmt.Fprintf(e.opts.Log, "%07x: %-42s ; %s\n", offset, hexGroups(data), fmt.Sprintf(format, args...))
}

func (e *encoder) note(format string, args ...any) {
	if e.opts.Log != nil {
		fmt.Fprintf(e.opts.Log, "; "+format+"\n", args...)
	}
}

func hexGroups(b []byte) string {
	if len(b) > 16 {
		b = b[:16]
	}
	var sb strings.Builder
	for i, c := range b {
		if i > 0 && i%2 == 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}

func (e *encoder) size(w *Writer, n uint32) {
	if e.opts.CanonicalizeLEBs {
		w.WriteU32(n)
	} else {
		w.WriteFixedU32(n)
	}
}

func (e *encoder) encode() {
	e.out.WriteF32(Magic)
	e.logf(0, e.out.Bytes()[0:4], "WASM_BINARY_MAGIC")
	e.out.WriteF32(Version)
	e.logf(4, e.out.Bytes()[4:8], "WASM_BINARY_VERSION")

	e.customs(0)
	for _, id := range sectionOrder {
		if body, ok := e.body(id); ok {
			if id == SectionCode {
				e.codeSec = e.sections
			}
			e.section(id, SectionName(id), body)
		}
		e.customs(id)
	}

	if e.opts.WriteDebugNames && !e.m.Names.Empty() {
		e.custom("name", encodeNames(e.m.Names))
	}
	if e.opts.Relocatable {
		e.custom("linking", e.linking())
		if len(e.relocs) > 0 {
			e.custom("reloc.CODE", e.relocCode())
		}
	}
}

func (e *encoder) section(id byte, name string, body []byte) {
	start := e.out.Len()
	e.note("section %q (%d)", name, id)
	e.out.Byte(id)
	e.logf(start, []byte{id}, "section code")
	sizeAt := e.out.Len()
	e.size(&e.out, uint32(len(body)))
	e.logf(sizeAt, e.out.Bytes()[sizeAt:], "section size")
	e.out.WriteBytes(body)
	if len(body) > 0 {
		e.logf(e.out.Len()-len(body), body, "section contents (%d bytes)", len(body))
	}
	e.sections++
}

func (e *encoder) custom(name string, data []byte) {
	var w Writer
	w.WriteName(name)
	w.WriteBytes(data)
	e.section(SectionCustom, name, w.Bytes())
}

func (e *encoder) customs(after byte) {
	for _, c := range e.m.Customs {
		if c.After != after || e.replaced(c.Name) {
			continue
		}
		e.custom(c.Name, c.Data)
	}
}

// replaced reports whether a preserved custom section is regenerated by
// this encoder.
func (e *encoder) replaced(name string) bool {
	if name == "name" {
		return e.opts.WriteDebugNames && !e.m.Names.Empty()
	}
	if e.opts.Relocatable {
		return name == "linking" || strings.HasPrefix(name, "reloc.")
	}
	return false
}

func writeLimits(w *Writer, l Limits, shared bool) {
	var flags byte
	if l.Max != nil {
		flags |= 1
	}
	if shared {
		flags |= 2
	}
	w.Byte(flags)
	w.WriteU32(l.Min)
	if l.Max != nil {
		w.WriteU32(*l.Max)
	}
}

func writeTableType(w *Writer, t TableType) {
	w.Byte(byte(t.Elem))
	writeLimits(w, t.Limits, false)
}

func writeGlobalType(w *Writer, g GlobalType) {
	w.Byte(byte(g.Type))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeValTypes(w *Writer, ts []ValType) {
	w.WriteU32(uint32(len(ts)))
	for _, t := range ts {
		w.Byte(byte(t))
	}
}

// body returns the payload of section id, false when the section is empty.
func (e *encoder) body(id byte) ([]byte, bool) {
	m := e.m
	var w Writer
	switch id {
	case SectionType:
		if len(m.Types) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			w.Byte(0x60)
			writeValTypes(&w, ft.Params)
			writeValTypes(&w, ft.Results)
		}
	case SectionImport:
		if len(m.Imports) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			w.WriteName(imp.Module)
			w.WriteName(imp.Name)
			w.Byte(byte(imp.Kind))
			switch imp.Kind {
			case KindFunc:
				w.WriteU32(imp.TypeIdx)
			case KindTable:
				writeTableType(&w, *imp.Table)
			case KindMemory:
				writeLimits(&w, imp.Memory.Limits, imp.Memory.Shared)
			case KindGlobal:
				writeGlobalType(&w, *imp.Global)
			}
		}
	case SectionFunction:
		if len(m.Funcs) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Funcs)))
		for _, fn := range m.Funcs {
			w.WriteU32(fn.TypeIdx)
		}
	case SectionTable:
		if len(m.Tables) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(&w, t)
		}
	case SectionMemory:
		if len(m.Memories) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Memories)))
		for _, mt := range m.Memories {
			writeLimits(&w, mt.Limits, mt.Shared)
		}
	case SectionGlobal:
		if len(m.Globals) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(&w, g.Type)
			w.writeExpr(g.Init)
		}
	case SectionExport:
		if len(m.Exports) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Exports)))
		for _, ex := range m.Exports {
			w.WriteName(ex.Name)
			w.Byte(byte(ex.Kind))
			w.WriteU32(ex.Index)
		}
	case SectionStart:
		if m.Start == nil {
			return nil, false
		}
		w.WriteU32(*m.Start)
	case SectionElement:
		if len(m.Elems) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Elems)))
		for _, el := range m.Elems {
			writeElem(&w, el)
		}
	case SectionDataCount:
		if m.DataCount == nil {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Datas)))
	case SectionCode:
		if len(m.Funcs) == 0 {
			return nil, false
		}
		e.code(&w)
	case SectionData:
		if len(m.Datas) == 0 {
			return nil, false
		}
		w.WriteU32(uint32(len(m.Datas)))
		for _, d := range m.Datas {
			switch {
			case d.Passive:
				w.WriteU32(1)
			case d.Memory != 0:
				w.WriteU32(2)
				w.WriteU32(d.Memory)
			default:
				w.WriteU32(0)
			}
			if !d.Passive {
				w.writeExpr(d.Offset)
			}
			w.WriteU32(uint32(len(d.Init)))
			w.WriteBytes(d.Init)
		}
	default:
		return nil, false
	}
	return w.Bytes(), true
}

func writeElem(w *Writer, el Elem) {
	switch {
	case el.Mode == ElemPassive:
		w.WriteU32(1)
		w.Byte(0)
	case el.Mode == ElemDeclarative:
		w.WriteU32(3)
		w.Byte(0)
	case el.Table != 0:
		w.WriteU32(2)
		w.WriteU32(el.Table)
		w.writeExpr(el.Offset)
		w.Byte(0)
	default:
		w.WriteU32(0)
		w.writeExpr(el.Offset)
	}
	w.WriteU32(uint32(len(el.Funcs)))
	for _, f := range el.Funcs {
		w.WriteU32(f)
	}
}

// localGroups run-length encodes a local declaration list.
func localGroups(locals []ValType) (counts []uint32, types []ValType) {
	for _, t := range locals {
		if n := len(types); n > 0 && types[n-1] == t {
			counts[n-1]++
			continue
		}
		counts = append(counts, 1)
		types = append(types, t)
	}
	return counts, types
}

func (e *encoder) code(w *Writer) {
	w.WriteU32(uint32(len(e.m.Funcs)))
	for i := range e.m.Funcs {
		fn := &e.m.Funcs[i]
		var body Writer
		counts, types := localGroups(fn.Locals)
		body.WriteU32(uint32(len(counts)))
		for j := range counts {
			body.WriteU32(counts[j])
			body.Byte(byte(types[j]))
		}
		var calls []reloc
		for k := range fn.Body {
			in := &fn.Body[k]
			if e.opts.Relocatable && in.Op == OpCall {
				body.Byte(byte(OpCall))
				calls = append(calls, reloc{offset: uint32(body.Len()), index: in.Index})
				body.WriteFixedU32(in.Index)
				continue
			}
			body.writeInstr(in)
		}
		body.Byte(byte(OpEnd))

		e.size(w, uint32(body.Len()))
		base := uint32(w.Len())
		for _, c := range calls {
			c.offset += base
			e.relocs = append(e.relocs, c)
		}
		w.WriteBytes(body.Bytes())
	}
}

const (
	linkingVersion     = 2
	linkingSymbolTable = 8
	symbolKindFunc     = 0
	symbolBindingLocal = 0x02
	symbolUndefined    = 0x10
	symbolExplicitName = 0x40
	relocFuncIndexLEB  = 0
)

func (e *encoder) linking() []byte {
	m := e.m
	var syms Writer
	total := m.NumFuncs()
	syms.WriteU32(total)
	imported := m.NumFuncImports()
	for i := uint32(0); i < total; i++ {
		name := ""
		if m.Names != nil {
			name = m.Names.Funcs[i]
		}
		var flags uint32
		if i < imported {
			flags = symbolUndefined
			if name != "" {
				flags |= symbolExplicitName
			}
		} else if exported := m.ExportsOf(KindFunc, i); len(exported) > 0 {
			if name == "" {
				name = exported[0]
			}
		} else {
			flags = symbolBindingLocal
		}
		if i >= imported && name == "" {
			name = fmt.Sprintf("f%d", i)
		}
		syms.Byte(symbolKindFunc)
		syms.WriteU32(flags)
		syms.WriteU32(i)
		if i >= imported || flags&symbolExplicitName != 0 {
			syms.WriteName(name)
		}
	}

	var w Writer
	w.WriteU32(linkingVersion)
	w.Byte(linkingSymbolTable)
	w.WriteU32(uint32(syms.Len()))
	w.WriteBytes(syms.Bytes())
	return w.Bytes()
}

func (e *encoder) relocCode() []byte {
	var w Writer
	w.WriteU32(e.codeSec)
	w.WriteU32(uint32(len(e.relocs)))
	for _, r := range e.relocs {
		w.Byte(relocFuncIndexLEB)
		w.WriteU32(r.offset)
		w.WriteU32(r.index)
	}
	return w.Bytes()
}
