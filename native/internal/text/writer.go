package text

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/wabt-go/native/internal/binary"
)

// WriteOptions configure Write.
type WriteOptions struct {
	FoldExprs    bool
	InlineExport bool
}

type printer struct {
	lines  []string
	indent int
}

func (p *printer) line(format string, args ...any) {
	p.lines = append(p.lines, strings.Repeat("  ", p.indent)+fmt.Sprintf(format, args...))
}

func (p *printer) open(format string, args ...any) {
	p.line(format, args...)
	p.indent++
}

// close ends the innermost open form on the last line, or on a line of its
// own when the last line ends in a comment.
func (p *printer) close() {
	p.indent--
	last := len(p.lines) - 1
	if strings.Contains(p.lines[last], ";;") {
		p.line(")")
		return
	}
	p.lines[last] += ")"
}

func (p *printer) String() string { return strings.Join(p.lines, "\n") + "\n" }

type writer struct {
	printer
	m    *binary.Module
	opts WriteOptions
	// inlined marks exports written inside their item.
	inlined map[int]bool
	fn      uint32
	depth   int
	labels  []int
}

// Write renders m as WebAssembly text.
func Write(m *binary.Module, opts WriteOptions) string {
	w := &writer{m: m, opts: opts, inlined: make(map[int]bool)}
	w.module()
	return w.String()
}

func (w *writer) names() *binary.Names {
	if w.m.Names == nil {
		return &binary.Names{}
	}
	return w.m.Names
}

// def renders the binding of a defined item: its name or an index comment.
func def(names map[uint32]string, idx uint32) string {
	if n, ok := names[idx]; ok && n != "" {
		return "$" + n
	}
	return fmt.Sprintf("(;%d;)", idx)
}

// ref renders a reference to an item.
func (w *writer) ref(names map[uint32]string, idx uint32) string {
	if w.m.NamedRefs {
		if n, ok := names[idx]; ok && n != "" {
			return "$" + n
		}
	}
	return strconv.FormatUint(uint64(idx), 10)
}

func quote(b []byte) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, c := range b {
		if c >= 0x20 && c < 0x7f && c != '"' && c != '\\' {
			sb.WriteByte(c)
			continue
		}
		fmt.Fprintf(&sb, "\\%02x", c)
	}
	sb.WriteByte('"')
	return sb.String()
}

func typeList(keyword string, ts []binary.ValType) string {
	if len(ts) == 0 {
		return ""
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return fmt.Sprintf(" (%s %s)", keyword, strings.Join(parts, " "))
}

func (w *writer) exportsOf(kind binary.ExternKind, idx uint32) string {
	if !w.opts.InlineExport {
		return ""
	}
	var sb strings.Builder
	for i, e := range w.m.Exports {
		if e.Kind == kind && e.Index == idx {
			fmt.Fprintf(&sb, " (export %s)", quote([]byte(e.Name)))
			w.inlined[i] = true
		}
	}
	return sb.String()
}

func (w *writer) module() {
	m := w.m
	names := w.names()
	head := "(module"
	if names.Module != "" {
		head += " $" + names.Module
	}
	w.open("%s", head)
	start := len(w.lines)

	for i, ft := range m.Types {
		w.line("(type %s (func%s%s))", def(names.Types, uint32(i)), typeList("param", ft.Params), typeList("result", ft.Results))
	}

	var funcs, tables, memories, globals uint32
	for _, imp := range m.Imports {
		var desc string
		switch imp.Kind {
		case binary.KindFunc:
			desc = fmt.Sprintf("(func %s %s)", def(names.Funcs, funcs), w.typeUse(imp.TypeIdx))
			funcs++
		case binary.KindTable:
			desc = fmt.Sprintf("(table %s %s %s)", def(names.Tables, tables), limits(imp.Table.Limits), imp.Table.Elem)
			tables++
		case binary.KindMemory:
			desc = fmt.Sprintf("(memory %s %s)", def(names.Memories, memories), memType(*imp.Memory))
			memories++
		case binary.KindGlobal:
			desc = fmt.Sprintf("(global %s %s)", def(names.Globals, globals), globalType(*imp.Global))
			globals++
		}
		w.line("(import %s %s %s)", quote([]byte(imp.Module)), quote([]byte(imp.Name)), desc)
	}

	for i := range m.Funcs {
		w.function(funcs, &m.Funcs[i])
		funcs++
	}
	for _, t := range m.Tables {
		w.line("(table %s%s %s %s)", def(names.Tables, tables), w.exportsOf(binary.KindTable, tables), limits(t.Limits), t.Elem)
		tables++
	}
	for _, mt := range m.Memories {
		w.line("(memory %s%s %s)", def(names.Memories, memories), w.exportsOf(binary.KindMemory, memories), memType(mt))
		memories++
	}
	for _, g := range m.Globals {
		w.line("(global %s%s %s %s)", def(names.Globals, globals), w.exportsOf(binary.KindGlobal, globals),
			globalType(g.Type), w.constExpr(g.Init))
		globals++
	}

	for i, e := range m.Exports {
		if w.inlined[i] {
			continue
		}
		var target string
		switch e.Kind {
		case binary.KindFunc:
			target = w.ref(names.Funcs, e.Index)
		case binary.KindTable:
			target = w.ref(names.Tables, e.Index)
		case binary.KindMemory:
			target = w.ref(names.Memories, e.Index)
		case binary.KindGlobal:
			target = w.ref(names.Globals, e.Index)
		}
		w.line("(export %s (%s %s))", quote([]byte(e.Name)), e.Kind, target)
	}
	if m.Start != nil {
		w.line("(start %s)", w.ref(names.Funcs, *m.Start))
	}

	for i, el := range m.Elems {
		var sb strings.Builder
		fmt.Fprintf(&sb, "(elem (;%d;)", i)
		switch el.Mode {
		case binary.ElemDeclarative:
			sb.WriteString(" declare")
		case binary.ElemActive:
			if el.Table != 0 {
				fmt.Fprintf(&sb, " (table %s)", w.ref(names.Tables, el.Table))
			}
			sb.WriteString(" " + w.constExpr(el.Offset))
		}
		sb.WriteString(" func")
		for _, f := range el.Funcs {
			sb.WriteString(" " + w.ref(names.Funcs, f))
		}
		sb.WriteString(")")
		w.line("%s", sb.String())
	}
	for i, d := range m.Datas {
		var sb strings.Builder
		fmt.Fprintf(&sb, "(data (;%d;)", i)
		if !d.Passive {
			if d.Memory != 0 {
				fmt.Fprintf(&sb, " (memory %s)", w.ref(names.Memories, d.Memory))
			}
			sb.WriteString(" " + w.constExpr(d.Offset))
		}
		sb.WriteString(" " + quote(d.Init) + ")")
		w.line("%s", sb.String())
	}

	if len(w.lines) == start {
		w.indent--
		w.lines[0] += ")"
		return
	}
	w.close()
}

func limits(l binary.Limits) string {
	if l.Max != nil {
		return fmt.Sprintf("%d %d", l.Min, *l.Max)
	}
	return strconv.FormatUint(uint64(l.Min), 10)
}

func memType(mt binary.MemoryType) string {
	s := limits(mt.Limits)
	if mt.Shared {
		s += " shared"
	}
	return s
}

func globalType(g binary.GlobalType) string {
	if g.Mutable {
		return fmt.Sprintf("(mut %s)", g.Type)
	}
	return g.Type.String()
}

func (w *writer) typeUse(idx uint32) string {
	s := fmt.Sprintf("(type %s)", w.ref(w.names().Types, idx))
	if idx < uint32(len(w.m.Types)) {
		ft := w.m.Types[idx]
		s += typeList("param", ft.Params) + typeList("result", ft.Results)
	}
	return s
}

// constExpr renders an initializer in folded form.
func (w *writer) constExpr(expr []binary.Instr) string {
	parts := make([]string, len(expr))
	for i := range expr {
		parts[i] = "(" + w.instrText(&expr[i]) + ")"
	}
	return strings.Join(parts, " ")
}

// locals renders a declaration group: named entries one per form, unnamed
// runs together.
func (w *writer) locals(keyword string, base uint32, ts []binary.ValType) string {
	var sb strings.Builder
	var run []string
	flush := func() {
		if len(run) > 0 {
			fmt.Fprintf(&sb, " (%s %s)", keyword, strings.Join(run, " "))
			run = run[:0]
		}
	}
	for i, t := range ts {
		if n := w.names().Local(w.fn, base+uint32(i)); n != "" {
			flush()
			fmt.Fprintf(&sb, " (%s $%s %s)", keyword, n, t)
			continue
		}
		run = append(run, t.String())
	}
	flush()
	return sb.String()
}

func (w *writer) function(idx uint32, fn *binary.Func) {
	w.fn = idx
	names := w.names()
	head := fmt.Sprintf("(func %s%s (type %s)", def(names.Funcs, idx), w.exportsOf(binary.KindFunc, idx),
		w.ref(names.Types, fn.TypeIdx))
	var ft binary.FuncType
	if fn.TypeIdx < uint32(len(w.m.Types)) {
		ft = w.m.Types[fn.TypeIdx]
	}
	head += w.locals("param", 0, ft.Params) + typeList("result", ft.Results)

	if len(fn.Locals) == 0 && len(fn.Body) == 0 {
		w.line("%s)", head)
		return
	}
	w.open("%s", head)
	if len(fn.Locals) > 0 {
		w.line("%s", strings.TrimPrefix(w.locals("local", uint32(len(ft.Params)), fn.Locals), " "))
	}
	w.depth = 0
	if w.opts.FoldExprs {
		f := &folder{w: w, ft: ft}
		pos := 0
		w.printNodes(f.sequence(fn.Body, &pos))
	} else {
		w.flat(fn.Body)
	}
	w.close()
}

func (w *writer) labelComment() string {
	return fmt.Sprintf("  ;; label = @%d", w.depth)
}

func (w *writer) blockHead(in *binary.Instr) string {
	s := in.Op.String()
	switch in.Block.Kind {
	case binary.BlockValue:
		s += fmt.Sprintf(" (result %s)", in.Block.Type)
	case binary.BlockIndex:
		s += " " + w.typeUse(in.Block.Index)
	}
	return s
}

func (w *writer) flat(body []binary.Instr) {
	for i := range body {
		in := &body[i]
		switch in.Op {
		case binary.OpBlock, binary.OpLoop, binary.OpIf:
			w.depth++
			w.open("%s%s", w.blockHead(in), w.labelComment())
		case binary.OpElse:
			w.indent--
			w.open("else")
		case binary.OpEnd:
			w.depth--
			w.indent--
			w.line("end")
		default:
			w.line("%s", w.instrText(in))
		}
	}
}

func (w *writer) labelRef(depth uint32) string {
	return fmt.Sprintf("%d (;@%d;)", depth, w.depth-int(depth))
}

// instrText renders a non-structured instruction with its immediates.
func (w *writer) instrText(in *binary.Instr) string {
	info, ok := binary.Lookup(in.Op)
	if !ok {
		return fmt.Sprintf("unknown (;0x%x;)", uint16(in.Op))
	}
	names := w.names()
	name := info.Name
	switch info.Imm {
	case binary.ImmLocal:
		if n := names.Local(w.fn, in.Index); n != "" && w.m.NamedRefs {
			return name + " $" + n
		}
		return fmt.Sprintf("%s %d", name, in.Index)
	case binary.ImmGlobal:
		return name + " " + w.ref(names.Globals, in.Index)
	case binary.ImmFunc:
		return name + " " + w.ref(names.Funcs, in.Index)
	case binary.ImmData, binary.ImmMemoryInit:
		return fmt.Sprintf("%s %d", name, in.Index)
	case binary.ImmLabel:
		return name + " " + w.labelRef(in.Index)
	case binary.ImmBrTable:
		parts := []string{name}
		for _, l := range in.Labels {
			parts = append(parts, w.labelRef(l))
		}
		return strings.Join(append(parts, w.labelRef(in.Index)), " ")
	case binary.ImmCallIndirect:
		s := name
		if in.Index2 != 0 {
			s += " " + w.ref(names.Tables, in.Index2)
		}
		return s + " " + w.typeUse(in.Index)
	case binary.ImmMemarg:
		s := name
		if in.Offset != 0 {
			s += fmt.Sprintf(" offset=%d", in.Offset)
		}
		if in.Align != info.Align {
			s += fmt.Sprintf(" align=%d", uint64(1)<<in.Align)
		}
		return s
	case binary.ImmI32:
		return fmt.Sprintf("%s %d", name, in.I32())
	case binary.ImmI64:
		return fmt.Sprintf("%s %d", name, in.I64())
	case binary.ImmF32:
		return name + " " + formatFloat(in.Value, 32)
	case binary.ImmF64:
		return name + " " + formatFloat(in.Value, 64)
	case binary.ImmRefType:
		if binary.ValType(in.Index) == binary.ExternRef {
			return name + " extern"
		}
		return name + " func"
	}
	return name
}

// formatFloat renders float bits as a hex float with the decimal value in a
// trailing comment.
func formatFloat(bits uint64, size int) string {
	var f float64
	var neg bool
	var payload, quiet uint64
	if size == 32 {
		v := math.Float32frombits(uint32(bits))
		f, neg = float64(v), bits&(1<<31) != 0
		payload, quiet = bits&0x7fffff, 0x400000
	} else {
		f, neg = math.Float64frombits(bits), bits&(1<<63) != 0
		payload, quiet = bits&0xfffffffffffff, 0x8000000000000
	}
	sign := ""
	if neg {
		sign = "-"
	}
	switch {
	case math.IsNaN(f):
		if payload == quiet {
			return sign + "nan"
		}
		return fmt.Sprintf("%snan:0x%x", sign, payload)
	case math.IsInf(f, 0):
		return sign + "inf"
	}
	hex := strconv.FormatFloat(f, 'x', -1, size)
	if p := strings.IndexByte(hex, 'p'); p >= 0 && p+2 < len(hex) {
		exp := strings.TrimLeft(hex[p+2:], "0")
		if exp == "" {
			exp = "0"
		}
		hex = hex[:p+2] + exp
	}
	return fmt.Sprintf("%s (;=%s;)", hex, strconv.FormatFloat(f, 'g', -1, size))
}
