package binary

// Section ids.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// sectionOrder lists the known sections in the order they must appear.
var sectionOrder = []byte{
	SectionType, SectionImport, SectionFunction, SectionTable, SectionMemory, SectionGlobal,
	SectionExport, SectionStart, SectionElement, SectionDataCount, SectionCode, SectionData,
}

// SectionName returns the display name of a section id.
func SectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "Custom"
	case SectionType:
		return "Type"
	case SectionImport:
		return "Import"
	case SectionFunction:
		return "Function"
	case SectionTable:
		return "Table"
	case SectionMemory:
		return "Memory"
	case SectionGlobal:
		return "Global"
	case SectionExport:
		return "Export"
	case SectionStart:
		return "Start"
	case SectionElement:
		return "Elem"
	case SectionCode:
		return "Code"
	case SectionData:
		return "Data"
	case SectionDataCount:
		return "DataCount"
	}
	return "Unknown"
}

func orderOf(id byte) int {
	for i, s := range sectionOrder {
		if s == id {
			return i
		}
	}
	return -1
}

// ReadOptions configure Decode.
type ReadOptions struct {
	Features       Features
	ReadDebugNames bool
}

type decoder struct {
	m          *Module
	opts       ReadOptions
	funcCount  uint32
	codeLoaded bool
}

// Decode reads a binary module. On failure the returned module holds
// everything read before the error.
func Decode(data []byte, opts ReadOptions) (*Module, error) {
	d := &decoder{m: &Module{}, opts: opts}
	return d.m, d.decode(NewReader(data))
}

func (d *decoder) decode(r *Reader) error {
	magic, err := r.ReadF32("magic")
	if err != nil {
		return err
	}
	if magic != Magic {
		return Errorf(Loc{}, "bad magic value")
	}
	version, err := r.ReadF32("version")
	if err != nil {
		return err
	}
	if version != Version {
		return Errorf(Loc{Offset: 4}, "bad wasm file version: %#x (expected %#x)", version, Version)
	}

	last := -1
	var lastID byte
	for r.Len() > 0 {
		start := r.Position()
		id, err := r.ReadByte()
		if err != nil {
			return err
		}
		size, err := r.ReadU32("section size")
		if err != nil {
			return err
		}
		sec, err := r.Sub(int(size), "section")
		if err != nil {
			return err
		}

		if id == SectionCustom {
			if err := d.customSection(sec, lastID); err != nil {
				return err
			}
			continue
		}
		order := orderOf(id)
		if order < 0 {
			return Errorf(Loc{Offset: start}, "invalid section code: %d", id)
		}
		if order <= last {
			return Errorf(Loc{Offset: start}, "section %s out of order", SectionName(id))
		}
		last, lastID = order, id

		if err := d.section(id, sec); err != nil {
			return err
		}
		if sec.Len() != 0 {
			return sec.errorf("unfinished section (expected end: %#x)", sec.Position()+sec.Len())
		}
	}

	if int(d.funcCount) != len(d.m.Funcs) || (len(d.m.Funcs) > 0 && !d.codeLoaded) {
		return Errorf(Loc{Offset: r.Position()}, "function signature count != function body count")
	}
	return nil
}

func (d *decoder) section(id byte, r *Reader) error {
	switch id {
	case SectionType:
		return d.typeSection(r)
	case SectionImport:
		return d.importSection(r)
	case SectionFunction:
		return d.functionSection(r)
	case SectionTable:
		return vec(r, "table", func() error {
			t, err := readTableType(r)
			d.m.Tables = append(d.m.Tables, t)
			return err
		})
	case SectionMemory:
		return vec(r, "memory", func() error {
			mt, err := r.readMemoryType(d.opts.Features)
			d.m.Memories = append(d.m.Memories, mt)
			return err
		})
	case SectionGlobal:
		return d.globalSection(r)
	case SectionExport:
		return d.exportSection(r)
	case SectionStart:
		idx, err := r.ReadU32("start function index")
		if err != nil {
			return err
		}
		d.m.Start = &idx
		return nil
	case SectionElement:
		return d.elemSection(r)
	case SectionDataCount:
		n, err := r.ReadU32("data count")
		if err != nil {
			return err
		}
		d.m.DataCount = &n
		return nil
	case SectionCode:
		return d.codeSection(r)
	case SectionData:
		return d.dataSection(r)
	}
	return nil
}

// vec reads a count followed by that many items.
func vec(r *Reader, what string, item func() error) error {
	n, err := r.ReadU32(what + " count")
	if err != nil {
		return err
	}
	if int(n) > r.Len() {
		return r.errorf("invalid %s count %d, only %d bytes left in section", what, n, r.Len())
	}
	for i := uint32(0); i < n; i++ {
		if err := item(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) readValType(what string) (ValType, error) {
	start := r.pos
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if !validValType(b) {
		return 0, Errorf(Loc{Offset: start}, "expected valid %s type (got %#x)", what, b)
	}
	return ValType(b), nil
}

func (r *Reader) readValTypes(what string) ([]ValType, error) {
	var out []ValType
	err := vec(r, what, func() error {
		t, err := r.readValType(what)
		out = append(out, t)
		return err
	})
	return out, err
}

func (d *decoder) typeSection(r *Reader) error {
	return vec(r, "type", func() error {
		start := r.Position()
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return Errorf(Loc{Offset: start}, "unexpected type form (got %#x)", form)
		}
		var ft FuncType
		if ft.Params, err = r.readValTypes("param"); err != nil {
			return err
		}
		if ft.Results, err = r.readValTypes("result"); err != nil {
			return err
		}
		if len(ft.Results) > 1 && !d.opts.Features.Has(FeatureMultiValue) {
			return Errorf(Loc{Offset: start}, "result count must be 0 or 1")
		}
		d.m.Types = append(d.m.Types, ft)
		return nil
	})
}

func readLimits(r *Reader, allowShared bool) (Limits, bool, error) {
	start := r.pos
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, false, err
	}
	if flags > 3 || (flags&2 != 0 && !allowShared) {
		return Limits{}, false, Errorf(Loc{Offset: start}, "invalid limits flags: %#x", flags)
	}
	var l Limits
	if l.Min, err = r.ReadU32("limits initial"); err != nil {
		return l, false, err
	}
	if flags&1 != 0 {
		max, err := r.ReadU32("limits max")
		if err != nil {
			return l, false, err
		}
		l.Max = &max
	}
	return l, flags&2 != 0, nil
}

func readTableType(r *Reader) (TableType, error) {
	start := r.pos
	elem, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if !ValType(elem).IsRef() {
		return TableType{}, Errorf(Loc{Offset: start}, "table elem type must be a reference type")
	}
	l, _, err := readLimits(r, false)
	return TableType{Elem: ValType(elem), Limits: l}, err
}

func (r *Reader) readMemoryType(f Features) (MemoryType, error) {
	l, shared, err := readLimits(r, f.Has(FeatureThreads))
	return MemoryType{Limits: l, Shared: shared}, err
}

func (r *Reader) readGlobalType() (GlobalType, error) {
	t, err := r.readValType("global")
	if err != nil {
		return GlobalType{}, err
	}
	start := r.pos
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, Errorf(Loc{Offset: start}, "global mutability must be 0 or 1")
	}
	return GlobalType{Type: t, Mutable: mut == 1}, nil
}

func (d *decoder) importSection(r *Reader) error {
	return vec(r, "import", func() error {
		imp := Import{Loc: Loc{Offset: r.Position()}}
		var err error
		if imp.Module, err = r.ReadName("import module name"); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName("import field name"); err != nil {
			return err
		}
		kindAt := r.Position()
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp.Kind = ExternKind(kind)
		switch imp.Kind {
		case KindFunc:
			imp.TypeIdx, err = r.ReadU32("import signature index")
		case KindTable:
			var t TableType
			t, err = readTableType(r)
			imp.Table = &t
		case KindMemory:
			var mt MemoryType
			mt, err = r.readMemoryType(d.opts.Features)
			imp.Memory = &mt
		case KindGlobal:
			var g GlobalType
			g, err = r.readGlobalType()
			imp.Global = &g
		default:
			return Errorf(Loc{Offset: kindAt}, "malformed import kind: %d", kind)
		}
		d.m.Imports = append(d.m.Imports, imp)
		return err
	})
}

func (d *decoder) functionSection(r *Reader) error {
	return vec(r, "function", func() error {
		start := r.Position()
		ti, err := r.ReadU32("function signature index")
		if err != nil {
			return err
		}
		d.m.Funcs = append(d.m.Funcs, Func{TypeIdx: ti, Loc: Loc{Offset: start}})
		d.funcCount++
		return nil
	})
}

func (d *decoder) globalSection(r *Reader) error {
	return vec(r, "global", func() error {
		g := Global{Loc: Loc{Offset: r.Position()}}
		var err error
		if g.Type, err = r.readGlobalType(); err != nil {
			return err
		}
		g.Init, err = r.readExpr(d.opts.Features)
		d.m.Globals = append(d.m.Globals, g)
		return err
	})
}

func (d *decoder) exportSection(r *Reader) error {
	return vec(r, "export", func() error {
		e := Export{Loc: Loc{Offset: r.Position()}}
		var err error
		if e.Name, err = r.ReadName("export item name"); err != nil {
			return err
		}
		kindAt := r.Position()
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind > byte(KindGlobal) {
			return Errorf(Loc{Offset: kindAt}, "invalid export external kind: %d", kind)
		}
		e.Kind = ExternKind(kind)
		if e.Index, err = r.ReadU32("export item index"); err != nil {
			return err
		}
		d.m.Exports = append(d.m.Exports, e)
		return nil
	})
}

func (r *Reader) readFuncIndices() ([]uint32, error) {
	var out []uint32
	err := vec(r, "elem init", func() error {
		idx, err := r.ReadU32("elem function index")
		out = append(out, idx)
		return err
	})
	return out, err
}

func (d *decoder) elemSection(r *Reader) error {
	return vec(r, "elem segment", func() error {
		start := r.Position()
		flags, err := r.ReadU32("elem segment flags")
		if err != nil {
			return err
		}
		if flags != 0 && !d.opts.Features.Has(FeatureBulkMemory) {
			return Errorf(Loc{Offset: start}, "invalid elem segment flags: %#x", flags)
		}
		e := Elem{Loc: Loc{Offset: start}}
		switch flags {
		case 0:
			e.Mode = ElemActive
			if e.Offset, err = r.readExpr(d.opts.Features); err != nil {
				return err
			}
		case 1, 3:
			e.Mode = ElemPassive
			if flags == 3 {
				e.Mode = ElemDeclarative
			}
			if err := r.readZeroByte("elem kind"); err != nil {
				return err
			}
		case 2:
			e.Mode = ElemActive
			if e.Table, err = r.ReadU32("elem table index"); err != nil {
				return err
			}
			if e.Offset, err = r.readExpr(d.opts.Features); err != nil {
				return err
			}
			if err := r.readZeroByte("elem kind"); err != nil {
				return err
			}
		default:
			return Errorf(Loc{Offset: start}, "unsupported elem segment flags: %#x", flags)
		}
		e.Funcs, err = r.readFuncIndices()
		d.m.Elems = append(d.m.Elems, e)
		return err
	})
}

const maxLocals = 50000

func (d *decoder) codeSection(r *Reader) error {
	d.codeLoaded = true
	var n uint32
	return vec(r, "function body", func() error {
		start := r.Position()
		if n >= d.funcCount {
			return Errorf(Loc{Offset: start}, "function body count greater than function signature count")
		}
		size, err := r.ReadU32("function body size")
		if err != nil {
			return err
		}
		body, err := r.Sub(int(size), "function body")
		if err != nil {
			return err
		}
		fn := &d.m.Funcs[n]
		n++

		var total uint32
		if err := vec(body, "local declaration", func() error {
			count, err := body.ReadU32("local type count")
			if err != nil {
				return err
			}
			total += count
			if total > maxLocals {
				return body.errorf("local count too large")
			}
			t, err := body.readValType("local")
			if err != nil {
				return err
			}
			for i := uint32(0); i < count; i++ {
				fn.Locals = append(fn.Locals, t)
			}
			return nil
		}); err != nil {
			return err
		}
		if fn.Body, err = body.readExpr(d.opts.Features); err != nil {
			return err
		}
		if body.Len() != 0 {
			return body.errorf("function body must end with END opcode")
		}
		return nil
	})
}

func (d *decoder) dataSection(r *Reader) error {
	return vec(r, "data segment", func() error {
		start := r.Position()
		flags, err := r.ReadU32("data segment flags")
		if err != nil {
			return err
		}
		seg := Data{Loc: Loc{Offset: start}}
		switch flags {
		case 0:
		case 1:
			seg.Passive = true
		case 2:
			if seg.Memory, err = r.ReadU32("data memory index"); err != nil {
				return err
			}
		default:
			return Errorf(Loc{Offset: start}, "invalid data segment flags: %#x", flags)
		}
		if flags != 0 && !d.opts.Features.Has(FeatureBulkMemory) {
			return Errorf(Loc{Offset: start}, "invalid data segment flags: %#x", flags)
		}
		if !seg.Passive {
			if seg.Offset, err = r.readExpr(d.opts.Features); err != nil {
				return err
			}
		}
		n, err := r.ReadU32("data segment size")
		if err != nil {
			return err
		}
		b, err := r.ReadBytes(int(n), "data segment data")
		if err != nil {
			return err
		}
		seg.Init = append([]byte(nil), b...)
		d.m.Datas = append(d.m.Datas, seg)
		return nil
	})
}

func (d *decoder) customSection(r *Reader, after byte) error {
	name, err := r.ReadName("section name")
	if err != nil {
		return err
	}
	if name == "name" && d.opts.ReadDebugNames {
		return d.nameSection(r)
	}
	rest, _ := r.ReadBytes(r.Len(), "custom section data")
	d.m.Customs = append(d.m.Customs, Custom{Name: name, Data: append([]byte(nil), rest...), After: after})
	return nil
}
