package binary

import "strings"

const maxPages = 65536

type frame struct {
	params      []ValType
	results     []ValType
	height      int
	op          Opcode
	unreachable bool
}

func (f *frame) labelTypes() []ValType {
	if f.op == OpLoop {
		return f.params
	}
	return f.results
}

type checker struct {
	m      *Module
	f      Features
	locals []ValType
	vals   []ValType
	ctrls  []frame
	loc    Loc
}

func (c *checker) errorf(format string, args ...any) *Diagnostic {
	return Errorf(c.loc, format, args...)
}

func (c *checker) push(ts ...ValType) { c.vals = append(c.vals, ts...) }

func match(want, got ValType) bool {
	return want == got || want == Unknown || got == Unknown
}

// pop removes the values an instruction consumes, reporting the whole
// expected and actual lists on mismatch.
func (c *checker) pop(name string, want []ValType) error {
	fr := &c.ctrls[len(c.ctrls)-1]
	avail := len(c.vals) - fr.height
	n := len(want)
	got := c.vals[fr.height:]
	if avail >= n {
		got = c.vals[len(c.vals)-n:]
	}
	ok := avail >= n || fr.unreachable
	for i := 1; ok && i <= len(got); i++ {
		ok = match(want[n-i], got[len(got)-i])
	}
	if !ok {
		return c.errorf("type mismatch in %s, expected %s but got %s", name, TypeList(want), TypeList(got))
	}
	c.vals = c.vals[:len(c.vals)-len(got)]
	return nil
}

// popExact is pop for frame ends: nothing may remain above the frame.
func (c *checker) popExact(name string, want []ValType) error {
	fr := &c.ctrls[len(c.ctrls)-1]
	if avail := len(c.vals) - fr.height; avail > len(want) {
		return c.errorf("type mismatch in %s, expected %s but got %s",
			name, TypeList(want), TypeList(c.vals[fr.height:]))
	}
	return c.pop(name, want)
}

func (c *checker) popAny(name string) (ValType, error) {
	fr := &c.ctrls[len(c.ctrls)-1]
	if len(c.vals) == fr.height {
		if fr.unreachable {
			return Unknown, nil
		}
		return Unknown, c.errorf("type mismatch in %s, expected [any] but got []", name)
	}
	t := c.vals[len(c.vals)-1]
	c.vals = c.vals[:len(c.vals)-1]
	return t, nil
}

func (c *checker) setUnreachable() {
	fr := &c.ctrls[len(c.ctrls)-1]
	c.vals = c.vals[:fr.height]
	fr.unreachable = true
}

func (c *checker) pushFrame(op Opcode, params, results []ValType) {
	c.ctrls = append(c.ctrls, frame{op: op, params: params, results: results, height: len(c.vals)})
	c.push(params...)
}

func (c *checker) label(depth uint32) (*frame, error) {
	if int(depth) >= len(c.ctrls) {
		return nil, c.errorf("invalid depth: %d (max %d)", depth, len(c.ctrls)-1)
	}
	return &c.ctrls[len(c.ctrls)-1-int(depth)], nil
}

func (c *checker) blockType(bt BlockType) ([]ValType, []ValType, error) {
	switch bt.Kind {
	case BlockEmpty:
		return nil, nil, nil
	case BlockValue:
		return nil, []ValType{bt.Type}, nil
	}
	if bt.Index >= uint32(len(c.m.Types)) {
		return nil, nil, c.errorf("type index out of range: %d (max %d)", bt.Index, len(c.m.Types))
	}
	ft := c.m.Types[bt.Index]
	if (len(ft.Params) > 0 || len(ft.Results) > 1) && !c.f.Has(FeatureMultiValue) {
		return nil, nil, c.errorf("block type with params or multiple results requires multi_value")
	}
	return ft.Params, ft.Results, nil
}

func (c *checker) requireMemory(name string) error {
	if c.m.NumMemories() == 0 {
		return c.errorf("%s requires an imported or defined memory.", name)
	}
	return nil
}

func (c *checker) frameName(op Opcode) string {
	switch op {
	case OpBlock, OpLoop:
		return op.String()
	case OpIf:
		return "if true branch"
	case OpElse:
		return "if false branch"
	}
	return "implicit return"
}

func (c *checker) instr(in *Instr) error {
	c.loc = in.Loc
	info, ok := Lookup(in.Op)
	if !ok {
		return c.errorf("unexpected opcode: 0x%x", uint16(in.Op))
	}
	if info.Feature != 0 && !c.f.Has(info.Feature) {
		return c.errorf("opcode not allowed: %s", info.Name)
	}
	name := info.Name

	switch in.Op {
	case OpUnreachable:
		c.setUnreachable()
	case OpBlock, OpLoop, OpIf:
		params, results, err := c.blockType(in.Block)
		if err != nil {
			return err
		}
		if in.Op == OpIf {
			if err := c.pop(name, []ValType{I32}); err != nil {
				return err
			}
		}
		if err := c.pop(name, params); err != nil {
			return err
		}
		c.pushFrame(in.Op, params, results)
	case OpElse:
		fr := &c.ctrls[len(c.ctrls)-1]
		if fr.op != OpIf || len(c.ctrls) == 1 {
			return c.errorf("else must follow an if")
		}
		if err := c.popExact("if true branch", fr.results); err != nil {
			return err
		}
		c.vals = c.vals[:fr.height]
		fr.op = OpElse
		fr.unreachable = false
		c.push(fr.params...)
	case OpEnd:
		fr := c.ctrls[len(c.ctrls)-1]
		what := c.frameName(fr.op)
		if fr.op == OpIf {
			if TypeList(fr.params) != TypeList(fr.results) {
				return c.errorf("type mismatch in if false branch, expected %s but got %s",
					TypeList(fr.results), TypeList(fr.params))
			}
		}
		if err := c.popExact(what, fr.results); err != nil {
			return err
		}
		c.vals = c.vals[:fr.height]
		c.ctrls = c.ctrls[:len(c.ctrls)-1]
		c.push(fr.results...)
	case OpBr:
		fr, err := c.label(in.Index)
		if err != nil {
			return err
		}
		if err := c.pop(name, fr.labelTypes()); err != nil {
			return err
		}
		c.setUnreachable()
	case OpBrIf:
		if err := c.pop(name, []ValType{I32}); err != nil {
			return err
		}
		fr, err := c.label(in.Index)
		if err != nil {
			return err
		}
		types := fr.labelTypes()
		if err := c.pop(name, types); err != nil {
			return err
		}
		c.push(types...)
	case OpBrTable:
		if err := c.pop(name, []ValType{I32}); err != nil {
			return err
		}
		def, err := c.label(in.Index)
		if err != nil {
			return err
		}
		want := def.labelTypes()
		for _, l := range in.Labels {
			fr, err := c.label(l)
			if err != nil {
				return err
			}
			if len(fr.labelTypes()) != len(want) {
				return c.errorf("br_table labels have inconsistent types: expected %s, got %s",
					TypeList(want), TypeList(fr.labelTypes()))
			}
		}
		if err := c.pop(name, want); err != nil {
			return err
		}
		c.setUnreachable()
	case OpReturn:
		if err := c.pop(name, c.ctrls[0].results); err != nil {
			return err
		}
		c.setUnreachable()
	case OpCall:
		ft, ok := c.m.FuncType(in.Index)
		if !ok {
			return c.errorf("function variable out of range: %d (max %d)", in.Index, c.m.NumFuncs())
		}
		if err := c.pop(name, ft.Params); err != nil {
			return err
		}
		c.push(ft.Results...)
	case OpCallIndirect:
		if in.Index2 >= c.m.NumTables() {
			return c.errorf("table variable out of range: %d (max %d)", in.Index2, c.m.NumTables())
		}
		if in.Index >= uint32(len(c.m.Types)) {
			return c.errorf("type index out of range: %d (max %d)", in.Index, len(c.m.Types))
		}
		ft := c.m.Types[in.Index]
		if err := c.pop(name, []ValType{I32}); err != nil {
			return err
		}
		if err := c.pop(name, ft.Params); err != nil {
			return err
		}
		c.push(ft.Results...)
	case OpDrop:
		_, err := c.popAny(name)
		return err
	case OpSelect:
		if err := c.pop(name, []ValType{I32}); err != nil {
			return err
		}
		fr := &c.ctrls[len(c.ctrls)-1]
		t := Unknown
		if len(c.vals) > fr.height {
			t = c.vals[len(c.vals)-1]
		}
		if t == Unknown && len(c.vals) > fr.height+1 {
			t = c.vals[len(c.vals)-2]
		}
		if t.IsRef() {
			return c.errorf("type mismatch in select, expected numeric type but got %s", t)
		}
		if err := c.pop(name, []ValType{t, t}); err != nil {
			return err
		}
		c.push(t)
	case OpLocalGet, OpLocalSet, OpLocalTee:
		if in.Index >= uint32(len(c.locals)) {
			return c.errorf("local variable out of range (max %d)", len(c.locals))
		}
		t := c.locals[in.Index]
		if in.Op == OpLocalGet {
			c.push(t)
			return nil
		}
		if err := c.pop(name, []ValType{t}); err != nil {
			return err
		}
		if in.Op == OpLocalTee {
			c.push(t)
		}
	case OpGlobalGet, OpGlobalSet:
		g, ok := c.m.GlobalType(in.Index)
		if !ok {
			return c.errorf("global variable out of range: %d (max %d)", in.Index, c.m.NumGlobals())
		}
		if in.Op == OpGlobalGet {
			c.push(g.Type)
			return nil
		}
		if !g.Mutable {
			return c.errorf("can't global.set on immutable global at index %d.", in.Index)
		}
		return c.pop(name, []ValType{g.Type})
	case OpRefNull:
		c.push(ValType(in.Index))
	case OpRefIsNull:
		t, err := c.popAny(name)
		if err != nil {
			return err
		}
		if t != Unknown && !t.IsRef() {
			return c.errorf("type mismatch in ref.is_null, expected reference but got %s", t)
		}
		c.push(I32)
	case OpRefFunc:
		if in.Index >= c.m.NumFuncs() {
			return c.errorf("function variable out of range: %d (max %d)", in.Index, c.m.NumFuncs())
		}
		c.push(FuncRef)
	case OpMemoryInit, OpDataDrop:
		if c.m.DataCount == nil {
			return c.errorf("%s requires data count section", name)
		}
		if in.Index >= uint32(len(c.m.Datas)) {
			return c.errorf("data segment variable out of range: %d (max %d)", in.Index, len(c.m.Datas))
		}
		if in.Op == OpMemoryInit {
			if err := c.requireMemory(name); err != nil {
				return err
			}
		}
		return c.pop(name, info.Params)
	default:
		if info.Imm == ImmMemarg || info.Imm == ImmMemory || in.Op == OpMemoryCopy || in.Op == OpMemoryFill {
			if err := c.requireMemory(name); err != nil {
				return err
			}
		}
		if info.Imm == ImmMemarg && in.Align > info.Align {
			return c.errorf("alignment must not be larger than natural alignment (%d)", 1<<info.Align)
		}
		if err := c.pop(name, info.Params); err != nil {
			return err
		}
		c.push(info.Results...)
	}
	return nil
}

func (c *checker) function(fn *Func, ft FuncType) error {
	c.locals = append(append(c.locals[:0], ft.Params...), fn.Locals...)
	c.vals = c.vals[:0]
	c.ctrls = c.ctrls[:0]
	c.loc = fn.Loc
	c.ctrls = append(c.ctrls, frame{op: OpCall, results: ft.Results})

	for i := range fn.Body {
		if len(c.ctrls) == 0 {
			c.loc = fn.Body[i].Loc
			return c.errorf("unexpected instruction after end of function")
		}
		if err := c.instr(&fn.Body[i]); err != nil {
			return err
		}
	}
	if len(c.ctrls) == 0 {
		return c.errorf("unexpected end of function")
	}
	if len(c.ctrls) != 1 {
		return c.errorf("unclosed block at end of function: %d left open", len(c.ctrls)-1)
	}
	return c.popExact("implicit return", ft.Results)
}

// constExpr checks an initializer expression producing want.
func (c *checker) constExpr(expr []Instr, want ValType, what string) error {
	var got []ValType
	for i := range expr {
		in := &expr[i]
		c.loc = in.Loc
		switch in.Op {
		case OpI32Const:
			got = append(got, I32)
		case OpI64Const:
			got = append(got, I64)
		case OpF32Const:
			got = append(got, F32)
		case OpF64Const:
			got = append(got, F64)
		case OpRefNull:
			got = append(got, ValType(in.Index))
		case OpRefFunc:
			if in.Index >= c.m.NumFuncs() {
				return c.errorf("function variable out of range: %d (max %d)", in.Index, c.m.NumFuncs())
			}
			got = append(got, FuncRef)
		case OpGlobalGet:
			g, ok := c.m.GlobalType(in.Index)
			if !ok {
				return c.errorf("global variable out of range: %d (max %d)", in.Index, c.m.NumGlobals())
			}
			if in.Index >= c.m.importCount(KindGlobal) && !c.f.Has(FeatureReferenceTypes) {
				return c.errorf("initializer expression can only reference an imported global")
			}
			if g.Mutable {
				return c.errorf("initializer expression cannot reference a mutable global")
			}
			got = append(got, g.Type)
		default:
			return c.errorf("invalid initializer: instruction not valid in initializer expression: %s", in.Op)
		}
	}
	if len(got) != 1 || !match(want, got[0]) {
		return c.errorf("type mismatch in %s, expected [%s] but got %s", what, want, TypeList(got))
	}
	return nil
}

func (c *checker) limits(l Limits, max uint64, what string) error {
	if uint64(l.Min) > max {
		return c.errorf("initial %s (%d) must be <= (%d)", what, l.Min, max)
	}
	if l.Max != nil {
		if uint64(*l.Max) > max {
			return c.errorf("max %s (%d) must be <= (%d)", what, *l.Max, max)
		}
		if *l.Max < l.Min {
			return c.errorf("max %s (%d) must be >= initial %s (%d)", what, *l.Max, what, l.Min)
		}
	}
	return nil
}

// Validate type-checks m under the enabled features. It reports the first
// error of every function and module-level item it rejects.
func (m *Module) Validate(f Features) []*Diagnostic {
	c := &checker{m: m, f: f}
	var diags []*Diagnostic
	report := func(err error) {
		if err == nil {
			return
		}
		if d, ok := err.(*Diagnostic); ok {
			diags = append(diags, d)
			return
		}
		diags = append(diags, Errorf(c.loc, "%s", err))
	}

	for i, ft := range m.Types {
		if len(ft.Results) > 1 && !f.Has(FeatureMultiValue) {
			report(Errorf(Loc{}, "type %d: multiple result values not allowed", i))
		}
	}
	for _, imp := range m.Imports {
		c.loc = imp.Loc
		switch imp.Kind {
		case KindFunc:
			if imp.TypeIdx >= uint32(len(m.Types)) {
				report(c.errorf("type index out of range: %d (max %d)", imp.TypeIdx, len(m.Types)))
			}
		case KindGlobal:
			if imp.Global.Mutable && !f.Has(FeatureMutableGlobals) {
				report(c.errorf("mutable globals cannot be imported"))
			}
		case KindMemory:
			report(c.limits(imp.Memory.Limits, maxPages, "pages"))
		case KindTable:
			report(c.limits(imp.Table.Limits, 1<<32-1, "elems"))
		}
	}
	if m.NumTables() > 1 && !f.Has(FeatureReferenceTypes) {
		report(Errorf(Loc{}, "only one table allowed"))
	}
	if m.NumMemories() > 1 && !f.Has(FeatureMultiMemory) {
		report(Errorf(Loc{}, "only one memory block allowed"))
	}
	for _, mt := range m.Memories {
		c.loc = Loc{}
		report(c.limits(mt.Limits, maxPages, "pages"))
		if mt.Shared && mt.Limits.Max == nil {
			report(c.errorf("shared memories must have max sizes"))
		}
	}
	for _, t := range m.Tables {
		c.loc = Loc{}
		report(c.limits(t.Limits, 1<<32-1, "elems"))
	}
	for i := range m.Globals {
		g := &m.Globals[i]
		c.loc = g.Loc
		report(c.constExpr(g.Init, g.Type.Type, "global initializer expression"))
	}

	seen := make(map[string]bool)
	for _, e := range m.Exports {
		c.loc = e.Loc
		if seen[e.Name] {
			report(c.errorf("duplicate export %q", e.Name))
		}
		seen[e.Name] = true
		var count uint32
		switch e.Kind {
		case KindFunc:
			count = m.NumFuncs()
		case KindTable:
			count = m.NumTables()
		case KindMemory:
			count = m.NumMemories()
		case KindGlobal:
			count = m.NumGlobals()
			if g, ok := m.GlobalType(e.Index); ok && g.Mutable && !f.Has(FeatureMutableGlobals) {
				report(c.errorf("mutable globals cannot be exported"))
			}
		}
		if e.Index >= count {
			report(c.errorf("%s variable out of range: %d (max %d)", e.Kind, e.Index, count))
		}
	}

	if m.Start != nil {
		c.loc = Loc{}
		if ft, ok := m.FuncType(*m.Start); !ok {
			report(c.errorf("function variable out of range: %d (max %d)", *m.Start, m.NumFuncs()))
		} else if len(ft.Params) != 0 {
			report(c.errorf("start function must not have parameters"))
		} else if len(ft.Results) != 0 {
			report(c.errorf("start function must not return anything"))
		}
	}

	for _, el := range m.Elems {
		c.loc = el.Loc
		if el.Mode == ElemActive {
			if el.Table >= m.NumTables() {
				report(c.errorf("table variable out of range: %d (max %d)", el.Table, m.NumTables()))
			} else {
				report(c.constExpr(el.Offset, I32, "elem segment offset"))
			}
		}
		for _, fi := range el.Funcs {
			if fi >= m.NumFuncs() {
				report(c.errorf("function variable out of range: %d (max %d)", fi, m.NumFuncs()))
				break
			}
		}
	}
	for _, d := range m.Datas {
		c.loc = d.Loc
		if d.Passive {
			continue
		}
		if d.Memory >= m.NumMemories() {
			report(c.errorf("memory variable out of range: %d (max %d)", d.Memory, m.NumMemories()))
			continue
		}
		report(c.constExpr(d.Offset, I32, "data segment offset"))
	}
	if m.DataCount != nil && *m.DataCount != uint32(len(m.Datas)) {
		report(Errorf(Loc{}, "data segment count does not equal count in DataCount section"))
	}

	for i := range m.Funcs {
		fn := &m.Funcs[i]
		c.loc = fn.Loc
		if fn.TypeIdx >= uint32(len(m.Types)) {
			report(c.errorf("type index out of range: %d (max %d)", fn.TypeIdx, len(m.Types)))
			continue
		}
		report(c.function(fn, m.Types[fn.TypeIdx]))
	}
	return diags
}

// FormatDiagnostics renders diagnostics one per line.
func FormatDiagnostics(diags []*Diagnostic) string {
	var sb strings.Builder
	for _, d := range diags {
		sb.WriteString(d.Error())
		sb.WriteByte('\n')
	}
	return sb.String()
}
