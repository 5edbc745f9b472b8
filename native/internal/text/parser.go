// Package text reads and writes the WebAssembly text format.
package text

import (
	"unicode/utf8"

	"github.com/wippyai/wabt-go/native/internal/binary"
)

type nameSpace map[string]uint32

// Parser builds a module from WebAssembly text in two passes: the first
// binds every module-level name and collects explicit types, the second
// parses each field.
type Parser struct {
	m        *binary.Module
	tokens   []Token
	pos      int
	features binary.Features

	types    nameSpace
	funcs    nameSpace
	tables   nameSpace
	memories nameSpace
	globals  nameSpace
	datas    nameSpace
	elems    nameSpace
	locals   nameSpace
	labels   []string

	// defined records which index spaces already have a definition; imports
	// must precede them.
	defined [4]bool
}

// Parse parses a text module.
func Parse(src []byte, features binary.Features) (*binary.Module, error) {
	tokens, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	m := &binary.Module{Names: binary.NewNames(), NamedRefs: true}
	p := &Parser{
		m:        m,
		tokens:   tokens,
		features: features,
		types:    make(nameSpace),
		funcs:    make(nameSpace),
		tables:   make(nameSpace),
		memories: make(nameSpace),
		globals:  make(nameSpace),
		datas:    make(nameSpace),
		elems:    make(nameSpace),
	}
	return m, p.parseModule()
}

func (p *Parser) peek() *Token { return &p.tokens[p.pos] }

func (p *Parser) peekAt(n int) *Token {
	if p.pos+n >= len(p.tokens) {
		return &p.tokens[len(p.tokens)-1]
	}
	return &p.tokens[p.pos+n]
}

func (p *Parser) next() *Token {
	t := &p.tokens[p.pos]
	if t.Kind != EOF {
		p.pos++
	}
	return t
}

func (p *Parser) errorf(t *Token, format string, args ...any) error {
	return binary.Errorf(t.Loc(), format, args...)
}

func (p *Parser) unexpected(t *Token, expected string) error {
	return p.errorf(t, "unexpected token %s, expected %s.", t.Describe(), expected)
}

func (p *Parser) expect(kind Kind) (*Token, error) {
	t := p.peek()
	if t.Kind != kind {
		return nil, p.unexpected(t, kind.String())
	}
	return p.next(), nil
}

func (p *Parser) expectKeyword(word string) error {
	t := p.peek()
	if t.Kind != Keyword || t.Text != word {
		return p.unexpected(t, word)
	}
	p.next()
	return nil
}

func (p *Parser) closeParen() error {
	_, err := p.expect(RParen)
	return err
}

// peekField reports whether the next tokens open the form "(word".
func (p *Parser) peekField(word string) bool {
	return p.peek().Kind == LParen && p.peekAt(1).Kind == Keyword && p.peekAt(1).Text == word
}

// optName consumes an identifier, returning it without the '$'.
func (p *Parser) optName() (string, *Token) {
	if t := p.peek(); t.Kind == Ident {
		p.next()
		return t.Text[1:], t
	}
	return "", nil
}

func (p *Parser) bindName(ns nameSpace, what string, t *Token, idx uint32) error {
	if t == nil {
		return nil
	}
	if _, dup := ns[t.Text]; dup {
		return p.errorf(t, "redefinition of %s %q", what, t.Text)
	}
	ns[t.Text] = idx
	return nil
}

func (p *Parser) str() (string, []byte, error) {
	t := p.peek()
	if t.Kind != String {
		return "", nil, p.unexpected(t, "a quoted string")
	}
	p.next()
	b, err := unquote(t.Text)
	if err != nil {
		return "", nil, p.errorf(t, "bad string literal")
	}
	return t.Text, b, nil
}

// name reads a quoted string naming an import, export or module. Unlike
// data strings it must be valid UTF-8.
func (p *Parser) name() (string, []byte, error) {
	t := p.peek()
	raw, b, err := p.str()
	if err != nil {
		return "", nil, err
	}
	if !utf8.Valid(b) {
		return "", nil, p.errorf(t, "quoted string has an invalid utf-8 encoding")
	}
	return raw, b, nil
}

func (p *Parser) u32() (uint32, error) {
	t := p.peek()
	if t.Kind != Number {
		return 0, p.unexpected(t, "a natural number")
	}
	p.next()
	v, err := parseUint(t.Text, 32)
	if err != nil {
		return 0, p.errorf(t, "invalid int %q", t.Text)
	}
	return uint32(v), nil
}

// index resolves a numeric index or a name in ns.
func (p *Parser) index(ns nameSpace, what string) (uint32, error) {
	t := p.peek()
	switch t.Kind {
	case Number:
		return p.u32()
	case Ident:
		p.next()
		if idx, ok := ns[t.Text]; ok {
			return idx, nil
		}
		return 0, p.errorf(t, "undefined %s variable %q", what, t.Text)
	}
	return 0, p.unexpected(t, "a numeric index or a name")
}

func (p *Parser) isIndex() bool {
	k := p.peek().Kind
	return k == Number || k == Ident
}

func (p *Parser) valType() (binary.ValType, error) {
	t := p.peek()
	if t.Kind == Keyword {
		switch t.Text {
		case "i32":
			p.next()
			return binary.I32, nil
		case "i64":
			p.next()
			return binary.I64, nil
		case "f32":
			p.next()
			return binary.F32, nil
		case "f64":
			p.next()
			return binary.F64, nil
		case "v128":
			p.next()
			return binary.V128, nil
		case "funcref":
			p.next()
			return binary.FuncRef, nil
		case "externref":
			p.next()
			return binary.ExternRef, nil
		}
	}
	return 0, p.unexpected(t, "a value type")
}

// skipForm moves past the parenthesized form starting at the current token.
func (p *Parser) skipForm() {
	depth := 0
	for {
		t := p.next()
		switch t.Kind {
		case LParen:
			depth++
		case RParen:
			depth--
		case EOF:
			return
		}
		if depth == 0 {
			return
		}
	}
}

var fieldKeywords = map[string]bool{
	"type": true, "import": true, "func": true, "table": true, "memory": true, "global": true,
	"export": true, "start": true, "elem": true, "data": true,
}

func (p *Parser) parseModule() error {
	t := p.peek()
	explicit := t.Kind == LParen && p.peekAt(1).Kind == Keyword && p.peekAt(1).Text == "module"
	if t.Kind == LParen && !explicit && !fieldKeywords[p.peekAt(1).Text] {
		return p.unexpected(p.peekAt(1), "a module field or a module")
	}
	if explicit {
		p.next()
		p.next()
		if name, _ := p.optName(); name != "" {
			p.m.Names.Module = name
		}
	}

	start := p.pos
	if err := p.prescan(explicit); err != nil {
		return err
	}
	p.pos = start
	if err := p.fields(explicit); err != nil {
		return err
	}
	if explicit {
		if err := p.closeParen(); err != nil {
			return err
		}
	}
	if t := p.peek(); t.Kind != EOF {
		return p.unexpected(t, "EOF")
	}
	return nil
}

func (p *Parser) atFieldsEnd(explicit bool) bool {
	k := p.peek().Kind
	return k == EOF || (explicit && k == RParen)
}

// prescan binds module-level names and parses explicit types.
func (p *Parser) prescan(explicit bool) error {
	var counts [4]uint32
	var datas, elems uint32
	for !p.atFieldsEnd(explicit) {
		if p.peek().Kind != LParen {
			return p.unexpected(p.peek(), "a module field")
		}
		field := p.pos
		kw := p.peekAt(1)
		if kw.Kind != Keyword || !fieldKeywords[kw.Text] {
			return p.unexpected(kw, "a module field")
		}
		var nameTok *Token
		if n := p.peekAt(2); n.Kind == Ident {
			nameTok = n
		}

		var err error
		switch kw.Text {
		case "type":
			p.next()
			p.next()
			err = p.typeField()
			p.pos = field
		case "import":
			// (import "m" "n" (kind $name? ...))
			if p.peekAt(4).Kind == LParen {
				desc := p.peekAt(5)
				var inner *Token
				if n := p.peekAt(6); n.Kind == Ident {
					inner = n
				}
				err = p.bindKind(desc.Text, inner, &counts)
			}
		case "func", "table", "memory", "global":
			err = p.bindKind(kw.Text, nameTok, &counts)
		case "data":
			err = p.bindName(p.datas, "data segment", nameTok, datas)
			datas++
		case "elem":
			err = p.bindName(p.elems, "elem segment", nameTok, elems)
			elems++
		}
		if err != nil {
			return err
		}
		p.skipForm()
	}
	return nil
}

func (p *Parser) bindKind(kind string, name *Token, counts *[4]uint32) error {
	var ns nameSpace
	var k binary.ExternKind
	switch kind {
	case "func":
		ns, k = p.funcs, binary.KindFunc
	case "table":
		ns, k = p.tables, binary.KindTable
	case "memory":
		ns, k = p.memories, binary.KindMemory
	case "global":
		ns, k = p.globals, binary.KindGlobal
	default:
		return nil
	}
	err := p.bindName(ns, kind, name, counts[k])
	counts[k]++
	return err
}

func (p *Parser) fields(explicit bool) error {
	for !p.atFieldsEnd(explicit) {
		open := p.next()
		if open.Kind != LParen {
			return p.unexpected(open, "a module field")
		}
		kw := p.next()
		var err error
		switch kw.Text {
		case "type":
			p.pos--
			p.pos--
			p.skipForm()
			continue
		case "import":
			err = p.importField()
		case "func":
			err = p.funcField()
		case "table":
			err = p.tableField()
		case "memory":
			err = p.memoryField()
		case "global":
			err = p.globalField()
		case "export":
			err = p.exportField()
		case "start":
			err = p.startField()
		case "elem":
			err = p.elemField()
		case "data":
			err = p.dataField()
		default:
			return p.unexpected(kw, "a module field")
		}
		if err != nil {
			return err
		}
		if err := p.closeParen(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) typeField() error {
	_, nameTok := p.optName()
	idx := uint32(len(p.m.Types))
	if err := p.bindName(p.types, "type", nameTok, idx); err != nil {
		return err
	}
	if _, err := p.expect(LParen); err != nil {
		return err
	}
	if err := p.expectKeyword("func"); err != nil {
		return err
	}
	var ft binary.FuncType
	if _, err := p.params(&ft, true); err != nil {
		return err
	}
	if err := p.results(&ft); err != nil {
		return err
	}
	if err := p.closeParen(); err != nil {
		return err
	}
	p.m.Types = append(p.m.Types, ft)
	if nameTok != nil {
		p.m.Names.Types[idx] = nameTok.Text[1:]
	}
	return p.closeParen()
}

// params parses (param ...) forms, returning the parameter names.
func (p *Parser) params(ft *binary.FuncType, allowNames bool) ([]*Token, error) {
	var names []*Token
	for p.peekField("param") {
		p.next()
		p.next()
		if t := p.peek(); t.Kind == Ident {
			if !allowNames {
				return nil, p.errorf(t, "unexpected parameter name")
			}
			p.next()
			vt, err := p.valType()
			if err != nil {
				return nil, err
			}
			ft.Params = append(ft.Params, vt)
			names = append(names, t)
		} else {
			for p.peek().Kind != RParen {
				vt, err := p.valType()
				if err != nil {
					return nil, err
				}
				ft.Params = append(ft.Params, vt)
				names = append(names, nil)
			}
		}
		if err := p.closeParen(); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (p *Parser) results(ft *binary.FuncType) error {
	for p.peekField("result") {
		p.next()
		p.next()
		for p.peek().Kind != RParen {
			vt, err := p.valType()
			if err != nil {
				return err
			}
			ft.Results = append(ft.Results, vt)
		}
		if err := p.closeParen(); err != nil {
			return err
		}
	}
	return nil
}

// typeUse parses an optional (type idx) followed by inline params and
// results, returning the type index and the parameter names.
func (p *Parser) typeUse(allowNames bool) (uint32, []*Token, error) {
	explicit := -1
	var at *Token
	if p.peekField("type") {
		p.next()
		p.next()
		at = p.peek()
		idx, err := p.index(p.types, "type")
		if err != nil {
			return 0, nil, err
		}
		if err := p.closeParen(); err != nil {
			return 0, nil, err
		}
		explicit = int(idx)
	}
	var ft binary.FuncType
	names, err := p.params(&ft, allowNames)
	if err != nil {
		return 0, nil, err
	}
	if err := p.results(&ft); err != nil {
		return 0, nil, err
	}
	if explicit < 0 {
		return p.m.AddType(ft), names, nil
	}
	if explicit >= len(p.m.Types) {
		return 0, nil, p.errorf(at, "type index out of range: %d (max %d)", explicit, len(p.m.Types))
	}
	if len(ft.Params) > 0 || len(ft.Results) > 0 {
		if !ft.Equal(p.m.Types[explicit]) {
			return 0, nil, p.errorf(at, "type mismatch between explicit type and inline signature")
		}
	}
	return uint32(explicit), names, nil
}

// inlineExports parses (export "name") forms for item idx.
func (p *Parser) inlineExports(kind binary.ExternKind, idx uint32) error {
	for p.peekField("export") {
		loc := p.next().Loc()
		p.next()
		_, name, err := p.name()
		if err != nil {
			return err
		}
		if err := p.closeParen(); err != nil {
			return err
		}
		p.m.Exports = append(p.m.Exports, binary.Export{Name: string(name), Kind: kind, Index: idx, Loc: loc})
	}
	return nil
}

// inlineImport parses (import "m" "n") and reports whether one was present.
func (p *Parser) inlineImport() (*binary.Import, error) {
	if !p.peekField("import") {
		return nil, nil
	}
	loc := p.next().Loc()
	p.next()
	_, mod, err := p.name()
	if err != nil {
		return nil, err
	}
	_, name, err := p.name()
	if err != nil {
		return nil, err
	}
	return &binary.Import{Module: string(mod), Name: string(name), Loc: loc}, p.closeParen()
}

func (p *Parser) addImport(imp *binary.Import, at *Token) error {
	if p.defined[imp.Kind] {
		return p.errorf(at, "imports must occur before all non-import definitions")
	}
	p.m.Imports = append(p.m.Imports, *imp)
	return nil
}

func (p *Parser) limits() (binary.Limits, error) {
	var l binary.Limits
	var err error
	if l.Min, err = p.u32(); err != nil {
		return l, err
	}
	if p.peek().Kind == Number {
		max, err := p.u32()
		if err != nil {
			return l, err
		}
		l.Max = &max
	}
	return l, nil
}

func (p *Parser) globalType() (binary.GlobalType, error) {
	if p.peekField("mut") {
		p.next()
		p.next()
		vt, err := p.valType()
		if err != nil {
			return binary.GlobalType{}, err
		}
		return binary.GlobalType{Type: vt, Mutable: true}, p.closeParen()
	}
	vt, err := p.valType()
	return binary.GlobalType{Type: vt}, err
}

func (p *Parser) memoryType() (binary.MemoryType, error) {
	l, err := p.limits()
	if err != nil {
		return binary.MemoryType{}, err
	}
	mt := binary.MemoryType{Limits: l}
	if t := p.peek(); t.Kind == Keyword && t.Text == "shared" {
		if !p.features.Has(binary.FeatureThreads) {
			return mt, p.errorf(t, "memory may not be shared: threads not allowed")
		}
		p.next()
		mt.Shared = true
	}
	return mt, nil
}

func (p *Parser) tableType() (binary.TableType, error) {
	l, err := p.limits()
	if err != nil {
		return binary.TableType{}, err
	}
	at := p.peek()
	vt, err := p.valType()
	if err != nil {
		return binary.TableType{}, err
	}
	if !vt.IsRef() {
		return binary.TableType{}, p.errorf(at, "table element type must be a reference type")
	}
	return binary.TableType{Limits: l, Elem: vt}, nil
}

func (p *Parser) importField() error {
	at := p.peek()
	_, mod, err := p.name()
	if err != nil {
		return err
	}
	_, name, err := p.name()
	if err != nil {
		return err
	}
	if _, err := p.expect(LParen); err != nil {
		return err
	}
	kind := p.next()
	imp := &binary.Import{Module: string(mod), Name: string(name), Loc: at.Loc()}
	n, _ := p.optName()
	switch kind.Text {
	case "func":
		imp.Kind = binary.KindFunc
		if imp.TypeIdx, _, err = p.typeUse(true); err != nil {
			return err
		}
		if n != "" {
			p.m.Names.Funcs[p.m.NumFuncImports()] = n
		}
	case "table":
		imp.Kind = binary.KindTable
		t, err := p.tableType()
		if err != nil {
			return err
		}
		imp.Table = &t
		if n != "" {
			p.m.Names.Tables[p.m.NumTables()] = n
		}
	case "memory":
		imp.Kind = binary.KindMemory
		mt, err := p.memoryType()
		if err != nil {
			return err
		}
		imp.Memory = &mt
		if n != "" {
			p.m.Names.Memories[p.m.NumMemories()] = n
		}
	case "global":
		imp.Kind = binary.KindGlobal
		g, err := p.globalType()
		if err != nil {
			return err
		}
		imp.Global = &g
		if n != "" {
			p.m.Names.Globals[p.m.NumGlobals()] = n
		}
	default:
		return p.unexpected(kind, "an external kind")
	}
	if err := p.addImport(imp, at); err != nil {
		return err
	}
	return p.closeParen()
}

func (p *Parser) funcField() error {
	name, _ := p.optName()
	idx := p.m.NumFuncs()
	if name != "" {
		p.m.Names.Funcs[idx] = name
	}
	if err := p.inlineExports(binary.KindFunc, idx); err != nil {
		return err
	}
	at := p.peek()
	imp, err := p.inlineImport()
	if err != nil {
		return err
	}
	typeIdx, paramNames, err := p.typeUse(true)
	if err != nil {
		return err
	}
	if imp != nil {
		imp.Kind = binary.KindFunc
		imp.TypeIdx = typeIdx
		return p.addImport(imp, at)
	}

	p.defined[binary.KindFunc] = true
	fn := binary.Func{TypeIdx: typeIdx, Loc: at.Loc()}
	p.locals = make(nameSpace)
	for i, t := range paramNames {
		if t == nil {
			continue
		}
		if err := p.bindName(p.locals, "local", t, uint32(i)); err != nil {
			return err
		}
		p.m.Names.SetLocal(idx, uint32(i), t.Text[1:])
	}
	nparams := uint32(len(p.m.Types[typeIdx].Params))
	for p.peekField("local") {
		p.next()
		p.next()
		if t := p.peek(); t.Kind == Ident {
			p.next()
			vt, err := p.valType()
			if err != nil {
				return err
			}
			li := nparams + uint32(len(fn.Locals))
			if err := p.bindName(p.locals, "local", t, li); err != nil {
				return err
			}
			p.m.Names.SetLocal(idx, li, t.Text[1:])
			fn.Locals = append(fn.Locals, vt)
		} else {
			for p.peek().Kind != RParen {
				vt, err := p.valType()
				if err != nil {
					return err
				}
				fn.Locals = append(fn.Locals, vt)
			}
		}
		if err := p.closeParen(); err != nil {
			return err
		}
	}

	p.labels = p.labels[:0]
	if err := p.instrs(&fn.Body); err != nil {
		return err
	}
	p.locals = nil
	p.m.Funcs = append(p.m.Funcs, fn)
	return nil
}

func (p *Parser) tableField() error {
	name, _ := p.optName()
	idx := p.m.NumTables()
	if name != "" {
		p.m.Names.Tables[idx] = name
	}
	if err := p.inlineExports(binary.KindTable, idx); err != nil {
		return err
	}
	at := p.peek()
	imp, err := p.inlineImport()
	if err != nil {
		return err
	}

	// reftype (elem idx*) abbreviation
	if t := p.peek(); t.Kind == Keyword && (t.Text == "funcref" || t.Text == "externref") {
		vt, _ := p.valType()
		if !p.peekField("elem") {
			return p.unexpected(p.peek(), "(elem")
		}
		p.next()
		p.next()
		var funcs []uint32
		for p.isIndex() {
			fi, err := p.index(p.funcs, "function")
			if err != nil {
				return err
			}
			funcs = append(funcs, fi)
		}
		if err := p.closeParen(); err != nil {
			return err
		}
		n := uint32(len(funcs))
		p.defined[binary.KindTable] = true
		p.m.Tables = append(p.m.Tables, binary.TableType{Elem: vt, Limits: binary.Limits{Min: n, Max: &n}})
		p.m.Elems = append(p.m.Elems, binary.Elem{
			Mode:   binary.ElemActive,
			Table:  idx,
			Offset: []binary.Instr{{Op: binary.OpI32Const}},
			Funcs:  funcs,
			Loc:    at.Loc(),
		})
		return nil
	}

	tt, err := p.tableType()
	if err != nil {
		return err
	}
	if imp != nil {
		imp.Kind = binary.KindTable
		imp.Table = &tt
		return p.addImport(imp, at)
	}
	p.defined[binary.KindTable] = true
	p.m.Tables = append(p.m.Tables, tt)
	return nil
}

const pageSize = 65536

func (p *Parser) memoryField() error {
	name, _ := p.optName()
	idx := p.m.NumMemories()
	if name != "" {
		p.m.Names.Memories[idx] = name
	}
	if err := p.inlineExports(binary.KindMemory, idx); err != nil {
		return err
	}
	at := p.peek()
	imp, err := p.inlineImport()
	if err != nil {
		return err
	}

	if p.peekField("data") {
		p.next()
		p.next()
		var init []byte
		for p.peek().Kind == String {
			_, b, err := p.str()
			if err != nil {
				return err
			}
			init = append(init, b...)
		}
		if err := p.closeParen(); err != nil {
			return err
		}
		pages := uint32((len(init) + pageSize - 1) / pageSize)
		p.defined[binary.KindMemory] = true
		p.m.Memories = append(p.m.Memories, binary.MemoryType{Limits: binary.Limits{Min: pages, Max: &pages}})
		p.m.Datas = append(p.m.Datas, binary.Data{
			Memory: idx,
			Offset: []binary.Instr{{Op: binary.OpI32Const}},
			Init:   init,
			Loc:    at.Loc(),
		})
		return nil
	}

	mt, err := p.memoryType()
	if err != nil {
		return err
	}
	if imp != nil {
		imp.Kind = binary.KindMemory
		imp.Memory = &mt
		return p.addImport(imp, at)
	}
	p.defined[binary.KindMemory] = true
	p.m.Memories = append(p.m.Memories, mt)
	return nil
}

func (p *Parser) globalField() error {
	name, _ := p.optName()
	idx := p.m.NumGlobals()
	if name != "" {
		p.m.Names.Globals[idx] = name
	}
	if err := p.inlineExports(binary.KindGlobal, idx); err != nil {
		return err
	}
	at := p.peek()
	imp, err := p.inlineImport()
	if err != nil {
		return err
	}
	gt, err := p.globalType()
	if err != nil {
		return err
	}
	if imp != nil {
		imp.Kind = binary.KindGlobal
		imp.Global = &gt
		return p.addImport(imp, at)
	}
	p.defined[binary.KindGlobal] = true
	g := binary.Global{Type: gt, Loc: at.Loc()}
	p.labels = p.labels[:0]
	if err := p.instrs(&g.Init); err != nil {
		return err
	}
	p.m.Globals = append(p.m.Globals, g)
	return nil
}

func (p *Parser) exportField() error {
	at := p.peek()
	_, name, err := p.name()
	if err != nil {
		return err
	}
	if _, err := p.expect(LParen); err != nil {
		return err
	}
	kind := p.next()
	e := binary.Export{Name: string(name), Loc: at.Loc()}
	switch kind.Text {
	case "func":
		e.Kind = binary.KindFunc
		e.Index, err = p.index(p.funcs, "function")
	case "table":
		e.Kind = binary.KindTable
		e.Index, err = p.index(p.tables, "table")
	case "memory":
		e.Kind = binary.KindMemory
		e.Index, err = p.index(p.memories, "memory")
	case "global":
		e.Kind = binary.KindGlobal
		e.Index, err = p.index(p.globals, "global")
	default:
		return p.unexpected(kind, "an external kind")
	}
	if err != nil {
		return err
	}
	p.m.Exports = append(p.m.Exports, e)
	return p.closeParen()
}

func (p *Parser) startField() error {
	at := p.peek()
	if p.m.Start != nil {
		return p.errorf(at, "multiple start sections")
	}
	idx, err := p.index(p.funcs, "function")
	if err != nil {
		return err
	}
	p.m.Start = &idx
	return nil
}

// offsetExpr parses (offset instr*) or a single folded instruction.
func (p *Parser) offsetExpr() ([]binary.Instr, error) {
	var out []binary.Instr
	p.labels = p.labels[:0]
	if p.peekField("offset") {
		p.next()
		p.next()
		if err := p.instrs(&out); err != nil {
			return nil, err
		}
		return out, p.closeParen()
	}
	if p.peek().Kind != LParen {
		return nil, p.unexpected(p.peek(), "an offset expression")
	}
	p.next()
	return out, p.folded(&out)
}

func (p *Parser) elemField() error {
	at := p.peek()
	p.optName()
	el := binary.Elem{Loc: at.Loc(), Mode: binary.ElemPassive}

	if t := p.peek(); t.Kind == Keyword && t.Text == "declare" {
		p.next()
		el.Mode = binary.ElemDeclarative
	} else {
		if p.peekField("table") {
			p.next()
			p.next()
			idx, err := p.index(p.tables, "table")
			if err != nil {
				return err
			}
			el.Table = idx
			if err := p.closeParen(); err != nil {
				return err
			}
		}
		if p.peek().Kind == LParen {
			off, err := p.offsetExpr()
			if err != nil {
				return err
			}
			el.Mode = binary.ElemActive
			el.Offset = off
		}
	}
	if t := p.peek(); t.Kind == Keyword && t.Text == "func" {
		p.next()
	} else if el.Mode != binary.ElemActive {
		return p.unexpected(t, "func")
	}
	for p.isIndex() {
		fi, err := p.index(p.funcs, "function")
		if err != nil {
			return err
		}
		el.Funcs = append(el.Funcs, fi)
	}
	if el.Mode != binary.ElemActive && !p.features.Has(binary.FeatureBulkMemory) {
		return p.errorf(at, "passive and declared elem segments require bulk_memory")
	}
	p.m.Elems = append(p.m.Elems, el)
	return nil
}

func (p *Parser) dataField() error {
	at := p.peek()
	p.optName()
	d := binary.Data{Loc: at.Loc(), Passive: true}
	if p.peekField("memory") {
		p.next()
		p.next()
		idx, err := p.index(p.memories, "memory")
		if err != nil {
			return err
		}
		d.Memory = idx
		if err := p.closeParen(); err != nil {
			return err
		}
	}
	if p.peek().Kind == LParen {
		off, err := p.offsetExpr()
		if err != nil {
			return err
		}
		d.Passive = false
		d.Offset = off
	}
	for p.peek().Kind == String {
		_, b, err := p.str()
		if err != nil {
			return err
		}
		d.Init = append(d.Init, b...)
	}
	if d.Passive && !p.features.Has(binary.FeatureBulkMemory) {
		return p.errorf(at, "passive data segments require bulk_memory")
	}
	p.m.Datas = append(p.m.Datas, d)
	return nil
}
