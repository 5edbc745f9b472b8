package text

import (
	"math/bits"
	"strings"

	"github.com/wippyai/wabt-go/native/internal/binary"
)

// instrs parses a plain or folded instruction sequence up to a closing
// paren or an end/else keyword, which are left unconsumed.
func (p *Parser) instrs(out *[]binary.Instr) error {
	for {
		t := p.peek()
		switch t.Kind {
		case RParen, EOF:
			return nil
		case LParen:
			p.next()
			if err := p.folded(out); err != nil {
				return err
			}
			continue
		case Keyword:
		default:
			return p.unexpected(t, "an instr")
		}

		switch t.Text {
		case "end", "else":
			return nil
		case "block", "loop", "if":
			if err := p.plainBlock(out); err != nil {
				return err
			}
		default:
			in, err := p.instr()
			if err != nil {
				return err
			}
			*out = append(*out, in)
		}
	}
}

func (p *Parser) pushLabel(label string) { p.labels = append(p.labels, label) }

func (p *Parser) popLabel() { p.labels = p.labels[:len(p.labels)-1] }

// endLabel checks the optional label repeated after else or end.
func (p *Parser) endLabel(label string) error {
	if t := p.peek(); t.Kind == Ident {
		p.next()
		if t.Text != label {
			return p.errorf(t, "mismatching label %q != %q", label, t.Text)
		}
	}
	return nil
}

func (p *Parser) plainBlock(out *[]binary.Instr) error {
	in, label, err := p.blockHeader()
	if err != nil {
		return err
	}
	p.pushLabel(label)
	defer p.popLabel()
	*out = append(*out, in)
	if err := p.instrs(out); err != nil {
		return err
	}
	if t := p.peek(); in.Op == binary.OpIf && t.Kind == Keyword && t.Text == "else" {
		p.next()
		if err := p.endLabel(label); err != nil {
			return err
		}
		*out = append(*out, binary.Instr{Op: binary.OpElse, Loc: t.Loc()})
		if err := p.instrs(out); err != nil {
			return err
		}
	}
	end := p.peek()
	if err := p.expectKeyword("end"); err != nil {
		return err
	}
	*out = append(*out, binary.Instr{Op: binary.OpEnd, Loc: end.Loc()})
	return p.endLabel(label)
}

// blockHeader parses block, loop or if with its label and block type.
func (p *Parser) blockHeader() (binary.Instr, string, error) {
	t := p.next()
	info, _ := binary.LookupName(t.Text)
	in := binary.Instr{Op: info.Op, Loc: t.Loc()}
	var label string
	if l := p.peek(); l.Kind == Ident {
		p.next()
		label = l.Text
	}
	bt, err := p.blockType()
	in.Block = bt
	return in, label, err
}

func (p *Parser) blockType() (binary.BlockType, error) {
	if p.peekField("type") {
		idx, _, err := p.typeUse(false)
		return binary.BlockType{Kind: binary.BlockIndex, Index: idx}, err
	}
	var ft binary.FuncType
	if _, err := p.params(&ft, false); err != nil {
		return binary.BlockType{}, err
	}
	if err := p.results(&ft); err != nil {
		return binary.BlockType{}, err
	}
	switch {
	case len(ft.Params) == 0 && len(ft.Results) == 0:
		return binary.BlockType{Kind: binary.BlockEmpty}, nil
	case len(ft.Params) == 0 && len(ft.Results) == 1:
		return binary.BlockType{Kind: binary.BlockValue, Type: ft.Results[0]}, nil
	}
	return binary.BlockType{Kind: binary.BlockIndex, Index: p.m.AddType(ft)}, nil
}

// folded parses a folded instruction after its opening paren, through the
// closing paren.
func (p *Parser) folded(out *[]binary.Instr) error {
	t := p.peek()
	if t.Kind != Keyword {
		return p.unexpected(t, "an instr")
	}
	switch t.Text {
	case "block", "loop":
		in, label, err := p.blockHeader()
		if err != nil {
			return err
		}
		p.pushLabel(label)
		*out = append(*out, in)
		err = p.instrs(out)
		p.popLabel()
		if err != nil {
			return err
		}
		end := p.peek()
		*out = append(*out, binary.Instr{Op: binary.OpEnd, Loc: end.Loc()})
		return p.closeParen()
	case "if":
		return p.foldedIf(out)
	}

	in, err := p.instr()
	if err != nil {
		return err
	}
	for p.peek().Kind == LParen {
		p.next()
		if err := p.folded(out); err != nil {
			return err
		}
	}
	*out = append(*out, in)
	return p.closeParen()
}

func (p *Parser) foldedIf(out *[]binary.Instr) error {
	in, label, err := p.blockHeader()
	if err != nil {
		return err
	}
	for p.peek().Kind == LParen && !p.peekField("then") {
		p.next()
		if err := p.folded(out); err != nil {
			return err
		}
	}
	p.pushLabel(label)
	defer p.popLabel()
	*out = append(*out, in)

	if !p.peekField("then") {
		return p.unexpected(p.peek(), "(then")
	}
	p.next()
	p.next()
	if err := p.instrs(out); err != nil {
		return err
	}
	if err := p.closeParen(); err != nil {
		return err
	}
	if p.peekField("else") {
		p.next()
		els := p.next()
		*out = append(*out, binary.Instr{Op: binary.OpElse, Loc: els.Loc()})
		if err := p.instrs(out); err != nil {
			return err
		}
		if err := p.closeParen(); err != nil {
			return err
		}
	}
	end := p.peek()
	*out = append(*out, binary.Instr{Op: binary.OpEnd, Loc: end.Loc()})
	return p.closeParen()
}

func (p *Parser) label() (uint32, error) {
	t := p.peek()
	switch t.Kind {
	case Number:
		return p.u32()
	case Ident:
		p.next()
		for i := len(p.labels) - 1; i >= 0; i-- {
			if p.labels[i] == t.Text {
				return uint32(len(p.labels) - 1 - i), nil
			}
		}
		return 0, p.errorf(t, "undefined label variable %q", t.Text)
	}
	return 0, p.unexpected(t, "a numeric index or a name")
}

// instr parses one non-structured instruction with its immediates.
func (p *Parser) instr() (binary.Instr, error) {
	t := p.next()
	info, ok := binary.LookupName(t.Text)
	if !ok || t.Kind != Keyword {
		return binary.Instr{}, p.unexpected(t, "an instr")
	}
	switch info.Op {
	case binary.OpBlock, binary.OpLoop, binary.OpIf, binary.OpElse, binary.OpEnd:
		return binary.Instr{}, p.unexpected(t, "an instr")
	}
	if info.Feature != 0 && !p.features.Has(info.Feature) {
		return binary.Instr{}, p.errorf(t, "opcode not allowed: %s", info.Name)
	}

	in := binary.Instr{Op: info.Op, Loc: t.Loc()}
	var err error
	switch info.Imm {
	case binary.ImmNone:
		if info.Op == binary.OpSelect && p.peekField("result") {
			return in, p.errorf(p.peekAt(1), "typed select is not supported")
		}
	case binary.ImmLocal:
		in.Index, err = p.index(p.locals, "local")
	case binary.ImmGlobal:
		in.Index, err = p.index(p.globals, "global")
	case binary.ImmFunc:
		in.Index, err = p.index(p.funcs, "function")
	case binary.ImmData, binary.ImmMemoryInit:
		in.Index, err = p.index(p.datas, "data segment")
	case binary.ImmLabel:
		in.Index, err = p.label()
	case binary.ImmBrTable:
		var targets []uint32
		for p.isIndex() {
			l, err := p.label()
			if err != nil {
				return in, err
			}
			targets = append(targets, l)
		}
		if len(targets) == 0 {
			return in, p.unexpected(p.peek(), "a numeric index or a name")
		}
		in.Labels = targets[:len(targets)-1]
		in.Index = targets[len(targets)-1]
	case binary.ImmCallIndirect:
		if p.isIndex() {
			if in.Index2, err = p.index(p.tables, "table"); err != nil {
				return in, err
			}
		}
		in.Index, _, err = p.typeUse(false)
	case binary.ImmMemarg:
		err = p.memarg(info, &in)
	case binary.ImmI32:
		var v uint64
		v, err = p.literal(32, false)
		in.Value = uint64(int64(int32(uint32(v))))
	case binary.ImmI64:
		in.Value, err = p.literal(64, false)
	case binary.ImmF32:
		in.Value, err = p.literal(32, true)
	case binary.ImmF64:
		in.Value, err = p.literal(64, true)
	case binary.ImmRefType:
		rt := p.next()
		switch rt.Text {
		case "func":
			in.Index = uint32(binary.FuncRef)
		case "extern":
			in.Index = uint32(binary.ExternRef)
		default:
			return in, p.unexpected(rt, "func or extern")
		}
	}
	return in, err
}

func (p *Parser) literal(size int, float bool) (uint64, error) {
	t := p.peek()
	if t.Kind != Number && !(float && t.Kind == Keyword && (t.Text == "inf" || strings.HasPrefix(t.Text, "nan"))) {
		return 0, p.unexpected(t, "a numeric literal")
	}
	p.next()
	var v uint64
	var err error
	if float {
		v, err = parseFloat(t.Text, size)
	} else {
		v, err = parseInt(t.Text, size)
	}
	if err != nil {
		return 0, p.errorf(t, "invalid literal %q", t.Text)
	}
	return v, nil
}

func (p *Parser) memarg(info *binary.OpInfo, in *binary.Instr) error {
	in.Align = info.Align
	for {
		t := p.peek()
		if t.Kind != Keyword {
			return nil
		}
		key, val, ok := strings.Cut(t.Text, "=")
		if !ok || (key != "offset" && key != "align") {
			return nil
		}
		p.next()
		n, err := parseUint(val, 32)
		if err != nil {
			return p.errorf(t, "invalid %s value %q", key, val)
		}
		if key == "offset" {
			in.Offset = uint32(n)
			continue
		}
		if n == 0 || n&(n-1) != 0 {
			return p.errorf(t, "alignment must be power-of-two")
		}
		in.Align = uint32(bits.TrailingZeros64(n))
	}
}
