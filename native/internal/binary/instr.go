package binary

// BlockKind selects the form of a block type.
type BlockKind byte

const (
	BlockEmpty BlockKind = iota
	BlockValue
	BlockIndex
)

// BlockType is the signature of a block, loop or if.
type BlockType struct {
	Index uint32
	Type  ValType
	Kind  BlockKind
}

// Instr is one instruction of a flat instruction sequence. Structured
// instructions are closed by an explicit OpEnd.
type Instr struct {
	// Labels holds the br_table targets; the default target is Index.
	Labels []uint32
	Loc    Loc
	// Value holds constant bits: i32 and i64 sign-extended to 64 bits,
	// floats as their IEEE bit patterns.
	Value uint64
	// Index is the first index immediate (local, global, function, label,
	// type, data, memory). For ref.null it holds the reference type.
	Index uint32
	// Index2 is the second index immediate (call_indirect table,
	// memory.init and memory.copy memories).
	Index2 uint32
	Align  uint32
	Offset uint32
	Block  BlockType
	Op     Opcode
}

// I32 returns the constant of an i32.const.
func (in *Instr) I32() int32 { return int32(uint32(in.Value)) }

// I64 returns the constant of an i64.const.
func (in *Instr) I64() int64 { return int64(in.Value) }

func (r *Reader) readBlockType() (BlockType, error) {
	if r.pos < len(r.data) {
		b := r.data[r.pos]
		if b == 0x40 {
			r.pos++
			return BlockType{Kind: BlockEmpty}, nil
		}
		if validValType(b) {
			r.pos++
			return BlockType{Kind: BlockValue, Type: ValType(b)}, nil
		}
	}
	idx, err := r.ReadS33("block type")
	if err != nil {
		return BlockType{}, err
	}
	if idx < 0 {
		return BlockType{}, r.errorf("invalid block type: %d", idx)
	}
	return BlockType{Kind: BlockIndex, Index: uint32(idx)}, nil
}

func (r *Reader) readMemarg(in *Instr) error {
	var err error
	if in.Align, err = r.ReadU32("alignment"); err != nil {
		return err
	}
	in.Offset, err = r.ReadU32("offset")
	return err
}

func (r *Reader) readZeroByte(what string) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b != 0 {
		return r.errorf("%s reserved value must be 0", what)
	}
	return nil
}

// readInstr decodes one instruction.
func (r *Reader) readInstr(features Features) (Instr, error) {
	start := r.pos
	b, err := r.ReadByte()
	if err != nil {
		return Instr{}, err
	}
	op := Opcode(b)
	if op == prefixMisc {
		sub, err := r.ReadU32("opcode")
		if err != nil {
			return Instr{}, err
		}
		op = prefixMisc<<8 | Opcode(sub)
	}
	info, ok := Lookup(op)
	if !ok {
		return Instr{}, Errorf(Loc{Offset: start}, "unexpected opcode: 0x%x", uint16(op))
	}
	if info.Feature != 0 && !features.Has(info.Feature) {
		return Instr{}, Errorf(Loc{Offset: start}, "opcode not allowed: %s", info.Name)
	}

	in := Instr{Op: op, Loc: Loc{Offset: start}}
	switch info.Imm {
	case ImmBlock:
		in.Block, err = r.readBlockType()
	case ImmLocal, ImmGlobal, ImmFunc, ImmLabel, ImmData:
		in.Index, err = r.ReadU32("index")
	case ImmBrTable:
		var n uint32
		if n, err = r.ReadU32("br_table target count"); err != nil {
			return in, err
		}
		if int(n) > r.Len() {
			return in, r.errorf("br_table target count too large")
		}
		in.Labels = make([]uint32, n)
		for i := range in.Labels {
			if in.Labels[i], err = r.ReadU32("br_table target"); err != nil {
				return in, err
			}
		}
		in.Index, err = r.ReadU32("br_table default target")
	case ImmCallIndirect:
		if in.Index, err = r.ReadU32("signature index"); err != nil {
			return in, err
		}
		in.Index2, err = r.ReadU32("table index")
		if err == nil && in.Index2 != 0 && !features.Has(FeatureReferenceTypes) {
			err = Errorf(Loc{Offset: start}, "call_indirect reserved value must be 0")
		}
	case ImmMemarg:
		err = r.readMemarg(&in)
	case ImmMemory:
		err = r.readZeroByte(info.Name)
	case ImmMemoryInit:
		if in.Index, err = r.ReadU32("data index"); err != nil {
			return in, err
		}
		err = r.readZeroByte(info.Name)
	case ImmMemoryCopy:
		if err = r.readZeroByte(info.Name); err != nil {
			return in, err
		}
		err = r.readZeroByte(info.Name)
	case ImmI32:
		var v int32
		v, err = r.ReadS32("i32 constant")
		in.Value = uint64(int64(v))
	case ImmI64:
		var v int64
		v, err = r.ReadS64("i64 constant")
		in.Value = uint64(v)
	case ImmF32:
		var v uint32
		v, err = r.ReadF32("f32 constant")
		in.Value = uint64(v)
	case ImmF64:
		in.Value, err = r.ReadF64("f64 constant")
	case ImmRefType:
		var t byte
		if t, err = r.ReadByte(); err != nil {
			return in, err
		}
		if !ValType(t).IsRef() {
			return in, Errorf(Loc{Offset: start}, "expected valid reference type, got 0x%x", t)
		}
		in.Index = uint32(t)
	}
	return in, err
}

// readExpr decodes instructions up to and excluding the end that closes the
// expression.
func (r *Reader) readExpr(features Features) ([]Instr, error) {
	var out []Instr
	depth := 0
	for {
		in, err := r.readInstr(features)
		if err != nil {
			return out, err
		}
		switch in.Op {
		case OpBlock, OpLoop, OpIf:
			depth++
		case OpEnd:
			if depth == 0 {
				return out, nil
			}
			depth--
		}
		out = append(out, in)
	}
}

func (w *Writer) writeBlockType(bt BlockType) {
	switch bt.Kind {
	case BlockEmpty:
		w.Byte(0x40)
	case BlockValue:
		w.Byte(byte(bt.Type))
	default:
		w.WriteS64(int64(bt.Index))
	}
}

// writeInstr encodes one instruction.
func (w *Writer) writeInstr(in *Instr) {
	if in.Op>>8 == prefixMisc {
		w.Byte(byte(prefixMisc))
		w.WriteU32(uint32(in.Op & 0xff))
	} else {
		w.Byte(byte(in.Op))
	}
	info, ok := Lookup(in.Op)
	if !ok {
		return
	}
	switch info.Imm {
	case ImmBlock:
		w.writeBlockType(in.Block)
	case ImmLocal, ImmGlobal, ImmFunc, ImmLabel, ImmData:
		w.WriteU32(in.Index)
	case ImmBrTable:
		w.WriteU32(uint32(len(in.Labels)))
		for _, l := range in.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(in.Index)
	case ImmCallIndirect:
		w.WriteU32(in.Index)
		w.WriteU32(in.Index2)
	case ImmMemarg:
		w.WriteU32(in.Align)
		w.WriteU32(in.Offset)
	case ImmMemory:
		w.Byte(0)
	case ImmMemoryInit:
		w.WriteU32(in.Index)
		w.Byte(0)
	case ImmMemoryCopy:
		w.Byte(0)
		w.Byte(0)
	case ImmI32:
		w.WriteS64(int64(int32(uint32(in.Value))))
	case ImmI64:
		w.WriteS64(int64(in.Value))
	case ImmF32:
		w.WriteF32(uint32(in.Value))
	case ImmF64:
		w.WriteF64(in.Value)
	case ImmRefType:
		w.Byte(byte(in.Index))
	}
}

func (w *Writer) writeExpr(body []Instr) {
	for i := range body {
		w.writeInstr(&body[i])
	}
	w.Byte(byte(OpEnd))
}
