package binary

import (
	"bytes"
	"strings"
	"testing"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func addModule() *Module {
	m := &Module{}
	ti := m.AddType(FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}})
	m.Funcs = []Func{{TypeIdx: ti, Body: []Instr{
		{Op: OpLocalGet, Index: 0},
		{Op: OpLocalGet, Index: 1},
		{Op: 0x6a},
	}}}
	m.Exports = []Export{{Name: "add", Kind: KindFunc, Index: 0}}
	return m
}

func canonical() WriteOptions { return WriteOptions{CanonicalizeLEBs: true} }

func TestEncode_Add(t *testing.T) {
	want := append(append([]byte{}, header...),
		0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
		0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
	)
	got := Encode(addModule(), canonical())
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = % x\nwant       % x", got, want)
	}
}

func TestRoundTrip_ByteStable(t *testing.T) {
	max := uint32(4)
	m := addModule()
	m.Memories = []MemoryType{{Limits: Limits{Min: 1, Max: &max}}}
	m.Globals = []Global{{
		Type: GlobalType{Type: I64, Mutable: true},
		Init: []Instr{{Op: OpI64Const, Value: uint64(0xffffffffffffff85)}},
	}}
	m.Tables = []TableType{{Elem: FuncRef, Limits: Limits{Min: 1}}}
	m.Elems = []Elem{{Mode: ElemActive, Offset: []Instr{{Op: OpI32Const}}, Funcs: []uint32{0}}}
	m.Datas = []Data{{Offset: []Instr{{Op: OpI32Const, Value: 16}}, Init: []byte("hi")}}
	m.Funcs = append(m.Funcs, Func{
		TypeIdx: m.AddType(FuncType{}),
		Locals:  []ValType{I32, I32, F64},
		Body: []Instr{
			{Op: OpBlock, Block: BlockType{Kind: BlockEmpty}},
			{Op: OpI32Const, Value: 1},
			{Op: OpBrIf, Index: 0},
			{Op: OpF64Const, Value: 0x3ff0000000000000},
			{Op: OpLocalSet, Index: 2},
			{Op: OpEnd},
			{Op: OpI32Const, Value: 0},
			{Op: 0x28, Align: 2, Offset: 8},
			{Op: OpDrop},
		},
	})
	m.Customs = []Custom{{Name: "producers", Data: []byte{0x00}, After: SectionData}}

	first := Encode(m, canonical())
	decoded, err := Decode(first, ReadOptions{Features: DefaultFeatures})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	second := Encode(decoded, canonical())
	if !bytes.Equal(first, second) {
		t.Fatalf("re-encode differs:\n% x\n% x", first, second)
	}
	if got := decoded.Funcs[1].Locals; len(got) != 3 || got[2] != F64 {
		t.Errorf("locals = %v", got)
	}
	if len(decoded.Customs) != 1 || decoded.Customs[0].After != SectionData {
		t.Errorf("customs = %+v", decoded.Customs)
	}
}

func TestNames_RoundTrip(t *testing.T) {
	m := addModule()
	m.Names = NewNames()
	m.Names.Funcs[0] = "add"
	m.Names.SetLocal(0, 0, "a")
	m.Names.SetLocal(0, 1, "b")
	m.Names.Module = "calc"
	data := Encode(m, WriteOptions{CanonicalizeLEBs: true, WriteDebugNames: true})

	withNames, err := Decode(data, ReadOptions{Features: DefaultFeatures, ReadDebugNames: true})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if withNames.Names == nil || withNames.Names.Funcs[0] != "add" || withNames.Names.Local(0, 1) != "b" {
		t.Fatalf("names = %+v", withNames.Names)
	}
	if withNames.Names.Module != "calc" {
		t.Errorf("module name = %q", withNames.Names.Module)
	}

	raw, err := Decode(data, ReadOptions{Features: DefaultFeatures})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if raw.Names != nil || len(raw.Customs) != 1 || raw.Customs[0].Name != "name" {
		t.Fatalf("without ReadDebugNames the name section stays custom: %+v", raw.Customs)
	}
	if again := Encode(raw, canonical()); !bytes.Equal(again, data) {
		t.Errorf("raw name section not preserved")
	}
}

func TestGenerateNames(t *testing.T) {
	m := addModule()
	m.Funcs[0].Locals = []ValType{I64}
	m.GenerateNames()
	if got := m.Names.Funcs[0]; got != "f0" {
		t.Errorf("func name = %q", got)
	}
	if got := m.Names.Local(0, 1); got != "p1" {
		t.Errorf("param name = %q", got)
	}
	if got := m.Names.Local(0, 2); got != "l0" {
		t.Errorf("local name = %q", got)
	}
	if got := m.Names.Types[0]; got != "t0" {
		t.Errorf("type name = %q", got)
	}
}

func TestEncode_PaddedSizes(t *testing.T) {
	data := Encode(addModule(), WriteOptions{})
	// type section id followed by a five byte size
	if !bytes.Equal(data[8:14], []byte{0x01, 0x87, 0x80, 0x80, 0x80, 0x00}) {
		t.Fatalf("section header = % x", data[8:14])
	}
	m, err := Decode(data, ReadOptions{Features: DefaultFeatures})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(Encode(m, canonical()), Encode(addModule(), canonical())) {
		t.Errorf("padded module decodes differently")
	}
}

func TestEncode_Relocatable(t *testing.T) {
	m := addModule()
	m.Funcs = append(m.Funcs, Func{TypeIdx: m.AddType(FuncType{Results: []ValType{I32}}), Body: []Instr{
		{Op: OpI32Const, Value: 1},
		{Op: OpI32Const, Value: 2},
		{Op: OpCall, Index: 0},
	}})
	data := Encode(m, WriteOptions{CanonicalizeLEBs: true, Relocatable: true})
	decoded, err := Decode(data, ReadOptions{Features: DefaultFeatures})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	var names []string
	for _, c := range decoded.Customs {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "linking,reloc.CODE" {
		t.Fatalf("customs = %v", names)
	}
	if decoded.Customs[0].Data[0] != linkingVersion {
		t.Errorf("linking version = %d", decoded.Customs[0].Data[0])
	}
}

func TestEncode_Log(t *testing.T) {
	var log strings.Builder
	Encode(addModule(), WriteOptions{CanonicalizeLEBs: true, Log: &log})
	out := log.String()
	for _, want := range []string{
		"0000000: 0061 736d",
		"; WASM_BINARY_MAGIC",
		`; section "Type" (1)`,
		`; section "Code" (10)`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"bad magic", []byte{0, 0x61, 0x73, 0x6e, 1, 0, 0, 0}, "0000000: error: bad magic value"},
		{"bad version", []byte{0, 0x61, 0x73, 0x6d, 2, 0, 0, 0}, "0000004: error: bad wasm file version: 0x2 (expected 0x1)"},
		{"truncated", []byte{0, 0x61, 0x73}, "unexpected end of data"},
		{"section code", append(append([]byte{}, header...), 0x0d, 0x00), "0000008: error: invalid section code: 13"},
		{"order", append(append([]byte{}, header...), 0x03, 0x01, 0x00, 0x01, 0x01, 0x00), "section Type out of order"},
		{"bodies", append(append([]byte{}, header...), 0x01, 0x04, 0x01, 0x60, 0x00, 0x00, 0x03, 0x02, 0x01, 0x00),
			"function signature count != function body count"},
		{"opcode", append(append([]byte{}, header...),
			0x01, 0x04, 0x01, 0x60, 0x00, 0x00, 0x03, 0x02, 0x01, 0x00,
			0x0a, 0x04, 0x01, 0x02, 0x00, 0xff), "unexpected opcode: 0xff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data, ReadOptions{Features: DefaultFeatures})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want %q", err, tt.want)
			}
		})
	}
}

func TestDecode_FeatureGating(t *testing.T) {
	m := addModule()
	m.Funcs[0].Body = []Instr{{Op: OpLocalGet, Index: 0}, {Op: 0xc0}}
	data := Encode(m, canonical())
	if _, err := Decode(data, ReadOptions{Features: DefaultFeatures}); err != nil {
		t.Fatalf("Decode() with sign_extension = %v", err)
	}
	_, err := Decode(data, ReadOptions{Features: DefaultFeatures &^ FeatureSignExtension})
	if err == nil || !strings.Contains(err.Error(), "opcode not allowed: i32.extend8_s") {
		t.Fatalf("error = %v", err)
	}
}

func TestLEB(t *testing.T) {
	tests := []int64{0, 1, -1, 63, 64, -64, -65, 1 << 31, -(1 << 31), 1<<63 - 1, -1 << 63}
	for _, v := range tests {
		var w Writer
		w.WriteS64(v)
		got, err := NewReader(w.Bytes()).ReadS64("value")
		if err != nil || got != v {
			t.Errorf("s64 %d: got %d, %v", v, got, err)
		}
	}
	var w Writer
	w.WriteFixedU32(3)
	if got, err := NewReader(w.Bytes()).ReadU32("value"); err != nil || got != 3 {
		t.Errorf("fixed u32: got %d, %v", got, err)
	}
	if _, err := NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}).ReadU32("value"); err == nil {
		t.Error("expected leb128 too long")
	}
	if _, err := NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x08}).ReadS32("value"); err == nil {
		t.Error("expected out of range s32")
	}
}

func TestValidate(t *testing.T) {
	i32i64 := FuncType{Params: []ValType{I32, I64}, Results: []ValType{I32}}
	tests := []struct {
		name string
		ft   FuncType
		body []Instr
		want string
	}{
		{"ok", addModule().Types[0], addModule().Funcs[0].Body, ""},
		{"operands", i32i64, []Instr{{Op: OpLocalGet, Index: 1}, {Op: OpLocalGet, Index: 0}, {Op: 0x6a}},
			"type mismatch in i32.add, expected [i32, i32] but got [i64, i32]"},
		{"implicit return", i32i64, nil, "type mismatch in implicit return, expected [i32] but got []"},
		{"extra value", FuncType{}, []Instr{{Op: OpI32Const}}, "type mismatch in implicit return, expected [] but got [i32]"},
		{"local", FuncType{}, []Instr{{Op: OpLocalGet, Index: 3}, {Op: OpDrop}}, "local variable out of range (max 0)"},
		{"depth", FuncType{}, []Instr{{Op: OpBr, Index: 2}}, "invalid depth: 2 (max 0)"},
		{"unreachable", FuncType{Results: []ValType{I32}}, []Instr{{Op: OpUnreachable}, {Op: 0x6a}}, ""},
		{"block result", FuncType{}, []Instr{
			{Op: OpBlock, Block: BlockType{Kind: BlockValue, Type: I32}},
			{Op: OpEnd},
			{Op: OpDrop},
		}, "type mismatch in block, expected [i32] but got []"},
		{"if without else", FuncType{}, []Instr{
			{Op: OpI32Const},
			{Op: OpIf, Block: BlockType{Kind: BlockValue, Type: I32}},
			{Op: OpI32Const},
			{Op: OpEnd},
			{Op: OpDrop},
		}, "type mismatch in if false branch, expected [i32] but got []"},
		{"memory", FuncType{}, []Instr{{Op: OpI32Const}, {Op: 0x28, Align: 2}, {Op: OpDrop}},
			"i32.load requires an imported or defined memory."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Module{}
			m.Funcs = []Func{{TypeIdx: m.AddType(tt.ft), Body: tt.body}}
			diags := m.Validate(DefaultFeatures)
			if tt.want == "" {
				if len(diags) != 0 {
					t.Fatalf("Validate() = %v", FormatDiagnostics(diags))
				}
				return
			}
			if len(diags) != 1 || diags[0].Message != tt.want {
				t.Fatalf("Validate() = %q, want %q", FormatDiagnostics(diags), tt.want)
			}
		})
	}
}

func TestValidate_Module(t *testing.T) {
	m := addModule()
	m.Exports = append(m.Exports, Export{Name: "add", Kind: KindFunc}, Export{Name: "g", Kind: KindGlobal, Index: 4})
	start := uint32(0)
	m.Start = &start
	var msgs []string
	for _, d := range m.Validate(DefaultFeatures) {
		msgs = append(msgs, d.Message)
	}
	want := []string{
		`duplicate export "add"`,
		"global variable out of range: 4 (max 0)",
		"start function must not have parameters",
	}
	if strings.Join(msgs, "\n") != strings.Join(want, "\n") {
		t.Fatalf("Validate() =\n%s\nwant\n%s", strings.Join(msgs, "\n"), strings.Join(want, "\n"))
	}
}
