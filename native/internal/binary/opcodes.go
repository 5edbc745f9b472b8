package binary

import "strings"

// Opcode identifies an instruction. Prefixed instructions carry the prefix
// byte in the high byte.
type Opcode uint16

const (
	OpUnreachable  Opcode = 0x00
	OpNop          Opcode = 0x01
	OpBlock        Opcode = 0x02
	OpLoop         Opcode = 0x03
	OpIf           Opcode = 0x04
	OpElse         Opcode = 0x05
	OpEnd          Opcode = 0x0b
	OpBr           Opcode = 0x0c
	OpBrIf         Opcode = 0x0d
	OpBrTable      Opcode = 0x0e
	OpReturn       Opcode = 0x0f
	OpCall         Opcode = 0x10
	OpCallIndirect Opcode = 0x11
	OpDrop         Opcode = 0x1a
	OpSelect       Opcode = 0x1b
	OpLocalGet     Opcode = 0x20
	OpLocalSet     Opcode = 0x21
	OpLocalTee     Opcode = 0x22
	OpGlobalGet    Opcode = 0x23
	OpGlobalSet    Opcode = 0x24
	OpMemorySize   Opcode = 0x3f
	OpMemoryGrow   Opcode = 0x40
	OpI32Const     Opcode = 0x41
	OpI64Const     Opcode = 0x42
	OpF32Const     Opcode = 0x43
	OpF64Const     Opcode = 0x44
	OpRefNull      Opcode = 0xd0
	OpRefIsNull    Opcode = 0xd1
	OpRefFunc      Opcode = 0xd2

	prefixMisc Opcode = 0xfc

	OpMemoryInit Opcode = 0xfc08
	OpDataDrop   Opcode = 0xfc09
	OpMemoryCopy Opcode = 0xfc0a
	OpMemoryFill Opcode = 0xfc0b
)

// ImmKind describes the immediates following an opcode.
type ImmKind byte

const (
	ImmNone ImmKind = iota
	ImmBlock
	ImmLocal
	ImmGlobal
	ImmFunc
	ImmLabel
	ImmBrTable
	ImmCallIndirect
	ImmMemarg
	ImmMemory
	ImmI32
	ImmI64
	ImmF32
	ImmF64
	ImmRefType
	ImmData
	ImmMemoryInit
	ImmMemoryCopy
)

// OpInfo describes one instruction. Params and Results give the stack
// effect of instructions whose effect is fixed; Special marks those the
// validator types by hand.
type OpInfo struct {
	Name    string
	Params  []ValType
	Results []ValType
	Feature Features
	Align   uint32
	Op      Opcode
	Imm     ImmKind
	Special bool
}

var (
	opInfos = make(map[Opcode]*OpInfo)
	opNames = make(map[string]*OpInfo)
)

// Lookup returns the instruction with the given opcode.
func Lookup(op Opcode) (*OpInfo, bool) {
	info, ok := opInfos[op]
	return info, ok
}

// LookupName returns the instruction with the given text name.
func LookupName(name string) (*OpInfo, bool) {
	info, ok := opNames[name]
	return info, ok
}

// String returns the text name of op.
func (op Opcode) String() string {
	if info, ok := opInfos[op]; ok {
		return info.Name
	}
	return "<unknown>"
}

func sigTypes(s string) []ValType {
	var out []ValType
	for _, c := range s {
		switch c {
		case 'i':
			out = append(out, I32)
		case 'l':
			out = append(out, I64)
		case 'f':
			out = append(out, F32)
		case 'd':
			out = append(out, F64)
		case 'r':
			out = append(out, FuncRef)
		}
	}
	return out
}

// def registers an instruction. sig is "params:results" in i/l/f/d/r chars;
// an empty sig marks a special instruction.
func def(op Opcode, name string, imm ImmKind, sig string, feature Features) *OpInfo {
	info := &OpInfo{Op: op, Name: name, Imm: imm, Feature: feature}
	if sig == "" {
		info.Special = true
	} else {
		params, results, _ := strings.Cut(sig, ":")
		info.Params = sigTypes(params)
		info.Results = sigTypes(results)
	}
	opInfos[op] = info
	opNames[name] = info
	return info
}

func defMem(op Opcode, name, sig string, align uint32) {
	def(op, name, ImmMemarg, sig, 0).Align = align
}

func defSeq(first Opcode, sig string, feature Features, names ...string) {
	for i, name := range names {
		def(first+Opcode(i), name, ImmNone, sig, feature)
	}
}

func init() {
	def(OpUnreachable, "unreachable", ImmNone, "", 0)
	def(OpNop, "nop", ImmNone, ":", 0)
	def(OpBlock, "block", ImmBlock, "", 0)
	def(OpLoop, "loop", ImmBlock, "", 0)
	def(OpIf, "if", ImmBlock, "", 0)
	def(OpElse, "else", ImmNone, "", 0)
	def(OpEnd, "end", ImmNone, "", 0)
	def(OpBr, "br", ImmLabel, "", 0)
	def(OpBrIf, "br_if", ImmLabel, "", 0)
	def(OpBrTable, "br_table", ImmBrTable, "", 0)
	def(OpReturn, "return", ImmNone, "", 0)
	def(OpCall, "call", ImmFunc, "", 0)
	def(OpCallIndirect, "call_indirect", ImmCallIndirect, "", 0)
	def(OpDrop, "drop", ImmNone, "", 0)
	def(OpSelect, "select", ImmNone, "", 0)

	def(OpLocalGet, "local.get", ImmLocal, "", 0)
	def(OpLocalSet, "local.set", ImmLocal, "", 0)
	def(OpLocalTee, "local.tee", ImmLocal, "", 0)
	def(OpGlobalGet, "global.get", ImmGlobal, "", 0)
	def(OpGlobalSet, "global.set", ImmGlobal, "", 0)

	defMem(0x28, "i32.load", "i:i", 2)
	defMem(0x29, "i64.load", "i:l", 3)
	defMem(0x2a, "f32.load", "i:f", 2)
	defMem(0x2b, "f64.load", "i:d", 3)
	defMem(0x2c, "i32.load8_s", "i:i", 0)
	defMem(0x2d, "i32.load8_u", "i:i", 0)
	defMem(0x2e, "i32.load16_s", "i:i", 1)
	defMem(0x2f, "i32.load16_u", "i:i", 1)
	defMem(0x30, "i64.load8_s", "i:l", 0)
	defMem(0x31, "i64.load8_u", "i:l", 0)
	defMem(0x32, "i64.load16_s", "i:l", 1)
	defMem(0x33, "i64.load16_u", "i:l", 1)
	defMem(0x34, "i64.load32_s", "i:l", 2)
	defMem(0x35, "i64.load32_u", "i:l", 2)
	defMem(0x36, "i32.store", "ii:", 2)
	defMem(0x37, "i64.store", "il:", 3)
	defMem(0x38, "f32.store", "if:", 2)
	defMem(0x39, "f64.store", "id:", 3)
	defMem(0x3a, "i32.store8", "ii:", 0)
	defMem(0x3b, "i32.store16", "ii:", 1)
	defMem(0x3c, "i64.store8", "il:", 0)
	defMem(0x3d, "i64.store16", "il:", 1)
	defMem(0x3e, "i64.store32", "il:", 2)
	def(OpMemorySize, "memory.size", ImmMemory, ":i", 0)
	def(OpMemoryGrow, "memory.grow", ImmMemory, "i:i", 0)

	def(OpI32Const, "i32.const", ImmI32, ":i", 0)
	def(OpI64Const, "i64.const", ImmI64, ":l", 0)
	def(OpF32Const, "f32.const", ImmF32, ":f", 0)
	def(OpF64Const, "f64.const", ImmF64, ":d", 0)

	def(0x45, "i32.eqz", ImmNone, "i:i", 0)
	defSeq(0x46, "ii:i", 0, "i32.eq", "i32.ne", "i32.lt_s", "i32.lt_u", "i32.gt_s", "i32.gt_u",
		"i32.le_s", "i32.le_u", "i32.ge_s", "i32.ge_u")
	def(0x50, "i64.eqz", ImmNone, "l:i", 0)
	defSeq(0x51, "ll:i", 0, "i64.eq", "i64.ne", "i64.lt_s", "i64.lt_u", "i64.gt_s", "i64.gt_u",
		"i64.le_s", "i64.le_u", "i64.ge_s", "i64.ge_u")
	defSeq(0x5b, "ff:i", 0, "f32.eq", "f32.ne", "f32.lt", "f32.gt", "f32.le", "f32.ge")
	defSeq(0x61, "dd:i", 0, "f64.eq", "f64.ne", "f64.lt", "f64.gt", "f64.le", "f64.ge")

	defSeq(0x67, "i:i", 0, "i32.clz", "i32.ctz", "i32.popcnt")
	defSeq(0x6a, "ii:i", 0, "i32.add", "i32.sub", "i32.mul", "i32.div_s", "i32.div_u", "i32.rem_s",
		"i32.rem_u", "i32.and", "i32.or", "i32.xor", "i32.shl", "i32.shr_s", "i32.shr_u", "i32.rotl", "i32.rotr")
	defSeq(0x79, "l:l", 0, "i64.clz", "i64.ctz", "i64.popcnt")
	defSeq(0x7c, "ll:l", 0, "i64.add", "i64.sub", "i64.mul", "i64.div_s", "i64.div_u", "i64.rem_s",
		"i64.rem_u", "i64.and", "i64.or", "i64.xor", "i64.shl", "i64.shr_s", "i64.shr_u", "i64.rotl", "i64.rotr")
	defSeq(0x8b, "f:f", 0, "f32.abs", "f32.neg", "f32.ceil", "f32.floor", "f32.trunc", "f32.nearest", "f32.sqrt")
	defSeq(0x92, "ff:f", 0, "f32.add", "f32.sub", "f32.mul", "f32.div", "f32.min", "f32.max", "f32.copysign")
	defSeq(0x99, "d:d", 0, "f64.abs", "f64.neg", "f64.ceil", "f64.floor", "f64.trunc", "f64.nearest", "f64.sqrt")
	defSeq(0xa0, "dd:d", 0, "f64.add", "f64.sub", "f64.mul", "f64.div", "f64.min", "f64.max", "f64.copysign")

	def(0xa7, "i32.wrap_i64", ImmNone, "l:i", 0)
	defSeq(0xa8, "f:i", 0, "i32.trunc_f32_s", "i32.trunc_f32_u")
	defSeq(0xaa, "d:i", 0, "i32.trunc_f64_s", "i32.trunc_f64_u")
	defSeq(0xac, "i:l", 0, "i64.extend_i32_s", "i64.extend_i32_u")
	defSeq(0xae, "f:l", 0, "i64.trunc_f32_s", "i64.trunc_f32_u")
	defSeq(0xb0, "d:l", 0, "i64.trunc_f64_s", "i64.trunc_f64_u")
	defSeq(0xb2, "i:f", 0, "f32.convert_i32_s", "f32.convert_i32_u")
	defSeq(0xb4, "l:f", 0, "f32.convert_i64_s", "f32.convert_i64_u")
	def(0xb6, "f32.demote_f64", ImmNone, "d:f", 0)
	defSeq(0xb7, "i:d", 0, "f64.convert_i32_s", "f64.convert_i32_u")
	defSeq(0xb9, "l:d", 0, "f64.convert_i64_s", "f64.convert_i64_u")
	def(0xbb, "f64.promote_f32", ImmNone, "f:d", 0)
	def(0xbc, "i32.reinterpret_f32", ImmNone, "f:i", 0)
	def(0xbd, "i64.reinterpret_f64", ImmNone, "d:l", 0)
	def(0xbe, "f32.reinterpret_i32", ImmNone, "i:f", 0)
	def(0xbf, "f64.reinterpret_i64", ImmNone, "l:d", 0)

	defSeq(0xc0, "i:i", FeatureSignExtension, "i32.extend8_s", "i32.extend16_s")
	defSeq(0xc2, "l:l", FeatureSignExtension, "i64.extend8_s", "i64.extend16_s", "i64.extend32_s")

	def(OpRefNull, "ref.null", ImmRefType, "", FeatureReferenceTypes)
	def(OpRefIsNull, "ref.is_null", ImmNone, "", FeatureReferenceTypes)
	def(OpRefFunc, "ref.func", ImmFunc, ":r", FeatureReferenceTypes)

	defSeq(0xfc00, "f:i", FeatureSatFloatToInt, "i32.trunc_sat_f32_s", "i32.trunc_sat_f32_u")
	defSeq(0xfc02, "d:i", FeatureSatFloatToInt, "i32.trunc_sat_f64_s", "i32.trunc_sat_f64_u")
	defSeq(0xfc04, "f:l", FeatureSatFloatToInt, "i64.trunc_sat_f32_s", "i64.trunc_sat_f32_u")
	defSeq(0xfc06, "d:l", FeatureSatFloatToInt, "i64.trunc_sat_f64_s", "i64.trunc_sat_f64_u")
	def(OpMemoryInit, "memory.init", ImmMemoryInit, "iii:", FeatureBulkMemory)
	def(OpDataDrop, "data.drop", ImmData, ":", FeatureBulkMemory)
	def(OpMemoryCopy, "memory.copy", ImmMemoryCopy, "iii:", FeatureBulkMemory)
	def(OpMemoryFill, "memory.fill", ImmMemory, "iii:", FeatureBulkMemory)
}
