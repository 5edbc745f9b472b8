package abi

import (
	"fmt"
	"math"

	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/memory"
)

type primKind uint8

const (
	primVoid primKind = iota
	primBool
	primSigned
	primUnsigned
	primWide
	primFloat
)

// Range is the inclusive host value range of an integer primitive.
type Range struct {
	Min int64
	Max int64
}

// Primitive is a scalar stored in 1, 2, 4 or 8 bytes.
type Primitive struct {
	rng   *Range
	load  func(a *memory.Accessor, addr uint32) uint64
	store func(a *memory.Accessor, addr uint32, w uint64)
	name  string
	size  uint32
	sig   byte
	kind  primKind
}

func (p *Primitive) Name() string    { return p.name }
func (p *Primitive) Size() uint32    { return p.size }
func (p *Primitive) Signature() byte { return p.sig }
func (p *Primitive) String() string  { return p.name }

// Range returns the integer range, or nil for non-integer primitives.
func (p *Primitive) Range() *Range { return p.rng }

// Predefined primitives.
var (
	Void = mustPrimitive("void", 0, SigVoid, nil)
	Bool = newBool()
	I8   = mustPrimitive("i8", 1, SigI32, &Range{math.MinInt8, math.MaxInt8})
	U8   = mustPrimitive("u8", 1, SigI32, &Range{0, math.MaxUint8})
	I16  = mustPrimitive("i16", 2, SigI32, &Range{math.MinInt16, math.MaxInt16})
	U16  = mustPrimitive("u16", 2, SigI32, &Range{0, math.MaxUint16})
	I32  = mustPrimitive("i32", 4, SigI32, &Range{math.MinInt32, math.MaxInt32})
	U32  = mustPrimitive("u32", 4, SigI32, &Range{0, math.MaxUint32})
	I64  = mustPrimitive("i64", 8, SigI64, nil)
	U64  = mustPrimitive("u64", 8, SigI64, nil)
	F32  = mustPrimitive("f32", 4, SigF32, nil)
	F64  = mustPrimitive("f64", 8, SigF64, nil)
)

var builtins = []*Primitive{Void, Bool, I8, U8, I16, U16, I32, U32, I64, U64, F32, F64}

func mustPrimitive(name string, size uint32, sig byte, rng *Range) *Primitive {
	p, err := newPrimitive(name, size, sig, rng)
	if err != nil {
		panic(err)
	}
	return p
}

func newBool() *Primitive {
	p := mustPrimitive("bool", 1, SigI32, &Range{0, 1})
	p.kind = primBool
	return p
}

func newPrimitive(name string, size uint32, sig byte, rng *Range) (*Primitive, error) {
	p := &Primitive{name: name, size: size, sig: sig}

	switch sig {
	case SigVoid:
		if size != 0 {
			return nil, errors.InvalidInput(errors.PhaseType, "void primitive "+name+" must have size 0")
		}
		p.kind = primVoid
	case SigI32:
		if size != 1 && size != 2 && size != 4 {
			return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("primitive %s: size %d invalid for signature i", name, size))
		}
		if rng == nil {
			rng = &Range{0, int64(1)<<(8*size) - 1}
		}
		if rng.Min > rng.Max {
			return nil, errors.InvalidInput(errors.PhaseType, "primitive "+name+": empty range")
		}
		p.rng = rng
		p.kind = primUnsigned
		if rng.Min < 0 {
			p.kind = primSigned
		}
	case SigI64:
		if size != 8 {
			return nil, errors.InvalidInput(errors.PhaseType, "primitive "+name+": signature j requires size 8")
		}
		p.kind = primWide
	case SigF32, SigF64:
		if (sig == SigF32 && size != 4) || (sig == SigF64 && size != 8) {
			return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("primitive %s: size %d invalid for signature %c", name, size, sig))
		}
		p.kind = primFloat
	default:
		return nil, errors.InvalidInput(errors.PhaseType, fmt.Sprintf("primitive %s: unknown signature %q", name, sig))
	}

	switch size {
	case 0:
		p.load = func(*memory.Accessor, uint32) uint64 { return 0 }
		p.store = func(*memory.Accessor, uint32, uint64) {}
	case 1:
		p.load = func(a *memory.Accessor, addr uint32) uint64 { return uint64(a.LoadU8(addr)) }
		p.store = func(a *memory.Accessor, addr uint32, w uint64) { a.StoreU8(addr, uint8(w)) }
	case 2:
		p.load = func(a *memory.Accessor, addr uint32) uint64 { return uint64(a.LoadU16(addr)) }
		p.store = func(a *memory.Accessor, addr uint32, w uint64) { a.StoreU16(addr, uint16(w)) }
	case 4:
		p.load = func(a *memory.Accessor, addr uint32) uint64 { return uint64(a.LoadU32(addr)) }
		p.store = func(a *memory.Accessor, addr uint32, w uint64) { a.StoreU32(addr, uint32(w)) }
	case 8:
		p.load = func(a *memory.Accessor, addr uint32) uint64 { return a.LoadU64(addr) }
		p.store = func(a *memory.Accessor, addr uint32, w uint64) { a.StoreU64(addr, w) }
	}
	return p, nil
}

// Encode converts a Go value into the primitive's machine word. Integers are
// range checked, floats stored into integer primitives must be integral and
// 64-bit integers are rejected rather than truncated.
func (p *Primitive) Encode(v any) (uint64, error) {
	switch p.kind {
	case primVoid:
		if v != nil {
			return 0, errors.TypeMismatch(errors.PhaseEncode, nil, p.name, fmt.Sprintf("%T", v))
		}
		return 0, nil
	case primWide:
		return 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Expected(p.name).
			Actual(fmt.Sprintf("%T", v)).
			Value(v).
			Detail("64-bit integers have no host number conversion").
			Build()
	case primFloat:
		f, ok := floatOf(v)
		if !ok {
			return 0, errors.TypeMismatch(errors.PhaseEncode, nil, p.name, fmt.Sprintf("%T", v))
		}
		if p.sig == SigF32 {
			return uint64(math.Float32bits(float32(f))), nil
		}
		return math.Float64bits(f), nil
	case primBool:
		if b, ok := v.(bool); ok {
			if b {
				return 1, nil
			}
			return 0, nil
		}
	}

	n, err := p.integer(v)
	if err != nil {
		return 0, err
	}
	return uint64(uint32(n)), nil
}

func (p *Primitive) integer(v any) (int64, error) {
	var (
		n        int64
		overflow bool
	)
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		n, overflow = int64(x), uint64(x) > math.MaxInt64
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		n, overflow = int64(x), x > math.MaxInt64
	case float32, float64:
		f, _ := floatOf(x)
		if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
			return 0, errors.Range(errors.PhaseEncode, nil, v, p.name, "not an integer")
		}
		if f >= math.MaxInt64 || f < math.MinInt64 {
			return 0, errors.Range(errors.PhaseEncode, nil, v, p.name, p.rangeDetail(v))
		}
		n = int64(f)
	default:
		return 0, errors.TypeMismatch(errors.PhaseEncode, nil, p.name, fmt.Sprintf("%T", v))
	}

	if overflow || n < p.rng.Min || n > p.rng.Max {
		return 0, errors.Range(errors.PhaseEncode, nil, v, p.name, p.rangeDetail(v))
	}
	return n, nil
}

func (p *Primitive) rangeDetail(v any) string {
	return fmt.Sprintf("%v outside [%d, %d]", v, p.rng.Min, p.rng.Max)
}

// Decode converts a machine word into a Go value: bool, int8/16/32,
// uint8/16/32, float32 or float64. Void decodes to nil.
func (p *Primitive) Decode(w uint64) (any, error) {
	switch p.kind {
	case primVoid:
		return nil, nil
	case primBool:
		return uint32(w) != 0, nil
	case primWide:
		return nil, errors.New(errors.PhaseDecode, errors.KindUnsupported).
			Expected(p.name).
			Value(w).
			Detail("64-bit integers have no host number conversion").
			Build()
	case primFloat:
		if p.sig == SigF32 {
			return math.Float32frombits(uint32(w)), nil
		}
		return math.Float64frombits(w), nil
	case primSigned:
		switch p.size {
		case 1:
			return int8(w), nil
		case 2:
			return int16(w), nil
		}
		return int32(w), nil
	}
	switch p.size {
	case 1:
		return uint8(w), nil
	case 2:
		return uint16(w), nil
	}
	return uint32(w), nil
}

// Load reads the raw word stored at addr, zero extended.
func (p *Primitive) Load(a *memory.Accessor, addr uint32) uint64 {
	return p.load(a, addr)
}

// Store writes the low Size bytes of w at addr.
func (p *Primitive) Store(a *memory.Accessor, addr uint32, w uint64) {
	p.store(a, addr, w)
}

func floatOf(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}
