package abi

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"

	werrors "github.com/wippyai/wabt-go/errors"
)

func TestRegistry_Memoization(t *testing.T) {
	r := NewRegistry()
	loc := r.Declare("location")

	if r.PointerTo(loc) != r.PointerTo(loc) {
		t.Error("PointerTo not memoized")
	}
	if r.ArrayOf(loc) != r.ArrayOf(loc) {
		t.Error("ArrayOf not memoized")
	}
	if r.PointerTo(U8) == r.PointerTo(I8) {
		t.Error("distinct pointees share a pointer descriptor")
	}
	if r.PointerTo(r.PointerTo(U8)) != r.PointerTo(r.PointerTo(U8)) {
		t.Error("nested pointers not memoized")
	}

	f1, err := r.FunctionType(I32, U32, U32)
	if err != nil {
		t.Fatal(err)
	}
	f2, _ := r.FunctionType(I32, U32, U32)
	if f1 != f2 {
		t.Error("FunctionType not memoized")
	}
	f3, _ := r.FunctionType(I32, U32, I32)
	if f1 == f3 {
		t.Error("different params share a function descriptor")
	}
}

func TestRegistry_MemoizationConcurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	got := make([]*Pointer, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.PointerTo(F64)
		}(i)
	}
	wg.Wait()
	for _, p := range got {
		if p != got[0] {
			t.Fatal("concurrent PointerTo returned different descriptors")
		}
	}
}

func TestRegistry_FunctionSignature(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name   string
		result Type
		params []Type
		sig    string
	}{
		{"int binary", I32, []Type{I32, I32}, "iii"},
		{"void unary", Void, []Type{U32}, "vi"},
		{"void nullary", Void, nil, "v"},
		{"mixed", F64, []Type{I64, F32, U8}, "djfi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := r.FunctionType(tt.result, tt.params...)
			if err != nil {
				t.Fatal(err)
			}
			if f.CallSignature() != tt.sig {
				t.Errorf("CallSignature = %q, want %q", f.CallSignature(), tt.sig)
			}
		})
	}
}

func TestRegistry_FunctionRejectsNonPrimitive(t *testing.T) {
	r := NewRegistry()
	ptr := r.PointerTo(U8)

	if _, err := r.FunctionType(Void, ptr); !errors.Is(err, &werrors.Error{Phase: werrors.PhaseType, Kind: werrors.KindTypeMismatch}) {
		t.Errorf("pointer param: err = %v", err)
	}
	if _, err := r.FunctionType(ptr); err == nil {
		t.Error("pointer result accepted")
	}
	if _, err := r.FunctionType(Void, Void); err == nil {
		t.Error("void param accepted")
	}
}

func TestRegistry_DefineStruct(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	layout := newCountingLayout(testLayout)

	spec := StructSpec{
		Name: "location",
		Fields: []FieldSpec{
			{Name: "filename", Type: r.PointerTo(U8)},
			{Name: "line", Type: U32},
			{Name: "first_column", Type: U32},
			{Name: "last_column", Type: U32},
		},
	}
	s, err := r.DefineStruct(ctx, layout, spec)
	if err != nil {
		t.Fatal(err)
	}
	if s.Size() != 16 {
		t.Errorf("Size = %d", s.Size())
	}
	if f, ok := s.Field("last_column"); !ok || f.Offset != 12 {
		t.Errorf("last_column = %v", f)
	}

	again, err := r.DefineStruct(ctx, layout, spec)
	if err != nil || again != s {
		t.Fatalf("redefine = %v, %v", again, err)
	}
	for q, n := range layout.queries {
		if n != 1 {
			t.Errorf("%s queried %d times", q, n)
		}
	}

	if got, ok := r.Struct("location"); !ok || got != s {
		t.Error("Struct lookup failed")
	}

	spec.Fields = spec.Fields[:2]
	if _, err := r.DefineStruct(ctx, layout, spec); err == nil {
		t.Error("redefinition with different fields accepted")
	}
}

func TestRegistry_DeclareBeforeDefine(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	errs := r.Declare("errors")
	if _, ok := r.Struct("errors"); ok {
		t.Fatal("declared struct reported as defined")
	}
	lexer, err := r.DefineStruct(ctx, testLayout, StructSpec{
		Name: "lexer",
		Fields: []FieldSpec{
			{Name: "filename", Type: r.PointerTo(U8)},
			{Name: "errors", Type: r.PointerTo(errs)},
			{Name: "flags", Type: U32},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	defined, err := r.DefineStruct(ctx, testLayout, StructSpec{
		Name:   "errors",
		Fields: []FieldSpec{{Name: "count", Type: U32}, {Name: "first", Type: r.PointerTo(lexer)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if defined != errs {
		t.Error("definition did not fill the declared descriptor")
	}
	f, _ := lexer.Field("errors")
	if f.Type.(*Pointer).Elem() != defined {
		t.Error("pointer does not reach the defined struct")
	}
}

func TestRegistry_DefineStructErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	tests := []struct {
		name string
		spec StructSpec
	}{
		{"missing layout", StructSpec{Name: "nope", Fields: []FieldSpec{{Name: "a", Type: U8}}}},
		{"missing field", StructSpec{Name: "errors", Fields: []FieldSpec{{Name: "bogus", Type: U8}}}},
		{"exceeds size", StructSpec{Name: "errors", Fields: []FieldSpec{{Name: "first", Type: F64}}}},
		{"duplicate", StructSpec{Name: "errors", Fields: []FieldSpec{{Name: "count", Type: U8}, {Name: "count", Type: U8}}}},
		{"undefined embed", StructSpec{Name: "errors", Fields: []FieldSpec{{Name: "count", Type: r.Declare("later")}}}},
		{"void field", StructSpec{Name: "errors", Fields: []FieldSpec{{Name: "count", Type: Void}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.DefineStruct(ctx, testLayout, tt.spec); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, ok := r.Struct("errors"); ok {
		t.Error("failed definitions must leave the struct undefined")
	}
}

func TestRegistry_DefinePrimitive(t *testing.T) {
	r := NewRegistry()

	p, err := r.DefinePrimitive("index", 4, SigI32, &Range{0, 1000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Encode(1000); err != nil {
		t.Errorf("max: %v", err)
	}
	if _, err := p.Encode(1001); err == nil {
		t.Error("above max accepted")
	}
	if again, _ := r.DefinePrimitive("index", 4, SigI32, nil); again != p {
		t.Error("redefinition returned a new descriptor")
	}
	if _, err := r.DefinePrimitive("index", 2, SigI32, nil); err == nil {
		t.Error("conflicting redefinition accepted")
	}
	if got, ok := r.Primitive("u32"); !ok || got != U32 {
		t.Error("builtin u32 missing")
	}

	bad := []struct {
		name string
		size uint32
		sig  byte
	}{
		{"i with size 8", 8, SigI32},
		{"j with size 4", 4, SigI64},
		{"f with size 8", 8, SigF32},
		{"void with size", 4, SigVoid},
		{"unknown sig", 4, 'x'},
	}
	for _, b := range bad {
		if _, err := r.DefinePrimitive(b.name, b.size, b.sig, nil); err == nil {
			t.Errorf("%s accepted", b.name)
		}
	}
}

func TestPrimitive_EncodeRange(t *testing.T) {
	tests := []struct {
		name string
		p    *Primitive
		v    any
		kind werrors.Kind
		word uint64
	}{
		{"i8 min", I8, -128, "", 0xffffff80},
		{"i8 max", I8, 127, "", 127},
		{"i8 below", I8, -129, werrors.KindRange, 0},
		{"i8 above", I8, 128, werrors.KindRange, 0},
		{"u8 max", U8, uint8(255), "", 255},
		{"u8 negative", U8, -1, werrors.KindRange, 0},
		{"i16 min", I16, int16(math.MinInt16), "", 0xffff8000},
		{"u16 above", U16, 65536, werrors.KindRange, 0},
		{"i32 min", I32, int32(math.MinInt32), "", 0x80000000},
		{"i32 above", I32, int64(math.MaxInt32) + 1, werrors.KindRange, 0},
		{"u32 max", U32, uint32(math.MaxUint32), "", math.MaxUint32},
		{"u32 above", U32, int64(math.MaxUint32) + 1, werrors.KindRange, 0},
		{"u32 huge uint64", U32, uint64(math.MaxUint64), werrors.KindRange, 0},
		{"integral float", I32, 2.0, "", 2},
		{"fractional float", I32, 1.5, werrors.KindRange, 0},
		{"nan", I32, math.NaN(), werrors.KindRange, 0},
		{"bool true", Bool, true, "", 1},
		{"bool int", Bool, 1, "", 1},
		{"bool out of range", Bool, 2, werrors.KindRange, 0},
		{"string", I32, "1", werrors.KindTypeMismatch, 0},
		{"i64", I64, int64(1), werrors.KindUnsupported, 0},
		{"u64", U64, uint64(1), werrors.KindUnsupported, 0},
		{"f32", F32, 1.5, "", uint64(math.Float32bits(1.5))},
		{"f64", F64, float32(0.5), "", math.Float64bits(0.5)},
		{"f64 from string", F64, "x", werrors.KindTypeMismatch, 0},
		{"void nil", Void, nil, "", 0},
		{"void value", Void, 1, werrors.KindTypeMismatch, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := tt.p.Encode(tt.v)
			if tt.kind == "" {
				if err != nil {
					t.Fatalf("Encode(%v) error: %v", tt.v, err)
				}
				if w != tt.word {
					t.Errorf("Encode(%v) = %#x, want %#x", tt.v, w, tt.word)
				}
				return
			}
			var we *werrors.Error
			if !errors.As(err, &we) || we.Kind != tt.kind {
				t.Fatalf("Encode(%v) err = %v, want kind %s", tt.v, err, tt.kind)
			}
		})
	}
}

func TestPrimitive_RangeMessage(t *testing.T) {
	tests := []struct {
		p    *Primitive
		v    any
		want string
	}{
		{I32, int64(1) << 40, "expected i32, got int64 - 1099511627776 outside [-2147483648, 2147483647]"},
		{U8, -1, "expected u8, got int - -1 outside [0, 255]"},
		{I32, 1.5, "expected i32, got float64 - not an integer"},
	}
	for _, tt := range tests {
		_, err := tt.p.Encode(tt.v)
		if err == nil {
			t.Fatalf("Encode(%v) succeeded", tt.v)
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Encode(%v) message = %q, want %q", tt.v, err.Error(), tt.want)
		}
	}
}

func TestPrimitive_Decode(t *testing.T) {
	tests := []struct {
		p    *Primitive
		word uint64
		want any
	}{
		{I8, 0xff, int8(-1)},
		{U8, 0xff, uint8(255)},
		{I16, 0x8000, int16(math.MinInt16)},
		{U16, 0xffff, uint16(65535)},
		{I32, 0xffffffff, int32(-1)},
		{U32, 0xffffffff, uint32(math.MaxUint32)},
		{Bool, 2, true},
		{Bool, 0, false},
		{F32, uint64(math.Float32bits(-2.5)), float32(-2.5)},
		{F64, math.Float64bits(math.Pi), math.Pi},
		{Void, 7, nil},
	}
	for _, tt := range tests {
		t.Run(tt.p.Name(), func(t *testing.T) {
			got, err := tt.p.Decode(tt.word)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Decode(%#x) = %v (%T), want %v (%T)", tt.word, got, got, tt.want, tt.want)
			}
		})
	}

	if _, err := I64.Decode(1); err == nil {
		t.Error("i64 decode must fail")
	}
}

func TestTypeStrings(t *testing.T) {
	r := NewRegistry()
	lexer := r.Declare("lexer")
	f, _ := r.FunctionType(Void, U32, I32)
	g, _ := r.FunctionType(I32)

	tests := []struct {
		t    Type
		want string
	}{
		{r.PointerTo(lexer), "*lexer"},
		{r.ArrayOf(U8), "[]u8"},
		{r.PointerTo(r.PointerTo(U8)), "**u8"},
		{f, "func(u32, i32)"},
		{g, "func() i32"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if !strings.Contains(tt.t.Name(), strings.TrimPrefix(tt.want, "*")) {
			t.Errorf("Name() = %q", tt.t.Name())
		}
	}
}
