package wabt

import (
	"context"
	"strings"

	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/wabt-go/abi"
	"github.com/wippyai/wabt-go/errors"
)

// embeddingOrder is the bit order of the embedding exports' features flags.
var embeddingOrder = []Features{
	FeatureExceptions,
	FeatureMutableGlobals,
	FeatureSatFloatToInt,
	FeatureSignExtension,
	FeatureSIMD,
	FeatureThreads,
	FeatureMultiValue,
	FeatureTailCall,
	FeatureBulkMemory,
	FeatureReferenceTypes,
	FeatureAnnotations,
	FeatureGC,
}

// EmbeddingFlags is the WIT flags type of the embedding exports.
var EmbeddingFlags = func() *wit.Flags {
	f := &wit.Flags{}
	for _, feature := range embeddingOrder {
		f.Flags = append(f.Flags, wit.Flag{Name: strings.ReplaceAll(feature.String(), "_", "-")})
	}
	return f
}()

// FlagsOf converts f into embedding flags. Proposals the flags cannot
// express are dropped.
func FlagsOf(f Features) uint32 {
	var flags uint32
	for i, feature := range embeddingOrder {
		if f.Has(feature) {
			flags |= 1 << i
		}
	}
	return flags
}

// embedding holds the descriptors of the wit-bindgen style exports.
type embedding struct {
	ret   *abi.Struct
	bytes *abi.Struct
}

func (t *Toolkit) embeddingTypes(ctx context.Context) (*embedding, error) {
	if t.embed != nil {
		return t.embed, nil
	}
	bytesType := &wit.TypeDef{Kind: &wit.List{Type: wit.U8{}}}
	layout := abi.NewWITLayout().
		Bind("bytes", bytesType).
		Bind("ret", &wit.TypeDef{Kind: &wit.Result{OK: bytesType, Err: wit.String{}}})

	reg := abi.NewRegistry()
	b, err := reg.DefineStruct(ctx, layout, abi.StructSpec{Name: "bytes", Fields: []abi.FieldSpec{
		{Name: "ptr", Type: t.ty.bytes},
		{Name: "len", Type: abi.U32},
	}})
	if err != nil {
		return nil, err
	}
	ret, err := reg.DefineStruct(ctx, layout, abi.StructSpec{Name: "ret", Fields: []abi.FieldSpec{
		{Name: "tag", Type: abi.U8},
		{Name: "ok", Type: b},
		{Name: "err", Type: b},
	}})
	if err != nil {
		return nil, err
	}
	t.embed = &embedding{ret: ret, bytes: b}
	return t.embed, nil
}

func (e *embedding) offset(s *abi.Struct, field string) uint32 {
	f, _ := s.Field(field)
	return f.Offset
}

// Wat2Wasm compiles text to a binary in one call. flags enable proposals
// on top of the defaults, bit i for the i-th flag of EmbeddingFlags.
func (t *Toolkit) Wat2Wasm(ctx context.Context, wat string, flags uint32) ([]byte, error) {
	out, err := t.embedCall(ctx, "wat2wasm", []byte(wat), flags)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Wasm2Wat converts a binary to text in one call.
func (t *Toolkit) Wasm2Wat(ctx context.Context, wasm []byte, flags uint32) (string, error) {
	out, err := t.embedCall(ctx, "wasm2wat", wasm, flags)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *Toolkit) embedCall(ctx context.Context, export string, input []byte, flags uint32) ([]byte, error) {
	if err := t.check(errors.PhaseCall); err != nil {
		return nil, err
	}
	if err := abi.ValidateFlags(EmbeddingFlags, uint64(flags)); err != nil {
		return nil, err
	}
	e, err := t.embeddingTypes(ctx)
	if err != nil {
		return nil, err
	}
	scope := abi.NewScope()
	defer t.closeScope(ctx, scope, export)

	src, err := t.canonicalAlloc(ctx, input)
	if err != nil {
		return nil, err
	}
	scope.Add(t.canonicalFree(src, uint32(len(input))))

	addr, err := t.heap.Call32(ctx, export, uint64(src), uint64(len(input)), uint64(flags))
	if err != nil {
		return nil, err
	}
	// The ret area is static storage outside any heap block, so it is read
	// through the accessor rather than a guarded handle.
	mem := t.heap.Memory()
	tag := uint64(mem.LoadU8(addr + e.offset(e.ret, "tag")))
	payload := addr + e.offset(e.ret, "ok")
	ptr := mem.LoadU32(payload + e.offset(e.bytes, "ptr"))
	size := mem.LoadU32(payload + e.offset(e.bytes, "len"))
	scope.Add(t.canonicalFree(ptr, size))

	out := []byte{}
	if size > 0 {
		out = mem.Bytes(ptr, size)
	}
	t.log.Debug("embedding call", zap.String("export", export), zap.Uint64("tag", tag), zap.Uint32("size", size))
	if tag != 0 {
		phase := errors.PhaseParse
		if export == "wasm2wat" {
			phase = errors.PhaseRead
		}
		return nil, errors.Domain(phase, export, string(out))
	}
	return out, nil
}

// canonicalAlloc copies b into a block from canonical_abi_realloc.
func (t *Toolkit) canonicalAlloc(ctx context.Context, b []byte) (uint32, error) {
	addr, err := t.heap.Call32(ctx, "canonical_abi_realloc", 0, 0, 1, uint64(max(len(b), 1)))
	if err != nil {
		return 0, err
	}
	t.heap.Memory().WriteBytes(addr, b)
	return addr, nil
}

func (t *Toolkit) canonicalFree(addr, size uint32) abi.Releaser {
	return abi.ReleaseFunc(func(ctx context.Context) error {
		if addr == 0 {
			return nil
		}
		_, err := t.heap.Call(ctx, "canonical_abi_free", uint64(addr), uint64(size), 1)
		return err
	})
}
