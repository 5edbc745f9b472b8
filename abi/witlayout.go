package abi

import (
	"context"
	"strconv"
	"sync"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wabt-go/errors"
)

// witInfo is the canonical ABI size, alignment and member offsets of a WIT
// type.
type witInfo struct {
	offsets map[string]uint32
	size    uint32
	align   uint32
}

// WITLayout lays structs out by the component model canonical ABI, for
// modules built with wit-bindgen that export no layout queries. Each struct
// name is bound to the WIT type its bindings were generated from.
//
// Member names: record fields by name; "tag" plus "ok"/"err" for results;
// "tag" plus "value" for options; "tag" plus case names for variants; "ptr"
// and "len" for strings and lists; "0", "1", ... for tuples.
type WITLayout struct {
	types map[string]wit.Type
	cache map[*wit.TypeDef]witInfo
	mu    sync.Mutex
}

// NewWITLayout creates an empty layout.
func NewWITLayout() *WITLayout {
	return &WITLayout{
		types: make(map[string]wit.Type),
		cache: make(map[*wit.TypeDef]witInfo),
	}
}

// Bind associates structName with t.
func (l *WITLayout) Bind(structName string, t wit.Type) *WITLayout {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types[structName] = t
	return l
}

func (l *WITLayout) info(structName string) (witInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.types[structName]
	if !ok {
		return witInfo{}, errors.NotFound(errors.PhaseType, "wit binding", structName)
	}
	return l.calculate(t), nil
}

func (l *WITLayout) SizeOf(_ context.Context, structName string) (uint32, error) {
	info, err := l.info(structName)
	if err != nil {
		return 0, err
	}
	return info.size, nil
}

func (l *WITLayout) OffsetOf(_ context.Context, structName, field string) (uint32, error) {
	info, err := l.info(structName)
	if err != nil {
		return 0, err
	}
	off, ok := info.offsets[field]
	if !ok {
		return 0, errors.NotFound(errors.PhaseType, "member", structName+"."+field)
	}
	return off, nil
}

// AlignOf returns the canonical alignment of the type bound to structName.
func (l *WITLayout) AlignOf(structName string) (uint32, error) {
	info, err := l.info(structName)
	if err != nil {
		return 0, err
	}
	return info.align, nil
}

func (l *WITLayout) calculate(t wit.Type) witInfo {
	switch typ := t.(type) {
	case wit.U8, wit.S8, wit.Bool:
		return witInfo{size: 1, align: 1}
	case wit.U16, wit.S16:
		return witInfo{size: 2, align: 2}
	case wit.U32, wit.S32, wit.F32, wit.Char:
		return witInfo{size: 4, align: 4}
	case wit.U64, wit.S64, wit.F64:
		return witInfo{size: 8, align: 8}
	case wit.String:
		return pointerPair()
	case *wit.TypeDef:
		return l.calculateTypeDef(typ)
	}
	return witInfo{size: 0, align: 1}
}

func pointerPair() witInfo {
	return witInfo{size: 8, align: 4, offsets: map[string]uint32{"ptr": 0, "len": 4}}
}

func (l *WITLayout) calculateTypeDef(t *wit.TypeDef) witInfo {
	if cached, ok := l.cache[t]; ok {
		return cached
	}

	var info witInfo
	switch kind := t.Kind.(type) {
	case *wit.Record:
		names := make([]string, len(kind.Fields))
		types := make([]wit.Type, len(kind.Fields))
		for i, f := range kind.Fields {
			names[i], types[i] = f.Name, f.Type
		}
		info = l.sequence(names, types)
	case *wit.Tuple:
		names := make([]string, len(kind.Types))
		for i := range kind.Types {
			names[i] = strconv.Itoa(i)
		}
		info = l.sequence(names, kind.Types)
	case *wit.List:
		info = pointerPair()
	case *wit.Result:
		info = l.tagged(2, []string{"ok", "err"}, []wit.Type{kind.OK, kind.Err})
	case *wit.Option:
		info = l.tagged(2, []string{"value"}, []wit.Type{kind.Type})
	case *wit.Variant:
		names := make([]string, len(kind.Cases))
		types := make([]wit.Type, len(kind.Cases))
		for i, c := range kind.Cases {
			names[i], types[i] = c.Name, c.Type
		}
		info = l.tagged(len(kind.Cases), names, types)
	case *wit.Enum:
		size := DiscriminantSize(len(kind.Cases))
		info = witInfo{size: size, align: size}
	case *wit.Flags:
		info = flagsInfo(len(kind.Flags))
	case wit.Type:
		info = l.calculate(kind)
	default:
		info = witInfo{size: 0, align: 1}
	}

	l.cache[t] = info
	return info
}

// sequence lays members out in order, each at its natural alignment.
func (l *WITLayout) sequence(names []string, types []wit.Type) witInfo {
	offsets := make(map[string]uint32, len(names))
	maxAlign := uint32(1)
	offset := uint32(0)
	for i, typ := range types {
		m := l.calculate(typ)
		offset = AlignTo(offset, m.align)
		offsets[names[i]] = offset
		if m.align > maxAlign {
			maxAlign = m.align
		}
		offset += m.size
	}
	return witInfo{size: AlignTo(offset, maxAlign), align: maxAlign, offsets: offsets}
}

// tagged lays out a discriminant followed by a payload union. Cases without
// a payload have a nil type.
func (l *WITLayout) tagged(cases int, names []string, types []wit.Type) witInfo {
	discSize := DiscriminantSize(cases)
	maxAlign := discSize
	maxSize := uint32(0)
	for _, typ := range types {
		if typ == nil {
			continue
		}
		m := l.calculate(typ)
		maxAlign = max(maxAlign, m.align)
		maxSize = max(maxSize, m.size)
	}

	payload := AlignTo(discSize, maxAlign)
	offsets := map[string]uint32{"tag": 0}
	for _, name := range names {
		offsets[name] = payload
	}
	return witInfo{size: AlignTo(payload+maxSize, maxAlign), align: maxAlign, offsets: offsets}
}

func flagsInfo(n int) witInfo {
	switch {
	case n == 0:
		return witInfo{size: 0, align: 1}
	case n <= 8:
		return witInfo{size: 1, align: 1}
	case n <= 16:
		return witInfo{size: 2, align: 2}
	}
	return witInfo{size: uint32((n+31)/32) * 4, align: 4}
}

// AlignTo rounds offset up to a multiple of align (a power of two).
func AlignTo(offset, align uint32) uint32 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

// DiscriminantSize returns the byte width of a discriminant for n cases.
func DiscriminantSize(n int) uint32 {
	switch {
	case n <= 1<<8:
		return 1
	case n <= 1<<16:
		return 2
	}
	return 4
}

// FlagsMask returns the mask of bits named by f.
func FlagsMask(f *wit.Flags) uint64 {
	n := len(f.Flags)
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<n - 1
}

// FlagsPrimitive returns the primitive a flags value of f is passed as.
func FlagsPrimitive(f *wit.Flags) *Primitive {
	switch info := flagsInfo(len(f.Flags)); info.size {
	case 0, 1:
		return U8
	case 2:
		return U16
	}
	return U32
}

// ValidateFlags rejects bits outside the mask of f.
func ValidateFlags(f *wit.Flags, v uint64) error {
	if extra := v &^ FlagsMask(f); extra != 0 {
		return errors.New(errors.PhaseEncode, errors.KindRange).
			Expected("flags mask 0x" + strconv.FormatUint(FlagsMask(f), 16)).
			Actual("0x" + strconv.FormatUint(v, 16)).
			Value(v).
			Detail("flags have extraneous bits set").
			Build()
	}
	return nil
}
