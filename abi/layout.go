package abi

import (
	"context"
	"strconv"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/errors"
)

// Layout supplies struct sizes and field offsets for one module build.
type Layout interface {
	SizeOf(ctx context.Context, structName string) (uint32, error)
	OffsetOf(ctx context.Context, structName, field string) (uint32, error)
}

// DefaultLayoutPrefix is the export prefix of libwabt's layout queries.
const DefaultLayoutPrefix = "wabt_"

// ExportedLayout asks the module through its <prefix>sizeof_<struct> and
// <prefix>offsetof_<struct>_<field> exports.
type ExportedLayout struct {
	mod    wabtgo.Module
	prefix string
}

// NewExportedLayout creates a layout reading mod's exports. An empty prefix
// selects DefaultLayoutPrefix.
func NewExportedLayout(mod wabtgo.Module, prefix string) *ExportedLayout {
	if prefix == "" {
		prefix = DefaultLayoutPrefix
	}
	return &ExportedLayout{mod: mod, prefix: prefix}
}

func (l *ExportedLayout) SizeOf(ctx context.Context, structName string) (uint32, error) {
	return l.query(ctx, l.prefix+"sizeof_"+structName)
}

func (l *ExportedLayout) OffsetOf(ctx context.Context, structName, field string) (uint32, error) {
	return l.query(ctx, l.prefix+"offsetof_"+structName+"_"+field)
}

func (l *ExportedLayout) query(ctx context.Context, export string) (uint32, error) {
	results, err := l.mod.Call(ctx, export)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseType, errors.KindNotFound, err, "layout query "+export)
	}
	if len(results) != 1 {
		return 0, errors.New(errors.PhaseType, errors.KindTypeMismatch).
			Expected("1 result").
			Actual(strconv.Itoa(len(results)) + " results").
			Detail("layout query %s", export).
			Build()
	}
	return uint32(results[0]), nil
}

// StructLayout is a fixed layout for one struct.
type StructLayout struct {
	Offsets map[string]uint32
	Size    uint32
}

// StaticLayout is a precomputed table of struct layouts, for module builds
// whose layout is published out of band.
type StaticLayout map[string]StructLayout

func (l StaticLayout) SizeOf(_ context.Context, structName string) (uint32, error) {
	sl, ok := l[structName]
	if !ok {
		return 0, errors.NotFound(errors.PhaseType, "struct layout", structName)
	}
	return sl.Size, nil
}

func (l StaticLayout) OffsetOf(_ context.Context, structName, field string) (uint32, error) {
	sl, ok := l[structName]
	if !ok {
		return 0, errors.NotFound(errors.PhaseType, "struct layout", structName)
	}
	off, ok := sl.Offsets[field]
	if !ok {
		return 0, errors.NotFound(errors.PhaseType, "field", structName+"."+field)
	}
	return off, nil
}
