package wabt

import (
	"context"

	"github.com/wippyai/wabt-go/abi"
)

// types holds the descriptors of the toolkit's structs.
type types struct {
	features      *abi.Struct
	lexer         *abi.Struct
	errorItem     *abi.Struct
	errors        *abi.Struct
	export        *abi.Struct
	module        *abi.Struct
	parseResult   *abi.Struct
	readResult    *abi.Struct
	writeResult   *abi.Struct
	outputBuffer  *abi.Struct
	interpImport  *abi.Struct
	interpRequest *abi.Struct
	bytes         *abi.Pointer
	onError       *abi.Function
}

// defineTypes defines every struct on reg, each laid out by layout. Structs
// are defined in dependency order so that pointer and array members refer
// to defined descriptors.
func defineTypes(ctx context.Context, reg *abi.Registry, layout abi.Layout) (*types, error) {
	ty := &types{bytes: reg.PointerTo(abi.U8)}
	var err error

	ty.onError, err = reg.FunctionType(abi.Void, abi.U32)
	if err != nil {
		return nil, err
	}

	defs := []struct {
		dst  **abi.Struct
		spec func() abi.StructSpec
	}{
		{&ty.features, func() abi.StructSpec {
			fields := make([]abi.FieldSpec, len(FeatureNames))
			for i, name := range FeatureNames {
				fields[i] = abi.FieldSpec{Name: name, Type: abi.Bool}
			}
			return abi.StructSpec{Name: "features", Destructor: "wabt_destroy_features", Fields: fields}
		}},
		{&ty.lexer, func() abi.StructSpec {
			return abi.StructSpec{Name: "lexer", Destructor: "wabt_destroy_wast_lexer", Fields: []abi.FieldSpec{
				{Name: "filename", Type: ty.bytes},
				{Name: "data", Type: ty.bytes},
				{Name: "size", Type: abi.U32},
			}}
		}},
		{&ty.errorItem, func() abi.StructSpec {
			return abi.StructSpec{Name: "error", Fields: []abi.FieldSpec{
				{Name: "level", Type: abi.U32},
				{Name: "line", Type: abi.U32},
				{Name: "first_column", Type: abi.U32},
				{Name: "last_column", Type: abi.U32},
				{Name: "offset", Type: abi.U32},
				{Name: "message", Type: ty.bytes},
			}}
		}},
		{&ty.errors, func() abi.StructSpec {
			return abi.StructSpec{Name: "errors", Destructor: "wabt_destroy_errors", Fields: []abi.FieldSpec{
				{Name: "count", Type: abi.U32},
				{Name: "items", Type: reg.ArrayOf(ty.errorItem)},
				{Name: "on_error", Type: ty.onError},
			}}
		}},
		{&ty.export, func() abi.StructSpec {
			return abi.StructSpec{Name: "export", Fields: []abi.FieldSpec{
				{Name: "name", Type: ty.bytes},
				{Name: "name_len", Type: abi.U32},
				{Name: "kind", Type: abi.U8},
				{Name: "index", Type: abi.U32},
			}}
		}},
		{&ty.module, func() abi.StructSpec {
			return abi.StructSpec{Name: "module", Destructor: "wabt_destroy_module", Fields: []abi.FieldSpec{
				{Name: "exports_count", Type: abi.U32},
				{Name: "exports", Type: reg.ArrayOf(ty.export)},
				{Name: "imports_count", Type: abi.U32},
				{Name: "funcs_count", Type: abi.U32},
				{Name: "types_count", Type: abi.U32},
			}}
		}},
		{&ty.parseResult, func() abi.StructSpec {
			return resultSpec("parse_wat_result", reg.PointerTo(ty.module))
		}},
		{&ty.readResult, func() abi.StructSpec {
			return resultSpec("read_binary_result", reg.PointerTo(ty.module))
		}},
		{&ty.outputBuffer, func() abi.StructSpec {
			return abi.StructSpec{Name: "output_buffer", Destructor: "wabt_destroy_output_buffer", Fields: []abi.FieldSpec{
				{Name: "data", Type: ty.bytes},
				{Name: "size", Type: abi.U32},
			}}
		}},
		{&ty.writeResult, func() abi.StructSpec {
			buf := reg.PointerTo(ty.outputBuffer)
			return abi.StructSpec{Name: "write_module_result", Destructor: "wabt_destroy_write_module_result", Fields: []abi.FieldSpec{
				{Name: "result", Type: abi.U32},
				{Name: "output_buffer", Type: buf},
				{Name: "log_output_buffer", Type: buf},
			}}
		}},
		{&ty.interpImport, func() abi.StructSpec {
			return abi.StructSpec{Name: "interp_import", Fields: []abi.FieldSpec{
				{Name: "module", Type: ty.bytes},
				{Name: "field", Type: ty.bytes},
				{Name: "func", Type: abi.U32},
			}}
		}},
		{&ty.interpRequest, func() abi.StructSpec {
			words := reg.ArrayOf(abi.U64)
			return abi.StructSpec{Name: "interp_request", Fields: []abi.FieldSpec{
				{Name: "export", Type: ty.bytes},
				{Name: "args", Type: words},
				{Name: "nargs", Type: abi.U32},
				{Name: "results", Type: words},
				{Name: "nresults", Type: abi.U32},
				{Name: "results_cap", Type: abi.U32},
				{Name: "imports", Type: reg.ArrayOf(ty.interpImport)},
				{Name: "nimports", Type: abi.U32},
				{Name: "features", Type: reg.PointerTo(ty.features)},
			}}
		}},
	}
	for _, d := range defs {
		s, err := reg.DefineStruct(ctx, layout, d.spec())
		if err != nil {
			return nil, err
		}
		*d.dst = s
	}
	return ty, nil
}

func resultSpec(name string, module abi.Type) abi.StructSpec {
	return abi.StructSpec{Name: name, Destructor: "wabt_destroy_" + name, Fields: []abi.FieldSpec{
		{Name: "result", Type: abi.U32},
		{Name: "module", Type: module},
	}}
}
