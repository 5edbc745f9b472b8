package native

import "github.com/wippyai/wabt-go/native/internal/binary"

// cField is a C struct member as laid out for wasm32.
type cField struct {
	name  string
	size  uint32
	align uint32
}

func u8(name string) cField  { return cField{name, 1, 1} }
func u32(name string) cField { return cField{name, 4, 4} }
func ptr(name string) cField { return cField{name, 4, 4} }

// cStruct is a laid out struct.
type cStruct struct {
	name    string
	offsets map[string]uint32
	order   []string
	size    uint32
}

func layout(name string, fields ...cField) *cStruct {
	s := &cStruct{name: name, offsets: make(map[string]uint32, len(fields))}
	var off, align uint32 = 0, 1
	for _, f := range fields {
		off = (off + f.align - 1) &^ (f.align - 1)
		s.offsets[f.name] = off
		s.order = append(s.order, f.name)
		off += f.size
		align = max(align, f.align)
	}
	s.size = (off + align - 1) &^ (align - 1)
	return s
}

func (s *cStruct) off(field string) uint32 {
	o, ok := s.offsets[field]
	if !ok {
		panic("native: unknown field " + s.name + "." + field)
	}
	return o
}

func featureFields() []cField {
	fields := make([]cField, len(binary.FeatureNames))
	for i, name := range binary.FeatureNames {
		fields[i] = u8(name)
	}
	return fields
}

var (
	featuresLayout = layout("features", featureFields()...)
	lexerLayout    = layout("lexer", ptr("filename"), ptr("data"), u32("size"))
	errorLayout    = layout("error",
		u32("level"), u32("line"), u32("first_column"), u32("last_column"), u32("offset"), ptr("message"))
	errorsLayout = layout("errors", u32("count"), ptr("items"), u32("on_error"))
	exportLayout = layout("export", ptr("name"), u32("name_len"), u8("kind"), u32("index"))
	moduleLayout = layout("module",
		u32("exports_count"), ptr("exports"), u32("imports_count"), u32("funcs_count"), u32("types_count"))

	parseWatResultLayout   = layout("parse_wat_result", u32("result"), ptr("module"))
	readBinaryResultLayout = layout("read_binary_result", u32("result"), ptr("module"))
	writeResultLayout      = layout("write_module_result",
		u32("result"), ptr("output_buffer"), ptr("log_output_buffer"))
	outputBufferLayout = layout("output_buffer", ptr("data"), u32("size"))

	interpImportLayout  = layout("interp_import", ptr("module"), ptr("field"), u32("func"))
	interpRequestLayout = layout("interp_request",
		ptr("export"), ptr("args"), u32("nargs"), ptr("results"), u32("nresults"), u32("results_cap"),
		ptr("imports"), u32("nimports"), ptr("features"))
)

// layouts lists every struct the instance publishes layout queries for.
var layouts = []*cStruct{
	featuresLayout,
	lexerLayout,
	errorLayout,
	errorsLayout,
	exportLayout,
	moduleLayout,
	parseWatResultLayout,
	readBinaryResultLayout,
	writeResultLayout,
	outputBufferLayout,
	interpImportLayout,
	interpRequestLayout,
}
