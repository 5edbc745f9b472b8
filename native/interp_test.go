package native

import (
	"context"
	"errors"
	"testing"

	wabterrors "github.com/wippyai/wabt-go/errors"
)

const interpWat = `(module
  (import "env" "double" (func $double (param i32) (result i32)))
  (import "env" "missing" (func $missing))
  (memory 1)
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add)
  (func (export "div") (param i32) (result i32)
    i32.const 1
    local.get 0
    i32.div_s)
  (func (export "twice") (param i32) (result i32)
    local.get 0
    call $double)
  (func (export "missing")
    call $missing)
  (func (export "oob") (result i32)
    i32.const 70000
    i32.load)
  (func (export "trap")
    unreachable)
  (global (export "g") i32 (i32.const 0)))
`

type runner struct {
	t      *testing.T
	m      *Module
	s      *session
	lexer  uint32
	module uint32
}

func newRunner(t *testing.T) *runner {
	m := New(nil)
	s := newSession(t, m)
	lexer := s.lexer("interp.wat", interpWat)
	result, mod := s.parse(lexer)
	if result != resultOK {
		t.Fatalf("parse result = %d", result)
	}
	return &runner{t: t, m: m, s: s, lexer: lexer, module: mod}
}

// run calls export with args and the given imports (field name to table
// index, all in module "env").
func (r *runner) run(export string, args []uint64, imports map[string]uint32) (wabterrors.TrapCode, []uint64) {
	t, m := r.t, r.m
	t.Helper()
	l := interpRequestLayout

	req, _ := m.mallocz(l.size)
	argv, _ := m.mallocz(uint32(len(args)) * 8)
	for i, a := range args {
		m.acc.StoreU64(argv+uint32(i)*8, a)
	}
	results, _ := m.mallocz(4 * 8)
	impv, _ := m.mallocz(uint32(len(imports)) * interpImportLayout.size)
	i := uint32(0)
	for name, index := range imports {
		item := impv + i*interpImportLayout.size
		m.acc.StoreU32(item+interpImportLayout.off("module"), r.s.cstring("env"))
		m.acc.StoreU32(item+interpImportLayout.off("field"), r.s.cstring(name))
		m.acc.StoreU32(item+interpImportLayout.off("func"), index)
		i++
	}
	m.acc.StoreU32(req+l.off("export"), r.s.cstring(export))
	m.acc.StoreU32(req+l.off("args"), argv)
	m.acc.StoreU32(req+l.off("nargs"), uint32(len(args)))
	m.acc.StoreU32(req+l.off("results"), results)
	m.acc.StoreU32(req+l.off("results_cap"), 4)
	m.acc.StoreU32(req+l.off("imports"), impv)
	m.acc.StoreU32(req+l.off("nimports"), uint32(len(imports)))

	code := call(t, m, "wabt_interp_run", uint64(r.module), uint64(req))
	n := m.acc.LoadU32(req + l.off("nresults"))
	var out []uint64
	for j := range min(n, 4) {
		out = append(out, m.acc.LoadU64(results+j*8))
	}
	m.freeAll(req, argv, results, impv)
	return wabterrors.TrapCode(code), out
}

func TestInterpRun(t *testing.T) {
	r := newRunner(t)

	double, err := r.m.table.Add("ii", func(_ context.Context, args []uint64) ([]uint64, error) {
		return []uint64{uint64(uint32(args[0]) * 2)}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	failing, _ := r.m.table.Add("ii", func(context.Context, []uint64) ([]uint64, error) {
		return nil, errors.New("host refused")
	})
	wrongSig, _ := r.m.table.Add("vi", func(context.Context, []uint64) ([]uint64, error) {
		return nil, nil
	})

	tests := []struct {
		name    string
		export  string
		args    []uint64
		imports map[string]uint32
		code    wabterrors.TrapCode
		results []uint64
	}{
		{"add", "add", []uint64{2, 3}, nil, wabterrors.TrapOK, []uint64{5}},
		{"div", "div", []uint64{1}, nil, wabterrors.TrapOK, []uint64{1}},
		{"div by zero", "div", []uint64{0}, nil, wabterrors.TrapIntegerDivideByZero, nil},
		{"host import", "twice", []uint64{21}, map[string]uint32{"double": double}, wabterrors.TrapOK, []uint64{42}},
		{"host error", "twice", []uint64{1}, map[string]uint32{"double": failing}, wabterrors.TrapHostTrapped, nil},
		{"host signature", "twice", []uint64{1}, map[string]uint32{"double": wrongSig}, wabterrors.TrapIndirectCallSignatureMismatch, nil},
		{"unbound import", "missing", nil, nil, wabterrors.TrapUninitializedTableElement, nil},
		{"stale index", "twice", []uint64{1}, map[string]uint32{"double": 999}, wabterrors.TrapUndefinedTableIndex, nil},
		{"out of bounds", "oob", nil, nil, wabterrors.TrapMemoryAccessOutOfBounds, nil},
		{"unreachable", "trap", nil, nil, wabterrors.TrapUnreachable, nil},
		{"unknown export", "nope", nil, nil, wabterrors.TrapUnknownExport, nil},
		{"export kind", "g", nil, nil, wabterrors.TrapExportKindMismatch, nil},
		{"argument count", "add", []uint64{1}, nil, wabterrors.TrapArgumentTypeMismatch, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.t, r.s.t = t, t
			code, results := r.run(tt.export, tt.args, tt.imports)
			if code != tt.code {
				t.Fatalf("code = %v, want %v", code, tt.code)
			}
			if len(results) != len(tt.results) && tt.code == wabterrors.TrapOK {
				t.Fatalf("results = %v, want %v", results, tt.results)
			}
			for i := range tt.results {
				if results[i] != tt.results[i] {
					t.Errorf("result %d = %d, want %d", i, results[i], tt.results[i])
				}
			}
		})
	}
	r.t, r.s.t = t, t
	r.s.close(r.lexer, r.module)
}

func TestCallSignature(t *testing.T) {
	tests := []struct {
		params, results string
		want            string
		ok              bool
	}{
		{"", "", "v", true},
		{"ii", "i", "iii", true},
		{"jfd", "", "vjfd", true},
		{"", "ii", "", false},
	}
	vt := map[byte]byte{'i': 0x7f, 'j': 0x7e, 'f': 0x7d, 'd': 0x7c}
	conv := func(s string) []byte {
		out := make([]byte, len(s))
		for i := range s {
			out[i] = vt[s[i]]
		}
		return out
	}
	for _, tt := range tests {
		got, ok := callSignature(conv(tt.params), conv(tt.results))
		if got != tt.want || ok != tt.ok {
			t.Errorf("callSignature(%q, %q) = %q, %v", tt.params, tt.results, got, ok)
		}
	}
}
