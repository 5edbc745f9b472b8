package wabt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/wippyai/wabt-go/abi"
	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/native"
)

const addWat = `(module
  (func $add (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add))
`

const hostWat = `(module
  (import "env" "double" (func $double (param i32) (result i32)))
  (import "env" "missing" (func $missing))
  (func (export "twice") (param i32) (result i32)
    local.get 0
    call $double)
  (func (export "missing")
    call $missing)
  (func (export "div") (param i32) (result i32)
    i32.const 1
    local.get 0
    i32.div_s))
`

var header = []byte{0, 'a', 's', 'm', 1, 0, 0, 0}

func newToolkit(t *testing.T, cfg *Config) (*Toolkit, *native.Module) {
	t.Helper()
	m := native.New(nil)
	tk, err := New(context.Background(), m, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		tk.Close(context.Background())
		m.Close()
	})
	return tk, m
}

func parse(t *testing.T, tk *Toolkit, src string) *Module {
	t.Helper()
	m, err := tk.ParseWat(context.Background(), "test.wast", []byte(src), DefaultFeatures)
	if err != nil {
		t.Fatalf("ParseWat failed: %v", err)
	}
	return m
}

func assertNoLeaks(t *testing.T, m *native.Module) {
	t.Helper()
	if blocks, size := m.InUse(); blocks != 0 {
		t.Errorf("leaked %d blocks (%d bytes)", blocks, size)
	}
}

func isDomain(err error, phase errors.Phase) bool {
	return errors.Is(err, &errors.Error{Phase: phase, Kind: errors.KindDomain})
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, nil, nil); err == nil {
		t.Error("New(nil) succeeded")
	}
	if _, err := New(ctx, native.New(nil), &Config{LayoutPrefix: "nope_"}); err == nil {
		t.Error("New with a bad layout prefix succeeded")
	}

	reg := abi.NewRegistry()
	for i := 0; i < 2; i++ {
		if _, err := New(ctx, native.New(nil), &Config{Registry: reg}); err != nil {
			t.Fatalf("New with shared registry #%d: %v", i, err)
		}
	}
	if _, ok := reg.Struct("interp_request"); !ok {
		t.Error("shared registry has no interp_request")
	}
}

func TestParseWat_EmptyModule(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	ctx := context.Background()

	m := parse(t, tk, "(module)")
	out, err := m.ToBinary(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Buffer, header) {
		t.Errorf("ToBinary = % x, want % x", out.Buffer, header)
	}
	if out.Log != "" {
		t.Errorf("unrequested log = %q", out.Log)
	}
	if err := m.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	assertNoLeaks(t, nm)
}

func TestParseWat_Error(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	_, err := tk.ParseWat(context.Background(), "test.wast", []byte("(modulex)"), DefaultFeatures)
	if !isDomain(err, errors.PhaseParse) {
		t.Fatalf("err = %v, want parse domain error", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "parseWat failed:\n") || !strings.Contains(msg, "test.wast:1") {
		t.Errorf("message = %q", msg)
	}
	assertNoLeaks(t, nm)
}

func TestParseWat_BadFeatures(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	_, err := tk.ParseWat(context.Background(), "f.wat", []byte("(module)"), 1<<20)
	if !errors.Is(err, &errors.Error{Phase: errors.PhaseEncode, Kind: errors.KindRange}) {
		t.Fatalf("err = %v", err)
	}
	assertNoLeaks(t, nm)
}

func TestReadWasm(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	ctx := context.Background()

	m, err := tk.ReadWasm(ctx, header, nil)
	if err != nil {
		t.Fatal(err)
	}
	exports, err := m.Exports(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(exports) != 0 {
		t.Errorf("exports = %v", exports)
	}
	counts, _ := m.Counts()
	if counts != (Counts{}) {
		t.Errorf("counts = %+v", counts)
	}
	m.Destroy(ctx)

	_, err = tk.ReadWasm(ctx, []byte("notwasm!"), nil)
	if !isDomain(err, errors.PhaseRead) || !strings.Contains(err.Error(), "bad magic value") {
		t.Errorf("err = %v", err)
	}

	partial, err := tk.ReadWasm(ctx, []byte("notwasm!"), &ReadOptions{Features: DefaultFeatures, NoCheck: true})
	if err != nil {
		t.Fatalf("NoCheck read: %v", err)
	}
	diags, _ := partial.Diagnostics()
	if len(diags) != 1 || diags[0].Level != LevelError || diags[0].Offset == NoOffset {
		t.Errorf("diagnostics = %v", diags)
	}
	partial.Destroy(ctx)
	assertNoLeaks(t, nm)
}

func TestModule_RoundTrip(t *testing.T) {
	tk, _ := newToolkit(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		src  string
	}{
		{"empty", "(module)"},
		{"add", addWat},
		{"imports", hostWat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := parse(t, tk, tt.src)
			defer m.Destroy(ctx)
			want, err := m.ToBinary(ctx, nil)
			if err != nil {
				t.Fatal(err)
			}
			text, err := m.ToText(ctx, nil)
			if err != nil {
				t.Fatal(err)
			}

			again := parse(t, tk, text)
			defer again.Destroy(ctx)
			got, err := again.ToBinary(ctx, nil)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got.Buffer, want.Buffer) {
				t.Errorf("round trip through text:\n%s\ngot  % x\nwant % x", text, got.Buffer, want.Buffer)
			}

			read, err := tk.ReadWasm(ctx, want.Buffer, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer read.Destroy(ctx)
			back, _ := read.ToBinary(ctx, nil)
			if !bytes.Equal(back.Buffer, want.Buffer) {
				t.Errorf("round trip through binary: got % x", back.Buffer)
			}
		})
	}
}

func TestModule_ToBinaryLog(t *testing.T) {
	tk, _ := newToolkit(t, nil)
	m := parse(t, tk, addWat)
	out, err := m.ToBinary(context.Background(), &BinaryOptions{Log: true, CanonicalizeLEBs: true})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(out.Buffer, header) {
		t.Errorf("buffer = % x", out.Buffer)
	}
	if !strings.Contains(out.Log, "WASM_BINARY_MAGIC") {
		t.Errorf("log = %q", out.Log)
	}
}

func TestModule_ToText(t *testing.T) {
	tk, _ := newToolkit(t, nil)
	m := parse(t, tk, addWat)
	out, err := m.ToText(context.Background(), &TextOptions{InlineExport: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "(module") || !strings.Contains(out, "i32.add") {
		t.Errorf("text:\n%s", out)
	}
}

func TestModule_Names(t *testing.T) {
	tk, _ := newToolkit(t, nil)
	ctx := context.Background()
	m := parse(t, tk, "(module (func (param i32)) (func i32.const 1 call 0))")
	if err := m.GenerateNames(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.ApplyNames(ctx); err != nil {
		t.Fatal(err)
	}
	out, err := m.ToBinary(ctx, &BinaryOptions{CanonicalizeLEBs: true, WriteDebugNames: true})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out.Buffer, []byte("\x04name")) {
		t.Errorf("binary has no name section: % x", out.Buffer)
	}
}

func TestModule_Validate(t *testing.T) {
	tk, _ := newToolkit(t, nil)
	ctx := context.Background()

	if err := parse(t, tk, addWat).Validate(ctx, DefaultFeatures); err != nil {
		t.Errorf("valid module: %v", err)
	}

	m := parse(t, tk, "(module (func (result i32) i64.const 0))")
	err := m.Validate(ctx, DefaultFeatures)
	if !isDomain(err, errors.PhaseValidate) {
		t.Fatalf("err = %v", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "validate failed:\n") || !strings.Contains(msg, "type mismatch") {
		t.Errorf("message = %q", msg)
	}
}

func TestModule_Exports(t *testing.T) {
	tk, _ := newToolkit(t, nil)
	m := parse(t, tk, addWat)
	exports, err := m.Exports(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Export{{Name: "add", Kind: ExportFunc, Index: 0}}
	if fmt.Sprint(exports) != fmt.Sprint(want) {
		t.Errorf("exports = %v, want %v", exports, want)
	}
	counts, _ := m.Counts()
	if counts.Funcs != 1 || counts.Types != 1 || counts.Exports != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestModule_Destroy(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	ctx := context.Background()

	m := parse(t, tk, addWat)
	if err := m.Destroy(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(ctx); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	assertNoLeaks(t, nm)

	released := &errors.Error{Phase: errors.PhaseWrite, Kind: errors.KindReleased}
	if _, err := m.ToText(ctx, nil); !errors.Is(err, released) {
		t.Errorf("ToText after Destroy = %v", err)
	}
	if _, err := m.Run(ctx, "add", nil); err == nil {
		t.Error("Run after Destroy succeeded")
	}
}

func TestToolkit_Close(t *testing.T) {
	tk, nm := newToolkit(t, &Config{OnDiagnostic: func(Diagnostic) {}})
	ctx := context.Background()
	parse(t, tk, addWat)
	parse(t, tk, "(module)")

	if err := tk.Close(ctx); err != nil {
		t.Fatal(err)
	}
	assertNoLeaks(t, nm)
	if n := nm.Table().Size(); n != 1 {
		t.Errorf("table size after Close = %d, want 1", n)
	}
	if _, err := tk.ParseWat(ctx, "x.wat", []byte("(module)"), DefaultFeatures); !errors.Is(err, &errors.Error{Phase: errors.PhaseParse, Kind: errors.KindReleased}) {
		t.Errorf("ParseWat after Close = %v", err)
	}
}

func TestUseAfterFreeGuard(t *testing.T) {
	tk, _ := newToolkit(t, &Config{Debug: true})
	ctx := context.Background()

	m := parse(t, tk, addWat)
	view := tk.Heap().Wrap(m.Handle().Type(), m.Handle().Address())
	if n, err := view.Field("exports_count").Uint(); err != nil || n != 1 {
		t.Fatalf("live view: %d, %v", n, err)
	}
	m.Destroy(ctx)

	err := errors.Catch(func() error {
		_, err := view.Field("exports_count").Uint()
		return err
	})
	var e *errors.Error
	if !errors.As(err, &e) || e.Kind != errors.KindUseAfterFree || !e.Fatal {
		t.Fatalf("err = %v, want fatal use after free", err)
	}
}

func TestOnDiagnostic(t *testing.T) {
	var got []Diagnostic
	tk, _ := newToolkit(t, &Config{OnDiagnostic: func(d Diagnostic) { got = append(got, d) }})
	ctx := context.Background()

	m := parse(t, tk, "(module (func br 3))")
	if err := m.Validate(ctx, DefaultFeatures); err == nil {
		t.Fatal("expected validation error")
	}
	if len(got) != 1 || !strings.Contains(got[0].Message, "invalid depth") {
		t.Fatalf("diagnostics = %v", got)
	}
	if got[0].Line != 1 || got[0].Offset != NoOffset || got[0].Level != LevelError {
		t.Errorf("diagnostic = %+v", got[0])
	}
	collected, _ := m.Diagnostics()
	if len(collected) != 1 || collected[0] != got[0] {
		t.Errorf("collected = %v", collected)
	}
}

func TestRun(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	ctx := context.Background()
	reg := abi.NewRegistry()
	unary, _ := reg.FunctionType(abi.I32, abi.I32)

	double, err := tk.Bridge().Register(unary, func(_ context.Context, args []any) (any, error) {
		return args[0].(int32) * 2, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer double.Release(ctx)
	boom := fmt.Errorf("boom")
	failing, _ := tk.Bridge().Register(unary, func(context.Context, []any) (any, error) {
		return nil, boom
	})
	defer failing.Release(ctx)

	m := parse(t, tk, hostWat)
	add := parse(t, tk, addWat)

	res, err := add.Run(ctx, "add", []uint64{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0] != 5 {
		t.Errorf("add = %v, want [5]", res)
	}

	res, err = m.Run(ctx, "twice", []uint64{21}, Import{Module: "env", Name: "double", Entry: double})
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 42 {
		t.Errorf("twice = %d, want 42", res[0])
	}

	tests := []struct {
		name    string
		export  string
		args    []uint64
		imports []Import
		code    errors.TrapCode
		cause   error
	}{
		{"divide by zero", "div", []uint64{0}, nil, errors.TrapIntegerDivideByZero, nil},
		{"host error", "twice", []uint64{1}, []Import{{Module: "env", Name: "double", Entry: failing}}, errors.TrapHostTrapped, boom},
		{"unbound import", "missing", nil, []Import{{Module: "env", Name: "missing"}}, errors.TrapUninitializedTableElement, nil},
		{"unknown export", "nope", nil, nil, errors.TrapUnknownExport, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Run(ctx, tt.export, tt.args, tt.imports...)
			var trap *errors.TrapError
			if !errors.As(err, &trap) {
				t.Fatalf("err = %v, want trap", err)
			}
			if trap.Code != tt.code {
				t.Errorf("code = %s, want %s", trap.Code, tt.code)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("err = %v, want cause %v", err, tt.cause)
			}
			if !errors.Is(err, &errors.Error{Phase: errors.PhaseRun, Kind: errors.KindTrap}) {
				t.Errorf("trap does not match the run trap kind")
			}
		})
	}
	if failing.Err() != nil {
		t.Error("entry error was not taken by Run")
	}

	m.Destroy(ctx)
	add.Destroy(ctx)
	assertNoLeaks(t, nm)
}

func TestBridge_ManyEntries(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	ctx := context.Background()
	ft, _ := abi.NewRegistry().FunctionType(abi.Void, abi.U32)
	start := nm.Table().Size()

	scope := abi.NewScope()
	for i := 0; i < 10000; i++ {
		e, err := tk.Bridge().Register(ft, func(context.Context, []any) (any, error) { return nil, nil })
		if err != nil {
			t.Fatalf("Register #%d: %v", i, err)
		}
		scope.Add(e)
	}
	if got := nm.Table().Size(); got != start+10000 {
		t.Errorf("table size = %d, want %d", got, start+10000)
	}
	if err := scope.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if got := nm.Table().Size(); got != start {
		t.Errorf("table size after release = %d, want %d", got, start)
	}
}

func TestEmbedding(t *testing.T) {
	tk, nm := newToolkit(t, nil)
	ctx := context.Background()

	wasm, err := tk.Wat2Wasm(ctx, addWat, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(wasm, header) {
		t.Fatalf("wat2wasm = % x", wasm)
	}
	text, err := tk.Wasm2Wat(ctx, wasm, FlagsOf(DefaultFeatures))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "i32.add") {
		t.Errorf("wasm2wat:\n%s", text)
	}

	if _, err := tk.Wat2Wasm(ctx, "(modulex)", 0); !isDomain(err, errors.PhaseParse) {
		t.Errorf("bad text: %v", err)
	}
	if _, err := tk.Wasm2Wat(ctx, []byte("notwasm!"), 0); !isDomain(err, errors.PhaseRead) {
		t.Errorf("bad binary: %v", err)
	}
	if _, err := tk.Wat2Wasm(ctx, addWat, 1<<12); !errors.Is(err, &errors.Error{Phase: errors.PhaseEncode, Kind: errors.KindRange}) {
		t.Errorf("extraneous flag: %v", err)
	}
	assertNoLeaks(t, nm)
}

func TestFlagsOf(t *testing.T) {
	if got := FlagsOf(FeatureExceptions | FeatureGC); got != 1|1<<11 {
		t.Errorf("FlagsOf = %#x", got)
	}
	if got := FlagsOf(FeatureMemory64); got != 0 {
		t.Errorf("inexpressible proposal gave %#x", got)
	}
	if n := len(EmbeddingFlags.Flags); n != 12 {
		t.Errorf("embedding flags = %d", n)
	}
	if name := EmbeddingFlags.Flags[2].Name; name != "sat-float-to-int" {
		t.Errorf("flag 2 = %q", name)
	}
}
