package native

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/native/internal/binary"
)

// coreFeatures maps proposal flags onto the ones wazero understands.
// Proposals wazero lacks are left to the local validator.
func coreFeatures(f binary.Features) api.CoreFeatures {
	var cf api.CoreFeatures
	pairs := []struct {
		feature binary.Features
		core    api.CoreFeatures
	}{
		{binary.FeatureMutableGlobals, api.CoreFeatureMutableGlobal},
		{binary.FeatureSatFloatToInt, api.CoreFeatureNonTrappingFloatToIntConversion},
		{binary.FeatureSignExtension, api.CoreFeatureSignExtensionOps},
		{binary.FeatureMultiValue, api.CoreFeatureMultiValue},
		{binary.FeatureSIMD, api.CoreFeatureSIMD},
		{binary.FeatureThreads, experimental.CoreFeaturesThreads},
	}
	for _, p := range pairs {
		if f.Has(p.feature) {
			cf |= p.core
		}
	}
	// wazero switches bulk memory and reference types on together.
	if f.Has(binary.FeatureBulkMemory) || f.Has(binary.FeatureReferenceTypes) {
		cf |= api.CoreFeatureBulkMemoryOperations | api.CoreFeatureReferenceTypes
	}
	return cf
}

func newRuntime(ctx context.Context, f binary.Features) wazero.Runtime {
	cfg := wazero.NewRuntimeConfigInterpreter().
		WithCoreFeatures(coreFeatures(f)).
		WithCloseOnContextDone(true)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// compileCheck compiles mod with wazero, the last gate before a module is
// reported valid.
func compileCheck(ctx context.Context, mod *binary.Module, f binary.Features) *binary.Diagnostic {
	rt := newRuntime(ctx, f)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, binary.Encode(mod, binary.WriteOptions{CanonicalizeLEBs: true}))
	if err != nil {
		return &binary.Diagnostic{Message: err.Error()}
	}
	_ = compiled.Close(ctx)
	return nil
}

// wazero's runtime error messages, in match order.
var trapMessages = []struct {
	substr string
	code   errors.TrapCode
}{
	{"out of bounds memory access", errors.TrapMemoryAccessOutOfBounds},
	{"integer divide by zero", errors.TrapIntegerDivideByZero},
	{"integer overflow", errors.TrapIntegerOverflow},
	{"invalid conversion to integer", errors.TrapInvalidConversionToInteger},
	{"indirect call type mismatch", errors.TrapIndirectCallSignatureMismatch},
	{"invalid table access", errors.TrapUndefinedTableIndex},
	{"unreachable", errors.TrapUnreachable},
	{"stack overflow", errors.TrapCallStackExhausted},
}

// trapCode classifies a failed call. Host traps keep the code set by the
// import; errors that are not traps report false.
func trapCode(err error) (errors.TrapCode, bool) {
	var t *hostTrap
	if errors.As(err, &t) {
		return t.code, true
	}
	msg := err.Error()
	for _, tm := range trapMessages {
		if strings.Contains(msg, tm.substr) {
			return tm.code, true
		}
	}
	return 0, false
}

func valueSig(t api.ValueType) (byte, bool) {
	switch t {
	case api.ValueTypeI32:
		return 'i', true
	case api.ValueTypeI64:
		return 'j', true
	case api.ValueTypeF32:
		return 'f', true
	case api.ValueTypeF64:
		return 'd', true
	}
	return 0, false
}

// callSignature is the call table signature of a wasm function type: the
// result char ('v' for none) followed by one char per param.
func callSignature(params, results []api.ValueType) (string, bool) {
	if len(results) > 1 {
		return "", false
	}
	sig := []byte{'v'}
	if len(results) == 1 {
		c, ok := valueSig(results[0])
		if !ok {
			return "", false
		}
		sig[0] = c
	}
	for _, p := range params {
		c, ok := valueSig(p)
		if !ok {
			return "", false
		}
		sig = append(sig, c)
	}
	return string(sig), true
}

// hostTrap is the panic value of a failed host import. wazero recovers it
// and wraps it into the error of the call.
type hostTrap struct {
	code errors.TrapCode
	err  error
}

type interpImport struct {
	module string
	field  string
	index  uint32
}

type runRequest struct {
	export   string
	args     []uint64
	imports  []interpImport
	features binary.Features
}

func (m *Module) readRequest(addr uint32) runRequest {
	l := interpRequestLayout
	req := runRequest{
		export:   m.acc.CString(m.acc.LoadU32(addr + l.off("export"))),
		features: m.readFeatures(m.acc.LoadU32(addr + l.off("features"))),
	}
	args := m.acc.LoadU32(addr + l.off("args"))
	for i := range m.acc.LoadU32(addr + l.off("nargs")) {
		req.args = append(req.args, m.acc.LoadU64(args+i*8))
	}
	imports := m.acc.LoadU32(addr + l.off("imports"))
	for i := range m.acc.LoadU32(addr + l.off("nimports")) {
		item := imports + i*interpImportLayout.size
		req.imports = append(req.imports, interpImport{
			module: m.acc.CString(m.acc.LoadU32(item + interpImportLayout.off("module"))),
			field:  m.acc.CString(m.acc.LoadU32(item + interpImportLayout.off("field"))),
			index:  m.acc.LoadU32(item + interpImportLayout.off("func")),
		})
	}
	return req
}

func (m *Module) registerInterp() {
	m.define("wabt_interp_run", 2, func(ctx context.Context, args []uint64) ([]uint64, error) {
		o, err := m.moduleAt(arg32(args, 0))
		if err != nil {
			return nil, err
		}
		reqAddr := arg32(args, 1)
		req := m.readRequest(reqAddr)
		results, code, err := m.run(ctx, o.mod, req)
		if err != nil {
			return nil, err
		}

		l := interpRequestLayout
		out := m.acc.LoadU32(reqAddr + l.off("results"))
		capacity := m.acc.LoadU32(reqAddr + l.off("results_cap"))
		m.acc.StoreU32(reqAddr+l.off("nresults"), uint32(len(results)))
		for i, r := range results {
			if uint32(i) >= capacity {
				break
			}
			m.acc.StoreU64(out+uint32(i)*8, r)
		}
		m.log.Debug("run", zap.String("export", req.export), zap.Stringer("result", code))
		return word(uint32(code)), nil
	})
}

// run instantiates mod in a fresh interpreter and calls one export. Function
// imports resolve to call table entries; imports left unbound trap when
// called.
func (m *Module) run(ctx context.Context, mod *binary.Module, req runRequest) ([]uint64, errors.TrapCode, error) {
	rt := newRuntime(ctx, req.features)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, binary.Encode(mod, binary.WriteOptions{CanonicalizeLEBs: true}))
	if err != nil {
		return nil, 0, fmt.Errorf("compile: %w", err)
	}

	bound := make(map[string]uint32, len(req.imports))
	for _, imp := range req.imports {
		bound[imp.module+"\x00"+imp.field] = imp.index
	}

	hosts := make(map[string]wazero.HostModuleBuilder)
	var order []string
	for _, def := range compiled.ImportedFunctions() {
		modName, field, _ := def.Import()
		if modName == "" {
			return nil, 0, fmt.Errorf("import %q has an empty module name", field)
		}
		b, ok := hosts[modName]
		if !ok {
			b = rt.NewHostModuleBuilder(modName)
			hosts[modName] = b
			order = append(order, modName)
		}
		params, results := def.ParamTypes(), def.ResultTypes()
		index, isBound := bound[modName+"\x00"+field]
		b.NewFunctionBuilder().
			WithGoModuleFunction(m.hostImport(modName+"."+field, index, isBound, params, results), params, results).
			Export(field)
	}
	for _, name := range order {
		if _, err := hosts[name].Instantiate(ctx); err != nil {
			return nil, 0, fmt.Errorf("instantiate imports %q: %w", name, err)
		}
	}

	inst, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		if code, ok := trapCode(err); ok {
			return nil, code, nil
		}
		return nil, 0, fmt.Errorf("instantiate: %w", err)
	}

	fn := inst.ExportedFunction(req.export)
	if fn == nil {
		if _, ok := exportNamed(mod, req.export); ok {
			return nil, errors.TrapExportKindMismatch, nil
		}
		return nil, errors.TrapUnknownExport, nil
	}
	def := fn.Definition()
	if len(req.args) != len(def.ParamTypes()) {
		return nil, errors.TrapArgumentTypeMismatch, nil
	}

	results, err := fn.Call(ctx, req.args...)
	if err != nil {
		if code, ok := trapCode(err); ok {
			return nil, code, nil
		}
		return nil, 0, fmt.Errorf("call %s: %w", req.export, err)
	}
	return results, errors.TrapOK, nil
}

func exportNamed(mod *binary.Module, name string) (binary.Export, bool) {
	for _, ex := range mod.Exports {
		if ex.Name == name {
			return ex, true
		}
	}
	return binary.Export{}, false
}

func (t *hostTrap) Error() string {
	if t.err == nil {
		return t.code.String()
	}
	return t.code.String() + ": " + t.err.Error()
}

func (t *hostTrap) Unwrap() error { return t.err }

func (m *Module) hostImport(name string, index uint32, bound bool, params, results []api.ValueType) api.GoModuleFunc {
	sig, sigOK := callSignature(params, results)
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		if !bound {
			panic(&hostTrap{code: errors.TrapUninitializedTableElement, err: fmt.Errorf("import %s is not bound", name)})
		}
		fn, have, ok := m.table.Get(index)
		if !ok {
			panic(&hostTrap{code: errors.TrapUndefinedTableIndex, err: fmt.Errorf("import %s: no function at table index %d", name, index)})
		}
		if !sigOK || have != sig {
			panic(&hostTrap{code: errors.TrapIndirectCallSignatureMismatch,
				err: fmt.Errorf("import %s: table index %d has signature %q, want %q", name, index, have, sig)})
		}
		out, err := fn(ctx, append([]uint64(nil), stack[:len(params)]...))
		if err != nil {
			panic(&hostTrap{code: errors.TrapHostTrapped, err: err})
		}
		if len(out) != len(results) {
			panic(&hostTrap{code: errors.TrapHostResultTypeMismatch,
				err: fmt.Errorf("import %s returned %d results, want %d", name, len(out), len(results))})
		}
		copy(stack, out)
	}
}
