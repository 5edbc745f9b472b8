package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wabt-go/errors"
)

const (
	envModule     = "env"
	invokePrefix  = "invoke_"
	notifyGrowth  = "emscripten_notify_memory_growth"
	memcpyBig     = "emscripten_memcpy_big"
	memcpyJS      = "emscripten_memcpy_js"
	resizeHeap    = "emscripten_resize_heap"
	wasmPageBytes = 65536
)

// sigValueTypes maps signature chars to wasm value types.
var sigValueTypes = map[byte]api.ValueType{
	'i': api.ValueTypeI32,
	'j': api.ValueTypeI64,
	'f': api.ValueTypeF32,
	'd': api.ValueTypeF64,
}

func checkSignature(sig string) error {
	if len(sig) == 0 {
		return fmt.Errorf("empty call signature")
	}
	if sig[0] != 'v' {
		if _, ok := sigValueTypes[sig[0]]; !ok {
			return fmt.Errorf("call signature %q: bad result %q", sig, sig[0])
		}
	}
	for i := 1; i < len(sig); i++ {
		if _, ok := sigValueTypes[sig[i]]; !ok {
			return fmt.Errorf("call signature %q: bad parameter %q", sig, sig[i])
		}
	}
	return nil
}

// trampolineTypes returns the wasm type of invoke_<sig>: the table index
// followed by the signature's parameters.
func trampolineTypes(sig string) (params, results []api.ValueType) {
	params = []api.ValueType{api.ValueTypeI32}
	for i := 1; i < len(sig); i++ {
		params = append(params, sigValueTypes[sig[i]])
	}
	if sig[0] != 'v' {
		results = []api.ValueType{sigValueTypes[sig[0]]}
	}
	return params, results
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (i *Instance) resolveImport(modName, name string, params, results []api.ValueType) (api.GoModuleFunc, error) {
	if modName == envModule {
		switch {
		case strings.HasPrefix(name, invokePrefix):
			return i.trampoline(name, params, results)
		case name == notifyGrowth:
			return func(context.Context, api.Module, []uint64) {}, nil
		case name == memcpyBig || name == memcpyJS:
			if len(params) == 3 {
				return memcpy, nil
			}
		case name == resizeHeap:
			if len(params) == 1 && len(results) == 1 {
				return resize, nil
			}
		}
	}
	return unresolved(modName + "." + name), nil
}

func (i *Instance) trampoline(name string, params, results []api.ValueType) (api.GoModuleFunc, error) {
	sig := strings.TrimPrefix(name, invokePrefix)
	if err := checkSignature(sig); err != nil {
		return nil, errors.Load("import env."+name, err)
	}
	wantParams, wantResults := trampolineTypes(sig)
	if !sameTypes(params, wantParams) || !sameTypes(results, wantResults) {
		return nil, errors.Load("import env."+name,
			fmt.Errorf("type (%v) -> (%v) does not match signature %q", params, results, sig))
	}
	i.sigs[sig] = true
	n := len(params) - 1

	return func(ctx context.Context, _ api.Module, stack []uint64) {
		index := uint32(stack[0])
		out, err := i.table.Call(ctx, index, sig, append([]uint64(nil), stack[1:1+n]...))
		if err != nil {
			panic(errors.Wrap(errors.PhaseHost, errors.KindTrap, err, name))
		}
		if len(out) != len(results) {
			panic(errors.New(errors.PhaseHost, errors.KindTypeMismatch).
				Path(name).
				Expected(fmt.Sprintf("%d results", len(results))).
				Actual(fmt.Sprintf("%d", len(out))).
				Build())
		}
		copy(stack, out)
	}, nil
}

func memcpy(_ context.Context, mod api.Module, stack []uint64) {
	dst, src, n := uint32(stack[0]), uint32(stack[1]), uint32(stack[2])
	mem := mod.Memory()
	data, ok := mem.Read(src, n)
	if !ok || !mem.Write(dst, append([]byte(nil), data...)) {
		panic(errors.OutOfBounds(max(src, dst), n, mem.Size()))
	}
	if len(stack) > 0 {
		stack[0] = uint64(dst)
	}
}

// resize grows memory to hold at least the requested byte size and reports
// 1 on success.
func resize(_ context.Context, mod api.Module, stack []uint64) {
	want := uint64(uint32(stack[0]))
	mem := mod.Memory()
	stack[0] = 0
	have := uint64(mem.Size())
	if want <= have {
		stack[0] = 1
		return
	}
	delta := (want - have + wasmPageBytes - 1) / wasmPageBytes
	if _, ok := mem.Grow(uint32(delta)); ok {
		stack[0] = 1
	}
}

func unresolved(name string) api.GoModuleFunc {
	return func(context.Context, api.Module, []uint64) {
		panic(errors.New(errors.PhaseHost, errors.KindNotFound).
			Detail("unresolved import %s called", name).
			Build())
	}
}
