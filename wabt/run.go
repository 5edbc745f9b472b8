package wabt

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/wippyai/wabt-go/abi"
	"github.com/wippyai/wabt-go/errors"
)

// maxResults bounds the results a Run can return.
const maxResults = 16

// Import binds a function import of the module to a registered host
// function. A nil Entry leaves the import unbound; calling it traps.
type Import struct {
	Entry  *abi.Entry
	Module string
	Name   string
}

// Run instantiates the module in the toolkit's interpreter and calls
// export with args as raw machine words. A trap is returned as an
// *errors.TrapError; when a host import trapped, its cause is the error
// the host function returned.
func (m *Module) Run(ctx context.Context, export string, args []uint64, imports ...Import) ([]uint64, error) {
	if err := m.check(errors.PhaseRun); err != nil {
		return nil, err
	}
	t := m.tk
	scope := abi.NewScope()
	defer t.closeScope(ctx, scope, "run")

	mod, err := m.arg()
	if err != nil {
		return nil, err
	}
	imports = slices.DeleteFunc(slices.Clone(imports), func(imp Import) bool { return imp.Entry == nil })
	feats, err := t.newFeatures(ctx, m.features)
	if err != nil {
		return nil, err
	}
	scope.Add(feats)

	req := abi.Acquire(scope, t.heap.Allocate(ctx, t.ty.interpRequest))
	name := abi.Acquire(scope, t.heap.AllocateCString(ctx, export))
	results := abi.Acquire(scope, t.heap.AllocateArray(ctx, abi.U64, maxResults))

	var argv *abi.Value
	if len(args) > 0 {
		argv = abi.Acquire(scope, t.heap.AllocateArray(ctx, abi.U64, uint32(len(args))))
		for i, a := range args {
			if err := argv.Index(uint32(i)).SetWord(a); err != nil {
				return nil, err
			}
		}
	}
	var table *abi.Value
	if len(imports) > 0 {
		table = abi.Acquire(scope, t.heap.AllocateArray(ctx, t.ty.interpImport, uint32(len(imports))))
		for i, imp := range imports {
			if err := t.storeImport(ctx, scope, table.Index(uint32(i)), imp); err != nil {
				return nil, err
			}
		}
	}

	fields := []struct {
		name string
		x    any
	}{
		{"export", name},
		{"args", argv},
		{"nargs", uint32(len(args))},
		{"results", results},
		{"results_cap", uint32(maxResults)},
		{"imports", table},
		{"nimports", uint32(len(imports))},
		{"features", feats},
	}
	for _, f := range fields {
		if err := req.Store(f.name, f.x); err != nil {
			return nil, err
		}
	}

	code, err := t.heap.Call32(ctx, "wabt_interp_run", mod, uint64(req.Address()))
	if err != nil {
		return nil, err
	}
	var cause error
	for _, imp := range imports {
		if err := imp.Entry.TakeErr(); err != nil && cause == nil {
			cause = err
		}
	}
	if trap := errors.Trap(export, errors.TrapCode(code), cause); trap != nil {
		t.log.Debug("run trapped", zap.String("export", export), zap.Stringer("code", errors.TrapCode(code)))
		return nil, trap
	}

	n := loadU32(req, "nresults")
	if n > maxResults {
		return nil, errors.New(errors.PhaseRun, errors.KindRange).
			Path(export).
			Expected("at most 16 results").
			Value(n).
			Build()
	}
	out := make([]uint64, n)
	for i := range out {
		w, err := results.Index(uint32(i)).Word()
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func (t *Toolkit) storeImport(ctx context.Context, scope *abi.Scope, item *abi.Value, imp Import) error {
	mod := abi.Acquire(scope, t.heap.AllocateCString(ctx, imp.Module))
	field := abi.Acquire(scope, t.heap.AllocateCString(ctx, imp.Name))
	if err := item.Store("module", mod); err != nil {
		return err
	}
	if err := item.Store("field", field); err != nil {
		return err
	}
	return item.Store("func", imp.Entry.Index())
}
