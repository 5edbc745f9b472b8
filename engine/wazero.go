package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/table"
)

const (
	wasiModule = "wasi_snapshot_preview1"

	// reactorInit is the initializer of modules built as WASI reactors.
	reactorInit = "_initialize"
)

// Config holds configuration for engine creation
type Config struct {
	// Stdout and Stderr receive the guest's WASI output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// Signatures lists call table signatures accepted by Table().Add in
	// addition to the guest's invoke_<sig> imports.
	Signatures []string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// TableLimit bounds the host call table. 0 leaves it unbounded.
	TableLimit uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	EnableThreads bool

	// CloseOnContextDone closes a guest whose call context is cancelled.
	CloseOnContextDone bool
}

// WazeroEngine loads libwabt guests. Each instance gets its own runtime so
// that its env host module can bind to its call table; compiled code is
// shared through a compilation cache.
type WazeroEngine struct {
	cache     wazero.CompilationCache
	instances map[*Instance]struct{}
	cfg       Config
	mu        sync.Mutex
	closed    bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(_ context.Context, cfg *Config) (*WazeroEngine, error) {
	e := &WazeroEngine{
		cache:     wazero.NewCompilationCache(),
		instances: make(map[*Instance]struct{}),
	}
	if cfg != nil {
		e.cfg = *cfg
	}
	for _, sig := range e.cfg.Signatures {
		if err := checkSignature(sig); err != nil {
			return nil, errors.InvalidInput(errors.PhaseLoad, err.Error())
		}
	}
	return e, nil
}

func (e *WazeroEngine) runtimeConfig() wazero.RuntimeConfig {
	rc := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(e.cfg.CloseOnContextDone)
	if e.cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	if e.cfg.EnableThreads {
		rc = rc.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
	}
	return rc
}

// Load compiles and instantiates a libwabt guest.
func (e *WazeroEngine) Load(ctx context.Context, wasm []byte) (*Instance, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errors.Released(errors.PhaseLoad, "engine")
	}

	rt := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	inst, err := e.instantiate(ctx, rt, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	e.mu.Lock()
	e.instances[inst] = struct{}{}
	e.mu.Unlock()
	return inst, nil
}

func (e *WazeroEngine) instantiate(ctx context.Context, rt wazero.Runtime, wasm []byte) (*Instance, error) {
	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	if len(compiled.ExportedMemories()) == 0 {
		return nil, errors.Load("module exports no memory", nil)
	}

	inst := &Instance{
		engine:    e,
		runtime:   rt,
		table:     table.New(e.cfg.TableLimit),
		sigs:      make(map[string]bool),
		funcCache: make(map[string]api.Function),
		log:       Logger(),
	}
	for _, sig := range e.cfg.Signatures {
		inst.sigs[sig] = true
	}
	inst.table.Subscribe(inst)

	if err := inst.linkImports(ctx, compiled); err != nil {
		return nil, err
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()
	if e.cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(e.cfg.Stdout)
	}
	if e.cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(e.cfg.Stderr)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	inst.module = mod
	inst.memory = mod.Memory()

	if init := mod.ExportedFunction(reactorInit); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindTrap, err, reactorInit)
		}
	}
	inst.log.Debug("instantiated",
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Strings("signatures", inst.Signatures()))
	return inst, nil
}

// Close closes every instance loaded by the engine and the compilation
// cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	instances := make([]*Instance, 0, len(e.instances))
	for inst := range e.instances {
		instances = append(instances, inst)
	}
	e.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *WazeroEngine) forget(inst *Instance) {
	e.mu.Lock()
	delete(e.instances, inst)
	e.mu.Unlock()
}

// Instance is a running libwabt guest.
// It is NOT safe for concurrent use from multiple goroutines.
type Instance struct {
	engine    *WazeroEngine
	runtime   wazero.Runtime
	module    api.Module
	memory    api.Memory
	table     *table.CallTable
	sigs      map[string]bool
	funcCache map[string]api.Function
	log       *zap.Logger
	closed    bool
}

var _ wabtgo.Module = (*Instance)(nil)

// Memory returns the guest's linear memory.
func (i *Instance) Memory() wabtgo.Memory { return i.memory }

// Table returns the call table the guest's trampolines dispatch through.
func (i *Instance) Table() wabtgo.CallTable { return &guardedTable{CallTable: i.table, sigs: i.sigs} }

// Signatures returns the accepted call table signatures in sorted order.
func (i *Instance) Signatures() []string {
	sigs := make([]string, 0, len(i.sigs))
	for sig := range i.sigs {
		sigs = append(sigs, sig)
	}
	slices.Sort(sigs)
	return sigs
}

// Exports returns the names of the guest's exported functions in sorted
// order.
func (i *Instance) Exports() []string {
	if i.module == nil {
		return nil
	}
	defs := i.module.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (i *Instance) exportedFunction(name string) api.Function {
	if fn, ok := i.funcCache[name]; ok {
		return fn
	}
	fn := i.module.ExportedFunction(name)
	if fn != nil {
		i.funcCache[name] = fn
	}
	return fn
}

// Call invokes an exported function with machine word arguments.
func (i *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if i.closed {
		return nil, errors.Released(errors.PhaseCall, "instance")
	}
	fn := i.exportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseCall, "export", name)
	}
	if want := len(fn.Definition().ParamTypes()); want != len(args) {
		return nil, errors.New(errors.PhaseCall, errors.KindTypeMismatch).
			Path(name).
			Expected(fmt.Sprintf("%d arguments", want)).
			Actual(fmt.Sprintf("%d", len(args))).
			Build()
	}
	debugf("call %s %v", name, args)
	return fn.Call(ctx, args...)
}

// Close releases the guest and its runtime. Calls after Close fail.
func (i *Instance) Close(ctx context.Context) error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.engine.forget(i)
	_ = i.table.Close()
	i.funcCache = nil
	i.memory = nil
	i.module = nil
	return i.runtime.Close(ctx)
}

// OnTableEvent logs call table changes.
func (i *Instance) OnTableEvent(ev table.Event) {
	switch ev.Type {
	case table.EventAdded:
		i.log.Debug("table add", zap.Uint32("index", ev.Index), zap.String("sig", ev.Signature))
	case table.EventRemoved:
		i.log.Debug("table remove", zap.Uint32("index", ev.Index), zap.String("sig", ev.Signature))
	}
}

// guardedTable rejects signatures the guest has no trampoline for.
type guardedTable struct {
	*table.CallTable
	sigs map[string]bool
}

func (t *guardedTable) Add(sig string, fn wabtgo.TableFunc) (uint32, error) {
	if !t.sigs[sig] {
		return 0, errors.New(errors.PhaseHost, errors.KindUnsupported).
			Value(sig).
			Detail("guest has no invoke_%s trampoline", sig).
			Build()
	}
	return t.CallTable.Add(sig, fn)
}

func (i *Instance) linkImports(ctx context.Context, compiled wazero.CompiledModule) error {
	hosts := make(map[string]wazero.HostModuleBuilder)
	var order []string
	needWASI := false

	for _, def := range compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		if modName == wasiModule {
			needWASI = true
			continue
		}
		fn, err := i.resolveImport(modName, name, def.ParamTypes(), def.ResultTypes())
		if err != nil {
			return err
		}
		b, ok := hosts[modName]
		if !ok {
			b = i.runtime.NewHostModuleBuilder(modName)
			hosts[modName] = b
			order = append(order, modName)
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn, def.ParamTypes(), def.ResultTypes()).
			WithName(name).
			Export(name)
	}

	if needWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, i.runtime); err != nil {
			return errors.Load("instantiate WASI", err)
		}
	}
	for _, name := range order {
		if _, err := hosts[name].Instantiate(ctx); err != nil {
			return errors.Load(fmt.Sprintf("instantiate host module %q", name), err)
		}
	}
	return nil
}
