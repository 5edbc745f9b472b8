package wabt

import (
	"context"

	"go.uber.org/zap"

	wabtgo "github.com/wippyai/wabt-go"
	"github.com/wippyai/wabt-go/abi"
	"github.com/wippyai/wabt-go/errors"
)

// Result codes of the module's entry points.
const (
	resultOK    = 0
	resultError = 1
)

// Toolkit runs toolkit operations against one module instance.
type Toolkit struct {
	mod     wabtgo.Module
	heap    *abi.Heap
	bridge  *abi.Bridge
	ty      *types
	log     *zap.Logger
	onDiag  *abi.Entry
	embed   *embedding
	modules map[*Module]struct{}
	closed  bool
}

// New binds a toolkit to mod. It defines the toolkit's struct descriptors
// from the layout queries mod exports.
func New(ctx context.Context, mod wabtgo.Module, cfg *Config) (*Toolkit, error) {
	if mod == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "nil module")
	}
	log := cfg.logger()
	var prefix string
	var debug bool
	if cfg != nil {
		prefix, debug = cfg.LayoutPrefix, cfg.Debug
	}

	ty, err := defineTypes(ctx, cfg.registry(), abi.NewExportedLayout(mod, prefix))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "define struct layouts")
	}
	heap := abi.NewHeap(mod, &abi.HeapConfig{Logger: log, Debug: debug})
	t := &Toolkit{
		mod:     mod,
		heap:    heap,
		bridge:  abi.NewBridge(heap),
		ty:      ty,
		log:     log,
		modules: make(map[*Module]struct{}),
	}

	if cfg != nil && cfg.OnDiagnostic != nil {
		cb := cfg.OnDiagnostic
		t.onDiag, err = t.bridge.Register(ty.onError, func(_ context.Context, args []any) (any, error) {
			addr, _ := args[0].(uint32)
			cb(decodeDiagnostic(t.heap.Wrap(t.ty.errorItem, addr)))
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
	log.Debug("toolkit ready", zap.Uint32("module_size", ty.module.Size()))
	return t, nil
}

// Heap returns the heap the toolkit allocates from.
func (t *Toolkit) Heap() *abi.Heap { return t.heap }

// Bridge returns the bridge host functions are registered through, for
// use as Run imports.
func (t *Toolkit) Bridge() *abi.Bridge { return t.bridge }

// Close destroys every module still alive and releases the diagnostic
// callback. The instance itself is left to its owner.
func (t *Toolkit) Close(ctx context.Context) error {
	if t.closed {
		return nil
	}
	var errs []error
	for m := range t.modules {
		if err := m.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.onDiag.Release(ctx); err != nil {
		errs = append(errs, err)
	}
	t.closed = true
	return errors.Join(errs...)
}

func (t *Toolkit) check(phase errors.Phase) error {
	if t.closed {
		return errors.Released(phase, "toolkit")
	}
	return nil
}

// closeScope releases a scope, logging what could not be released.
func (t *Toolkit) closeScope(ctx context.Context, s *abi.Scope, op string) {
	if err := s.Close(ctx); err != nil {
		t.log.Warn("scratch release failed", zap.String("op", op), zap.Error(err))
	}
}

// newFeatures allocates a features struct holding f.
func (t *Toolkit) newFeatures(ctx context.Context, f Features) (*abi.Value, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	addr, err := t.heap.Call32(ctx, "wabt_new_features")
	if err != nil {
		return nil, err
	}
	v := t.heap.Adopt(t.ty.features, addr)
	if v == nil {
		errors.Fatal(errors.AllocationFailed(t.ty.features.Size()))
	}
	for i, name := range FeatureNames {
		if err := v.Store(name, f.Has(1<<i)); err != nil {
			_ = v.Release(ctx)
			return nil, err
		}
	}
	return v, nil
}

// newLexer creates a lexer over copies of filename and src. The lexer owns
// both copies.
func (t *Toolkit) newLexer(ctx context.Context, filename string, src []byte) (*abi.Value, error) {
	name := t.heap.AllocateCString(ctx, filename)
	buf := t.heap.AllocateBytes(ctx, src)
	addr, err := t.heap.Call32(ctx, "wabt_new_wast_buffer_lexer",
		uint64(name.Address()), uint64(buf.Address()), uint64(len(src)))
	if err != nil || addr == 0 {
		_ = errors.Join(buf.Release(ctx), name.Release(ctx))
		if err == nil {
			errors.Fatal(errors.AllocationFailed(t.ty.lexer.Size()))
		}
		return nil, err
	}
	return t.heap.Adopt(t.ty.lexer, addr).Attach(name, buf), nil
}

// newErrors creates an error collector wired to the diagnostic callback.
func (t *Toolkit) newErrors(ctx context.Context) (*abi.Value, error) {
	addr, err := t.heap.Call32(ctx, "wabt_new_errors")
	if err != nil {
		return nil, err
	}
	v := t.heap.Adopt(t.ty.errors, addr)
	if v == nil {
		errors.Fatal(errors.AllocationFailed(t.ty.errors.Size()))
	}
	if t.onDiag != nil {
		if err := v.Store("on_error", t.onDiag); err != nil {
			_ = v.Release(ctx)
			return nil, err
		}
	}
	return v, nil
}

// format renders the collected diagnostics. With a lexer they are
// formatted as text errors with source lines, otherwise as binary errors.
func (t *Toolkit) format(ctx context.Context, errs, lexer *abi.Value) string {
	var (
		addr uint32
		err  error
	)
	if lexer != nil {
		addr, err = t.heap.Call32(ctx, "wabt_format_text_errors", uint64(errs.Address()), uint64(lexer.Address()))
	} else {
		addr, err = t.heap.Call32(ctx, "wabt_format_binary_errors", uint64(errs.Address()))
	}
	if err != nil {
		t.log.Warn("format errors failed", zap.Error(err))
		return err.Error()
	}
	buf := t.heap.Adopt(t.ty.outputBuffer, addr)
	defer buf.Release(ctx)
	return string(t.bufferBytes(buf))
}

// bufferBytes copies the contents of an output buffer.
func (t *Toolkit) bufferBytes(buf *abi.Value) []byte {
	if buf == nil {
		return nil
	}
	size := loadU32(buf, "size")
	if size == 0 {
		return []byte{}
	}
	data, err := buf.Field("data").Word()
	if err != nil {
		return nil
	}
	return t.heap.WrapArray(abi.U8, uint32(data), size).Bytes()
}

// ParseWat parses WebAssembly text. filename names the source in
// diagnostics. A syntax error is returned as a domain error whose detail
// holds the formatted diagnostics.
func (t *Toolkit) ParseWat(ctx context.Context, filename string, source []byte, features Features) (*Module, error) {
	if err := t.check(errors.PhaseParse); err != nil {
		return nil, err
	}
	scope := abi.NewScope()
	defer t.closeScope(ctx, scope, "parseWat")

	feats, err := t.newFeatures(ctx, features)
	if err != nil {
		return nil, err
	}
	scope.Add(feats)
	lexer, err := t.newLexer(ctx, filename, source)
	if err != nil {
		return nil, err
	}
	scope.Add(lexer)
	errs, err := t.newErrors(ctx)
	if err != nil {
		return nil, err
	}
	scope.Add(errs)

	addr, err := t.heap.Call32(ctx, "wabt_parse_wat",
		uint64(lexer.Address()), uint64(feats.Address()), uint64(errs.Address()))
	if err != nil {
		return nil, err
	}
	res := t.heap.Adopt(t.ty.parseResult, addr)
	if res == nil {
		errors.Fatal(errors.AllocationFailed(t.ty.parseResult.Size()))
	}
	scope.Add(res)
	if loadU32(res, "result") != resultOK {
		msg := t.format(ctx, errs, lexer)
		t.log.Debug("parse failed", zap.String("filename", filename))
		return nil, errors.Domain(errors.PhaseParse, "parseWat", msg)
	}

	modAddr, err := t.heap.Call32(ctx, "wabt_parse_wat_result_release_module", uint64(res.Address()))
	if err != nil {
		return nil, err
	}
	scope.Keep(errs)
	scope.Keep(lexer)
	errs.Attach(lexer)
	return t.adopt(modAddr, errs, lexer, features), nil
}

// ReadOptions configures ReadWasm. A nil *ReadOptions reads with the
// default features and checks the result.
type ReadOptions struct {
	Features Features
	// ReadDebugNames reads the name section into the module.
	ReadDebugNames bool
	// NoCheck returns the partially read module when reading fails instead
	// of an error.
	NoCheck bool
}

// ReadWasm reads a WebAssembly binary.
func (t *Toolkit) ReadWasm(ctx context.Context, data []byte, opts *ReadOptions) (*Module, error) {
	if err := t.check(errors.PhaseRead); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ReadOptions{Features: DefaultFeatures}
	}
	scope := abi.NewScope()
	defer t.closeScope(ctx, scope, "readWasm")

	feats, err := t.newFeatures(ctx, opts.Features)
	if err != nil {
		return nil, err
	}
	scope.Add(feats)
	buf := abi.Acquire(scope, t.heap.AllocateBytes(ctx, data))
	errs, err := t.newErrors(ctx)
	if err != nil {
		return nil, err
	}
	scope.Add(errs)

	addr, err := t.heap.Call32(ctx, "wabt_read_binary",
		uint64(buf.Address()), uint64(len(data)), boolWord(opts.ReadDebugNames),
		uint64(feats.Address()), uint64(errs.Address()))
	if err != nil {
		return nil, err
	}
	res := t.heap.Adopt(t.ty.readResult, addr)
	if res == nil {
		errors.Fatal(errors.AllocationFailed(t.ty.readResult.Size()))
	}
	scope.Add(res)
	if loadU32(res, "result") != resultOK && !opts.NoCheck {
		msg := t.format(ctx, errs, nil)
		t.log.Debug("read failed", zap.Int("size", len(data)))
		return nil, errors.Domain(errors.PhaseRead, "readWasm", msg)
	}

	modAddr, err := t.heap.Call32(ctx, "wabt_read_binary_result_release_module", uint64(res.Address()))
	if err != nil {
		return nil, err
	}
	scope.Keep(errs)
	return t.adopt(modAddr, errs, nil, opts.Features), nil
}

// adopt takes ownership of a module struct. The module owns errs, which
// owns the lexer if any.
func (t *Toolkit) adopt(addr uint32, errs, lexer *abi.Value, features Features) *Module {
	h := t.heap.Adopt(t.ty.module, addr)
	if h == nil {
		_ = errs.Release(context.Background())
		errors.Fatal(errors.AllocationFailed(t.ty.module.Size()))
	}
	h.Attach(errs)
	m := &Module{tk: t, handle: h, errs: errs, lexer: lexer, features: features}
	t.modules[m] = struct{}{}
	return m
}

func boolWord(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
