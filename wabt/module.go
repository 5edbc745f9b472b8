package wabt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wabt-go/abi"
	"github.com/wippyai/wabt-go/errors"
)

// ExportKind is the external kind of an export.
type ExportKind uint8

const (
	ExportFunc ExportKind = iota
	ExportTable
	ExportMemory
	ExportGlobal
	ExportTag
)

var exportKindNames = [...]string{"func", "table", "memory", "global", "tag"}

func (k ExportKind) String() string {
	if int(k) < len(exportKindNames) {
		return exportKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Export is one entry of a module's export section.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// Counts summarizes a module's sections.
type Counts struct {
	Imports uint32
	Funcs   uint32
	Types   uint32
	Exports uint32
}

// Module is a parsed or read module owned by the host. It must be
// destroyed; Toolkit.Close destroys the modules left.
type Module struct {
	tk       *Toolkit
	handle   *abi.Value
	errs     *abi.Value
	lexer    *abi.Value
	features Features
	released bool
}

// Handle returns the view of the module struct.
func (m *Module) Handle() *abi.Value { return m.handle }

// Features returns the proposals the module was parsed or read with.
func (m *Module) Features() Features { return m.features }

// Diagnostics returns every diagnostic collected for the module so far.
func (m *Module) Diagnostics() ([]Diagnostic, error) {
	if err := m.check(errors.PhaseDecode); err != nil {
		return nil, err
	}
	return diagnostics(m.errs), nil
}

func (m *Module) check(phase errors.Phase) error {
	if m.released {
		return errors.Released(phase, "module")
	}
	return m.tk.check(phase)
}

func (m *Module) arg() (uint64, error) {
	return abi.Arg(m.handle, m.tk.ty.module)
}

// Validate checks the module against features. Validation errors are
// returned as a domain error carrying the formatted diagnostics.
func (m *Module) Validate(ctx context.Context, features Features) error {
	if err := m.check(errors.PhaseValidate); err != nil {
		return err
	}
	t := m.tk
	scope := abi.NewScope()
	defer t.closeScope(ctx, scope, "validate")

	feats, err := t.newFeatures(ctx, features)
	if err != nil {
		return err
	}
	scope.Add(feats)
	mod, err := m.arg()
	if err != nil {
		return err
	}
	code, err := t.heap.Call32(ctx, "wabt_validate_module", mod, uint64(feats.Address()), uint64(m.errs.Address()))
	if err != nil {
		return err
	}
	if code != resultOK {
		return errors.Domain(errors.PhaseValidate, "validate", t.format(ctx, m.errs, m.lexer))
	}
	return nil
}

// GenerateNames gives every unnamed function, local and other entity a
// generated name.
func (m *Module) GenerateNames(ctx context.Context) error {
	return m.names(ctx, "wabt_generate_names_module", "generateNames")
}

// ApplyNames replaces index references with the names of their targets.
func (m *Module) ApplyNames(ctx context.Context) error {
	return m.names(ctx, "wabt_apply_names_module", "applyNames")
}

func (m *Module) names(ctx context.Context, export, op string) error {
	if err := m.check(errors.PhaseWrite); err != nil {
		return err
	}
	mod, err := m.arg()
	if err != nil {
		return err
	}
	code, err := m.tk.heap.Call32(ctx, export, mod)
	if err != nil {
		return err
	}
	if code != resultOK {
		return errors.Domain(errors.PhaseWrite, op, "")
	}
	return nil
}

// TextOptions configures ToText.
type TextOptions struct {
	// FoldExprs writes instructions as folded s-expressions.
	FoldExprs bool
	// InlineExport writes exports inline in their definitions.
	InlineExport bool
}

// ToText writes the module as WebAssembly text.
func (m *Module) ToText(ctx context.Context, opts *TextOptions) (string, error) {
	if err := m.check(errors.PhaseWrite); err != nil {
		return "", err
	}
	if opts == nil {
		opts = &TextOptions{}
	}
	mod, err := m.arg()
	if err != nil {
		return "", err
	}
	out, _, err := m.write(ctx, "toText", "wabt_write_text_module", false,
		mod, boolWord(opts.FoldExprs), boolWord(opts.InlineExport))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// BinaryOptions configures ToBinary. A nil *BinaryOptions selects
// CanonicalizeLEBs only.
type BinaryOptions struct {
	// Log returns a log of the writer's progress in BinaryResult.Log.
	Log bool
	// CanonicalizeLEBs writes every LEB128 in its shortest form.
	CanonicalizeLEBs bool
	// Relocatable emits relocation sections.
	Relocatable bool
	// WriteDebugNames writes the name section.
	WriteDebugNames bool
}

// BinaryResult is the output of ToBinary.
type BinaryResult struct {
	Buffer []byte
	Log    string
}

// ToBinary writes the module as a WebAssembly binary.
func (m *Module) ToBinary(ctx context.Context, opts *BinaryOptions) (*BinaryResult, error) {
	if err := m.check(errors.PhaseWrite); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &BinaryOptions{CanonicalizeLEBs: true}
	}
	mod, err := m.arg()
	if err != nil {
		return nil, err
	}
	out, log, err := m.write(ctx, "toBinary", "wabt_write_binary_module", opts.Log,
		mod, boolWord(opts.Log), boolWord(opts.CanonicalizeLEBs), boolWord(opts.Relocatable), boolWord(opts.WriteDebugNames))
	if err != nil {
		return nil, err
	}
	return &BinaryResult{Buffer: out, Log: string(log)}, nil
}

// write calls a writer export and copies its output, and its log when
// withLog is set, out of the write result.
func (m *Module) write(ctx context.Context, op, export string, withLog bool, args ...uint64) (out, log []byte, err error) {
	t := m.tk
	scope := abi.NewScope()
	defer t.closeScope(ctx, scope, op)

	addr, err := t.heap.Call32(ctx, export, args...)
	if err != nil {
		return nil, nil, err
	}
	res := abi.Acquire(scope, t.heap.Adopt(t.ty.writeResult, addr))
	if loadU32(res, "result") != resultOK {
		return nil, nil, errors.Domain(errors.PhaseWrite, op, "")
	}

	bufAddr, err := t.heap.Call32(ctx, "wabt_write_module_result_release_output_buffer", uint64(res.Address()))
	if err != nil {
		return nil, nil, err
	}
	out = t.bufferBytes(abi.Acquire(scope, t.heap.Adopt(t.ty.outputBuffer, bufAddr)))
	if withLog {
		logAddr, err := t.heap.Call32(ctx, "wabt_write_module_result_release_log_output_buffer", uint64(res.Address()))
		if err != nil {
			return nil, nil, err
		}
		log = t.bufferBytes(abi.Acquire(scope, t.heap.Adopt(t.ty.outputBuffer, logAddr)))
	}
	t.log.Debug("write", zap.String("op", op), zap.Int("size", len(out)))
	return out, log, nil
}

// Exports lists the module's exports in section order.
func (m *Module) Exports(ctx context.Context) ([]Export, error) {
	if err := m.check(errors.PhaseDecode); err != nil {
		return nil, err
	}
	n := loadU32(m.handle, "exports_count")
	if n == 0 {
		return nil, nil
	}
	items := m.handle.Field("exports")
	out := make([]Export, n)
	for i := range out {
		item := items.Index(uint32(i))
		ex := Export{
			Kind:  ExportKind(loadU32(item, "kind")),
			Index: loadU32(item, "index"),
		}
		if size := loadU32(item, "name_len"); size > 0 {
			name, err := item.Field("name").Word()
			if err != nil {
				return nil, err
			}
			ex.Name = string(m.tk.heap.WrapArray(abi.U8, uint32(name), size).Bytes())
		}
		out[i] = ex
	}
	return out, nil
}

// Counts returns the number of imports, functions, types and exports.
func (m *Module) Counts() (Counts, error) {
	if err := m.check(errors.PhaseDecode); err != nil {
		return Counts{}, err
	}
	return Counts{
		Imports: loadU32(m.handle, "imports_count"),
		Funcs:   loadU32(m.handle, "funcs_count"),
		Types:   loadU32(m.handle, "types_count"),
		Exports: loadU32(m.handle, "exports_count"),
	}, nil
}

// Destroy releases the module, then its error collector and the lexer and
// source the collector holds. Later calls are no-ops.
func (m *Module) Destroy(ctx context.Context) error {
	if m.released {
		return nil
	}
	m.released = true
	delete(m.tk.modules, m)
	return m.handle.Release(ctx)
}
