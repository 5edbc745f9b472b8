package native

import (
	"context"
	"fmt"

	"github.com/wippyai/wabt-go/errors"
	"github.com/wippyai/wabt-go/native/internal/binary"
	"github.com/wippyai/wabt-go/native/internal/text"
)

// Error levels as stored in the error struct.
const (
	levelWarning = 0
	levelError   = 1
)

// noOffset marks the offset of a text diagnostic.
const noOffset = ^uint32(0)

// binaryFilename names binary input in formatted diagnostics.
const binaryFilename = "<binary>"

// errorsObj mirrors collected diagnostics into the errors struct so the
// caller can inspect them without a format call.
type errorsObj struct {
	diags    []*binary.Diagnostic
	messages []uint32
	items    uint32
}

// moduleObj is a module owned by the caller through its struct address.
type moduleObj struct {
	mod     *binary.Module
	names   []uint32
	exports uint32
}

func (m *Module) readFeatures(addr uint32) binary.Features {
	if addr == 0 {
		return binary.DefaultFeatures
	}
	var f binary.Features
	for i, name := range binary.FeatureNames {
		if m.acc.LoadU8(addr+featuresLayout.off(name)) != 0 {
			f |= 1 << i
		}
	}
	return f
}

func (m *Module) writeFeatures(addr uint32, f binary.Features) {
	for i, name := range binary.FeatureNames {
		var b uint8
		if f.Has(1 << i) {
			b = 1
		}
		m.acc.StoreU8(addr+featuresLayout.off(name), b)
	}
}

func (m *Module) errorsAt(addr uint32) (*errorsObj, error) {
	e, ok := m.errors[addr]
	if !ok {
		return nil, fmt.Errorf("no errors object at %#x", addr)
	}
	return e, nil
}

func (m *Module) moduleAt(addr uint32) (*moduleObj, error) {
	o, ok := m.modules[addr]
	if !ok {
		return nil, fmt.Errorf("no module at %#x", addr)
	}
	return o, nil
}

// report appends diags to the collector at addr, refreshes its mirror and
// invokes the collector's on_error callback for each new entry.
func (m *Module) report(ctx context.Context, addr uint32, diags ...*binary.Diagnostic) error {
	if len(diags) == 0 {
		return nil
	}
	e, err := m.errorsAt(addr)
	if err != nil {
		return err
	}
	first := len(e.diags)
	e.diags = append(e.diags, diags...)
	if err := m.mirrorErrors(addr, e); err != nil {
		return err
	}

	cb := m.acc.LoadU32(addr + errorsLayout.off("on_error"))
	if cb == 0 {
		return nil
	}
	for i := first; i < len(e.diags); i++ {
		item := e.items + uint32(i)*errorLayout.size
		if _, err := m.table.Call(ctx, cb, "vi", []uint64{uint64(item)}); err != nil {
			return fmt.Errorf("on_error callback: %w", err)
		}
	}
	return nil
}

func (m *Module) mirrorErrors(addr uint32, e *errorsObj) error {
	m.freeAll(e.messages...)
	m.freeAll(e.items)
	e.messages, e.items = nil, 0

	items, err := m.mallocz(uint32(len(e.diags)) * errorLayout.size)
	if err != nil {
		return err
	}
	e.items = items
	for i, d := range e.diags {
		msg, err := m.allocCString(d.Message)
		if err != nil {
			return err
		}
		e.messages = append(e.messages, msg)

		item := items + uint32(i)*errorLayout.size
		level := uint32(levelError)
		if d.Warning {
			level = levelWarning
		}
		offset := uint32(d.Loc.Offset)
		if d.Loc.IsText() {
			offset = noOffset
		}
		m.acc.StoreU32(item+errorLayout.off("level"), level)
		m.acc.StoreU32(item+errorLayout.off("line"), uint32(d.Loc.Line))
		m.acc.StoreU32(item+errorLayout.off("first_column"), uint32(d.Loc.Col))
		m.acc.StoreU32(item+errorLayout.off("last_column"), uint32(d.Loc.EndCol))
		m.acc.StoreU32(item+errorLayout.off("offset"), offset)
		m.acc.StoreU32(item+errorLayout.off("message"), msg)
	}
	m.acc.StoreU32(addr+errorsLayout.off("count"), uint32(len(e.diags)))
	m.acc.StoreU32(addr+errorsLayout.off("items"), items)
	return nil
}

// newModule hands mod to the caller as a module struct.
func (m *Module) newModule(mod *binary.Module) (uint32, error) {
	addr, err := m.mallocz(moduleLayout.size)
	if err != nil {
		return 0, err
	}
	o := &moduleObj{mod: mod}
	m.modules[addr] = o

	exports, err := m.mallocz(uint32(len(mod.Exports)) * exportLayout.size)
	if err != nil {
		return 0, err
	}
	o.exports = exports
	for i, ex := range mod.Exports {
		name, err := m.allocCString(ex.Name)
		if err != nil {
			return 0, err
		}
		o.names = append(o.names, name)
		item := exports + uint32(i)*exportLayout.size
		m.acc.StoreU32(item+exportLayout.off("name"), name)
		m.acc.StoreU32(item+exportLayout.off("name_len"), uint32(len(ex.Name)))
		m.acc.StoreU8(item+exportLayout.off("kind"), uint8(ex.Kind))
		m.acc.StoreU32(item+exportLayout.off("index"), ex.Index)
	}
	m.acc.StoreU32(addr+moduleLayout.off("exports_count"), uint32(len(mod.Exports)))
	m.acc.StoreU32(addr+moduleLayout.off("exports"), exports)
	m.acc.StoreU32(addr+moduleLayout.off("imports_count"), uint32(len(mod.Imports)))
	m.acc.StoreU32(addr+moduleLayout.off("funcs_count"), mod.NumFuncs())
	m.acc.StoreU32(addr+moduleLayout.off("types_count"), uint32(len(mod.Types)))
	return addr, nil
}

func (m *Module) destroyModule(addr uint32) error {
	o, err := m.moduleAt(addr)
	if err != nil {
		return err
	}
	delete(m.modules, addr)
	m.freeAll(o.names...)
	m.freeAll(o.exports)
	return m.heap.release(addr)
}

// newOutputBuffer copies b into an output_buffer struct.
func (m *Module) newOutputBuffer(b []byte) (uint32, error) {
	data, err := m.allocBytes(b)
	if err != nil {
		return 0, err
	}
	addr, err := m.mallocz(outputBufferLayout.size)
	if err != nil {
		m.freeAll(data)
		return 0, err
	}
	m.acc.StoreU32(addr+outputBufferLayout.off("data"), data)
	m.acc.StoreU32(addr+outputBufferLayout.off("size"), uint32(len(b)))
	return addr, nil
}

func (m *Module) destroyOutputBuffer(addr uint32) error {
	if addr == 0 {
		return nil
	}
	m.freeAll(m.acc.LoadU32(addr + outputBufferLayout.off("data")))
	return m.heap.release(addr)
}

// release reads and clears a pointer field, passing ownership to the
// caller.
func (m *Module) release(addr, off uint32) uint32 {
	v := m.acc.LoadU32(addr + off)
	m.acc.StoreU32(addr+off, 0)
	return v
}

// lexerSource reads the filename and buffer a lexer struct points to.
func (m *Module) lexerSource(addr uint32) (string, []byte) {
	var filename string
	if p := m.acc.LoadU32(addr + lexerLayout.off("filename")); p != 0 {
		filename = m.acc.CString(p)
	}
	data := m.acc.LoadU32(addr + lexerLayout.off("data"))
	size := m.acc.LoadU32(addr + lexerLayout.off("size"))
	return filename, m.acc.Bytes(data, size)
}

func asDiagnostic(err error) *binary.Diagnostic {
	var d *binary.Diagnostic
	if errors.As(err, &d) {
		return d
	}
	return &binary.Diagnostic{Message: err.Error()}
}

func (m *Module) registerObjects() {
	m.define("wabt_new_features", 0, func(context.Context, []uint64) ([]uint64, error) {
		addr, err := m.mallocz(featuresLayout.size)
		if err != nil {
			return nil, err
		}
		m.writeFeatures(addr, binary.DefaultFeatures)
		return word(addr), nil
	})
	m.define("wabt_destroy_features", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return nil, m.heap.release(arg32(args, 0))
	})

	m.define("wabt_new_wast_buffer_lexer", 3, func(_ context.Context, args []uint64) ([]uint64, error) {
		addr, err := m.mallocz(lexerLayout.size)
		if err != nil {
			return nil, err
		}
		m.acc.StoreU32(addr+lexerLayout.off("filename"), arg32(args, 0))
		m.acc.StoreU32(addr+lexerLayout.off("data"), arg32(args, 1))
		m.acc.StoreU32(addr+lexerLayout.off("size"), arg32(args, 2))
		return word(addr), nil
	})
	m.define("wabt_destroy_wast_lexer", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return nil, m.heap.release(arg32(args, 0))
	})

	m.define("wabt_new_errors", 0, func(context.Context, []uint64) ([]uint64, error) {
		addr, err := m.mallocz(errorsLayout.size)
		if err != nil {
			return nil, err
		}
		m.errors[addr] = &errorsObj{}
		return word(addr), nil
	})
	m.define("wabt_destroy_errors", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		addr := arg32(args, 0)
		e, err := m.errorsAt(addr)
		if err != nil {
			return nil, err
		}
		delete(m.errors, addr)
		m.freeAll(e.messages...)
		m.freeAll(e.items)
		return nil, m.heap.release(addr)
	})
	m.define("wabt_format_text_errors", 2, func(_ context.Context, args []uint64) ([]uint64, error) {
		e, err := m.errorsAt(arg32(args, 0))
		if err != nil {
			return nil, err
		}
		var out string
		if lexer := arg32(args, 1); lexer != 0 {
			filename, src := m.lexerSource(lexer)
			out = text.FormatDiagnostics(filename, src, e.diags)
		} else {
			out = text.FormatDiagnostics("", nil, e.diags)
		}
		buf, err := m.newOutputBuffer([]byte(out))
		return word(buf), err
	})
	m.define("wabt_format_binary_errors", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		e, err := m.errorsAt(arg32(args, 0))
		if err != nil {
			return nil, err
		}
		buf, err := m.newOutputBuffer([]byte(text.FormatDiagnostics(binaryFilename, nil, e.diags)))
		return word(buf), err
	})

	m.define("wabt_destroy_output_buffer", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return nil, m.destroyOutputBuffer(arg32(args, 0))
	})
	m.define("wabt_destroy_module", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return nil, m.destroyModule(arg32(args, 0))
	})

	for _, l := range []*cStruct{parseWatResultLayout, readBinaryResultLayout} {
		off := l.off("module")
		m.define("wabt_"+l.name+"_release_module", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
			return word(m.release(arg32(args, 0), off)), nil
		})
		m.define("wabt_destroy_"+l.name, 1, func(_ context.Context, args []uint64) ([]uint64, error) {
			addr := arg32(args, 0)
			if mod := m.acc.LoadU32(addr + off); mod != 0 {
				if err := m.destroyModule(mod); err != nil {
					return nil, err
				}
			}
			return nil, m.heap.release(addr)
		})
	}

	out := writeResultLayout.off("output_buffer")
	logOut := writeResultLayout.off("log_output_buffer")
	m.define("wabt_write_module_result_release_output_buffer", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return word(m.release(arg32(args, 0), out)), nil
	})
	m.define("wabt_write_module_result_release_log_output_buffer", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		return word(m.release(arg32(args, 0), logOut)), nil
	})
	m.define("wabt_destroy_write_module_result", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		addr := arg32(args, 0)
		for _, off := range []uint32{out, logOut} {
			if err := m.destroyOutputBuffer(m.acc.LoadU32(addr + off)); err != nil {
				return nil, err
			}
		}
		return nil, m.heap.release(addr)
	})
}
