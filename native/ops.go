package native

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wabt-go/native/internal/binary"
	"github.com/wippyai/wabt-go/native/internal/text"
)

// Result codes.
const (
	resultOK    = 0
	resultError = 1
)

func flag(args []uint64, i int) bool { return uint32(args[i]) != 0 }

func (m *Module) registerOps() {
	m.define("wabt_parse_wat", 3, m.parseWat)
	m.define("wabt_read_binary", 5, m.readBinary)
	m.define("wabt_validate_module", 3, m.validateModule)
	m.define("wabt_generate_names_module", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		o, err := m.moduleAt(arg32(args, 0))
		if err != nil {
			return nil, err
		}
		o.mod.GenerateNames()
		return word(resultOK), nil
	})
	m.define("wabt_apply_names_module", 1, func(_ context.Context, args []uint64) ([]uint64, error) {
		o, err := m.moduleAt(arg32(args, 0))
		if err != nil {
			return nil, err
		}
		o.mod.ApplyNames()
		return word(resultOK), nil
	})
	m.define("wabt_write_text_module", 3, m.writeText)
	m.define("wabt_write_binary_module", 5, m.writeBinary)
}

// parseWat(lexer, features, errors) -> parse_wat_result
func (m *Module) parseWat(ctx context.Context, args []uint64) ([]uint64, error) {
	lexer, features, errs := arg32(args, 0), arg32(args, 1), arg32(args, 2)
	filename, src := m.lexerSource(lexer)

	res, err := m.mallocz(parseWatResultLayout.size)
	if err != nil {
		return nil, err
	}
	mod, perr := text.Parse(src, m.readFeatures(features))
	if perr != nil {
		m.log.Debug("parse failed", zap.String("filename", filename), zap.Error(perr))
		m.acc.StoreU32(res+parseWatResultLayout.off("result"), resultError)
		return word(res), m.report(ctx, errs, asDiagnostic(perr))
	}
	addr, err := m.newModule(mod)
	if err != nil {
		return nil, err
	}
	m.acc.StoreU32(res+parseWatResultLayout.off("result"), resultOK)
	m.acc.StoreU32(res+parseWatResultLayout.off("module"), addr)
	return word(res), nil
}

// readBinary(data, size, read_debug_names, features, errors) -> read_binary_result
//
// A failed read still yields the partially read module.
func (m *Module) readBinary(ctx context.Context, args []uint64) ([]uint64, error) {
	data := m.acc.Bytes(arg32(args, 0), arg32(args, 1))
	opts := binary.ReadOptions{
		Features:       m.readFeatures(arg32(args, 3)),
		ReadDebugNames: flag(args, 2),
	}
	errs := arg32(args, 4)

	res, err := m.mallocz(readBinaryResultLayout.size)
	if err != nil {
		return nil, err
	}
	mod, derr := binary.Decode(data, opts)
	addr, err := m.newModule(mod)
	if err != nil {
		return nil, err
	}
	m.acc.StoreU32(res+readBinaryResultLayout.off("module"), addr)
	if derr != nil {
		m.log.Debug("read failed", zap.Int("size", len(data)), zap.Error(derr))
		m.acc.StoreU32(res+readBinaryResultLayout.off("result"), resultError)
		return word(res), m.report(ctx, errs, asDiagnostic(derr))
	}
	m.acc.StoreU32(res+readBinaryResultLayout.off("result"), resultOK)
	return word(res), nil
}

// validateModule(module, features, errors) -> result
func (m *Module) validateModule(ctx context.Context, args []uint64) ([]uint64, error) {
	o, err := m.moduleAt(arg32(args, 0))
	if err != nil {
		return nil, err
	}
	f := m.readFeatures(arg32(args, 1))
	diags := o.mod.Validate(f)
	if len(diags) == 0 {
		if d := compileCheck(ctx, o.mod, f); d != nil {
			diags = append(diags, d)
		}
	}
	if len(diags) == 0 {
		return word(resultOK), nil
	}
	return word(resultError), m.report(ctx, arg32(args, 2), diags...)
}

func (m *Module) newWriteResult(out, log []byte) (uint32, error) {
	res, err := m.mallocz(writeResultLayout.size)
	if err != nil {
		return 0, err
	}
	buf, err := m.newOutputBuffer(out)
	if err != nil {
		return 0, err
	}
	m.acc.StoreU32(res+writeResultLayout.off("result"), resultOK)
	m.acc.StoreU32(res+writeResultLayout.off("output_buffer"), buf)
	if log != nil {
		logBuf, err := m.newOutputBuffer(log)
		if err != nil {
			return 0, err
		}
		m.acc.StoreU32(res+writeResultLayout.off("log_output_buffer"), logBuf)
	}
	return res, nil
}

// writeText(module, fold_exprs, inline_export) -> write_module_result
func (m *Module) writeText(_ context.Context, args []uint64) ([]uint64, error) {
	o, err := m.moduleAt(arg32(args, 0))
	if err != nil {
		return nil, err
	}
	out := text.Write(o.mod, text.WriteOptions{FoldExprs: flag(args, 1), InlineExport: flag(args, 2)})
	res, err := m.newWriteResult([]byte(out), nil)
	return word(res), err
}

// writeBinary(module, log, canonicalize_lebs, relocatable, write_debug_names) -> write_module_result
func (m *Module) writeBinary(_ context.Context, args []uint64) ([]uint64, error) {
	o, err := m.moduleAt(arg32(args, 0))
	if err != nil {
		return nil, err
	}
	opts := binary.WriteOptions{
		CanonicalizeLEBs: flag(args, 2),
		Relocatable:      flag(args, 3),
		WriteDebugNames:  flag(args, 4),
	}
	var log *bytes.Buffer
	if flag(args, 1) {
		log = &bytes.Buffer{}
		opts.Log = log
	}
	out := binary.Encode(o.mod, opts)

	var logBytes []byte
	if log != nil {
		logBytes = log.Bytes()
		if logBytes == nil {
			logBytes = []byte{}
		}
	}
	res, err := m.newWriteResult(out, logBytes)
	return word(res), err
}
