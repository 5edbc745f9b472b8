package native

import (
	"context"
	"fmt"

	"github.com/wippyai/wabt-go/native/internal/binary"
	"github.com/wippyai/wabt-go/native/internal/text"
)

// retArea is the static result of the embedding exports: a u8 tag (0 ok,
// 1 err) at +0 and a ptr/len payload at +4 and +8. The payload is owned by
// the caller and freed with canonical_abi_free.
const (
	retArea     = 16
	retAreaSize = 12
)

// Embedding feature flags, bit i enabling the i-th proposal.
var embeddingFeatures = []binary.Features{
	binary.FeatureExceptions,
	binary.FeatureMutableGlobals,
	binary.FeatureSatFloatToInt,
	binary.FeatureSignExtension,
	binary.FeatureSIMD,
	binary.FeatureThreads,
	binary.FeatureMultiValue,
	binary.FeatureTailCall,
	binary.FeatureBulkMemory,
	binary.FeatureReferenceTypes,
	binary.FeatureAnnotations,
	binary.FeatureGC,
}

// embeddingFlags enables the flagged proposals on top of the defaults.
func embeddingFlags(flags uint32) binary.Features {
	f := binary.DefaultFeatures
	for i, feature := range embeddingFeatures {
		if flags&(1<<i) != 0 {
			f |= feature
		}
	}
	return f
}

func (m *Module) setRet(isErr bool, payload []byte) ([]uint64, error) {
	ptr, err := m.allocBytes(payload)
	if err != nil {
		return nil, err
	}
	var tag uint8
	if isErr {
		tag = 1
	}
	m.acc.Zero(retArea, retAreaSize)
	m.acc.StoreU8(retArea, tag)
	m.acc.StoreU32(retArea+4, ptr)
	m.acc.StoreU32(retArea+8, uint32(len(payload)))
	return word(retArea), nil
}

func (m *Module) registerEmbedding() {
	// wat2wasm(ptr, len, features) -> ret area (ok: list<u8>, err: string)
	m.define("wat2wasm", 3, func(_ context.Context, args []uint64) ([]uint64, error) {
		src := m.acc.Bytes(arg32(args, 0), arg32(args, 1))
		mod, err := text.Parse(src, embeddingFlags(arg32(args, 2)))
		if err != nil {
			msg := text.FormatDiagnostics("", src, []*binary.Diagnostic{asDiagnostic(err)})
			return m.setRet(true, []byte(msg))
		}
		out := binary.Encode(mod, binary.WriteOptions{
			CanonicalizeLEBs: true,
			Relocatable:      true,
			WriteDebugNames:  true,
		})
		return m.setRet(false, out)
	})

	// wasm2wat(ptr, len, features) -> ret area (ok: string, err: string)
	m.define("wasm2wat", 3, func(_ context.Context, args []uint64) ([]uint64, error) {
		data := m.acc.Bytes(arg32(args, 0), arg32(args, 1))
		mod, err := binary.Decode(data, binary.ReadOptions{Features: embeddingFlags(arg32(args, 2))})
		if err != nil {
			msg := text.FormatDiagnostics(binaryFilename, nil, []*binary.Diagnostic{asDiagnostic(err)})
			return m.setRet(true, []byte(msg))
		}
		return m.setRet(false, []byte(text.Write(mod, text.WriteOptions{})))
	})

	m.define("canonical_abi_realloc", 4, func(_ context.Context, args []uint64) ([]uint64, error) {
		size := arg32(args, 3)
		addr, err := m.heap.realloc(arg32(args, 0), size)
		if err != nil {
			return nil, err
		}
		if addr == 0 && size != 0 {
			return nil, fmt.Errorf("canonical_abi_realloc: out of memory allocating %d bytes", size)
		}
		return word(addr), nil
	})
	m.define("canonical_abi_free", 3, func(_ context.Context, args []uint64) ([]uint64, error) {
		return nil, m.heap.release(arg32(args, 0))
	})
}
