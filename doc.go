// Package wabtgo bridges Go callers and a WebAssembly toolkit compiled to a
// flat-address-space module.
//
// The toolkit (a wasm build of wabt, or the in-process native implementation)
// exposes exported functions that take machine words, a linear memory and an
// indirect call table. This module reads, writes and invokes values living in
// that memory while presenting ordinary Go values to callers.
//
// # Architecture Overview
//
//	wabtgo/           Boundary interfaces: Memory, Module, CallTable
//	├── errors/       Structured error taxonomy, fatal errors, trap codes
//	├── memory/       Typed, bounds-checked linear memory accessor
//	├── table/        Slot table backing indirect call tables
//	├── abi/          Type descriptors, value handles, heap, callback bridge, scopes
//	├── wabt/         Facade: ParseWat, ReadWasm, Module.ToText/ToBinary/Validate/Run
//	├── engine/       wazero-backed Module for a libwabt.wasm build
//	├── native/       In-process implementation of the libwabt export surface
//	└── cmd/wabt/     Command line front end
//
// # Quick Start
//
//	mod, err := native.New(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tk, err := wabt.New(ctx, mod, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	m, err := tk.ParseWat(ctx, "test.wast", []byte("(module)"), wabt.DefaultFeatures())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Destroy(ctx)
//
//	out, err := m.ToBinary(ctx, nil)
//	fmt.Printf("% x\n", out.Bytes) // 00 61 73 6d 01 00 00 00
//
// # Ownership
//
// Every value handle either owns the memory it points at or is a view of
// memory owned elsewhere. Owning handles must be released; release is
// idempotent. Facade operations release every scratch handle they allocate on
// all exit paths, including fatal ones.
//
// # Thread Safety
//
// A module instance's linear memory and call table are not safe for concurrent
// mutation. Callers must serialize operations per instance. Type descriptors
// hold no addresses and are shared freely.
package wabtgo
