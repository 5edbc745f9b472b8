// Package wabt drives a wasm build of the WebAssembly Binary Toolkit
// through its exported C API: parsing text, reading binaries, validating,
// writing text and binary output and running exports in its interpreter.
//
// A Toolkit binds to one module instance. Its struct descriptors are
// defined once, from the layout queries the build exports, and every
// operation marshals its arguments into the instance's linear memory,
// calls the entry point and copies the result out before the scratch
// allocations are released.
//
// Failures the toolkit reports about its input (a syntax error, an
// invalid module) are returned as errors of kind errors.KindDomain whose
// detail carries the formatted diagnostics, with file:line:col
// locations for text input. Allocator failures and use of released
// handles are fatal and propagate as panics; see errors.Fatal.
//
// A Toolkit and its Modules are not safe for concurrent use. The module
// instance runs one call at a time and callers must serialize access.
//
//	tk, err := wabt.New(ctx, native.New(nil), nil)
//	if err != nil {
//		return err
//	}
//	defer tk.Close(ctx)
//
//	m, err := tk.ParseWat(ctx, "add.wat", src, wabt.DefaultFeatures)
//	if err != nil {
//		return err
//	}
//	defer m.Destroy(ctx)
//
//	out, err := m.ToBinary(ctx, nil)
package wabt
