// Package engine runs a libwabt build compiled to WebAssembly on wazero and
// exposes it as a wabtgo.Module.
//
// # Architecture
//
//	WazeroEngine - owns the wazero runtime and the WASI host module
//	Instance     - one instantiated libwabt guest: exports, memory and call table
//
// # Function Pointers
//
// Callbacks the guest receives as function pointers (for example the
// on_error hook of an errors object) live in a host-side call table. The
// guest dispatches through emscripten-style trampolines imported from the
// env module:
//
//	invoke_<sig>(index, args...) -> result
//
// where sig is the machine signature: the result char ('v' for none)
// followed by one char per parameter, i32 'i', i64 'j', f32 'f', f64 'd'.
// Table().Add only accepts signatures the guest imports a trampoline for,
// plus any listed in Config.Signatures.
//
// # Other Imports
//
// WASI preview1 imports resolve to wazero's implementation, with stdout and
// stderr taken from Config. emscripten_notify_memory_growth is a no-op and
// emscripten_memcpy_big copies within guest memory. Any other import
// resolves to a stub that fails the call when reached.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use. Instance is NOT thread-safe; a
// libwabt guest runs one operation at a time.
//
// # Context Cancellation
//
// With Config.CloseOnContextDone the runtime closes a guest whose context
// is cancelled mid-call. The instance is unusable afterwards; this is
// abandonment, not cancellation.
package engine
