// Package native is an in-process module instance exposing the libwabt
// export surface: a first-fit allocator, struct layout queries and the
// parse, read, validate, write and run entry points, all working on a
// Go-owned linear memory.
//
// It is a drop-in wabtgo.Module for tests and for hosts that have no
// libwabt.wasm build at hand. Every exchange with the caller goes through
// linear memory and machine words, exactly as with a compiled module:
// structs are laid out by C rules for wasm32 and published through
// wabt_sizeof_<struct> and wabt_offsetof_<struct>_<field> exports, result
// codes are 0 for OK and 1 for ERROR, and ownership of returned structs
// passes to the caller, who releases them through the matching
// wabt_destroy_* export.
//
// The interpreter entry point compiles the module with wazero's interpreter
// and binds its function imports to entries of the instance's call table.
package native
