// Package errors provides structured error types for the marshalling layer.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). The Error type carries the field path, the printable forms of the
// expected and actual types, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEncode, errors.KindRange).
//		Path("features").
//		Expected("u16").
//		Actual("0x10000").
//		Detail("flags have extraneous bits set").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.TypeMismatch(errors.PhaseCall, nil, "*errors", "*lexer")
//	err := errors.Domain(errors.PhaseParse, "parseWat", msg)
//
// Two classes of failure exist. Recoverable errors (type mismatch, range,
// domain, trap) are returned. Fatal errors (allocation failure, out of bounds
// memory access, use after free) are raised with Fatal and travel as a panic
// carrying *Error; deferred cleanup still runs along the way. AsFatal
// identifies them at a process boundary.
//
// Interpreter results are reported as *TrapError with a distinct TrapCode.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
