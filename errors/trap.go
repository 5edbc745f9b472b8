package errors

import (
	"fmt"
)

// TrapCode is the result code reported by the interpreter's run entry point.
type TrapCode uint32

const (
	TrapOK TrapCode = iota
	TrapReturned
	TrapMemoryAccessOutOfBounds
	TrapIntegerOverflow
	TrapIntegerDivideByZero
	TrapInvalidConversionToInteger
	TrapUndefinedTableIndex
	TrapUninitializedTableElement
	TrapUnreachable
	TrapIndirectCallSignatureMismatch
	TrapCallStackExhausted
	TrapValueStackExhausted
	TrapHostResultTypeMismatch
	TrapHostTrapped
	TrapArgumentTypeMismatch
	TrapUnknownExport
	TrapExportKindMismatch
)

var trapNames = [...]string{
	TrapOK:                            "ok",
	TrapReturned:                      "returned",
	TrapMemoryAccessOutOfBounds:       "out of bounds memory access",
	TrapIntegerOverflow:               "integer overflow",
	TrapIntegerDivideByZero:           "integer divide by zero",
	TrapInvalidConversionToInteger:    "invalid conversion to integer",
	TrapUndefinedTableIndex:           "undefined table index",
	TrapUninitializedTableElement:     "uninitialized table element",
	TrapUnreachable:                   "unreachable executed",
	TrapIndirectCallSignatureMismatch: "indirect call signature mismatch",
	TrapCallStackExhausted:            "call stack exhausted",
	TrapValueStackExhausted:           "value stack exhausted",
	TrapHostResultTypeMismatch:        "host result type mismatch",
	TrapHostTrapped:                   "host function trapped",
	TrapArgumentTypeMismatch:          "argument type mismatch",
	TrapUnknownExport:                 "unknown export",
	TrapExportKindMismatch:            "export kind mismatch",
}

// String returns the interpreter's printable name for the code.
func (c TrapCode) String() string {
	if int(c) < len(trapNames) {
		return trapNames[c]
	}
	return fmt.Sprintf("unknown result %d", uint32(c))
}

// Success reports whether the code denotes normal completion.
func (c TrapCode) Success() bool {
	return c == TrapOK || c == TrapReturned
}

// TrapError is returned when a run finishes with a non-success code.
type TrapError struct {
	Cause  error
	Export string
	Code   TrapCode
}

func (e *TrapError) Error() string {
	msg := "trap: " + e.Code.String()
	if e.Export != "" {
		msg = fmt.Sprintf("%s: %s", e.Export, msg)
	}
	if e.Cause != nil {
		msg += " (caused by: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *TrapError) Unwrap() error {
	return e.Cause
}

// Is matches another *TrapError with the same code, or the generic run trap
// error (&Error{Phase: PhaseRun, Kind: KindTrap}).
func (e *TrapError) Is(target error) bool {
	switch t := target.(type) {
	case *TrapError:
		return t.Code == e.Code
	case *Error:
		return t.Phase == PhaseRun && t.Kind == KindTrap
	}
	return false
}

// Trap creates a TrapError for code. It returns nil for success codes.
func Trap(export string, code TrapCode, cause error) error {
	if code.Success() {
		return nil
	}
	return &TrapError{Export: export, Code: code, Cause: cause}
}
