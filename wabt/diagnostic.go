package wabt

import (
	"fmt"

	"github.com/wippyai/wabt-go/abi"
)

// Level is the severity of a diagnostic.
type Level uint32

const (
	LevelWarning Level = iota
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// NoOffset is the Offset of a diagnostic about text input.
const NoOffset = ^uint32(0)

// Diagnostic is one entry of an error collector.
type Diagnostic struct {
	Message     string
	Level       Level
	Line        uint32
	FirstColumn uint32
	LastColumn  uint32
	// Offset is the byte offset into binary input, or NoOffset.
	Offset uint32
}

func (d Diagnostic) String() string {
	if d.Offset != NoOffset {
		return fmt.Sprintf("%07x: %s: %s", d.Offset, d.Level, d.Message)
	}
	return fmt.Sprintf("%d:%d: %s: %s", d.Line, d.FirstColumn, d.Level, d.Message)
}

func loadU32(v *abi.Value, field string) uint32 {
	n, err := v.Field(field).Uint()
	if err != nil {
		return 0
	}
	return uint32(n)
}

// decodeDiagnostic reads an error struct.
func decodeDiagnostic(item *abi.Value) Diagnostic {
	d := Diagnostic{
		Level:       Level(loadU32(item, "level")),
		Line:        loadU32(item, "line"),
		FirstColumn: loadU32(item, "first_column"),
		LastColumn:  loadU32(item, "last_column"),
		Offset:      loadU32(item, "offset"),
	}
	if msg, err := item.Field("message").Deref(); err == nil && msg != nil {
		d.Message = msg.CString()
	}
	return d
}

// diagnostics reads every entry of an errors struct.
func diagnostics(errs *abi.Value) []Diagnostic {
	n := loadU32(errs, "count")
	if n == 0 {
		return nil
	}
	items := errs.Field("items")
	out := make([]Diagnostic, n)
	for i := range out {
		out[i] = decodeDiagnostic(items.Index(uint32(i)))
	}
	return out
}
