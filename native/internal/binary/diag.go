package binary

import "fmt"

// Loc locates an item in its source: a byte offset for binary input, or a
// line and column range for text. Lines and columns start at 1.
type Loc struct {
	Offset int
	Line   int
	Col    int
	EndCol int
}

// IsText reports whether the location refers to text source.
func (l Loc) IsText() bool { return l.Line > 0 }

func (l Loc) String() string {
	if l.IsText() {
		return fmt.Sprintf("%d:%d", l.Line, l.Col)
	}
	return fmt.Sprintf("%07x", l.Offset)
}

// Diagnostic is one problem found while reading, parsing or validating a
// module.
type Diagnostic struct {
	Message string
	Loc     Loc
	Warning bool
}

func (d *Diagnostic) Level() string {
	if d.Warning {
		return "warning"
	}
	return "error"
}

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("%s: %s: %s", d.Loc, d.Level(), d.Message)
}

// Errorf creates an error diagnostic at loc.
func Errorf(loc Loc, format string, args ...any) *Diagnostic {
	return &Diagnostic{Loc: loc, Message: fmt.Sprintf(format, args...)}
}
