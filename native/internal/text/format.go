package text

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/wippyai/wabt-go/native/internal/binary"
)

// FormatDiagnostics renders diagnostics against text source: each entry
// names the file position and is followed by the offending source line with
// a caret under the reported range.
func FormatDiagnostics(filename string, src []byte, diags []*binary.Diagnostic) string {
	lines := bytes.Split(src, []byte("\n"))
	var sb strings.Builder
	for _, d := range diags {
		if !d.Loc.IsText() {
			fmt.Fprintf(&sb, "%s:%s\n", filename, d.Error())
			continue
		}
		fmt.Fprintf(&sb, "%s:%d:%d: %s: %s\n", filename, d.Loc.Line, d.Loc.Col, d.Level(), d.Message)
		if d.Loc.Line > len(lines) {
			continue
		}
		line := strings.TrimRight(string(lines[d.Loc.Line-1]), "\r")
		sb.WriteString(line)
		sb.WriteByte('\n')
		width := d.Loc.EndCol - d.Loc.Col
		if width < 1 {
			width = 1
		}
		sb.WriteString(strings.Repeat(" ", d.Loc.Col-1))
		sb.WriteString(strings.Repeat("^", width))
		sb.WriteByte('\n')
	}
	return sb.String()
}
