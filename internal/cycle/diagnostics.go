package cycle

import (
	"fmt"
	"strings"
)

// formatDiagnostic renders the operator console line for one cycle. The
// leading carriage return keeps the line in place on a terminal.
func formatDiagnostic(names []string, s State) string {
	var b strings.Builder
	b.WriteByte('\r')

	for i, v := range s.Inputs.Analog {
		if i > 0 {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "%s: %10d", strings.ToUpper(names[i]), v)
	}

	if s.Inputs.HasDigital() {
		b.WriteString("  DI: ")
		writeFlags(&b, s.Inputs.Digital)
	}
	if s.Outputs != nil {
		b.WriteString("  DO: ")
		writeFlags(&b, s.Outputs[:])
	}

	if !s.Domain.Complete() {
		fmt.Fprintf(&b, "  WC: %d/%d", s.Domain.WorkingCounter, s.Domain.ExpectedWorkingCounter)
	}

	return b.String()
}

// writeFlags prints flag 7 first so the digits read like the byte value.
func writeFlags(b *strings.Builder, flags []bool) {
	for i := len(flags) - 1; i >= 0; i-- {
		if flags[i] {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
}
