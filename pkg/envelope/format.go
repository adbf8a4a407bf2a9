package envelope

import (
	"fmt"
	"strings"
)

// Format renders the envelope as an indented human-readable tree. Elided
// nodes render as ELIDED with their digest prefix.
func (e *Envelope) Format() string {
	var sb strings.Builder
	e.format(&sb, 0)
	return sb.String()
}

func (e *Envelope) format(sb *strings.Builder, depth int) {
	indent := strings.Repeat("    ", depth)
	if e.elided {
		fmt.Fprintf(sb, "%sELIDED (%.8x)\n", indent, e.digest)
		return
	}
	sb.WriteString(indent)
	sb.WriteString(formatValueInline(e.subject))
	if len(e.assertions) == 0 {
		sb.WriteByte('\n')
		return
	}
	sb.WriteString(" [\n")
	for _, a := range e.assertions {
		if objEnv, ok := a.Object.(*Envelope); ok && !objEnv.elided && len(objEnv.assertions) > 0 {
			fmt.Fprintf(sb, "%s    %s:\n", indent, formatValueInline(a.Predicate))
			objEnv.format(sb, depth+2)
			continue
		}
		fmt.Fprintf(sb, "%s    %s: %s\n", indent, formatValueInline(a.Predicate), formatValueInline(a.Object))
	}
	sb.WriteString(indent)
	sb.WriteString("]\n")
}

func formatValueInline(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", t)
	case []byte:
		if len(t) > 16 {
			return fmt.Sprintf("h'%x…' (%d bytes)", t[:16], len(t))
		}
		return fmt.Sprintf("h'%x'", t)
	case *Envelope:
		if t.elided {
			return fmt.Sprintf("ELIDED (%.8x)", t.digest)
		}
		return fmt.Sprintf("{%s}", formatValueInline(t.subject))
	default:
		return fmt.Sprintf("%v", t)
	}
}
