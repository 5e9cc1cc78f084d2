package segment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// slotPattern matches the sequence number placeholder and doubled braces.
// A slot is "{}" or "{0}", optionally with an integer format such as
// "{:05d}" or "{0:3d}". "{{" and "}}" stand for literal braces.
var slotPattern = regexp.MustCompile(`\{\{|\}\}|\{0?(?::(0?)(\d*)d)?\}`)

// maxSlotWidth bounds the padded width of a slot.
const maxSlotWidth = 32

// ConfigurationError reports a fragment URL template that cannot address
// distinct fragments.
type ConfigurationError struct {
	Template string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid fragment URL template %q: %s", e.Template, e.Reason)
}

// Template expands fragment sequence numbers into URLs.
type Template struct {
	raw string
}

// NewTemplate parses and validates a fragment URL template.
func NewTemplate(raw string) (Template, error) {
	if strings.TrimSpace(raw) == "" {
		return Template{}, &ConfigurationError{Template: raw, Reason: "template is empty"}
	}

	t := Template{raw: raw}
	for _, m := range slotPattern.FindAllStringSubmatchIndex(raw, -1) {
		if m[4] >= 0 && m[4] < m[5] {
			if width, err := strconv.Atoi(raw[m[4]:m[5]]); err != nil || width > maxSlotWidth {
				return Template{}, &ConfigurationError{
					Template: raw,
					Reason:   fmt.Sprintf("slot width %s exceeds %d", raw[m[4]:m[5]], maxSlotWidth),
				}
			}
		}
	}
	if err := t.Validate(); err != nil {
		return Template{}, err
	}
	return t, nil
}

// Expand substitutes the sequence number into every placeholder.
func (t Template) Expand(sequence int) string {
	var sb strings.Builder
	last := 0
	for _, m := range slotPattern.FindAllStringSubmatchIndex(t.raw, -1) {
		sb.WriteString(t.raw[last:m[0]])
		last = m[1]

		switch t.raw[m[0]:m[1]] {
		case "{{":
			sb.WriteByte('{')
		case "}}":
			sb.WriteByte('}')
		default:
			sb.WriteString(formatSlot(t.raw, m, sequence))
		}
	}
	sb.WriteString(t.raw[last:])
	return sb.String()
}

// formatSlot renders sequence using the slot's width and fill. Width pads
// with spaces, or with zeros when the width starts with 0.
func formatSlot(raw string, m []int, sequence int) string {
	if m[4] < 0 || m[4] == m[5] {
		return strconv.Itoa(sequence)
	}
	width, err := strconv.Atoi(raw[m[4]:m[5]])
	if err != nil || width > maxSlotWidth {
		width = maxSlotWidth
	}
	if m[2] >= 0 && m[2] < m[3] {
		return fmt.Sprintf("%0*d", width, sequence)
	}
	return fmt.Sprintf("%*d", width, sequence)
}

// Validate checks that sequence numbers 1 and 2 expand to different URLs.
// A template failing this check would fetch the same resource forever.
func (t Template) Validate() error {
	first, second := t.Expand(1), t.Expand(2)
	if first == second {
		return &ConfigurationError{
			Template: t.raw,
			Reason:   fmt.Sprintf("fragments 1 and 2 both expand to %q; replace the fragment number with {}", first),
		}
	}
	return nil
}

// String returns the raw template.
func (t Template) String() string {
	return t.raw
}
