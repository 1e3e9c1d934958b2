package message

import (
	"fmt"
	"regexp"
	"strings"
)

// TemplateError reports a `{name}` placeholder with no corresponding field.
// Substitution is total: a template only resolves if every placeholder does.
type TemplateError struct {
	Name string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("no such field: {%s}", e.Name)
}

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Expand resolves every `{name}` placeholder in tpl from the message fields.
// It returns a [TemplateError] if any placeholder references a field the
// message does not have; no silent empty-string substitution.
func (m *Message) Expand(tpl string) (string, error) {
	var missing *TemplateError

	out := placeholderPattern.ReplaceAllStringFunc(tpl, func(ph string) string {
		name := strings.Trim(ph, "{}")

		v, ok := m.Get(name)
		if !ok {
			if missing == nil {
				missing = &TemplateError{Name: name}
			}

			return ph
		}

		return v
	})

	if missing != nil {
		return "", missing
	}

	return out, nil
}

// FieldName extracts the field name from a `{name}` reference.
func FieldName(ref string) string {
	return strings.Trim(ref, "{}")
}
