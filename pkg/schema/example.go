package schema

import "strings"

// Example synthesizes a value that would satisfy the schema. Validation
// failures attach it so callers can see the expected shape without
// digging the definition out of the catalog.
func (s *Schema) Example() any {
	if s == nil {
		return nil
	}
	if len(s.Enum) > 0 {
		return s.Enum[0]
	}

	switch s.Type {
	case "object":
		out := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			out[name] = prop.Example()
		}
		return out
	case "array":
		if s.Items == nil {
			return []any{}
		}
		return []any{s.Items.Example()}
	case "string":
		if strings.Contains(s.Pattern, "@") {
			return "user@example.com"
		}
		return "string"
	case "number", "integer":
		if s.Minimum != nil {
			return *s.Minimum
		}
		return 0
	case "boolean":
		return true
	case "null":
		return nil
	default:
		return nil
	}
}
