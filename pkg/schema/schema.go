// Package schema implements the structural payload validation used by the
// event catalog and the actor runtime. Schemas are a JSON-schema-equivalent
// description: property types, required fields, string patterns, enums,
// numeric and array bounds, and an additionalProperties flag.
package schema

import (
	"fmt"

	"github.com/nmxmxh/loom/pkg/json"
)

// Mode controls how tolerant parsing and validation are.
type Mode string

const (
	// Strict rejects unknown schema keywords and enforces
	// additionalProperties:false as declared.
	Strict Mode = "strict"
	// Loose ignores unknown keywords and accepts extra properties.
	Loose Mode = "loose"
)

// ParseMode normalizes a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Strict, Loose:
		return Mode(s), nil
	case "":
		return Strict, nil
	default:
		return "", fmt.Errorf("unknown validation mode %q", s)
	}
}

// Schema is a structural description of a JSON value.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Pattern              string             `json:"pattern,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

// knownKeywords is the vocabulary accepted by strict parsing.
var knownKeywords = map[string]struct{}{
	"type":                 {},
	"description":          {},
	"properties":           {},
	"required":             {},
	"pattern":              {},
	"enum":                 {},
	"minimum":              {},
	"maximum":              {},
	"minLength":            {},
	"maxLength":            {},
	"minItems":             {},
	"maxItems":             {},
	"items":                {},
	"additionalProperties": {},
	"default":              {},
	"examples":             {},
}

var validTypes = map[string]struct{}{
	"":        {},
	"object":  {},
	"array":   {},
	"string":  {},
	"number":  {},
	"integer": {},
	"boolean": {},
	"null":    {},
}

// Parse decodes a raw JSON schema document. Under Strict mode unknown
// keywords anywhere in the document are rejected.
func Parse(raw []byte, mode Mode) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return fromDoc(doc, mode, "$")
}

func fromDoc(doc map[string]any, mode Mode, at string) (*Schema, error) {
	if mode == Strict {
		for k := range doc {
			if _, ok := knownKeywords[k]; !ok {
				return nil, fmt.Errorf("unknown schema keyword %q at %s", k, at)
			}
		}
	}

	s := &Schema{}

	if v, ok := doc["type"]; ok {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("type must be a string at %s", at)
		}
		if _, ok := validTypes[str]; !ok {
			return nil, fmt.Errorf("unsupported type %q at %s", str, at)
		}
		s.Type = str
	}
	if v, ok := doc["description"].(string); ok {
		s.Description = v
	}

	if v, ok := doc["properties"]; ok {
		props, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("properties must be an object at %s", at)
		}
		s.Properties = make(map[string]*Schema, len(props))
		for name, sub := range props {
			subDoc, ok := sub.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %q must be an object at %s", name, at)
			}
			child, err := fromDoc(subDoc, mode, at+"."+name)
			if err != nil {
				return nil, err
			}
			s.Properties[name] = child
		}
	}

	if v, ok := doc["required"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("required must be an array at %s", at)
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required entries must be strings at %s", at)
			}
			s.Required = append(s.Required, name)
		}
	}

	if v, ok := doc["pattern"]; ok {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("pattern must be a string at %s", at)
		}
		s.Pattern = str
	}

	if v, ok := doc["enum"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("enum must be an array at %s", at)
		}
		s.Enum = list
	}

	var err error
	if s.Minimum, err = floatKeyword(doc, "minimum", at); err != nil {
		return nil, err
	}
	if s.Maximum, err = floatKeyword(doc, "maximum", at); err != nil {
		return nil, err
	}
	if s.MinLength, err = intKeyword(doc, "minLength", at); err != nil {
		return nil, err
	}
	if s.MaxLength, err = intKeyword(doc, "maxLength", at); err != nil {
		return nil, err
	}
	if s.MinItems, err = intKeyword(doc, "minItems", at); err != nil {
		return nil, err
	}
	if s.MaxItems, err = intKeyword(doc, "maxItems", at); err != nil {
		return nil, err
	}

	if v, ok := doc["items"]; ok {
		itemDoc, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items must be an object at %s", at)
		}
		child, err := fromDoc(itemDoc, mode, at+"[]")
		if err != nil {
			return nil, err
		}
		s.Items = child
	}

	if v, ok := doc["additionalProperties"]; ok {
		flag, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("additionalProperties must be a boolean at %s", at)
		}
		s.AdditionalProperties = &flag
	}

	return s, nil
}

func floatKeyword(doc map[string]any, key, at string) (*float64, error) {
	v, ok := doc[key]
	if !ok {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%s must be a number at %s", key, at)
	}
	return &f, nil
}

func intKeyword(doc map[string]any, key, at string) (*int, error) {
	v, ok := doc[key]
	if !ok {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return nil, fmt.Errorf("%s must be an integer at %s", key, at)
	}
	n := int(f)
	return &n, nil
}

// Marshal renders the schema back to JSON. Property maps marshal with
// sorted keys, so equal schemas produce equal bytes.
func (s *Schema) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Equal reports whether two schemas describe the same shape.
func Equal(a, b *Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := a.Marshal()
	if err != nil {
		return false
	}
	bb, err := b.Marshal()
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
