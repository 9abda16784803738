package schema

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"

	"github.com/nmxmxh/loom/pkg/errs"
)

// Result carries the outcome of a validation pass.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors []errs.FieldError `json:"errors,omitempty"`
}

// Validator is a compiled, reusable schema evaluator. Validators are
// immutable after compilation and safe for concurrent use.
type Validator struct {
	root *node
	mode Mode
}

type node struct {
	schema     *Schema
	pattern    *regexp.Regexp
	properties map[string]*node
	items      *node
}

// Compile checks the schema for well-formedness, precompiles string
// patterns, and returns a reusable validator.
func (s *Schema) Compile(mode Mode) (*Validator, error) {
	root, err := compileNode(s, "$")
	if err != nil {
		return nil, err
	}
	return &Validator{root: root, mode: mode}, nil
}

// CompileRaw parses and compiles a raw JSON schema document in one step.
func CompileRaw(raw []byte, mode Mode) (*Validator, error) {
	s, err := Parse(raw, mode)
	if err != nil {
		return nil, err
	}
	return s.Compile(mode)
}

func compileNode(s *Schema, at string) (*node, error) {
	if s == nil {
		return nil, fmt.Errorf("nil schema at %s", at)
	}
	if _, ok := validTypes[s.Type]; !ok {
		return nil, fmt.Errorf("unsupported type %q at %s", s.Type, at)
	}

	n := &node{schema: s}

	if s.Pattern != "" {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern at %s: %w", at, err)
		}
		n.pattern = re
	}
	if len(s.Properties) > 0 {
		n.properties = make(map[string]*node, len(s.Properties))
		for name, sub := range s.Properties {
			child, err := compileNode(sub, at+"."+name)
			if err != nil {
				return nil, err
			}
			n.properties[name] = child
		}
	}
	for _, name := range s.Required {
		if len(s.Properties) > 0 {
			if _, ok := s.Properties[name]; !ok {
				return nil, fmt.Errorf("required property %q not declared at %s", name, at)
			}
		}
	}
	if s.Items != nil {
		child, err := compileNode(s.Items, at+"[]")
		if err != nil {
			return nil, err
		}
		n.items = child
	}

	return n, nil
}

// Validate evaluates the value against the compiled schema. Paths in the
// returned errors are relative to the value root.
func (v *Validator) Validate(value any) Result {
	return v.ValidateAt(value, "")
}

// ValidateAt evaluates the value with the given root label prefixed to
// every error path.
func (v *Validator) ValidateAt(value any, root string) Result {
	var acc []errs.FieldError
	walk(v.root, value, root, v.mode, &acc)
	return Result{Valid: len(acc) == 0, Errors: acc}
}

// walk appends at most one error per offending path.
func walk(n *node, value any, path string, mode Mode, acc *[]errs.FieldError) {
	s := n.schema
	kind := kindOf(value)

	if s.Type != "" && !typeMatches(s.Type, kind) {
		*acc = append(*acc, errs.FieldError{
			Path:     path,
			Message:  fmt.Sprintf("expected %s, received %s", s.Type, kind),
			Expected: s.Type,
			Received: kind,
		})
		return
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		*acc = append(*acc, errs.FieldError{
			Path:     path,
			Message:  fmt.Sprintf("value %v not in enum", value),
			Expected: enumString(s.Enum),
			Received: fmt.Sprintf("%v", value),
		})
		return
	}

	switch kind {
	case "string":
		str := value.(string)
		if s.MinLength != nil && len(str) < *s.MinLength {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("length %d below minimum %d", len(str), *s.MinLength),
				Expected: fmt.Sprintf("minLength %d", *s.MinLength),
			})
			return
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("length %d above maximum %d", len(str), *s.MaxLength),
				Expected: fmt.Sprintf("maxLength %d", *s.MaxLength),
			})
			return
		}
		if n.pattern != nil && !n.pattern.MatchString(str) {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("value does not match pattern %s", s.Pattern),
				Expected: s.Pattern,
				Received: str,
			})
			return
		}

	case "number", "integer":
		f := asFloat(value)
		if s.Minimum != nil && f < *s.Minimum {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("value %v below minimum %v", f, *s.Minimum),
				Expected: fmt.Sprintf("minimum %v", *s.Minimum),
			})
			return
		}
		if s.Maximum != nil && f > *s.Maximum {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("value %v above maximum %v", f, *s.Maximum),
				Expected: fmt.Sprintf("maximum %v", *s.Maximum),
			})
			return
		}

	case "array":
		items := asArray(value)
		if s.MinItems != nil && len(items) < *s.MinItems {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("array length %d below minimum %d", len(items), *s.MinItems),
				Expected: fmt.Sprintf("minItems %d", *s.MinItems),
			})
			return
		}
		if s.MaxItems != nil && len(items) > *s.MaxItems {
			*acc = append(*acc, errs.FieldError{
				Path:     path,
				Message:  fmt.Sprintf("array length %d above maximum %d", len(items), *s.MaxItems),
				Expected: fmt.Sprintf("maxItems %d", *s.MaxItems),
			})
			return
		}
		if n.items != nil {
			for i, item := range items {
				walk(n.items, item, fmt.Sprintf("%s[%d]", path, i), mode, acc)
			}
		}

	case "object":
		obj := asObject(value)
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				expected := ""
				if sub, ok := s.Properties[name]; ok {
					expected = sub.Type
				}
				*acc = append(*acc, errs.FieldError{
					Path:     joinPath(path, name),
					Message:  "required field missing",
					Expected: expected,
				})
			}
		}
		for name, child := range n.properties {
			if sub, ok := obj[name]; ok {
				walk(child, sub, joinPath(path, name), mode, acc)
			}
		}
		if mode == Strict && s.AdditionalProperties != nil && !*s.AdditionalProperties {
			extras := make([]string, 0)
			for name := range obj {
				if _, ok := n.properties[name]; !ok {
					extras = append(extras, name)
				}
			}
			sort.Strings(extras)
			for _, name := range extras {
				*acc = append(*acc, errs.FieldError{
					Path:    joinPath(path, name),
					Message: "additional property not allowed",
				})
			}
		}
	}
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

// kindOf maps a Go value to its JSON kind. Whole numbers report as
// integer, which also satisfies a declared number type.
func kindOf(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if t == float64(int64(t)) {
			return "integer"
		}
		return "number"
	case float32:
		if float64(t) == float64(int64(t)) {
			return "integer"
		}
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return "object"
		}
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return "integer"
		}
		return "number"
	}
	return "unknown"
}

func typeMatches(declared, kind string) bool {
	switch declared {
	case "number":
		return kind == "number" || kind == "integer"
	default:
		return declared == kind
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	}
	return 0
}

func asObject(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return nil
}

func asArray(v any) []any {
	if a, ok := v.([]any); ok {
		return a
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return nil
}

// enumContains compares scalar enum members with numeric normalization.
func enumContains(enum []any, value any) bool {
	vk := kindOf(value)
	for _, member := range enum {
		mk := kindOf(member)
		switch {
		case (vk == "number" || vk == "integer") && (mk == "number" || mk == "integer"):
			if asFloat(member) == asFloat(value) {
				return true
			}
		case vk == mk:
			if fmt.Sprintf("%v", member) == fmt.Sprintf("%v", value) {
				return true
			}
		}
	}
	return false
}

func enumString(enum []any) string {
	return fmt.Sprintf("one of %v", enum)
}
