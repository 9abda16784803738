package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionSchema(t *testing.T, mode Mode) *Validator {
	t.Helper()
	raw := []byte(`{
		"type": "object",
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"device": {
				"type": "object",
				"properties": {
					"userAgent": {"type": "string"},
					"ipAddress": {"type": "string", "pattern": "^[0-9.]+$"}
				},
				"required": ["userAgent", "ipAddress"]
			}
		},
		"required": ["userId", "device"],
		"additionalProperties": false
	}`)
	v, err := CompileRaw(raw, mode)
	require.NoError(t, err)
	return v
}

func TestValidatePassesMatchingPayload(t *testing.T) {
	v := sessionSchema(t, Strict)

	res := v.Validate(map[string]any{
		"userId": "u1",
		"device": map[string]any{
			"userAgent": "cli/1.0",
			"ipAddress": "10.0.0.1",
		},
	})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidateMissingRequiredYieldsOneErrorPerPath(t *testing.T) {
	v := sessionSchema(t, Strict)

	res := v.Validate(map[string]any{"userId": "u1"})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "device", res.Errors[0].Path)
	assert.Equal(t, "required field missing", res.Errors[0].Message)
	assert.Equal(t, "object", res.Errors[0].Expected)

	res = v.Validate(map[string]any{})
	require.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
	paths := []string{res.Errors[0].Path, res.Errors[1].Path}
	assert.ElementsMatch(t, []string{"userId", "device"}, paths)
}

func TestValidateNestedPaths(t *testing.T) {
	v := sessionSchema(t, Strict)

	res := v.Validate(map[string]any{
		"userId": "u1",
		"device": map[string]any{
			"userAgent": "cli/1.0",
			"ipAddress": "not-an-ip",
		},
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "device.ipAddress", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "pattern")
}

func TestValidateWrongTypeStopsFurtherChecks(t *testing.T) {
	v := sessionSchema(t, Strict)

	res := v.Validate(map[string]any{
		"userId": 42,
		"device": map[string]any{
			"userAgent": "cli/1.0",
			"ipAddress": "10.0.0.1",
		},
	})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "userId", res.Errors[0].Path)
	assert.Equal(t, "string", res.Errors[0].Expected)
	assert.Equal(t, "integer", res.Errors[0].Received)
}

func TestValidateAdditionalProperties(t *testing.T) {
	payload := map[string]any{
		"userId": "u1",
		"device": map[string]any{
			"userAgent": "cli/1.0",
			"ipAddress": "10.0.0.1",
		},
		"extra": true,
	}

	strict := sessionSchema(t, Strict)
	res := strict.Validate(payload)
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "extra", res.Errors[0].Path)
	assert.Equal(t, "additional property not allowed", res.Errors[0].Message)

	loose := sessionSchema(t, Loose)
	assert.True(t, loose.Validate(payload).Valid)
}

func TestValidateNumericBounds(t *testing.T) {
	v, err := CompileRaw([]byte(`{
		"type": "object",
		"properties": {
			"quantity": {"type": "integer", "minimum": 1, "maximum": 100},
			"price": {"type": "number", "minimum": 0}
		},
		"required": ["quantity"]
	}`), Strict)
	require.NoError(t, err)

	assert.True(t, v.Validate(map[string]any{"quantity": float64(3), "price": 9.99}).Valid)

	res := v.Validate(map[string]any{"quantity": float64(0)})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "quantity", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "below minimum")

	res = v.Validate(map[string]any{"quantity": float64(101)})
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "above maximum")

	// A fractional value does not satisfy integer.
	res = v.Validate(map[string]any{"quantity": 2.5})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "integer", res.Errors[0].Expected)

	// Whole floats satisfy integer, integers satisfy number.
	assert.True(t, v.Validate(map[string]any{"quantity": 2.0, "price": 5}).Valid)
}

func TestValidateEnum(t *testing.T) {
	v, err := CompileRaw([]byte(`{
		"type": "object",
		"properties": {
			"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
		}
	}`), Strict)
	require.NoError(t, err)

	assert.True(t, v.Validate(map[string]any{"severity": "high"}).Valid)

	res := v.Validate(map[string]any{"severity": "extreme"})
	require.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "severity", res.Errors[0].Path)
	assert.Contains(t, res.Errors[0].Message, "not in enum")
}

func TestValidateArrayItemsAndBounds(t *testing.T) {
	v, err := CompileRaw([]byte(`{
		"type": "object",
		"properties": {
			"tags": {
				"type": "array",
				"minItems": 1,
				"maxItems": 3,
				"items": {"type": "string"}
			}
		}
	}`), Strict)
	require.NoError(t, err)

	assert.True(t, v.Validate(map[string]any{"tags": []any{"a", "b"}}).Valid)

	res := v.Validate(map[string]any{"tags": []any{}})
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "below minimum")

	res = v.Validate(map[string]any{"tags": []any{"a", 2, "c"}})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "tags[1]", res.Errors[0].Path)
}

func TestValidateAtPrefixesRoot(t *testing.T) {
	v := sessionSchema(t, Strict)

	res := v.ValidateAt(map[string]any{"userId": "u1"}, "payload")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "payload.device", res.Errors[0].Path)
}

func TestValidateRootTypeMismatch(t *testing.T) {
	v := sessionSchema(t, Strict)

	res := v.ValidateAt("not an object", "payload")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "payload", res.Errors[0].Path)
	assert.Equal(t, "object", res.Errors[0].Expected)
	assert.Equal(t, "string", res.Errors[0].Received)
}

func TestParseStrictRejectsUnknownKeywords(t *testing.T) {
	raw := []byte(`{"type": "object", "propertys": {}}`)

	_, err := Parse(raw, Strict)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown schema keyword")

	_, err = Parse(raw, Loose)
	assert.NoError(t, err)
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := map[string]string{
		"bad type":          `{"type": 5}`,
		"unsupported type":  `{"type": "tuple"}`,
		"bad required":      `{"type": "object", "required": "userId"}`,
		"bad pattern field": `{"type": "string", "pattern": 7}`,
		"bad bounds":        `{"type": "integer", "minimum": "low"}`,
		"truncated":         `{"type":`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw), Loose)
			assert.Error(t, err)
		})
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	_, err := CompileRaw([]byte(`{"type": "string", "pattern": "["}`), Loose)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestCompileRejectsUndeclaredRequired(t *testing.T) {
	s := &Schema{
		Type:       "object",
		Properties: map[string]*Schema{"a": {Type: "string"}},
		Required:   []string{"b"},
	}
	_, err := s.Compile(Strict)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required property")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("strict")
	require.NoError(t, err)
	assert.Equal(t, Strict, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Strict, m)

	_, err = ParseMode("anything-goes")
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := &Schema{Type: "object", Properties: map[string]*Schema{"x": {Type: "string"}}}
	b := &Schema{Type: "object", Properties: map[string]*Schema{"x": {Type: "string"}}}
	c := &Schema{Type: "object", Properties: map[string]*Schema{"x": {Type: "number"}}}

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, nil))
	assert.True(t, Equal(nil, nil))
}

func TestValidatorHandlesTypedGoValues(t *testing.T) {
	v, err := CompileRaw([]byte(`{
		"type": "object",
		"properties": {
			"names": {"type": "array", "items": {"type": "string"}},
			"count": {"type": "integer"},
			"labels": {"type": "object"}
		}
	}`), Strict)
	require.NoError(t, err)

	res := v.Validate(map[string]any{
		"names":  []string{"a", "b"},
		"count":  7,
		"labels": map[string]string{"k": "v"},
	})
	assert.True(t, res.Valid)
}
