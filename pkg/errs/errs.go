// Package errs provides the structured error envelope used across the loom runtime.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a runtime error category.
type Code string

const (
	// CodeInvalidEventDefinition indicates a malformed event definition on register.
	CodeInvalidEventDefinition Code = "INVALID_EVENT_DEFINITION"
	// CodeEventNotFound indicates a catalog operation on an unknown event.
	CodeEventNotFound Code = "EVENT_NOT_FOUND"
	// CodeInvalidConsumer indicates a malformed consumer upsert.
	CodeInvalidConsumer Code = "INVALID_CONSUMER"
	// CodeEventRegistrationFailed indicates a store failure during a catalog write.
	CodeEventRegistrationFailed Code = "EVENT_REGISTRATION_FAILED"
	// CodeCommandValidationFailed indicates a command payload rejected by its schema.
	CodeCommandValidationFailed Code = "COMMAND_VALIDATION_FAILED"
	// CodeValidationError indicates a generic payload or state shape mismatch.
	CodeValidationError Code = "VALIDATION_ERROR"
	// CodeRateLimitExceeded indicates an exhausted rate-limit bucket or window.
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	// CodeCircuitOpen indicates a circuit breaker rejecting calls.
	CodeCircuitOpen Code = "CIRCUIT_OPEN"
	// CodeRequestTimeout indicates an ask deadline passed without a reply.
	CodeRequestTimeout Code = "REQUEST_TIMEOUT"
	// CodeStateValidationFailed indicates persisted state rejected by the state schema.
	CodeStateValidationFailed Code = "STATE_VALIDATION_FAILED"
	// CodeConfigValidationFailed indicates configuration rejected by the config schema.
	CodeConfigValidationFailed Code = "CONFIG_VALIDATION_FAILED"
	// CodeNotFound indicates a missing domain resource.
	CodeNotFound Code = "NOT_FOUND"
	// CodeUnknownCommand indicates a command type the handler has no branch for.
	CodeUnknownCommand Code = "UNKNOWN_COMMAND"
	// CodeUnknownQuery indicates a query type the handler has no branch for.
	CodeUnknownQuery Code = "UNKNOWN_QUERY"
	// CodeUnknownError captures unclassified failures.
	CodeUnknownError Code = "UNKNOWN_ERROR"
	// CodeDBConnectionFailed indicates an unreachable backing store.
	CodeDBConnectionFailed Code = "DB_CONNECTION_FAILED"
	// CodeBusClosed indicates an operation on a bus that is shutting down.
	CodeBusClosed Code = "BUS_CLOSED"
)

// statusFor maps each code to its HTTP status class.
var statusFor = map[Code]int{
	CodeInvalidEventDefinition:  400,
	CodeEventNotFound:           404,
	CodeInvalidConsumer:         400,
	CodeEventRegistrationFailed: 500,
	CodeCommandValidationFailed: 400,
	CodeValidationError:         400,
	CodeRateLimitExceeded:       429,
	CodeCircuitOpen:             503,
	CodeRequestTimeout:          504,
	CodeStateValidationFailed:   500,
	CodeConfigValidationFailed:  500,
	CodeNotFound:                404,
	CodeUnknownCommand:          400,
	CodeUnknownQuery:            400,
	CodeUnknownError:            500,
	CodeDBConnectionFailed:      503,
	CodeBusClosed:               503,
}

// FieldError describes a single offending path in a payload, state, or config shape.
type FieldError struct {
	Path     string `json:"path"`
	Message  string `json:"message"`
	Expected string `json:"expected,omitempty"`
	Received string `json:"received,omitempty"`
}

// E captures structured error information produced across the runtime.
type E struct {
	Code        Code
	StatusCode  int
	UserMessage string
	Context     map[string]any
	Fields      []FieldError

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given code. The HTTP status
// class defaults from the code and may be overridden with WithStatus.
func New(code Code, opts ...Option) *E {
	e := &E{
		Code:       code,
		StatusCode: statusFor[code],
	}
	if e.StatusCode == 0 {
		e.StatusCode = 500
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.UserMessage = trimmed
	}
}

// WithStatus overrides the HTTP status class.
func WithStatus(status int) Option {
	return func(e *E) {
		e.StatusCode = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithContext merges the provided key/value pairs into the error context.
func WithContext(ctx map[string]any) Option {
	return func(e *E) {
		if len(ctx) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]any, len(ctx))
		}
		for k, v := range ctx {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Context[key] = v
		}
	}
}

// WithContextValue appends a single context key/value pair.
func WithContextValue(key string, value any) Option {
	return func(e *E) {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]any, 1)
		}
		e.Context[trimmed] = value
	}
}

// WithField appends a field diagnostic.
func WithField(field FieldError) Option {
	return func(e *E) {
		e.Fields = append(e.Fields, field)
	}
}

// WithFields appends a set of field diagnostics.
func WithFields(fields []FieldError) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		e.Fields = append(e.Fields, fields...)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknownError)
	}
	parts = append(parts, "code="+code)

	if e.StatusCode > 0 {
		parts = append(parts, "status="+strconv.Itoa(e.StatusCode))
	}
	if e.UserMessage != "" {
		parts = append(parts, "message="+strconv.Quote(e.UserMessage))
	}
	if len(e.Fields) > 0 {
		paths := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			paths = append(paths, f.Path)
		}
		parts = append(parts, "fields="+strings.Join(paths, ","))
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+stringify(e.Context[k]))
		}
		parts = append(parts, "context="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the runtime code from an arbitrary error chain.
// Plain errors report CodeUnknownError.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknownError
}

// StatusOf extracts the HTTP status class from an arbitrary error chain.
func StatusOf(err error) int {
	var e *E
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 500
}

// FieldsOf extracts field diagnostics from an arbitrary error chain.
func FieldsOf(err error) []FieldError {
	var e *E
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	var e *E
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case error:
		return strconv.Quote(t.Error())
	default:
		return "?"
	}
}
