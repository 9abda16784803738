package actor

import (
	"errors"
	"strings"

	"github.com/nmxmxh/loom/pkg/errs"
)

// Transform maps raw error text onto a taxonomy code. Pattern is a
// lowercase substring; the first matching transform wins.
type Transform struct {
	Pattern string
	Code    errs.Code
	Message string
}

// defaultTransforms classify the common failure shapes of downstream
// dependencies. Order matters.
var defaultTransforms = []Transform{
	{Pattern: "connection refused", Code: errs.CodeDBConnectionFailed, Message: "a backing store is unreachable"},
	{Pattern: "connect: connection", Code: errs.CodeDBConnectionFailed, Message: "a backing store is unreachable"},
	{Pattern: "validation", Code: errs.CodeValidationError},
	{Pattern: "not found", Code: errs.CodeNotFound},
}

// securityKeywords flag errors that belong in the security buffer in
// addition to the normal error path.
var securityKeywords = []string{
	"unauthorized",
	"forbidden",
	"authentication",
	"permission",
	"access denied",
	"invalid token",
}

// ErrorTransformer classifies raw handler errors into the taxonomy.
// Errors that already carry a code pass through untouched.
type ErrorTransformer struct {
	actor      string
	transforms []Transform
}

// NewErrorTransformer builds a transformer with custom rules checked
// before the defaults.
func NewErrorTransformer(actor string, custom ...Transform) *ErrorTransformer {
	transforms := make([]Transform, 0, len(custom)+len(defaultTransforms))
	transforms = append(transforms, custom...)
	transforms = append(transforms, defaultTransforms...)
	return &ErrorTransformer{actor: actor, transforms: transforms}
}

// Transform classifies err. Unmatched errors become UNKNOWN_ERROR with
// actor context.
func (t *ErrorTransformer) Transform(err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.E
	if errors.As(err, &typed) {
		return err
	}

	lowered := strings.ToLower(err.Error())
	for _, transform := range t.transforms {
		if strings.Contains(lowered, transform.Pattern) {
			message := transform.Message
			if message == "" {
				message = err.Error()
			}
			return errs.New(transform.Code,
				errs.WithMessage(message),
				errs.WithCause(err),
				errs.WithContextValue("actor", t.actor))
		}
	}
	return errs.New(errs.CodeUnknownError,
		errs.WithMessage(err.Error()),
		errs.WithCause(err),
		errs.WithContextValue("actor", t.actor))
}

// IsSecurityError reports whether the error text carries a security
// keyword.
func IsSecurityError(err error) bool {
	if err == nil {
		return false
	}
	lowered := strings.ToLower(err.Error())
	for _, keyword := range securityKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
