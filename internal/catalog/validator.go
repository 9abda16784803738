package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/schema"
)

type validatorEntry struct {
	version   int
	validator *schema.Validator
}

// validatorFor returns the compiled validator for a definition, compiling
// at most once per (event, version) even under concurrent callers.
func (s *Service) validatorFor(def *EventDefinition) (*schema.Validator, error) {
	key := def.Name + ":" + strconv.Itoa(def.Version)
	if cached, ok := s.validators.Load(key); ok {
		return cached.(*validatorEntry).validator, nil
	}

	entry, err, _ := s.flight.Do(key, func() (any, error) {
		if cached, ok := s.validators.Load(key); ok {
			return cached.(*validatorEntry), nil
		}
		validator, err := schema.CompileRaw(def.PayloadSchema, s.mode)
		if err != nil {
			return nil, err
		}
		e := &validatorEntry{version: def.Version, validator: validator}
		s.validators.Store(key, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return entry.(*validatorEntry).validator, nil
}

// dropValidators discards compiled validators for every version of an event.
func (s *Service) dropValidators(name string) {
	prefix := name + ":"
	s.validators.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			s.validators.Delete(key)
		}
		return true
	})
}

// ValidatePayload checks a payload against the event's schema. The result
// never carries an error return: an unknown event, an unreachable store,
// or an uncompilable schema all come back as an invalid result.
func (s *Service) ValidatePayload(ctx context.Context, eventName string, payload map[string]any) schema.Result {
	def, err := s.GetDefinition(ctx, eventName)
	if err != nil {
		s.log.Warn("payload validation failed closed",
			zap.String("event", eventName), zap.Error(err))
		return schema.Result{Valid: false, Errors: []errs.FieldError{{
			Path:    "$",
			Message: "catalog unavailable",
		}}}
	}
	if def == nil {
		return schema.Result{Valid: false, Errors: []errs.FieldError{{
			Path:    "$",
			Message: fmt.Sprintf("Event %s not found", eventName),
		}}}
	}
	if len(def.PayloadSchema) == 0 {
		return schema.Result{Valid: true}
	}

	validator, err := s.validatorFor(def)
	if err != nil {
		s.log.Error("payload schema failed to compile",
			zap.String("event", eventName), zap.Int("version", def.Version), zap.Error(err))
		return schema.Result{Valid: false, Errors: []errs.FieldError{{
			Path:    "$",
			Message: "payload schema failed to compile",
		}}}
	}
	return validator.Validate(payload)
}
