package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/schema"
)

// AddSchemaVersion appends a row to an event's schema history. A version
// newer than the definition's current one promotes the definition to it;
// older versions only backfill history. The migration script is stored
// for operators and never executed.
func (s *Service) AddSchemaVersion(ctx context.Context, version *SchemaVersion) error {
	if version == nil || version.Version <= 0 {
		return errs.New(errs.CodeValidationError,
			errs.WithMessage("schema version must be positive"))
	}
	if len(version.PayloadSchema) > 0 {
		if _, err := schema.CompileRaw(version.PayloadSchema, s.mode); err != nil {
			return errs.New(errs.CodeInvalidEventDefinition,
				errs.WithMessage("malformed payload schema"),
				errs.WithCause(err),
				errs.WithContextValue("event", version.EventName),
				errs.WithContextValue("version", version.Version))
		}
	}

	if err := s.repo.InsertSchemaVersion(ctx, version, s.changedBy); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errs.New(errs.CodeEventNotFound,
				errs.WithMessage("event not found"),
				errs.WithContextValue("event", version.EventName))
		}
		return errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to store schema version"),
			errs.WithCause(err),
			errs.WithContextValue("event", version.EventName))
	}

	s.dropValidators(version.EventName)
	s.invalidateEvent(ctx, version.EventName)
	s.log.Info("schema version added",
		zap.String("event", version.EventName),
		zap.Int("version", version.Version),
		zap.Bool("breaking", version.BreakingChange))
	return nil
}

// SchemaHistory returns an event's schema versions ordered oldest first.
// Unknown events yield an empty history.
func (s *Service) SchemaHistory(ctx context.Context, eventName string) ([]*SchemaVersion, error) {
	history, err := s.repo.ListSchemaVersions(ctx, eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema history: %w", err)
	}
	return history, nil
}
