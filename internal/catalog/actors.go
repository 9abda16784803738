package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
)

// RegisterActor inserts or replaces an actor manifest.
func (s *Service) RegisterActor(ctx context.Context, manifest *Manifest) (*Manifest, error) {
	if manifest == nil {
		return nil, errs.New(errs.CodeValidationError,
			errs.WithMessage("manifest is required"))
	}
	if err := events.ValidateActorName(manifest.ActorName); err != nil {
		return nil, errs.New(errs.CodeValidationError,
			errs.WithMessage("invalid actor name"),
			errs.WithCause(err))
	}

	stored, err := s.repo.UpsertManifest(ctx, manifest)
	if err != nil {
		return nil, errs.New(errs.CodeEventRegistrationFailed,
			errs.WithMessage("failed to store actor manifest"),
			errs.WithCause(err),
			errs.WithContextValue("actor", manifest.ActorName))
	}
	s.log.Info("actor registered", zap.String("actor", stored.ActorName), zap.String("version", stored.Version))
	return stored, nil
}

// GetActorManifest returns the manifest, or nil when the actor is unknown.
func (s *Service) GetActorManifest(ctx context.Context, actorName string) (*Manifest, error) {
	manifest, err := s.repo.GetManifest(ctx, actorName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load actor manifest: %w", err)
	}
	return manifest, nil
}

// DiscoverEvents derives what an actor produces and consumes from catalog
// rows. An actor with no registrations yields empty lists, not nil.
func (s *Service) DiscoverEvents(ctx context.Context, actorName string) (*ActorEvents, error) {
	produces, err := s.repo.ProducedBy(ctx, actorName)
	if err != nil {
		return nil, fmt.Errorf("failed to discover produced events: %w", err)
	}
	consumes, err := s.repo.ConsumedBy(ctx, actorName)
	if err != nil {
		return nil, fmt.Errorf("failed to discover consumed events: %w", err)
	}
	if produces == nil {
		produces = []string{}
	}
	if consumes == nil {
		consumes = []string{}
	}
	return &ActorEvents{Produces: produces, Consumes: consumes}, nil
}
