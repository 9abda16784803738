package catalog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RecordMetric appends one delivery observation. When metrics are
// disabled this is a silent no-op so callers never need to branch.
func (s *Service) RecordMetric(ctx context.Context, metric *Metric) error {
	if !s.metricsEnabled || metric == nil {
		return nil
	}

	m := *metric
	if m.Direction == "" {
		m.Direction = DirectionProduced
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	if err := s.repo.InsertMetric(ctx, &m); err != nil {
		s.log.Warn("failed to record event metric",
			zap.String("event", m.EventName),
			zap.String("direction", string(m.Direction)),
			zap.Error(err))
		return fmt.Errorf("failed to record event metric: %w", err)
	}
	return nil
}
