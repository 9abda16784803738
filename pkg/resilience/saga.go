package resilience

import (
	"context"

	"go.uber.org/zap"
)

// SagaStep is one unit of a compensating workflow.
type SagaStep struct {
	Name string
	// Action performs the step.
	Action func(context.Context) error
	// Compensation undoes the step; nil means nothing to undo.
	Compensation func(context.Context) error
}

// SagaResult reports a saga run.
type SagaResult struct {
	Success       bool
	ExecutedSteps []string
	Err           error
}

// Saga executes steps in order and, on failure, runs the compensations
// of the completed steps in reverse order. Compensation failures are
// logged and do not stop further compensations.
type Saga struct {
	name  string
	steps []SagaStep
	log   *zap.Logger
}

// NewSaga builds an empty saga.
func NewSaga(name string, log *zap.Logger) *Saga {
	if log == nil {
		log = zap.NewNop()
	}
	return &Saga{name: name, log: log}
}

// AddStep appends a step and returns the saga for chaining.
func (s *Saga) AddStep(name string, action, compensation func(context.Context) error) *Saga {
	s.steps = append(s.steps, SagaStep{Name: name, Action: action, Compensation: compensation})
	return s
}

// Execute runs the saga.
func (s *Saga) Execute(ctx context.Context) SagaResult {
	executed := make([]string, 0, len(s.steps))

	for i, step := range s.steps {
		if err := step.Action(ctx); err != nil {
			s.log.Warn("saga step failed, compensating",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			s.compensate(ctx, i)
			return SagaResult{Success: false, ExecutedSteps: executed, Err: err}
		}
		executed = append(executed, step.Name)
	}

	return SagaResult{Success: true, ExecutedSteps: executed}
}

// compensate unwinds steps 0..failed-1 in reverse order.
func (s *Saga) compensate(ctx context.Context, failed int) {
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensation == nil {
			continue
		}
		if err := step.Compensation(ctx); err != nil {
			s.log.Error("saga compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
		}
	}
}
