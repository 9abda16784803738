package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/loom/internal/bus"
	"github.com/nmxmxh/loom/internal/catalog"
	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/health"
	"github.com/nmxmxh/loom/pkg/json"
	"github.com/nmxmxh/loom/pkg/schema"
)

// Handle runs one command through the dispatch pipeline: pre-command
// hook, validation, rate limit, behavior, post-command hook, event
// emission, state save. The state lock is held for the whole pipeline,
// so commands on one actor run serially.
func (a *Actor[S]) Handle(ctx context.Context, env *events.Envelope) (*Result, error) {
	if err := a.admit(env); err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env = env.Derive(events.NewCorrelationID())
	}

	ctx, span := a.tracer.Start(ctx, "actor.command", trace.WithAttributes(
		attribute.String("loom.actor", a.name),
		attribute.String("loom.event_type", env.Type),
		attribute.String("loom.correlation_id", env.CorrelationID),
	))
	defer span.End()

	start := time.Now()
	result, err := a.dispatchCommand(ctx, env)
	if err != nil {
		err = a.transformer.Transform(err)
	}
	a.recordCommand(ctx, env, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.CodeOf(err)))
		a.mirrorSecurityError(env, err, "command_security_error")
		if h := a.behavior.Hooks.OnError; h != nil {
			h(ctx, env, err)
		}
		return nil, err
	}
	return result, nil
}

// Query answers one query. Queries never emit, never save, and are not
// rate limited; with ConcurrentQueries set they run under the read lock.
func (a *Actor[S]) Query(ctx context.Context, env *events.Envelope) (map[string]any, error) {
	if err := a.admit(env); err != nil {
		return nil, err
	}
	if env.CorrelationID == "" {
		env = env.Derive(events.NewCorrelationID())
	}

	ctx, span := a.tracer.Start(ctx, "actor.query", trace.WithAttributes(
		attribute.String("loom.actor", a.name),
		attribute.String("loom.event_type", env.Type),
	))
	defer span.End()

	// Built-ins are answered outside the dispatch lock so a slow
	// command cannot block a health probe.
	switch env.Type {
	case QueryHealth:
		return healthPayload(a.checker.Report(ctx)), nil
	case QueryMetrics:
		return a.Metrics(), nil
	}

	start := time.Now()
	data, err := a.dispatchQuery(ctx, env)
	if err != nil {
		err = a.transformer.Transform(err)
	}
	a.recordQuery(env, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.CodeOf(err)))
		a.mirrorSecurityError(env, err, "query_security_error")
		if h := a.behavior.Hooks.OnError; h != nil {
			h(ctx, env, err)
		}
		return nil, err
	}
	return data, nil
}

func (a *Actor[S]) admit(env *events.Envelope) error {
	if a.closed.Load() {
		return errs.New(errs.CodeBusClosed,
			errs.WithMessage("actor is shut down"),
			errs.WithContextValue("actor", a.name))
	}
	if !a.initialized.Load() {
		return errs.New(errs.CodeUnknownError,
			errs.WithMessage("actor is not initialized"),
			errs.WithContextValue("actor", a.name))
	}
	if err := events.ValidateEnvelope(env); err != nil {
		return errs.New(errs.CodeValidationError,
			errs.WithMessage("invalid envelope"),
			errs.WithCause(err))
	}
	return nil
}

func (a *Actor[S]) dispatchCommand(ctx context.Context, env *events.Envelope) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h := a.behavior.Hooks.BeforeCommand; h != nil {
		if err := h(ctx, a.state, env); err != nil {
			return nil, err
		}
	}

	if err := a.validateCommand(ctx, env); err != nil {
		return nil, err
	}
	if err := a.checkRateLimit(env); err != nil {
		return nil, err
	}

	if a.behavior.OnCommand == nil {
		return nil, errs.New(errs.CodeUnknownCommand,
			errs.WithMessage(fmt.Sprintf("%s handles no commands", a.name)),
			errs.WithContextValue("eventType", env.Type))
	}
	result, err := a.behavior.OnCommand(ctx, a.state, env)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = OK(nil)
	}

	if h := a.behavior.Hooks.AfterCommand; h != nil {
		if err := h(ctx, a.state, env, result); err != nil {
			return nil, err
		}
	}

	for _, event := range result.Events {
		if event == nil {
			continue
		}
		out := event
		if out.CorrelationID == "" {
			out = out.Derive(env.CorrelationID)
		}
		if err := a.emit(ctx, out); err != nil {
			a.monitoring.IncrementCounter("emit_failures", 1)
			a.log.Warn("event emission failed",
				zap.String("event_type", event.Type), zap.Error(err))
		}
	}

	a.saveState(ctx)
	a.monitoring.SetGauge("last_activity_epoch", float64(time.Now().Unix()))
	return result, nil
}

func (a *Actor[S]) dispatchQuery(ctx context.Context, env *events.Envelope) (map[string]any, error) {
	if a.behavior.ConcurrentQueries {
		a.mu.RLock()
		defer a.mu.RUnlock()
	} else {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	if h := a.behavior.Hooks.BeforeQuery; h != nil {
		if err := h(ctx, a.state, env); err != nil {
			return nil, err
		}
	}

	if err := a.validateQuery(ctx, env); err != nil {
		return nil, err
	}

	if a.behavior.OnQuery == nil {
		return nil, errs.New(errs.CodeUnknownQuery,
			errs.WithMessage(fmt.Sprintf("%s handles no queries", a.name)),
			errs.WithContextValue("eventType", env.Type))
	}
	data, err := a.behavior.OnQuery(ctx, a.state, env)
	if err != nil {
		return nil, err
	}

	if h := a.behavior.Hooks.AfterQuery; h != nil {
		if err := h(ctx, a.state, env, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// validateCommand checks the payload catalog-first with the local schema
// as fallback. Under strict mode a command with no schema anywhere is
// rejected; loose mode lets it through.
func (a *Actor[S]) validateCommand(ctx context.Context, env *events.Envelope) error {
	if a.catalog != nil {
		def, err := a.catalog.GetDefinition(ctx, env.Type)
		if err != nil {
			a.log.Warn("catalog unavailable for validation, using local schema",
				zap.String("event_type", env.Type), zap.Error(err))
		} else if def != nil {
			if len(def.PayloadSchema) == 0 {
				return nil
			}
			if result := a.catalog.ValidatePayload(ctx, env.Type, env.Payload); !result.Valid {
				return a.validationFailure(env, result.Errors, a.exampleFromRaw(def.PayloadSchema))
			}
			return nil
		}
	}

	if validator, ok := a.localSchemas[env.Type]; ok {
		if result := validator.Validate(env.Payload); !result.Valid {
			return a.validationFailure(env, result.Errors, a.behavior.CommandSchemas[env.Type].Example())
		}
		return nil
	}

	if a.catalog != nil && a.mode == schema.Strict {
		return errs.New(errs.CodeCommandValidationFailed,
			errs.WithMessage(fmt.Sprintf("%s is not declared in the catalog", env.Type)),
			errs.WithContextValue("actor", a.name),
			errs.WithContextValue("eventType", env.Type))
	}
	return nil
}

// validateQuery checks the payload only when a schema exists; undeclared
// queries pass so read probes stay cheap to add.
func (a *Actor[S]) validateQuery(ctx context.Context, env *events.Envelope) error {
	if a.catalog != nil {
		def, err := a.catalog.GetDefinition(ctx, env.Type)
		if err == nil && def != nil && len(def.PayloadSchema) > 0 {
			if result := a.catalog.ValidatePayload(ctx, env.Type, env.Payload); !result.Valid {
				return a.validationFailure(env, result.Errors, a.exampleFromRaw(def.PayloadSchema))
			}
			return nil
		}
	}
	if validator, ok := a.localSchemas[env.Type]; ok {
		if result := validator.Validate(env.Payload); !result.Valid {
			return a.validationFailure(env, result.Errors, a.behavior.CommandSchemas[env.Type].Example())
		}
	}
	return nil
}

func (a *Actor[S]) validationFailure(env *events.Envelope, fields []errs.FieldError, example any) error {
	opts := []errs.Option{
		errs.WithMessage(fmt.Sprintf("payload for %s failed validation", env.Type)),
		errs.WithFields(fields),
		errs.WithContextValue("actor", a.name),
		errs.WithContextValue("eventType", env.Type),
	}
	if example != nil {
		opts = append(opts, errs.WithContextValue("example", example))
	}
	return errs.New(errs.CodeCommandValidationFailed, opts...)
}

func (a *Actor[S]) exampleFromRaw(raw json.RawMessage) any {
	parsed, err := schema.Parse(raw, a.mode)
	if err != nil {
		return nil
	}
	return parsed.Example()
}

func (a *Actor[S]) checkRateLimit(env *events.Envelope) error {
	limiter, ok := a.limiters[env.Type]
	if !ok {
		return nil
	}
	key := "global"
	if rl, ok := a.behavior.RateLimits[env.Type]; ok && rl.KeyGenerator != nil {
		if k := rl.KeyGenerator(env.Payload); k != "" {
			key = k
		}
	}
	if limiter.Allow(key) {
		return nil
	}

	a.monitoring.IncrementCounter("rate_limited", 1)
	if a.collector != nil {
		a.collector.RateLimited.WithLabelValues(a.name, env.Type).Inc()
	}
	return errs.New(errs.CodeRateLimitExceeded,
		errs.WithMessage(fmt.Sprintf("rate limit exceeded for %s", env.Type)),
		errs.WithContextValue("actor", a.name),
		errs.WithContextValue("key", key))
}

// saveState persists the current state through the state_save breaker. A
// failing store trips the breaker; the command still succeeds.
func (a *Actor[S]) saveState(ctx context.Context) {
	data, err := EncodeState(a.state)
	if err != nil {
		a.log.Error("state failed to encode", zap.Error(err))
		return
	}
	breaker := a.Breaker(breakerStateSave)
	if err := breaker.Execute(ctx, func(ctx context.Context) error {
		return a.states.Save(ctx, a.id, data)
	}); err != nil {
		a.monitoring.IncrementCounter("state_save_failures", 1)
		a.log.Error("state save failed", zap.Error(err))
		return
	}
	a.monitoring.IncrementCounter("state_saves", 1)
}

// Publish validates the event and dispatches it to its registered
// consumers. Behaviors normally emit through Result.Events; Publish is
// for events raised outside a command, like task output.
func (a *Actor[S]) Publish(ctx context.Context, env *events.Envelope) error {
	if a.closed.Load() {
		return errs.New(errs.CodeBusClosed,
			errs.WithMessage("actor is shut down"),
			errs.WithContextValue("actor", a.name))
	}
	if err := events.ValidateEnvelope(env); err != nil {
		return errs.New(errs.CodeValidationError,
			errs.WithMessage("invalid envelope"),
			errs.WithCause(err))
	}
	return a.emit(ctx, env)
}

// emit revalidates an outbound event and routes it to every registered
// consumer by its declared pattern. Events nobody consumes fall back to
// a broadcast so they stay observable.
func (a *Actor[S]) emit(ctx context.Context, env *events.Envelope) error {
	stamped := *env
	stamped.Metadata.Source = a.name
	stamped.Metadata.SourceActorID = a.id

	if err := a.validateEmit(ctx, &stamped); err != nil {
		a.monitoring.IncrementCounter("validation_failures", 1)
		if a.collector != nil {
			a.collector.ValidationFailures.WithLabelValues(stamped.Type, "emit").Inc()
		}
		return err
	}

	start := time.Now()
	err := a.dispatchConsumers(ctx, &stamped)
	a.recordProduced(ctx, &stamped, time.Since(start), err)
	if err == nil {
		a.monitoring.IncrementCounter("events_emitted", 1)
	}
	return err
}

func (a *Actor[S]) validateEmit(ctx context.Context, env *events.Envelope) error {
	if a.catalog == nil {
		return nil
	}
	def, err := a.catalog.GetDefinition(ctx, env.Type)
	if err != nil || def == nil || len(def.PayloadSchema) == 0 {
		return nil
	}
	if result := a.catalog.ValidatePayload(ctx, env.Type, env.Payload); !result.Valid {
		return errs.New(errs.CodeValidationError,
			errs.WithMessage(fmt.Sprintf("emitted %s failed validation", env.Type)),
			errs.WithFields(result.Errors),
			errs.WithContextValue("actor", a.name),
			errs.WithContextValue("eventType", env.Type))
	}
	return nil
}

func (a *Actor[S]) dispatchConsumers(ctx context.Context, env *events.Envelope) error {
	if a.catalog == nil {
		return a.bus.Publish(ctx, env)
	}

	consumers, err := a.catalog.GetConsumers(ctx, env.Type)
	if err != nil {
		a.log.Warn("consumer lookup failed, broadcasting",
			zap.String("event_type", env.Type), zap.Error(err))
		return a.bus.Publish(ctx, env)
	}
	if len(consumers) == 0 {
		return a.bus.Publish(ctx, env)
	}

	g, gctx := errgroup.WithContext(ctx)
	broadcast := false
	for _, consumer := range consumers {
		consumer := consumer
		if !a.consumerMatches(consumer, env) {
			a.monitoring.IncrementCounter("consumers_filtered", 1)
			continue
		}
		switch consumer.Pattern {
		case catalog.PatternPublish:
			broadcast = true
		case catalog.PatternAsk:
			out := childEnvelope(env)
			g.Go(func() error { return a.askConsumer(gctx, consumer, out) })
		default:
			out := childEnvelope(env)
			g.Go(func() error { return a.tellConsumer(gctx, consumer, out) })
		}
	}
	if broadcast {
		g.Go(func() error { return a.bus.Publish(gctx, env) })
	}
	return g.Wait()
}

// childEnvelope rekeys a directed delivery onto a child correlation id,
// suffix-chained so the cascade stays searchable by the initiating id.
// The parent id cannot ride along verbatim: the originating ask may
// still hold the reply channel for it, and a directed delivery always
// answers to its correlation id.
func childEnvelope(env *events.Envelope) *events.Envelope {
	if env.CorrelationID == "" {
		return env
	}
	return env.Derive(env.CorrelationID + "-" + events.NewCorrelationID()[:8])
}

// tellConsumer delivers to one tell consumer. Only a required consumer's
// failure fails the emission.
func (a *Actor[S]) tellConsumer(ctx context.Context, consumer *catalog.Consumer, env *events.Envelope) error {
	if err := a.bus.Tell(ctx, consumer.ConsumerActor, env); err != nil {
		if consumer.Required {
			return fmt.Errorf("required consumer %s: %w", consumer.ConsumerActor, err)
		}
		a.log.Warn("optional consumer delivery failed",
			zap.String("consumer", consumer.ConsumerActor),
			zap.String("event_type", env.Type),
			zap.Error(err))
	}
	return nil
}

func (a *Actor[S]) askConsumer(ctx context.Context, consumer *catalog.Consumer, env *events.Envelope) error {
	var opts []bus.AskOption
	if consumer.TimeoutMS > 0 {
		opts = append(opts, bus.WithAskTimeout(time.Duration(consumer.TimeoutMS)*time.Millisecond))
	}
	if _, err := a.bus.Ask(ctx, consumer.ConsumerActor, env, opts...); err != nil {
		if consumer.Required {
			return fmt.Errorf("required consumer %s: %w", consumer.ConsumerActor, err)
		}
		a.log.Warn("optional consumer ask failed",
			zap.String("consumer", consumer.ConsumerActor),
			zap.String("event_type", env.Type),
			zap.Error(err))
	}
	return nil
}

func (a *Actor[S]) consumerMatches(consumer *catalog.Consumer, env *events.Envelope) bool {
	if consumer.Filter == "" {
		return true
	}
	return catalog.EvalFilter(a.compiledFilter(consumer.Filter), catalog.FilterEnv(env))
}

// compiledFilter caches compiled consumer filters by source. A filter
// that does not compile is cached as nil and fails open.
func (a *Actor[S]) compiledFilter(src string) *vm.Program {
	a.filterMu.Lock()
	defer a.filterMu.Unlock()
	if program, ok := a.filters[src]; ok {
		return program
	}
	program, err := catalog.CompileFilter(src)
	if err != nil {
		a.log.Warn("consumer filter does not compile, delivering unfiltered",
			zap.String("filter", src), zap.Error(err))
		program = nil
	}
	a.filters[src] = program
	return program
}

func (a *Actor[S]) mirrorSecurityError(env *events.Envelope, err error, eventType string) {
	if !IsSecurityError(err) {
		return
	}
	userID := env.Metadata.UserID
	if userID == "" {
		if v, ok := env.Payload["userId"].(string); ok {
			userID = v
		}
	}
	a.security.Record(SecurityEvent{
		Type:     eventType,
		Severity: SeverityMedium,
		UserID:   userID,
		Details: map[string]any{
			"eventType":     env.Type,
			"correlationId": env.CorrelationID,
			"error":         err.Error(),
		},
	})
}

func (a *Actor[S]) recordCommand(ctx context.Context, env *events.Envelope, took time.Duration, err error) {
	success := err == nil
	outcome := "ok"
	if !success {
		outcome = "error"
	}

	a.monitoring.IncrementCounter("commands_processed", 1)
	if !success {
		a.monitoring.IncrementCounter("commands_failed", 1)
	}
	a.monitoring.ObserveDuration("command_duration_seconds", took)
	if errs.IsCode(err, errs.CodeCommandValidationFailed) {
		a.monitoring.IncrementCounter("validation_failures", 1)
	}

	if a.collector != nil {
		a.collector.EventsProcessed.WithLabelValues(a.name, env.Type, outcome).Inc()
		a.collector.CommandDuration.WithLabelValues(a.name, env.Type).Observe(took.Seconds())
		if errs.IsCode(err, errs.CodeCommandValidationFailed) {
			a.collector.ValidationFailures.WithLabelValues(env.Type, "command").Inc()
		}
	}

	a.recordCatalogMetric(ctx, env, catalog.DirectionConsumed, took, err)
}

func (a *Actor[S]) recordQuery(env *events.Envelope, took time.Duration, err error) {
	a.monitoring.IncrementCounter("queries_processed", 1)
	if err != nil {
		a.monitoring.IncrementCounter("queries_failed", 1)
	}
	a.monitoring.ObserveDuration("query_duration_seconds", took)

	if a.collector != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		a.collector.EventsProcessed.WithLabelValues(a.name, env.Type, outcome).Inc()
	}
}

func (a *Actor[S]) recordProduced(ctx context.Context, env *events.Envelope, took time.Duration, err error) {
	a.recordCatalogMetric(ctx, env, catalog.DirectionProduced, took, err)
}

func (a *Actor[S]) recordCatalogMetric(ctx context.Context, env *events.Envelope, direction catalog.Direction, took time.Duration, err error) {
	if a.catalog == nil {
		return
	}
	metric := &catalog.Metric{
		EventName:     env.Type,
		ActorID:       a.id,
		Direction:     direction,
		Success:       err == nil,
		DurationMS:    took.Milliseconds(),
		CorrelationID: env.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		metric.ErrorMessage = err.Error()
	}
	if rerr := a.catalog.RecordMetric(ctx, metric); rerr != nil {
		a.log.Debug("failed to record delivery metric", zap.Error(rerr))
	}
}

func healthPayload(report health.Report) map[string]any {
	checks := make(map[string]any, len(report.Checks))
	for name, result := range report.Checks {
		entry := map[string]any{
			"status":    string(result.Status),
			"latencyMs": result.LatencyMS,
		}
		if result.Error != "" {
			entry["error"] = result.Error
		}
		checks[name] = entry
	}
	return map[string]any{
		"status": string(report.Status),
		"checks": checks,
	}
}
