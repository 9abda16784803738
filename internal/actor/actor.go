// Package actor hosts behaviors: it loads and persists their state,
// validates and rate-limits the commands they receive, dispatches the
// events they emit, and carries their monitoring, security, and health
// surfaces.
package actor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/internal/bus"
	"github.com/nmxmxh/loom/internal/catalog"
	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/health"
	"github.com/nmxmxh/loom/pkg/metrics"
	"github.com/nmxmxh/loom/pkg/resilience"
	"github.com/nmxmxh/loom/pkg/schema"
)

const (
	defaultHealthSchedule = "@every 1m"
	defaultTaskTimeout    = time.Minute
	breakerStateSave      = "state_save"
)

// Built-in queries every actor answers without a behavior branch.
const (
	QueryHealth  = "GET_HEALTH"
	QueryMetrics = "GET_METRICS"
)

// Definition declares one event type an actor owns. Declared definitions
// are registered into the catalog during initialization; command and
// query definitions are also bound to the actor's inbound channel.
type Definition struct {
	Name        string
	Category    events.Category
	Description string
	Schema      *schema.Schema
}

// Options wires an actor instance into the runtime.
type Options struct {
	// Name is the logical actor name used in channel addressing.
	Name string

	// ID identifies this instance and keys its persisted state.
	// Defaults to Name; replicas sharing state keep the default,
	// replicas with private state override it.
	ID string

	Description string
	Version     string

	Bus       *bus.Bus
	Catalog   *catalog.Service
	States    StateStore
	Log       *zap.Logger
	Collector *metrics.Collector

	// Definitions this actor owns.
	Definitions []Definition

	// ValidationMode controls payload and state checking. Strict by
	// default; under strict, commands with no schema anywhere are
	// rejected.
	ValidationMode schema.Mode

	// HealthSchedule overrides the periodic health check cadence.
	HealthSchedule string

	// Breakers overrides circuit configs by breaker name.
	Breakers map[string]resilience.BreakerConfig

	Security SecurityOptions

	ExportMetricsOnShutdown  bool
	ExportSecurityOnShutdown bool
}

// Actor hosts one behavior instance.
type Actor[S any] struct {
	name     string
	id       string
	opts     Options
	behavior Behavior[S]

	log       *zap.Logger
	bus       *bus.Bus
	catalog   *catalog.Service
	states    StateStore
	collector *metrics.Collector
	tracer    trace.Tracer

	mu    sync.RWMutex
	state *S

	mode           schema.Mode
	stateValidator *schema.Validator
	localSchemas   map[string]*schema.Validator

	transformer *ErrorTransformer
	monitoring  *Monitoring
	security    *Security
	checker     *health.Checker
	limiters    map[string]*resilience.WindowLimiter

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	filterMu sync.Mutex
	filters  map[string]*vm.Program

	defs map[string]Definition

	cron      *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	subMu  sync.Mutex
	unsubs []func()

	initialized *atomic.Bool
	closed      *atomic.Bool
	stateReady  *atomic.Bool
}

// New builds an actor around a behavior. The actor is inert until
// Initialize runs.
func New[S any](behavior Behavior[S], opts Options) (*Actor[S], error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("actor name is required")
	}
	if err := events.ValidateActorName(opts.Name); err != nil {
		return nil, fmt.Errorf("invalid actor name: %w", err)
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("actor %s requires a bus", opts.Name)
	}
	if behavior.CreateDefaultState == nil {
		return nil, fmt.Errorf("actor %s requires CreateDefaultState", opts.Name)
	}
	if opts.ID == "" {
		opts.ID = opts.Name
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.States == nil {
		opts.States = NewMemoryStateStore()
	}
	if opts.ValidationMode == "" {
		opts.ValidationMode = schema.Strict
	}
	if opts.HealthSchedule == "" {
		opts.HealthSchedule = defaultHealthSchedule
	}

	log := opts.Log.With(zap.String("actor", opts.Name), zap.String("actor_id", opts.ID))

	a := &Actor[S]{
		name:         opts.Name,
		id:           opts.ID,
		opts:         opts,
		behavior:     behavior,
		log:          log,
		bus:          opts.Bus,
		catalog:      opts.Catalog,
		states:       opts.States,
		collector:    opts.Collector,
		tracer:       otel.Tracer("loom/actor"),
		mode:         opts.ValidationMode,
		localSchemas: make(map[string]*schema.Validator, len(behavior.CommandSchemas)),
		limiters:     make(map[string]*resilience.WindowLimiter, len(behavior.RateLimits)),
		breakers:     make(map[string]*resilience.CircuitBreaker),
		filters:      make(map[string]*vm.Program),
		defs:         make(map[string]Definition, len(opts.Definitions)),
		initialized:  atomic.NewBool(false),
		closed:       atomic.NewBool(false),
		stateReady:   atomic.NewBool(false),
	}

	if behavior.StateSchema != nil {
		validator, err := behavior.StateSchema.Compile(opts.ValidationMode)
		if err != nil {
			return nil, fmt.Errorf("state schema for %s does not compile: %w", opts.Name, err)
		}
		a.stateValidator = validator
	}
	for name, s := range behavior.CommandSchemas {
		if err := events.ValidateEventName(name); err != nil {
			return nil, fmt.Errorf("invalid command schema key: %w", err)
		}
		validator, err := s.Compile(opts.ValidationMode)
		if err != nil {
			return nil, fmt.Errorf("command schema %s for %s does not compile: %w", name, opts.Name, err)
		}
		a.localSchemas[name] = validator
	}
	for _, def := range opts.Definitions {
		if err := events.ValidateEventName(def.Name); err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		a.defs[def.Name] = def
	}
	for event, rl := range behavior.RateLimits {
		a.limiters[event] = resilience.NewWindowLimiter(resilience.WindowConfig{
			Window:      rl.Window,
			MaxRequests: rl.MaxRequests,
		})
	}

	a.transformer = NewErrorTransformer(opts.Name, behavior.ErrorTransforms...)
	a.monitoring = NewMonitoring(opts.Name, opts.Collector)

	security := opts.Security
	if security.Collector == nil {
		security.Collector = opts.Collector
	}
	if security.Log == nil {
		security.Log = log
	}
	a.security = NewSecurity(opts.ID, opts.Name, security)

	a.Breaker(breakerStateSave)
	a.registerChecks()
	a.cron = cron.New()
	return a, nil
}

func (a *Actor[S]) registerChecks() {
	a.checker = health.NewChecker()
	a.checker.Register(health.NewCheckFunc("state", func(context.Context) error {
		if !a.stateReady.Load() {
			return fmt.Errorf("state is not loaded")
		}
		return nil
	}))
	a.checker.Register(health.NewCheckFunc("bus", func(context.Context) error {
		return a.bus.Health()
	}))
	a.checker.Register(health.NewCheckFunc("breakers", func(context.Context) error {
		a.breakerMu.Lock()
		defer a.breakerMu.Unlock()
		for name, br := range a.breakers {
			if !br.Healthy() {
				return fmt.Errorf("breaker %s is open", name)
			}
		}
		return nil
	}))
	if a.behavior.Hooks.OnHealthCheck != nil {
		a.checker.Register(health.NewCheckFunc("behavior", func(ctx context.Context) error {
			a.mu.RLock()
			defer a.mu.RUnlock()
			if a.state == nil {
				return fmt.Errorf("state is not loaded")
			}
			return a.behavior.Hooks.OnHealthCheck(ctx, a.state)
		}))
	}
}

// Name returns the logical actor name.
func (a *Actor[S]) Name() string { return a.name }

// ID returns the instance id.
func (a *Actor[S]) ID() string { return a.id }

// Initialize loads state, registers the actor in the catalog, binds
// declared commands, and starts the background schedules. Calling it on
// an initialized actor is a no-op.
func (a *Actor[S]) Initialize(ctx context.Context) error {
	if !a.initialized.CompareAndSwap(false, true) {
		return nil
	}
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	if h := a.behavior.Hooks.BeforeStateLoad; h != nil {
		if err := h(ctx); err != nil {
			return a.failInit(fmt.Errorf("before-state-load hook failed: %w", err))
		}
	}

	state, err := a.loadState(ctx)
	if err != nil {
		return a.failInit(err)
	}
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	a.stateReady.Store(true)

	if h := a.behavior.Hooks.AfterStateLoad; h != nil {
		if err := h(ctx, state); err != nil {
			return a.failInit(fmt.Errorf("after-state-load hook failed: %w", err))
		}
	}

	a.monitoring.SetGauge("initialized_at_epoch", float64(time.Now().Unix()))

	if err := a.registerCatalog(ctx); err != nil {
		return a.failInit(err)
	}

	if h := a.behavior.OnInitialize; h != nil {
		if err := h(ctx, state); err != nil {
			return a.failInit(fmt.Errorf("initialize hook failed: %w", err))
		}
	}

	for _, def := range a.opts.Definitions {
		category := def.Category
		if category == "" {
			category = events.InferCategory(def.Name)
		}
		if category == events.CategoryCommand || category == events.CategoryQuery {
			if err := a.On(def.Name); err != nil {
				return a.failInit(err)
			}
		}
	}
	for _, builtin := range []string{QueryHealth, QueryMetrics} {
		if _, ok := a.defs[builtin]; ok {
			continue
		}
		if err := a.On(builtin); err != nil {
			return a.failInit(err)
		}
	}

	if _, err := a.cron.AddFunc(a.opts.HealthSchedule, a.healthJob); err != nil {
		return a.failInit(fmt.Errorf("invalid health schedule %q: %w", a.opts.HealthSchedule, err))
	}
	for _, task := range a.behavior.Tasks {
		if task.Schedule == "" || task.Run == nil {
			continue
		}
		task := task
		if _, err := a.cron.AddFunc(task.Schedule, func() { a.runTask(task) }); err != nil {
			return a.failInit(fmt.Errorf("invalid schedule for task %s: %w", task.Name, err))
		}
	}
	a.cron.Start()

	if w := a.security.Worker(); w != nil {
		if err := w.Start(a.runCtx); err != nil {
			a.log.Warn("security webhook worker failed to start", zap.Error(err))
		}
	}

	if a.collector != nil {
		a.collector.ActiveActors.Inc()
	}
	a.log.Info("actor initialized",
		zap.Int("definitions", len(a.opts.Definitions)),
		zap.Int("rate_limits", len(a.limiters)),
	)
	return nil
}

func (a *Actor[S]) failInit(err error) error {
	a.subMu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.subMu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	if a.runCancel != nil {
		a.runCancel()
	}
	a.stateReady.Store(false)
	a.initialized.Store(false)
	return err
}

// loadState restores persisted state or builds the default. Persisted
// bytes are schema-checked before reconstruction so a bad write surfaces
// at startup, not mid-command.
func (a *Actor[S]) loadState(ctx context.Context) (*S, error) {
	data, found, err := a.states.Load(ctx, a.id)
	if err != nil {
		return nil, a.transformer.Transform(err)
	}
	if !found {
		state := a.behavior.CreateDefaultState()
		a.log.Info("starting from default state")
		return &state, nil
	}

	if a.stateValidator != nil {
		tree, err := SemanticTree(data)
		if err != nil {
			return nil, errs.New(errs.CodeStateValidationFailed,
				errs.WithMessage("persisted state is unreadable"),
				errs.WithCause(err),
				errs.WithContextValue("actor", a.name))
		}
		if result := a.stateValidator.Validate(tree); !result.Valid {
			return nil, errs.New(errs.CodeStateValidationFailed,
				errs.WithMessage("persisted state does not match the state schema"),
				errs.WithFields(result.Errors),
				errs.WithContextValue("actor", a.name),
				errs.WithContextValue("suggestion",
					`wrap keyed collections as {"__type":"map","entries":{...}} containers so they reconstruct as mappings`))
		}
	}

	var state S
	if err := DecodeState(data, &state); err != nil {
		return nil, errs.New(errs.CodeStateValidationFailed,
			errs.WithMessage("failed to reconstruct persisted state"),
			errs.WithCause(err),
			errs.WithContextValue("actor", a.name))
	}
	a.log.Info("state restored", zap.Int("bytes", len(data)))
	return &state, nil
}

func (a *Actor[S]) registerCatalog(ctx context.Context) error {
	if a.catalog == nil {
		return nil
	}

	manifest := &catalog.Manifest{
		ActorName:   a.name,
		Description: a.opts.Description,
		Version:     a.opts.Version,
	}
	if _, err := a.catalog.RegisterActor(ctx, manifest); err != nil {
		return fmt.Errorf("failed to register actor manifest: %w", err)
	}

	for _, def := range a.opts.Definitions {
		record := &catalog.EventDefinition{
			Name:          def.Name,
			Category:      def.Category,
			Description:   def.Description,
			ProducerActor: a.name,
		}
		if def.Schema != nil {
			raw, err := def.Schema.Marshal()
			if err != nil {
				return fmt.Errorf("schema for %s does not marshal: %w", def.Name, err)
			}
			record.PayloadSchema = raw
		}
		if _, err := a.catalog.Register(ctx, record); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

// On binds the actor's dispatch pipeline to its inbound channel for the
// event type. Declared commands and queries are bound automatically.
func (a *Actor[S]) On(eventType string) error {
	if err := events.ValidateEventName(eventType); err != nil {
		return errs.New(errs.CodeValidationError,
			errs.WithMessage("invalid event type"),
			errs.WithCause(err))
	}
	unsub, err := a.bus.On(a.name, eventType, a.dispatchHandler())
	if err != nil {
		return err
	}
	a.subMu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.subMu.Unlock()
	return nil
}

// Listen subscribes the actor to an event type's broadcast channel and
// feeds deliveries through the command pipeline.
func (a *Actor[S]) Listen(eventType string) error {
	if err := events.ValidateEventName(eventType); err != nil {
		return errs.New(errs.CodeValidationError,
			errs.WithMessage("invalid event type"),
			errs.WithCause(err))
	}
	unsub, err := a.bus.Subscribe(eventType, func(ctx context.Context, env *events.Envelope) (map[string]any, error) {
		result, err := a.Handle(ctx, env)
		if err != nil {
			return nil, err
		}
		return result.Data, nil
	})
	if err != nil {
		return err
	}
	a.subMu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.subMu.Unlock()
	return nil
}

func (a *Actor[S]) dispatchHandler() bus.Handler {
	return func(ctx context.Context, env *events.Envelope) (map[string]any, error) {
		if a.categoryOf(ctx, env.Type) == events.CategoryQuery {
			return a.Query(ctx, env)
		}
		result, err := a.Handle(ctx, env)
		if err != nil {
			return nil, err
		}
		return result.Data, nil
	}
}

func (a *Actor[S]) categoryOf(ctx context.Context, eventType string) events.Category {
	if def, ok := a.defs[eventType]; ok && def.Category != "" {
		return def.Category
	}
	if a.catalog != nil {
		if def, err := a.catalog.GetDefinition(ctx, eventType); err == nil && def != nil {
			return def.Category
		}
	}
	return events.InferCategory(eventType)
}

// Breaker returns the named circuit breaker, creating it with the
// configured or default settings on first use. Behaviors use this to
// guard their own dependencies.
func (a *Actor[S]) Breaker(name string) *resilience.CircuitBreaker {
	a.breakerMu.Lock()
	defer a.breakerMu.Unlock()
	if br, ok := a.breakers[name]; ok {
		return br
	}
	br := resilience.NewCircuitBreaker(a.name+":"+name, a.opts.Breakers[name], a.log)
	a.breakers[name] = br
	return br
}

// ReadState runs fn with the current state under the read lock.
func (a *Actor[S]) ReadState(fn func(*S)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.state)
}

// HealthStatus runs every registered check and aggregates the outcome.
func (a *Actor[S]) HealthStatus(ctx context.Context) health.Report {
	return a.checker.Report(ctx)
}

// Metrics returns the monitoring snapshot plus breaker status and the
// security buffer size.
func (a *Actor[S]) Metrics() map[string]any {
	snapshot := a.monitoring.Snapshot()

	a.breakerMu.Lock()
	breakers := make(map[string]any, len(a.breakers))
	for name, br := range a.breakers {
		breakers[name] = br.Status()
	}
	a.breakerMu.Unlock()

	snapshot["breakers"] = breakers
	snapshot["securityEvents"] = a.security.Len()
	return snapshot
}

// SecurityEvents returns the buffered security events.
func (a *Actor[S]) SecurityEvents() []SecurityEvent {
	return a.security.Events()
}

func (a *Actor[S]) healthJob() {
	ctx, cancel := context.WithTimeout(a.runCtx, 10*time.Second)
	defer cancel()

	report := a.checker.Report(ctx)
	healthy := 0.0
	if report.Status == health.StatusHealthy {
		healthy = 1
	}
	a.monitoring.SetGauge("healthy", healthy)
	a.mirrorBreakers()

	if report.Status != health.StatusHealthy {
		failing := make([]string, 0, len(report.Checks))
		for name, result := range report.Checks {
			if result.Status != health.StatusHealthy {
				failing = append(failing, name)
			}
		}
		a.log.Warn("actor health check failed",
			zap.String("status", string(report.Status)),
			zap.Strings("failing", failing),
		)
	}
}

var breakerStateValue = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

func (a *Actor[S]) mirrorBreakers() {
	if a.collector == nil {
		return
	}
	a.breakerMu.Lock()
	defer a.breakerMu.Unlock()
	for name, br := range a.breakers {
		a.collector.BreakerState.WithLabelValues(a.name + ":" + name).Set(breakerStateValue[br.Status().State])
	}
}

func (a *Actor[S]) runTask(task Task[S]) {
	ctx, cancel := context.WithTimeout(a.runCtx, defaultTaskTimeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	if err := task.Run(ctx, a.state); err != nil {
		a.monitoring.IncrementCounter("task_failures", 1)
		a.log.Error("background task failed",
			zap.String("task", task.Name), zap.Error(err))
		if h := a.behavior.Hooks.OnError; h != nil {
			h(ctx, nil, err)
		}
		return
	}
	a.monitoring.IncrementCounter("tasks_run", 1)
	a.log.Debug("background task completed",
		zap.String("task", task.Name), zap.Duration("took", time.Since(start)))
}

// Shutdown stops intake, runs the shutdown hook, persists state one last
// time, and renders the configured exports. Safe to call twice.
func (a *Actor[S]) Shutdown(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !a.initialized.Load() {
		return nil
	}

	a.subMu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.subMu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	cronDone := a.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		a.log.Warn("shutdown abandoned running scheduled jobs")
	}

	if w := a.security.Worker(); w != nil {
		if err := w.Stop(ctx); err != nil {
			a.log.Warn("security webhook worker stop failed", zap.Error(err))
		}
		if err := a.security.Flush(ctx); err != nil {
			a.log.Warn("final security flush failed", zap.Error(err))
		}
	}

	a.mu.Lock()
	if h := a.behavior.Hooks.OnShutdown; h != nil && a.state != nil {
		if err := h(ctx, a.state); err != nil {
			a.log.Warn("shutdown hook failed", zap.Error(err))
		}
	}
	var saveErr error
	if a.state != nil {
		if data, err := EncodeState(a.state); err != nil {
			saveErr = err
		} else {
			saveErr = a.states.Save(ctx, a.id, data)
		}
	}
	a.mu.Unlock()
	if saveErr != nil {
		a.log.Error("final state save failed", zap.Error(saveErr))
	}

	if a.runCancel != nil {
		a.runCancel()
	}

	if a.opts.ExportMetricsOnShutdown {
		if err := a.monitoring.ExportTable(os.Stdout); err != nil {
			a.log.Warn("metrics export failed", zap.Error(err))
		}
	}
	if a.opts.ExportSecurityOnShutdown && a.security.Len() > 0 {
		if err := a.security.ExportTable(os.Stdout); err != nil {
			a.log.Warn("security export failed", zap.Error(err))
		}
	}

	if a.collector != nil {
		a.collector.ActiveActors.Dec()
	}
	a.log.Info("actor stopped")
	return nil
}

// Start implements lifecycle.Resource.
func (a *Actor[S]) Start(ctx context.Context) error { return a.Initialize(ctx) }

// Stop implements lifecycle.Resource.
func (a *Actor[S]) Stop(ctx context.Context) error { return a.Shutdown(ctx) }

// Health implements lifecycle.Resource.
func (a *Actor[S]) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report := a.checker.Report(ctx)
	if report.Status == health.StatusUnhealthy {
		for name, result := range report.Checks {
			if result.Status == health.StatusUnhealthy {
				return fmt.Errorf("check %s: %s", name, result.Error)
			}
		}
	}
	return nil
}
