package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/json"
	"github.com/nmxmxh/loom/pkg/lifecycle"
	"github.com/nmxmxh/loom/pkg/metrics"
	"github.com/nmxmxh/loom/pkg/redis"
	"github.com/nmxmxh/loom/pkg/resilience"
)

const (
	defaultAskTimeout = 5 * time.Second
	defaultAckTTL     = 30 * time.Second
	defaultSweep      = 10 * time.Second
	defaultMaxRedeliv = 5

	redeliveryBatch = 128
)

// Handler processes a delivered envelope. For directed deliveries the
// returned map travels back to the asker when the envelope carries a
// correlation id; tell handlers conventionally return nil.
type Handler func(ctx context.Context, env *events.Envelope) (map[string]any, error)

// Options configure a Bus.
type Options struct {
	// Transport carries envelopes between channels. Required.
	Transport Transport

	Log *zap.Logger

	// AskTimeout bounds each ask attempt. Defaults to 5s.
	AskTimeout time.Duration
	// AskRetries re-publishes a timed-out ask with exponential backoff
	// between attempts. Defaults to 0.
	AskRetries int

	// AtLeastOnce records every tell in the pending store until a
	// handler acks it; the redelivery sweeper republishes stale
	// entries.
	AtLeastOnce bool
	// Pending backs at-least-once tells. Defaults to an in-process
	// store.
	Pending PendingStore
	// AckTTL is how long a delivery may stay unacked before the
	// sweeper redelivers it. Defaults to 30s.
	AckTTL time.Duration
	// RedeliveryInterval is the sweeper period. Defaults to 10s.
	RedeliveryInterval time.Duration
	// MaxRedeliveries caps redelivery attempts before an envelope is
	// dead-lettered. Defaults to 5.
	MaxRedeliveries int

	// DedupLock claims each directed envelope across processes before
	// handling, so clustered instances sharing a subscription do not
	// double-process. Optional.
	DedupLock *redis.Cache
	// DLQ receives envelopes that exhausted redelivery. Without it
	// dead letters are logged and dropped.
	DLQ *redis.Client

	// Persist stores broadcast envelope bodies under event:<id> for
	// EventTTL. Optional.
	Persist  *redis.Client
	EventTTL time.Duration

	Collector *metrics.Collector
}

// Bus routes envelopes between actors. One transport subscription per
// channel fans out to every local handler; ask replies ride dedicated
// response channels keyed by correlation id.
type Bus struct {
	transport Transport
	log       *zap.Logger
	tracer    trace.Tracer

	askTimeout time.Duration
	askRetries int

	atLeastOnce bool
	pending     PendingStore
	ackTTL      time.Duration
	maxRedeliv  int

	dedup     *redis.Cache
	dlq       *redis.Client
	persist   *redis.Client
	eventTTL  time.Duration
	collector *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers map[string]*handlerSet
	nextID   uint64
	closed   bool
	closedCh chan struct{}

	asks   atomic.Int64
	worker *lifecycle.BackgroundWorker
}

type handlerSet struct {
	directed bool
	unsub    func()
	fns      map[uint64]Handler
}

// New builds a Bus over the given transport.
func New(opts Options) (*Bus, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("bus requires a transport")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = defaultAskTimeout
	}
	if opts.AckTTL <= 0 {
		opts.AckTTL = defaultAckTTL
	}
	if opts.RedeliveryInterval <= 0 {
		opts.RedeliveryInterval = defaultSweep
	}
	if opts.MaxRedeliveries <= 0 {
		opts.MaxRedeliveries = defaultMaxRedeliv
	}
	if opts.AtLeastOnce && opts.Pending == nil {
		opts.Pending = NewMemoryPendingStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		transport:   opts.Transport,
		log:         opts.Log,
		tracer:      otel.Tracer("loom/bus"),
		askTimeout:  opts.AskTimeout,
		askRetries:  opts.AskRetries,
		atLeastOnce: opts.AtLeastOnce,
		pending:     opts.Pending,
		ackTTL:      opts.AckTTL,
		maxRedeliv:  opts.MaxRedeliveries,
		dedup:       opts.DedupLock,
		dlq:         opts.DLQ,
		persist:     opts.Persist,
		eventTTL:    opts.EventTTL,
		collector:   opts.Collector,
		ctx:         ctx,
		cancel:      cancel,
		handlers:    make(map[string]*handlerSet),
		closedCh:    make(chan struct{}),
	}
	if opts.AtLeastOnce {
		b.worker = lifecycle.NewBackgroundWorker(
			"bus-redelivery", b.sweepPending, opts.RedeliveryInterval, opts.Log)
	}
	return b, nil
}

// AskOption overrides per-call ask behavior.
type AskOption func(*askConfig)

type askConfig struct {
	timeout time.Duration
	retries int
}

// WithAskTimeout overrides the bus-wide ask timeout for one call.
func WithAskTimeout(d time.Duration) AskOption {
	return func(c *askConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAskRetries overrides the bus-wide retry count for one call.
func WithAskRetries(n int) AskOption {
	return func(c *askConfig) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// Ask publishes the envelope to the target's inbound channel and waits
// for a reply on the response channel for its correlation id. A missing
// correlation id is minted. Timeouts surface as REQUEST_TIMEOUT after
// the configured retries are spent.
func (b *Bus) Ask(ctx context.Context, target string, env *events.Envelope, opts ...AskOption) (map[string]any, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := events.ValidateActorName(target); err != nil {
		return nil, invalidEnvelope(err)
	}
	if err := events.ValidateEnvelope(env); err != nil {
		return nil, invalidEnvelope(err)
	}

	cfg := askConfig{timeout: b.askTimeout, retries: b.askRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if env.CorrelationID == "" {
		env = env.Derive(events.NewCorrelationID())
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	ctx, span := b.tracer.Start(ctx, "bus.ask", trace.WithAttributes(
		attribute.String("loom.target", target),
		attribute.String("loom.event_type", env.Type),
		attribute.String("loom.correlation_id", env.CorrelationID),
	))
	defer span.End()

	replyCh := make(chan *events.Envelope, 1)
	unsub, err := b.transport.Subscribe(events.ResponseChannel(env.CorrelationID), func(data []byte) {
		var reply events.Envelope
		if err := json.Unmarshal(data, &reply); err != nil {
			b.log.Warn("discarding undecodable reply",
				zap.String("correlation_id", env.CorrelationID), zap.Error(err))
			return
		}
		select {
		case replyCh <- &reply:
		default: // late duplicate reply
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	b.asks.Inc()
	defer b.asks.Dec()

	channel := events.ActorChannel(target, env.Type)
	start := time.Now()

	var reply *events.Envelope
	askErr := resilience.Retry(ctx, resilience.RetryPolicy{MaxRetries: cfg.retries}, func(ctx context.Context) error {
		if err := b.transport.Publish(ctx, channel, data); err != nil {
			return resilience.Permanent(err)
		}
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		select {
		case r := <-replyCh:
			reply = r
			return nil
		case <-timer.C:
			return errs.New(errs.CodeRequestTimeout,
				errs.WithMessage(fmt.Sprintf("no reply from %s within %s", target, cfg.timeout)),
				errs.WithContextValue("eventType", env.Type),
				errs.WithContextValue("correlationId", env.CorrelationID))
		case <-ctx.Done():
			return resilience.Permanent(ctx.Err())
		case <-b.closedCh:
			return resilience.Permanent(errs.New(errs.CodeBusClosed,
				errs.WithMessage("bus is shutting down")))
		}
	})

	if b.collector != nil {
		b.collector.AskDuration.WithLabelValues(target, env.Type).Observe(time.Since(start).Seconds())
		b.collector.EventsPublished.WithLabelValues(env.Type, "ask").Inc()
	}

	if askErr != nil {
		if errors.Is(askErr, context.Canceled) || errors.Is(askErr, context.DeadlineExceeded) {
			return nil, errs.New(errs.CodeRequestTimeout,
				errs.WithMessage("request cancelled before reply"),
				errs.WithCause(askErr),
				errs.WithContextValue("eventType", env.Type))
		}
		return nil, askErr
	}
	return decodeReply(reply)
}

// Tell publishes the envelope to the target's inbound channel and
// returns after handoff. Under at-least-once delivery the envelope is
// recorded as pending first; redelivery covers both publish failures
// and handlers that never ack.
func (b *Bus) Tell(ctx context.Context, target string, env *events.Envelope) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := events.ValidateActorName(target); err != nil {
		return invalidEnvelope(err)
	}
	if err := events.ValidateEnvelope(env); err != nil {
		return invalidEnvelope(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if b.atLeastOnce {
		entry := &PendingEntry{
			Envelope: env,
			Target:   target,
			Attempts: 0,
			Deadline: time.Now().Add(b.ackTTL),
		}
		if err := b.pending.Put(ctx, entry); err != nil {
			return fmt.Errorf("failed to record pending delivery: %w", err)
		}
	}

	if b.collector != nil {
		b.collector.EventsPublished.WithLabelValues(env.Type, "tell").Inc()
	}

	channel := events.ActorChannel(target, env.Type)
	if err := b.transport.Publish(ctx, channel, data); err != nil {
		if b.atLeastOnce {
			// The pending entry survives; the sweeper republishes it.
			b.log.Warn("tell publish failed, leaving for redelivery",
				zap.String("target", target),
				zap.String("event_type", env.Type),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// Publish broadcasts the envelope to every subscriber of its type.
// Delivery is at-most-once.
func (b *Bus) Publish(ctx context.Context, env *events.Envelope) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := events.ValidateEnvelope(env); err != nil {
		return invalidEnvelope(err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if b.persist != nil && b.eventTTL > 0 {
		if err := b.persist.Set(ctx, events.EventKey(env.ID), data, b.eventTTL).Err(); err != nil {
			b.log.Warn("failed to persist event body",
				zap.String("envelope_id", env.ID), zap.Error(err))
		}
	}

	if b.collector != nil {
		b.collector.EventsPublished.WithLabelValues(env.Type, "publish").Inc()
	}
	return b.transport.Publish(ctx, events.BroadcastChannel(env.Type), data)
}

// On registers a handler for envelopes directed at the actor. The
// handler's result is routed back to askers.
func (b *Bus) On(actor, eventType string, handler Handler) (func(), error) {
	if err := events.ValidateActorName(actor); err != nil {
		return nil, invalidEnvelope(err)
	}
	if err := events.ValidateEventName(eventType); err != nil {
		return nil, invalidEnvelope(err)
	}
	return b.addHandler(events.ActorChannel(actor, eventType), handler, true)
}

// Subscribe registers a handler for broadcasts of the event type.
func (b *Bus) Subscribe(eventType string, handler Handler) (func(), error) {
	if err := events.ValidateEventName(eventType); err != nil {
		return nil, invalidEnvelope(err)
	}
	return b.addHandler(events.BroadcastChannel(eventType), handler, false)
}

func (b *Bus) addHandler(channel string, handler Handler, directed bool) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New(errs.CodeBusClosed, errs.WithMessage("bus is shutting down"))
	}

	set, ok := b.handlers[channel]
	if !ok {
		set = &handlerSet{directed: directed, fns: make(map[uint64]Handler)}
		unsub, err := b.transport.Subscribe(channel, func(data []byte) {
			b.deliver(channel, data)
		})
		if err != nil {
			return nil, err
		}
		set.unsub = unsub
		b.handlers[channel] = set
	}

	b.nextID++
	id := b.nextID
	set.fns[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			current, ok := b.handlers[channel]
			if !ok {
				return
			}
			delete(current.fns, id)
			if len(current.fns) == 0 {
				if current.unsub != nil {
					current.unsub()
				}
				delete(b.handlers, channel)
			}
		})
	}, nil
}

// deliver fans one transport message out to the channel's local
// handlers and drives ack and reply bookkeeping for directed channels.
func (b *Bus) deliver(channel string, data []byte) {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("discarding undecodable envelope",
			zap.String("channel", channel), zap.Error(err))
		return
	}

	b.mu.Lock()
	set, ok := b.handlers[channel]
	var (
		directed bool
		fns      []Handler
	)
	if ok {
		directed = set.directed
		fns = make([]Handler, 0, len(set.fns))
		for _, fn := range set.fns {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	ctx := b.ctx
	if directed && b.dedup != nil {
		won, err := b.dedup.TryLock(ctx, redis.EntityDedup, env.ID, redis.TTLDedupLock)
		if err != nil {
			b.log.Warn("dedup lock unavailable, delivering anyway",
				zap.String("envelope_id", env.ID), zap.Error(err))
		} else if !won {
			// Another instance claimed this envelope.
			return
		}
	}

	var (
		reply      map[string]any
		handlerErr error
		failed     int
	)
	for _, fn := range fns {
		res, err := b.invokeHandler(ctx, fn, &env)
		if err != nil {
			failed++
			if handlerErr == nil {
				handlerErr = err
			}
			continue
		}
		if reply == nil && res != nil {
			reply = res
		}
	}

	if !directed {
		return
	}

	// Ack only a fully handled delivery; a failed handler leaves the
	// entry for redelivery and, eventually, the dead letter stream.
	if b.atLeastOnce && failed == 0 {
		if _, err := b.pending.Ack(ctx, env.ID); err != nil {
			b.log.Warn("failed to ack delivery",
				zap.String("envelope_id", env.ID), zap.Error(err))
		}
	}

	if env.CorrelationID != "" {
		if failed == len(fns) {
			b.sendReply(ctx, &env, nil, handlerErr)
		} else {
			b.sendReply(ctx, &env, reply, nil)
		}
	}
}

func (b *Bus) invokeHandler(ctx context.Context, fn Handler, env *events.Envelope) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked",
				zap.String("event_type", env.Type),
				zap.String("envelope_id", env.ID),
				zap.Any("panic", r))
			err = errs.New(errs.CodeUnknownError,
				errs.WithMessage(fmt.Sprintf("handler panicked: %v", r)))
		}
	}()
	return fn(ctx, env)
}

func (b *Bus) sendReply(ctx context.Context, req *events.Envelope, data map[string]any, handlerErr error) {
	reply := events.New(req.Type, encodeReply(data, handlerErr),
		events.WithCorrelation(req.CorrelationID),
		events.WithActor(req.Actor),
		events.WithSource("reply"))
	body, err := json.Marshal(reply)
	if err != nil {
		b.log.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := b.transport.Publish(ctx, events.ResponseChannel(req.CorrelationID), body); err != nil {
		b.log.Warn("failed to publish reply",
			zap.String("correlation_id", req.CorrelationID), zap.Error(err))
	}
}

func encodeReply(data map[string]any, handlerErr error) map[string]any {
	if handlerErr != nil {
		return map[string]any{
			"success": false,
			"error": map[string]any{
				"code":    string(errs.CodeOf(handlerErr)),
				"message": handlerErr.Error(),
				"status":  errs.StatusOf(handlerErr),
			},
		}
	}
	payload := map[string]any{"success": true}
	if data != nil {
		payload["data"] = data
	}
	return payload
}

func decodeReply(reply *events.Envelope) (map[string]any, error) {
	if reply == nil || reply.Payload == nil {
		return nil, nil
	}
	if success, _ := reply.Payload["success"].(bool); success {
		data, _ := reply.Payload["data"].(map[string]any)
		return data, nil
	}

	code := errs.CodeUnknownError
	message := "ask failed"
	opts := []errs.Option{}
	if errMap, ok := reply.Payload["error"].(map[string]any); ok {
		if c, ok := errMap["code"].(string); ok && c != "" {
			code = errs.Code(c)
		}
		if m, ok := errMap["message"].(string); ok && m != "" {
			message = m
		}
		if status, ok := errMap["status"].(float64); ok && status > 0 {
			opts = append(opts, errs.WithStatus(int(status)))
		}
	}
	opts = append(opts, errs.WithMessage(message))
	return nil, errs.New(code, opts...)
}

// sweepPending republishes stale deliveries and dead-letters the ones
// that exhausted their attempts.
func (b *Bus) sweepPending(ctx context.Context) error {
	due, err := b.pending.Due(ctx, time.Now(), redeliveryBatch)
	if err != nil {
		return fmt.Errorf("failed to list due deliveries: %w", err)
	}

	for _, entry := range due {
		if entry.Attempts >= b.maxRedeliv {
			b.deadLetter(ctx, entry)
			continue
		}

		data, err := json.Marshal(entry.Envelope)
		if err != nil {
			b.log.Error("dropping unencodable pending entry",
				zap.String("envelope_id", entry.Envelope.ID), zap.Error(err))
			_, _ = b.pending.Ack(ctx, entry.Envelope.ID)
			continue
		}

		// Extend before publishing so a fast ack is not resurrected by
		// a late rewrite.
		if err := b.pending.Extend(ctx, entry.Envelope.ID, entry.Attempts+1, time.Now().Add(b.ackTTL)); err != nil {
			b.log.Warn("failed to extend pending entry",
				zap.String("envelope_id", entry.Envelope.ID), zap.Error(err))
			continue
		}
		channel := events.ActorChannel(entry.Target, entry.Envelope.Type)
		if err := b.transport.Publish(ctx, channel, data); err != nil {
			b.log.Warn("redelivery publish failed",
				zap.String("envelope_id", entry.Envelope.ID),
				zap.String("target", entry.Target),
				zap.Error(err))
			continue
		}

		if b.collector != nil {
			b.collector.Redeliveries.Inc()
		}
		b.log.Info("redelivered envelope",
			zap.String("envelope_id", entry.Envelope.ID),
			zap.String("target", entry.Target),
			zap.String("event_type", entry.Envelope.Type),
			zap.Int("attempt", entry.Attempts+1))
	}
	return nil
}

func (b *Bus) deadLetter(ctx context.Context, entry *PendingEntry) {
	cause := fmt.Errorf("redelivery exhausted after %d attempts", entry.Attempts)
	if b.dlq != nil {
		data, err := json.Marshal(entry.Envelope)
		if err == nil {
			if err := redis.EmitToDLQ(ctx, b.dlq, b.log, entry.Envelope.Type, entry.Target, data, entry.Attempts, cause); err != nil {
				b.log.Error("failed to emit dead letter",
					zap.String("envelope_id", entry.Envelope.ID), zap.Error(err))
				return // keep the entry; the next sweep retries the DLQ write
			}
		}
	} else {
		b.log.Error("dead letter dropped, no stream configured",
			zap.String("envelope_id", entry.Envelope.ID),
			zap.String("target", entry.Target),
			zap.String("event_type", entry.Envelope.Type),
			zap.Int("attempts", entry.Attempts))
	}

	if _, err := b.pending.Ack(ctx, entry.Envelope.ID); err != nil {
		b.log.Warn("failed to remove dead letter",
			zap.String("envelope_id", entry.Envelope.ID), zap.Error(err))
	}
	if b.collector != nil {
		b.collector.DeadLetters.Inc()
	}
}

// PendingAsks reports in-flight ask calls.
func (b *Bus) PendingAsks() int64 {
	return b.asks.Load()
}

// PendingDeliveries reports unacked at-least-once tells.
func (b *Bus) PendingDeliveries(ctx context.Context) (int, error) {
	if !b.atLeastOnce {
		return 0, nil
	}
	return b.pending.Len(ctx)
}

// SweepNow runs one redelivery pass outside the worker schedule.
func (b *Bus) SweepNow(ctx context.Context) error {
	if !b.atLeastOnce {
		return nil
	}
	return b.sweepPending(ctx)
}

// Name implements lifecycle.Resource.
func (b *Bus) Name() string { return "event-bus" }

// Start launches the redelivery sweeper when at-least-once delivery is
// enabled.
func (b *Bus) Start(ctx context.Context) error {
	if b.worker != nil {
		return b.worker.Start(ctx)
	}
	return nil
}

// Stop implements lifecycle.Resource.
func (b *Bus) Stop(ctx context.Context) error {
	if b.worker != nil {
		_ = b.worker.Stop(ctx)
	}
	return b.Close()
}

// Health reports transport reachability.
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return b.transport.Ping(ctx)
}

// Close unsubscribes every handler and fails in-flight asks with
// BUS_CLOSED. The transport itself is left to its owner.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sets := make([]*handlerSet, 0, len(b.handlers))
	for channel, set := range b.handlers {
		sets = append(sets, set)
		delete(b.handlers, channel)
	}
	b.mu.Unlock()

	close(b.closedCh)
	b.cancel()
	for _, set := range sets {
		if set.unsub != nil {
			set.unsub()
		}
	}
	b.log.Info("event bus closed")
	return nil
}

func (b *Bus) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.New(errs.CodeBusClosed, errs.WithMessage("bus is shutting down"))
	}
	return nil
}

func invalidEnvelope(err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.New(errs.CodeValidationError,
		errs.WithMessage(err.Error()),
		errs.WithCause(err))
}
