package bus

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/redis"
)

const (
	defaultDeliveryQueueSize = 256
	defaultDeliveryWorkers   = 8

	subscribeConfirmTimeout = 5 * time.Second
)

// RedisTransportOptions tune the shared delivery pipeline.
type RedisTransportOptions struct {
	// QueueSize bounds the delivery queue shared by all channels.
	QueueSize int
	// Workers is the number of goroutines draining the queue.
	Workers int
}

// RedisTransport bridges channels over Redis pub/sub so actors in
// separate processes can exchange envelopes. Each channel gets its own
// subscription and listen goroutine; deliveries funnel through one
// bounded queue drained by a fixed worker pool, and overflow drops the
// message rather than blocking the listener.
type RedisTransport struct {
	client *redis.Client
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*redisChannel
	nextID   uint64
	closed   bool

	deliverQ chan redisDelivery
	listenWG sync.WaitGroup
	workerWG sync.WaitGroup
	drops    atomic.Int64
}

type redisChannel struct {
	pubsub *goredis.PubSub
	fns    map[uint64]func([]byte)
}

type redisDelivery struct {
	channel string
	data    []byte
}

// NewRedisTransport starts the delivery workers. The client must
// already be connected.
func NewRedisTransport(client *redis.Client, opts RedisTransportOptions, log *zap.Logger) *RedisTransport {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultDeliveryQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultDeliveryWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		client:   client,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*redisChannel),
		deliverQ: make(chan redisDelivery, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		t.workerWG.Add(1)
		go t.worker()
	}
	return t
}

// Publish sends data on the channel. Subscribers in every process
// holding a subscription receive it.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errs.New(errs.CodeBusClosed, errs.WithMessage("transport is closed"))
	}
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return errs.New(errs.CodeBusClosed,
			errs.WithMessage("failed to publish to channel"),
			errs.WithStatus(503),
			errs.WithCause(err),
			errs.WithContextValue("channel", channel))
	}
	return nil
}

// Subscribe opens the channel subscription on first use and registers
// fn for fan-out.
func (t *RedisTransport) Subscribe(channel string, fn func(data []byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errs.New(errs.CodeBusClosed, errs.WithMessage("transport is closed"))
	}

	entry, ok := t.channels[channel]
	if !ok {
		pubsub := t.client.Subscribe(t.ctx, channel)
		confirmCtx, cancel := context.WithTimeout(t.ctx, subscribeConfirmTimeout)
		_, err := pubsub.Receive(confirmCtx)
		cancel()
		if err != nil {
			_ = pubsub.Close()
			return nil, errs.New(errs.CodeBusClosed,
				errs.WithMessage("failed to subscribe to channel"),
				errs.WithStatus(503),
				errs.WithCause(err),
				errs.WithContextValue("channel", channel))
		}
		entry = &redisChannel{pubsub: pubsub, fns: make(map[uint64]func([]byte))}
		t.channels[channel] = entry
		t.listenWG.Add(1)
		go t.listen(channel, pubsub)
	}

	t.nextID++
	id := t.nextID
	entry.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			current, ok := t.channels[channel]
			if !ok {
				return
			}
			delete(current.fns, id)
			if len(current.fns) == 0 {
				_ = current.pubsub.Close()
				delete(t.channels, channel)
			}
		})
	}, nil
}

// listen pumps one channel's messages into the shared delivery queue.
// A full queue drops the message; blocking here would stall the pubsub
// connection for every channel.
func (t *RedisTransport) listen(channel string, pubsub *goredis.PubSub) {
	defer t.listenWG.Done()
	for msg := range pubsub.Channel() {
		select {
		case t.deliverQ <- redisDelivery{channel: channel, data: []byte(msg.Payload)}:
		default:
			t.drops.Inc()
			t.log.Warn("delivery queue full, dropping message",
				zap.String("channel", channel),
				zap.Int64("total_dropped", t.drops.Load()))
		}
	}
}

func (t *RedisTransport) worker() {
	defer t.workerWG.Done()
	for d := range t.deliverQ {
		t.mu.Lock()
		entry, ok := t.channels[d.channel]
		var fns []func([]byte)
		if ok {
			fns = make([]func([]byte), 0, len(entry.fns))
			for _, fn := range entry.fns {
				fns = append(fns, fn)
			}
		}
		t.mu.Unlock()

		for _, fn := range fns {
			t.invoke(d.channel, fn, d.data)
		}
	}
}

func (t *RedisTransport) invoke(channel string, fn func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("subscriber panicked",
				zap.String("channel", channel),
				zap.Any("panic", r))
		}
	}()
	fn(data)
}

// Ping verifies the Redis connection.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.IsAvailable(ctx)
}

// Close tears down every subscription and stops the workers. In-flight
// deliveries finish first.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for channel, entry := range t.channels {
		_ = entry.pubsub.Close()
		delete(t.channels, channel)
	}
	t.mu.Unlock()

	t.cancel()
	t.listenWG.Wait()
	close(t.deliverQ)
	t.workerWG.Wait()
	return nil
}

// Dropped reports messages discarded because the delivery queue was
// full.
func (t *RedisTransport) Dropped() int64 {
	return t.drops.Load()
}
