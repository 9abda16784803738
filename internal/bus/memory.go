package bus

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
)

// DefaultBufferSize is the per-subscriber queue depth for the memory
// transport.
const DefaultBufferSize = 64

// MemoryTransport is a single-process transport. Each subscriber owns a
// buffered queue drained by its own goroutine; a full queue drops the
// oldest message so one slow subscriber cannot stall publishers.
type MemoryTransport struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySub
	nextID uint64
	closed bool

	wg    sync.WaitGroup
	drops atomic.Int64
}

type memorySub struct {
	ch chan []byte
	fn func([]byte)
}

// NewMemoryTransport builds a memory transport. bufferSize <= 0 uses
// DefaultBufferSize.
func NewMemoryTransport(bufferSize int, log *zap.Logger) *MemoryTransport {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryTransport{
		log:    log,
		buffer: bufferSize,
		subs:   make(map[string]map[uint64]*memorySub),
	}
}

// Publish copies data into every subscriber queue for the channel.
func (t *MemoryTransport) Publish(_ context.Context, channel string, data []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return errs.New(errs.CodeBusClosed, errs.WithMessage("transport is closed"))
	}
	targets := make([]*memorySub, 0, len(t.subs[channel]))
	for _, sub := range t.subs[channel] {
		targets = append(targets, sub)
	}
	t.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- data:
		default:
			// Full queue: evict the oldest entry and retry once.
			select {
			case <-sub.ch:
				t.drops.Inc()
			default:
			}
			select {
			case sub.ch <- data:
			default:
				t.drops.Inc()
				t.log.Warn("memory transport dropped message",
					zap.String("channel", channel),
					zap.Int64("total_dropped", t.drops.Load()))
			}
		}
	}
	return nil
}

// Subscribe registers fn and starts its drain goroutine.
func (t *MemoryTransport) Subscribe(channel string, fn func(data []byte)) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errs.New(errs.CodeBusClosed, errs.WithMessage("transport is closed"))
	}
	t.nextID++
	id := t.nextID
	sub := &memorySub{ch: make(chan []byte, t.buffer), fn: fn}
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[uint64]*memorySub)
	}
	t.subs[channel][id] = sub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.drain(channel, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if entries, ok := t.subs[channel]; ok {
				if s, ok := entries[id]; ok {
					delete(entries, id)
					close(s.ch)
				}
				if len(entries) == 0 {
					delete(t.subs, channel)
				}
			}
			t.mu.Unlock()
		})
	}, nil
}

func (t *MemoryTransport) drain(channel string, sub *memorySub) {
	defer t.wg.Done()
	for data := range sub.ch {
		t.invoke(channel, sub.fn, data)
	}
}

func (t *MemoryTransport) invoke(channel string, fn func([]byte), data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("subscriber panicked",
				zap.String("channel", channel),
				zap.Any("panic", r))
		}
	}()
	fn(data)
}

// Ping always succeeds while the transport is open.
func (t *MemoryTransport) Ping(context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errs.New(errs.CodeBusClosed, errs.WithMessage("transport is closed"))
	}
	return nil
}

// Close stops every subscriber and waits for queues to drain.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for channel, entries := range t.subs {
		for id, sub := range entries {
			close(sub.ch)
			delete(entries, id)
		}
		delete(t.subs, channel)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// Dropped reports how many messages were discarded due to full queues.
func (t *MemoryTransport) Dropped() int64 {
	return t.drops.Load()
}
