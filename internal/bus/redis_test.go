package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
	"github.com/nmxmxh/loom/pkg/redis"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(redis.Config{URL: "redis://" + mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newRedisBus(t *testing.T, client *redis.Client, opts Options) *Bus {
	t.Helper()
	transport := NewRedisTransport(client, RedisTransportOptions{}, zap.NewNop())
	t.Cleanup(func() { _ = transport.Close() })

	opts.Transport = transport
	opts.Log = zap.NewNop()
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisTransportDelivers(t *testing.T) {
	client, _ := newRedisClient(t)
	transport := NewRedisTransport(client, RedisTransportOptions{}, zap.NewNop())
	defer transport.Close()

	received := make(chan []byte, 1)
	unsub, err := transport.Subscribe("actor:worker:PING", func(data []byte) {
		received <- data
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, transport.Publish(context.Background(), "actor:worker:PING", []byte("hello")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestRedisTransportUnsubscribe(t *testing.T) {
	client, _ := newRedisClient(t)
	transport := NewRedisTransport(client, RedisTransportOptions{}, zap.NewNop())
	defer transport.Close()

	var calls atomic.Int32
	unsub, err := transport.Subscribe("broadcast:PING", func([]byte) {
		calls.Inc()
	})
	require.NoError(t, err)
	unsub()

	require.NoError(t, transport.Publish(context.Background(), "broadcast:PING", []byte("x")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRedisPendingStoreLifecycle(t *testing.T) {
	client, _ := newRedisClient(t)
	store := NewRedisPendingStore(client)
	ctx := context.Background()
	now := time.Now()

	overdue := &PendingEntry{
		Envelope: events.New("SEND_EMAIL", map[string]any{"to": "a@b.c"}),
		Target:   "mailer",
		Deadline: now.Add(-time.Second),
	}
	fresh := &PendingEntry{
		Envelope: events.New("SEND_EMAIL", nil),
		Target:   "mailer",
		Deadline: now.Add(time.Hour),
	}
	require.NoError(t, store.Put(ctx, overdue))
	require.NoError(t, store.Put(ctx, fresh))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	due, err := store.Due(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.Envelope.ID, due[0].Envelope.ID)
	assert.Equal(t, "mailer", due[0].Target)

	require.NoError(t, store.Extend(ctx, overdue.Envelope.ID, 3, now.Add(-time.Minute)))
	due, err = store.Due(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 3, due[0].Attempts)

	acked, err := store.Ack(ctx, overdue.Envelope.ID)
	require.NoError(t, err)
	assert.True(t, acked)

	acked, err = store.Ack(ctx, overdue.Envelope.ID)
	require.NoError(t, err)
	assert.False(t, acked)

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAskOverRedis(t *testing.T) {
	client, _ := newRedisClient(t)
	b := newRedisBus(t, client, Options{})

	unsub, err := b.On("worker", "GET_STATUS", func(_ context.Context, env *events.Envelope) (map[string]any, error) {
		return map[string]any{"status": "ok"}, nil
	})
	require.NoError(t, err)
	defer unsub()

	result, err := b.Ask(context.Background(), "worker", events.New("GET_STATUS", nil))
	require.NoError(t, err)
	assert.Equal(t, "ok", result["status"])
}

func TestDedupAcrossInstances(t *testing.T) {
	client, _ := newRedisClient(t)
	lock := redis.NewCache(client, "")

	var handled atomic.Int32
	handler := func(context.Context, *events.Envelope) (map[string]any, error) {
		handled.Inc()
		return nil, nil
	}

	first := newRedisBus(t, client, Options{DedupLock: lock})
	second := newRedisBus(t, client, Options{DedupLock: lock})

	unsub1, err := first.On("worker", "DO_WORK", handler)
	require.NoError(t, err)
	defer unsub1()
	unsub2, err := second.On("worker", "DO_WORK", handler)
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, first.Tell(context.Background(), "worker", events.New("DO_WORK", nil)))

	require.Eventually(t, func() bool { return handled.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load(), "only one instance should claim the envelope")
}

func TestExhaustedDeliveriesReachDeadLetterStream(t *testing.T) {
	client, _ := newRedisClient(t)
	b := newRedisBus(t, client, Options{
		AtLeastOnce:     true,
		Pending:         NewRedisPendingStore(client),
		DLQ:             client,
		AckTTL:          time.Millisecond,
		MaxRedeliveries: 1,
	})

	env := events.New("SEND_EMAIL", map[string]any{"to": "a@b.c"})
	require.NoError(t, b.Tell(context.Background(), "nobody", env))

	ctx := context.Background()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SweepNow(ctx)) // redelivery attempt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SweepNow(ctx)) // budget spent, dead-lettered

	length, err := client.XLen(ctx, redis.StreamDeadLetter).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	msgs, err := client.XRange(ctx, redis.StreamDeadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "SEND_EMAIL", msgs[0].Values["event_type"])
	assert.Equal(t, "nobody", msgs[0].Values["target"])

	n, err := b.PendingDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisBusSurvivesTransportClosure(t *testing.T) {
	client, _ := newRedisClient(t)
	transport := NewRedisTransport(client, RedisTransportOptions{}, zap.NewNop())
	require.NoError(t, transport.Close())

	err := transport.Publish(context.Background(), "broadcast:PING", []byte("x"))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeBusClosed))

	_, err = transport.Subscribe("broadcast:PING", func([]byte) {})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeBusClosed))
}
