package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nmxmxh/loom/pkg/errs"
	"github.com/nmxmxh/loom/pkg/events"
)

func newMemoryBus(t *testing.T, opts Options) *Bus {
	t.Helper()
	transport := NewMemoryTransport(0, zap.NewNop())
	t.Cleanup(func() { _ = transport.Close() })

	opts.Transport = transport
	opts.Log = zap.NewNop()
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAskRoundTrip(t *testing.T) {
	b := newMemoryBus(t, Options{})

	unsub, err := b.On("worker", "GET_STATUS", func(_ context.Context, env *events.Envelope) (map[string]any, error) {
		return map[string]any{"status": "ok", "echo": env.Payload["probe"]}, nil
	})
	require.NoError(t, err)
	defer unsub()

	result, err := b.Ask(context.Background(), "worker",
		events.New("GET_STATUS", map[string]any{"probe": "ping"}))
	require.NoError(t, err)
	assert.Equal(t, "ok", result["status"])
	assert.Equal(t, "ping", result["echo"])
}

func TestAskMintsCorrelationID(t *testing.T) {
	b := newMemoryBus(t, Options{})

	seen := make(chan string, 1)
	unsub, err := b.On("worker", "GET_STATUS", func(_ context.Context, env *events.Envelope) (map[string]any, error) {
		seen <- env.CorrelationID
		return map[string]any{}, nil
	})
	require.NoError(t, err)
	defer unsub()

	_, err = b.Ask(context.Background(), "worker", events.New("GET_STATUS", nil))
	require.NoError(t, err)

	correlationID := <-seen
	require.NotEmpty(t, correlationID)
	assert.NoError(t, events.ValidateCorrelationID(correlationID))
}

func TestAskHandlerErrorSurfaces(t *testing.T) {
	b := newMemoryBus(t, Options{})

	unsub, err := b.On("worker", "GET_USER", func(context.Context, *events.Envelope) (map[string]any, error) {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("user missing"))
	})
	require.NoError(t, err)
	defer unsub()

	_, err = b.Ask(context.Background(), "worker", events.New("GET_USER", map[string]any{"id": "u1"}))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
	assert.Equal(t, 404, errs.StatusOf(err))
	assert.Contains(t, err.Error(), "user missing")
}

func TestAskTimeout(t *testing.T) {
	b := newMemoryBus(t, Options{})

	start := time.Now()
	_, err := b.Ask(context.Background(), "nobody",
		events.New("GET_STATUS", nil), WithAskTimeout(100*time.Millisecond))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeRequestTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)

	// The pending ask is evicted on timeout.
	assert.Equal(t, int64(0), b.PendingAsks())
}

func TestAskRetriesUntilHandlerAppears(t *testing.T) {
	b := newMemoryBus(t, Options{})

	// No subscriber for the first attempt; the handler shows up before
	// the retry republish.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = b.On("worker", "GET_STATUS", func(context.Context, *events.Envelope) (map[string]any, error) {
			return map[string]any{"status": "late"}, nil
		})
	}()

	result, err := b.Ask(context.Background(), "worker", events.New("GET_STATUS", nil),
		WithAskTimeout(60*time.Millisecond), WithAskRetries(5))
	require.NoError(t, err)
	assert.Equal(t, "late", result["status"])
}

func TestAskRejectsInvalidTarget(t *testing.T) {
	b := newMemoryBus(t, Options{})

	_, err := b.Ask(context.Background(), "", events.New("GET_STATUS", nil))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidationError))

	_, err = b.Ask(context.Background(), "worker", events.New("not-upper-snake", nil))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidationError))
}

func TestTellDeliversAndAcks(t *testing.T) {
	b := newMemoryBus(t, Options{AtLeastOnce: true})

	received := make(chan *events.Envelope, 1)
	unsub, err := b.On("worker", "SEND_EMAIL", func(_ context.Context, env *events.Envelope) (map[string]any, error) {
		received <- env
		return nil, nil
	})
	require.NoError(t, err)
	defer unsub()

	env := events.New("SEND_EMAIL", map[string]any{"to": "a@b.c"})
	require.NoError(t, b.Tell(context.Background(), "worker", env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("envelope was not delivered")
	}

	require.Eventually(t, func() bool {
		n, err := b.PendingDeliveries(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond, "delivered tell should be acked")
}

func TestTellRedeliversAfterHandlerFailure(t *testing.T) {
	b := newMemoryBus(t, Options{AtLeastOnce: true, AckTTL: 20 * time.Millisecond})

	var calls atomic.Int32
	unsub, err := b.On("worker", "SEND_EMAIL", func(context.Context, *events.Envelope) (map[string]any, error) {
		if calls.Inc() == 1 {
			return nil, errs.New(errs.CodeDBConnectionFailed, errs.WithMessage("connection refused"))
		}
		return nil, nil
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Tell(context.Background(), "worker", events.New("SEND_EMAIL", nil)))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The failed delivery stays pending until the sweeper republishes it.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.SweepNow(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := b.PendingDeliveries(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTellExhaustedRedeliveriesAreDropped(t *testing.T) {
	// No DLQ configured: the envelope is logged and removed once the
	// attempt budget is spent.
	b := newMemoryBus(t, Options{
		AtLeastOnce:     true,
		AckTTL:          time.Millisecond,
		MaxRedeliveries: 1,
	})

	require.NoError(t, b.Tell(context.Background(), "nobody", events.New("SEND_EMAIL", nil)))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SweepNow(context.Background())) // attempt 1

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SweepNow(context.Background())) // budget spent, dropped

	n, err := b.PendingDeliveries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := newMemoryBus(t, Options{})

	var first, second atomic.Int32
	unsub1, err := b.Subscribe("USER_CREATED", func(context.Context, *events.Envelope) (map[string]any, error) {
		first.Inc()
		return nil, nil
	})
	require.NoError(t, err)
	defer unsub1()

	unsub2, err := b.Subscribe("USER_CREATED", func(context.Context, *events.Envelope) (map[string]any, error) {
		second.Inc()
		return nil, nil
	})
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, b.Publish(context.Background(), events.New("USER_CREATED", map[string]any{"id": "u1"})))

	require.Eventually(t, func() bool {
		return first.Load() == 1 && second.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newMemoryBus(t, Options{})

	var calls atomic.Int32
	unsub, err := b.On("worker", "SEND_EMAIL", func(context.Context, *events.Envelope) (map[string]any, error) {
		calls.Inc()
		return nil, nil
	})
	require.NoError(t, err)
	unsub()

	require.NoError(t, b.Tell(context.Background(), "worker", events.New("SEND_EMAIL", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandlerPanicBecomesErrorReply(t *testing.T) {
	b := newMemoryBus(t, Options{})

	unsub, err := b.On("worker", "GET_STATUS", func(context.Context, *events.Envelope) (map[string]any, error) {
		panic("boom")
	})
	require.NoError(t, err)
	defer unsub()

	_, err = b.Ask(context.Background(), "worker", events.New("GET_STATUS", nil))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnknownError))
	assert.Contains(t, err.Error(), "panicked")
}

func TestCloseFailsInflightAsks(t *testing.T) {
	b := newMemoryBus(t, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Ask(context.Background(), "nobody",
			events.New("GET_STATUS", nil), WithAskTimeout(5*time.Second))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.PendingAsks() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errs.IsCode(err, errs.CodeBusClosed))
	case <-time.After(time.Second):
		t.Fatal("ask did not fail on close")
	}
	assert.Equal(t, int64(0), b.PendingAsks())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := newMemoryBus(t, Options{})
	require.NoError(t, b.Close())

	_, err := b.Ask(context.Background(), "worker", events.New("GET_STATUS", nil))
	assert.True(t, errs.IsCode(err, errs.CodeBusClosed))

	err = b.Tell(context.Background(), "worker", events.New("SEND_EMAIL", nil))
	assert.True(t, errs.IsCode(err, errs.CodeBusClosed))

	err = b.Publish(context.Background(), events.New("USER_CREATED", nil))
	assert.True(t, errs.IsCode(err, errs.CodeBusClosed))

	_, err = b.On("worker", "SEND_EMAIL", func(context.Context, *events.Envelope) (map[string]any, error) {
		return nil, nil
	})
	assert.True(t, errs.IsCode(err, errs.CodeBusClosed))
}

func TestAskCancelledContext(t *testing.T) {
	b := newMemoryBus(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := b.Ask(ctx, "nobody", events.New("GET_STATUS", nil), WithAskTimeout(5*time.Second))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeRequestTimeout))
}
