package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-ipc/contracts"
)

func TestFuture(t *testing.T) {
	t.Run("first completion wins", func(t *testing.T) {
		f := newFuture[string]("echo", "corr-1")
		assert.Nil(t, f.Err())

		assert.True(t, f.complete("first", nil))
		assert.False(t, f.complete("second", errors.New("late")))

		value, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "first", value)
		assert.Equal(t, "corr-1", f.CorrelationID())
	})

	t.Run("cancel abandons once", func(t *testing.T) {
		abandoned := 0
		f := newFuture[string]("echo", "corr-1")
		f.onAbandon = func() { abandoned++ }

		f.Cancel()
		f.Cancel()

		_, err := f.Await(context.Background())
		assert.ErrorIs(t, err, ErrFutureCancelled)
		assert.Equal(t, 1, abandoned)
	})

	t.Run("completed future ignores a dead context", func(t *testing.T) {
		f := failedFuture[int]("echo", ErrNoChannel)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.Await(ctx)
		assert.ErrorIs(t, err, ErrNoChannel)
		assert.Empty(t, f.CorrelationID())
		select {
		case <-f.Done():
		default:
			t.Fatal("done channel not closed")
		}
	})
}

func TestProducerManager_BreakerFailsFast(t *testing.T) {
	transport := newFakeTransport(t)
	transport.failSends(errors.New("broker down"))

	bus := newTestBus(t, "caller", transport, WithBreakerSettings(BreakerSettings{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}))
	route := Route{Channel: "orders.placed", Kind: contracts.KindEvent}

	for i := 0; i < 2; i++ {
		err := bus.Producers().Send(context.Background(), route, contracts.NewEnvelope(route.Channel, route.Kind, nil))
		require.Error(t, err)
	}
	created := transport.producersCreated.Load()
	assert.EqualValues(t, 2, created)
	assert.EqualValues(t, 2, transport.producersClosed.Load())

	// Open breaker: the transport is not touched.
	err := bus.Producers().Send(context.Background(), route, contracts.NewEnvelope(route.Channel, route.Kind, nil))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, created, transport.producersCreated.Load())
}

func TestProducerManager_BreakerPerRoute(t *testing.T) {
	transport := newFakeTransport(t)
	failing := Route{Channel: "ledger.posted", Kind: contracts.KindEvent}
	healthy := Route{Channel: "orders.placed", Kind: contracts.KindEvent}
	transport.failRoute(failing, errors.New("queue unreachable"))

	bus := newTestBus(t, "caller", transport, WithBreakerSettings(BreakerSettings{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}))
	send := func(route Route) error {
		return bus.Producers().Send(context.Background(), route, contracts.NewEnvelope(route.Channel, route.Kind, nil))
	}

	for i := 0; i < 3; i++ {
		require.Error(t, send(failing))
	}
	assert.True(t, bus.Producers().BreakerOpen())
	assert.Equal(t, []Route{failing}, bus.Producers().OpenRoutes())

	for i := 0; i < 3; i++ {
		require.NoError(t, send(healthy))
	}
	assert.Equal(t, []Route{failing}, bus.Producers().OpenRoutes())
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(reg, "ipc")
	require.NoError(t, err)

	_, err = NewPrometheusMetrics(reg, "ipc")
	assert.Error(t, err, "collectors cannot be registered twice")

	transport := newFakeTransport(t)
	server := newTestBus(t, "echo-service", transport, WithMetrics(metrics))
	registry := NewHandlerRegistry()
	require.NoError(t, RegisterCommandHandler(registry, uppercaseHandler()))
	startCommandDispatcher(t, server, registry)

	client := newTestBus(t, "caller", transport, WithMetrics(metrics))
	exec := NewCommandExecutor[echoCommand, echoReply](client)
	_, err = exec.Call(testContext(t), echoCommand{Text: "hi"}, contracts.NewExecutionContext("alice"))
	require.NoError(t, err)

	require.NoError(t, NewEventDispatcher(client).Publish(testContext(t), orderPlaced{OrderID: 1}, contracts.NewExecutionContext("alice")))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsSent.WithLabelValues("echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.repliesReceived.WithLabelValues("echo", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.commandsHandled.WithLabelValues("echo", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.eventsPublished.WithLabelValues("orders.placed", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pendingReplies.WithLabelValues(ReplyChannelName("caller", "echo"))))
}
